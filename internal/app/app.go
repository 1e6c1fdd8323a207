// Package app wires the agent together: config, logging, storage, the
// queue processor and the optional operator chat, status server and
// scheduled reports.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"starsagent/internal/config"
	"starsagent/internal/eventbus"
	"starsagent/internal/observability/status"
	"starsagent/internal/operator"
	"starsagent/internal/queue"
	"starsagent/internal/ratelimit"
	"starsagent/internal/report"
	rtsup "starsagent/internal/runtime/supervisor"
	"starsagent/internal/sender"
	"starsagent/internal/settings"
	"starsagent/internal/storage"
	kit "starsagent/internal/transport"
	telegram "starsagent/internal/transport/telegram/adapter"
	"starsagent/internal/transport/telegram/router"
	logx "starsagent/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	limiter *ratelimit.Limiter
	proc    *queue.Processor

	// nil when telegram.token is unset
	adapter *telegram.Adapter
	router  *router.Router
	op      *operator.Operator

	report *report.Scheduler
	status *status.Server

	sup     *rtsup.Supervisor
	updates chan kit.Update

	chatMu  sync.RWMutex
	logChat kit.ChatTarget
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, bus: eventbus.New(), updates: make(chan kit.Update, 256)}

	// Logging needs the adapter for the telegram sink, so the adapter is
	// built first with a console logger.
	var logSender kit.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: res.PollTimeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
		logSender = ad
	}

	// Enable the telegram sink only after its target is set, so Apply does
	// not warn about a missing chat.
	base := logConfig(cfg)
	final := base
	base.Telegram.Enabled = false
	logs, log := logx.New(base, logSender)
	a.logs = logs
	a.setLogChat(cfg)
	logs.Apply(final)
	a.log = log.With(logx.String("comp", "app"))

	a.store, err = storage.Open(storage.Config{Path: res.DBPath, BusyTimeout: res.BusyTimeout}, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.log.Info("storage opened", logx.String("path", res.DBPath))

	a.limiter = a.buildLimiter(res)

	snd, err := sender.New(senderConfig(res), log)
	switch {
	case err != nil:
		// Nothing is sent until the sender config is fixed and the agent restarted.
		a.log.Error("sender unavailable, starting in monitoring-only mode", logx.String("driver", res.Sender.Driver), logx.Err(err))
		snd = nil
	case snd == nil:
		a.log.Warn("sender disabled, starting in monitoring-only mode")
	default:
		a.log.Info("sender ready", logx.String("sender", snd.Name()))
	}

	a.proc = queue.New(queueConfig(res), queue.Deps{
		Store:   a.store,
		Limiter: a.limiter,
		Sender:  snd,
		Bus:     a.bus,
		Log:     log,
	})

	a.report = report.NewScheduler(a.proc, a.notifyLogChat, res.Queue.Location, log)
	a.status = status.New(a.proc, a.routines, log)

	if a.adapter != nil {
		a.router = router.New(a.adapter, log, router.Config{
			Owners:     cfg.Telegram.OwnerUserIDs,
			RatePerSec: cfg.Telegram.CommandRate,
		})
		a.op = operator.New(operator.Deps{
			Queue:        a.proc,
			Store:        a.store,
			Bus:          a.bus,
			Alert:        a.notifyLogChat,
			ReloadConfig: a.cfgm.Reload,
			Log:          log,
		})
		if err := a.router.Register(a.op.Commands(res.Queue.DelayMax + time.Minute)...); err != nil {
			_ = a.store.Close()
			_ = logs.Close()
			return nil, err
		}
	}
	return a, nil
}

// buildLimiter seeds the day bucket from today's stored total so a restart
// does not reopen the daily budget.
func (a *App) buildLimiter(res config.Resolved) *ratelimit.Limiter {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lim, err := settings.Load(ctx, a.store)
	if err != nil {
		a.log.Warn("limit settings unavailable, using ceilings", logx.String("limits", lim.String()), logx.Err(err))
	}
	now := time.Now()
	date := ratelimit.DateKey(now, res.Queue.Location)
	today, err := a.store.LoadDailyStat(ctx, date)
	if err != nil {
		a.log.Warn("daily stat unavailable, day bucket starts empty", logx.String("date", date), logx.Err(err))
	}
	a.log.Info("rate limiter ready",
		logx.String("limits", lim.String()),
		logx.String("window", res.Queue.Window.String()),
		logx.String("tz", res.Queue.Location.String()),
		logx.Int("sent_today", today.AmountSent),
	)
	return ratelimit.New(limiterConfig(res, lim), now, today.AmountSent)
}

func (a *App) setLogChat(cfg *config.Config) {
	id, err := cfg.LogChatID()
	if err != nil {
		id = 0
	}
	a.chatMu.Lock()
	a.logChat = kit.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}
	a.chatMu.Unlock()
	a.logs.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
}

// notifyLogChat posts text to telegram.group_log, or logs it when no chat
// is configured.
func (a *App) notifyLogChat(ctx context.Context, text string) error {
	a.chatMu.RLock()
	to := a.logChat
	a.chatMu.RUnlock()
	if a.adapter == nil || to.ChatID == 0 {
		a.log.Info("notice", logx.String("text", text))
		return nil
	}
	_, err := a.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (a *App) routines() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if a.adapter != nil {
		if s := a.adapter.Supervisor(); s != nil {
			out["telegram.adapter"] = s.Snapshot()
		}
	}
	return out
}

// Done is closed when the app supervisor stops, either through Stop or a
// fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Monitoring reports whether the agent runs without a sender.
func (a *App) Monitoring() bool { return a.proc.Monitoring() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	res, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
		a.sup.Go("operator.alerts", a.op.RunAlerts)
		a.sup.Go("telegram.menu", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	} else {
		a.log.Warn("telegram.token not set, operator commands disabled")
	}

	a.sup.Go("queue.processor", a.proc.Run)

	if err := a.report.Start(reportSpec(cfg, res)); err != nil {
		return err
	}
	if err := a.status.Reconfigure(runCtx, statusConfig(cfg, res)); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Bool("monitoring", a.proc.Monitoring()), logx.Bool("operator", a.adapter != nil))
	return nil
}

// validate runs before a reloaded config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	res, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if spec := reportSpec(cfg, res); spec != "" {
		if err := a.report.Validate(spec); err != nil {
			return err
		}
	}
	if _, err := cfg.LogChatID(); err != nil {
		return err
	}
	return status.Validate(statusConfig(cfg, res))
}

// applyConfig pushes a committed config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config reload skipped", logx.Err(err))
		return
	}

	a.setLogChat(next)
	a.logs.Apply(logConfig(next))
	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}

	a.proc.ApplyConfig(queueConfig(res))
	a.limiter.Apply(limiterConfig(res, a.limiter.Config().Limits))

	if err := a.report.Start(reportSpec(next, res)); err != nil {
		a.log.Warn("report schedule not applied", logx.Err(err))
	}
	if err := a.status.Reconfigure(ctx, statusConfig(next, res)); err != nil {
		a.log.Warn("status server not applied", logx.Err(err))
	}

	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("report", time.Second, func(context.Context) error { a.report.Stop(); return nil })
	step("status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 3*time.Second, a.adapter.Stop)
	}
	// Waiting for the processor before closing storage lets an in-flight
	// outcome write finish.
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
