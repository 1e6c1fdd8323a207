// Package queue drives the send queue: it takes the oldest eligible pending
// task, asks the rate limiter for admission, waits a randomized delay, sends
// and records the outcome. Exactly one task is handled per tick.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"starsagent/internal/eventbus"
	"starsagent/internal/ratelimit"
	"starsagent/internal/sender"
	"starsagent/internal/settings"
	"starsagent/internal/storage"
	logx "starsagent/pkg/logx"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultIdleInterval = 5 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultDelayMin     = 60 * time.Second
	DefaultDelayMax     = 180 * time.Second
	monitorRecent       = 3

	completeRetries = 3
	completeBackoff = time.Second
)

// Result describes what a single tick did.
type Result string

const (
	ResultIdle          Result = "idle"
	ResultOutsideWindow Result = "outside_window"
	ResultDenied        Result = "denied"
	ResultCompleted     Result = "completed"
	ResultRetry         Result = "retry"
	ResultFailed        Result = "failed"
	ResultDeferred      Result = "deferred"
	ResultInterrupted   Result = "interrupted"
	ResultMonitoring    Result = "monitoring"
	ResultStoreError    Result = "store_error"
	ResultBusy          Result = "busy"
)

type Config struct {
	PollInterval time.Duration
	IdleInterval time.Duration
	MaxAttempts  int
	DelayMin     time.Duration
	DelayMax     time.Duration
	Location     *time.Location
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DelayMin < 0 {
		c.DelayMin = 0
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// completion is a confirmed send that still has to be written to the store.
type completion struct {
	task storage.Task
	at   time.Time
	date string
}

// Deps are the collaborators of a Processor. Sender may be nil, which puts
// the processor into monitoring-only mode.
type Deps struct {
	Store   storage.Store
	Limiter *ratelimit.Limiter
	Sender  sender.Sender
	Bus     eventbus.Bus
	Log     logx.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
}

type Processor struct {
	mu  sync.Mutex
	cfg Config

	store   storage.Store
	limiter *ratelimit.Limiter
	sender  sender.Sender
	bus     eventbus.Bus
	log     logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand

	tickMu     sync.Mutex
	unrecorded map[int64]completion // confirmed sends whose write failed; guarded by tickMu
	ticks      atomic.Uint64
	lastTick   atomic.Value // time.Time
	lastResult atomic.Value // Result
}

func New(cfg Config, d Deps) *Processor {
	p := &Processor{
		cfg:     cfg.withDefaults(),
		store:   d.Store,
		limiter: d.Limiter,
		sender:  d.Sender,
		bus:     d.Bus,
		log:     d.Log,
		now:     d.Now,
		sleep:   d.Sleep,
		rng:     d.Rand,

		unrecorded: make(map[int64]completion),
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "queue"))
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p.lastTick.Store(time.Time{})
	p.lastResult.Store(Result(""))
	return p
}

func (p *Processor) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// ApplyConfig swaps the timing configuration; it takes effect on the next tick.
func (p *Processor) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Monitoring reports whether the processor runs without a sender.
func (p *Processor) Monitoring() bool { return p.sender == nil }

// Run ticks until ctx ends. It returns nil on cancellation.
func (p *Processor) Run(ctx context.Context) error {
	if p.Monitoring() {
		p.log.Warn("sender unavailable, running in monitoring-only mode")
	}
	p.log.Info("queue processor started",
		logx.Duration("poll", p.config().PollInterval),
		logx.Duration("idle", p.config().IdleInterval),
		logx.Int("max_attempts", p.config().MaxAttempts),
	)
	for {
		res, err := p.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("queue tick failed", logx.String("result", string(res)), logx.Err(err))
		}
		if ctx.Err() != nil {
			p.log.Info("queue processor stopped")
			return nil
		}

		cfg := p.config()
		wait := cfg.PollInterval
		if res == ResultOutsideWindow || res == ResultMonitoring {
			wait = cfg.IdleInterval
		}
		if err := p.sleep(ctx, wait); err != nil {
			p.log.Info("queue processor stopped")
			return nil
		}
	}
}

// Tick handles at most one task. Ticks never overlap; a concurrent call
// returns ResultBusy.
func (p *Processor) Tick(ctx context.Context) (Result, error) {
	if !p.tickMu.TryLock() {
		return ResultBusy, nil
	}
	defer p.tickMu.Unlock()

	res, err := p.tick(ctx)
	p.ticks.Add(1)
	p.lastTick.Store(p.now())
	p.lastResult.Store(res)
	return res, err
}

func (p *Processor) tick(ctx context.Context) (Result, error) {
	if p.Monitoring() {
		return ResultMonitoring, p.monitor(ctx)
	}

	// A task sent but not yet recorded is still pending in the store; it
	// must be written before anything is fetched again.
	if err := p.flushCompletions(ctx); err != nil {
		return ResultStoreError, err
	}

	cfg := p.config()
	now := p.now()
	if !p.limiter.InWindow(now) {
		p.log.Debug("outside working hours", logx.Time("now", now))
		return ResultOutsideWindow, nil
	}

	task, ok, err := p.store.FetchNextPending(ctx, cfg.MaxAttempts)
	if err != nil {
		return ResultStoreError, err
	}
	if !ok {
		return ResultIdle, nil
	}

	log := p.log.With(
		logx.String("cycle", uuid.NewString()[:8]),
		logx.Int64("task_id", task.ID),
		logx.String("destination", task.Destination),
		logx.Int("amount", task.Amount),
		logx.Int("attempt", task.Attempts+1),
	)

	dec := p.limiter.Admit(task.Amount, now)
	if !dec.Allowed {
		log.Info("send deferred by rate limit", logx.String("reason", string(dec.Reason)), logx.Duration("wait", dec.Wait))
		p.publish(EventAdmissionDenied, TaskEvent{
			TaskID: task.ID, Destination: task.Destination, Amount: task.Amount,
			Attempts: task.Attempts, Reason: string(dec.Reason),
		})
		return ResultDenied, nil
	}

	delay := p.randomDelay(cfg)
	log.Debug("waiting before send", logx.Duration("delay", delay))
	if err := p.sleep(ctx, delay); err != nil {
		log.Info("shutdown during pre-send delay, task left pending")
		return ResultInterrupted, nil
	}

	out := p.sender.Send(ctx, task.Destination, task.Amount)
	// A definite outcome must be recorded even while shutting down.
	wctx := context.WithoutCancel(ctx)
	done := p.now()
	date := ratelimit.DateKey(done, cfg.Location)

	switch out.Kind {
	case sender.KindSuccess:
		p.limiter.Commit(task.Amount, done)
		c := completion{task: task, at: done, date: date}
		if err := p.recordCompletion(wctx, c); err != nil {
			p.unrecorded[task.ID] = c
			log.Error("send succeeded but recording failed, will retry before next fetch", logx.Err(err))
			return ResultCompleted, err
		}
		log.Info("task completed")
		return ResultCompleted, nil

	case sender.KindOverload:
		log.Warn("service overloaded, backing off", logx.Duration("retry_after", out.RetryAfter))
		p.publish(EventTaskDeferred, TaskEvent{
			TaskID: task.ID, Destination: task.Destination, Amount: task.Amount,
			Attempts: task.Attempts, RetryAfter: out.RetryAfter,
		})
		if err := p.sleep(ctx, out.RetryAfter); err != nil {
			return ResultInterrupted, nil
		}
		return ResultDeferred, nil

	case sender.KindNotFound, sender.KindError:
		attempts := task.Attempts + 1
		status, err := p.store.FailTask(wctx, task.ID, out.Message, attempts, cfg.MaxAttempts, date)
		if err != nil {
			log.Error("recording failure failed", logx.String("outcome", out.String()), logx.Err(err))
			return ResultStoreError, err
		}
		ev := TaskEvent{
			TaskID: task.ID, Destination: task.Destination, Amount: task.Amount,
			Attempts: attempts, Status: string(status), Error: out.Message, Reason: out.Kind.String(),
		}
		if status == storage.StatusFailed {
			log.Error("task failed permanently", logx.String("outcome", out.String()))
			p.publish(EventTaskFailed, ev)
			return ResultFailed, nil
		}
		log.Warn("send failed, will retry", logx.String("outcome", out.String()))
		p.publish(EventTaskRetry, ev)
		return ResultRetry, nil

	default:
		log.Info("send interrupted, task left pending")
		return ResultInterrupted, nil
	}
}

// recordCompletion writes a confirmed send, retrying with backoff. ctx must
// not be cancelled by shutdown.
func (p *Processor) recordCompletion(ctx context.Context, c completion) error {
	var err error
	backoff := completeBackoff
	for i := 0; i < completeRetries; i++ {
		if i > 0 {
			if serr := p.sleep(ctx, backoff); serr != nil {
				return serr
			}
			backoff *= 2
		}
		if err = p.store.CompleteTask(ctx, c.task.ID, c.at, c.date, c.task.Amount); err == nil {
			p.publish(EventTaskCompleted, TaskEvent{
				TaskID: c.task.ID, Destination: c.task.Destination, Amount: c.task.Amount,
				Attempts: c.task.Attempts, Status: string(storage.StatusCompleted),
			})
			return nil
		}
		p.log.Warn("recording completion failed",
			logx.Int64("task_id", c.task.ID),
			logx.Int("try", i+1),
			logx.Err(err),
		)
	}
	return err
}

// flushCompletions writes completions left over from earlier ticks.
func (p *Processor) flushCompletions(ctx context.Context) error {
	for id, c := range p.unrecorded {
		if err := p.recordCompletion(context.WithoutCancel(ctx), c); err != nil {
			return err
		}
		delete(p.unrecorded, id)
		p.log.Info("recorded earlier completion", logx.Int64("task_id", id))
	}
	return nil
}

// monitor logs the queue depth and the newest pending tasks.
func (p *Processor) monitor(ctx context.Context) error {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	recent, err := p.store.RecentPending(ctx, monitorRecent)
	if err != nil {
		return err
	}
	p.log.Info("monitoring: queue status",
		logx.Int("pending", counts.Pending),
		logx.Int("completed", counts.Completed),
		logx.Int("failed", counts.Failed),
	)
	for _, t := range recent {
		p.log.Info("monitoring: pending task",
			logx.Int64("task_id", t.ID),
			logx.String("destination", t.Destination),
			logx.Int("amount", t.Amount),
			logx.Int("attempts", t.Attempts),
			logx.Time("created_at", t.CreatedAt),
		)
	}
	return nil
}

// ReloadLimits re-reads the limit settings and applies them to the limiter.
// On a store error the current limits stay in force.
func (p *Processor) ReloadLimits(ctx context.Context) (settings.Limits, error) {
	cur := p.limiter.Config()
	lim, err := settings.Load(ctx, p.store)
	if err != nil {
		return cur.Limits, err
	}
	cur.Limits = lim
	p.limiter.Apply(cur)
	p.log.Info("limits reloaded", logx.String("limits", lim.String()))
	return lim, nil
}

func (p *Processor) randomDelay(cfg Config) time.Duration {
	span := cfg.DelayMax - cfg.DelayMin
	if span <= 0 {
		return cfg.DelayMin
	}
	return cfg.DelayMin + time.Duration(p.rng.Int63n(int64(span)+1))
}

func (p *Processor) publish(typ string, ev TaskEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
