// Package router dispatches operator chat commands to handlers with
// access control, per-user throttling and a bounded worker pool.
package router

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "starsagent/internal/runtime/supervisor"
	kit "starsagent/internal/transport"
	logx "starsagent/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides Config.DefaultTimeout
	Handle      HandlerFunc
}

type Request struct {
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string
	Logger       logx.Logger

	adapter kit.Adapter
}

// Reply sends plain text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Replyf is Reply with fmt formatting.
func (r *Request) Replyf(ctx context.Context, format string, args ...any) error {
	return r.Reply(ctx, fmt.Sprintf(format, args...))
}

type Config struct {
	Owners         []int64
	Workers        int
	QueueSize      int
	RatePerSec     float64 // per user; 0 means 1
	Burst          int     // 0 means 3
	DefaultTimeout time.Duration
}

type Router struct {
	cfg     Config
	adapter kit.Adapter
	log     logx.Logger

	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases
	names  []string
	owners map[int64]struct{}

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter

	jobs chan func()
}

func New(adapter kit.Adapter, log logx.Logger, cfg Config) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:      cfg,
		adapter:  adapter,
		log:      log.With(logx.String("comp", "telegram.router")),
		cmds:     map[string]*Command{},
		limiters: map[int64]*rate.Limiter{},
		jobs:     make(chan func(), cfg.QueueSize),
	}
	r.SetOwners(cfg.Owners)
	_ = r.Register(Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.HelpText(r.isOwner(req.FromID)))
		},
	})
	return r
}

// Register adds commands. Names and aliases must be unique.
func (r *Router) Register(cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			return fmt.Errorf("router: command needs a name and a handler")
		}
		keys := append([]string{c.Name}, c.Aliases...)
		for _, k := range keys {
			if _, dup := r.cmds[strings.ToLower(k)]; dup {
				return fmt.Errorf("router: duplicate command %q", k)
			}
		}
		for _, k := range keys {
			r.cmds[strings.ToLower(k)] = &c
		}
		r.names = append(r.names, c.Name)
	}
	sort.Strings(r.names)
	return nil
}

func (r *Router) SetOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = owners
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

// HelpText lists the commands visible to the caller.
func (r *Router) HelpText(owner bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("commands:")
	for _, n := range r.names {
		c := r.cmds[n]
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		b.WriteString("\n/")
		b.WriteString(n)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
	}
	return b.String()
}

// MenuCommands returns the Telegram command menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, kit.BotCommand{Command: n, Description: r.cmds[n].Description})
	}
	return out
}

func (r *Router) allow(userID int64) bool {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	lim, ok := r.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.RatePerSec), r.cfg.Burst)
		r.limiters[userID] = lim
	}
	return lim.Allow()
}

// route resolves an update to a job. Replies for unknown, unauthorized or
// throttled commands are sent inline and nil is returned.
func (r *Router) route(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return nil
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return nil
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd := r.cmds[word]
	r.mu.RUnlock()
	if cmd == nil {
		_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return nil
	}
	if !r.allow(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "too many commands, slow down", nil)
		return nil
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         parts[1:],
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		adapter: r.adapter,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	return func() {
		if err := h(ctx, req); err != nil {
			_ = req.Reply(ctx, "error: "+err.Error())
		}
	}
}

// Dispatch handles one update synchronously.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	if job := r.route(ctx, up); job != nil {
		job()
	}
}

// Run consumes updates until ctx ends, executing commands on a worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < r.cfg.Workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				r.log.Warn("command queue full, dropping", logx.Int("cap", cap(r.jobs)))
				if up.Message != nil {
					_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, "busy, try again", nil)
				}
			}
		}
	}
}
