// Package operator implements the chat commands used to inspect and steer
// the send queue, and forwards failure alerts to the log chat.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"starsagent/internal/eventbus"
	"starsagent/internal/queue"
	"starsagent/internal/report"
	"starsagent/internal/settings"
	"starsagent/internal/storage"
	"starsagent/internal/transport/telegram/router"
	logx "starsagent/pkg/logx"
)

// Queue is the processor surface the commands drive.
type Queue interface {
	Snapshot(ctx context.Context) (queue.Snapshot, error)
	Enqueue(ctx context.Context, destination string, amount int, kind string) (int64, error)
	Task(ctx context.Context, id int64) (storage.Task, error)
	ReloadLimits(ctx context.Context) (settings.Limits, error)
	Tick(ctx context.Context) (queue.Result, error)
}

type Store interface {
	SaveLimitSettings(ctx context.Context, ls storage.LimitSettings) error
	RecentPending(ctx context.Context, limit int) ([]storage.Task, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Queue Queue
	Store Store
	Bus   eventbus.Bus
	// Alert posts to the log chat. Nil disables alerts.
	Alert func(ctx context.Context, text string) error
	// ReloadConfig re-reads the config file. Nil limits /reload to the
	// stored limit settings.
	ReloadConfig func(ctx context.Context) (bool, error)
	Log          logx.Logger
	Now          func() time.Time
}

type Operator struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *Operator {
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Operator{d: d, log: log.With(logx.String("comp", "operator"))}
}

// Commands returns the operator command set.
func (o *Operator) Commands(runTimeout time.Duration) []router.Command {
	return []router.Command{
		{Name: "status", Description: "queue, limits and today's totals", Access: router.AccessOwnerOnly, Handle: o.status},
		{Name: "enqueue", Usage: "<destination> <amount> [kind]", Description: "queue a send", Access: router.AccessOwnerOnly, Handle: o.enqueue},
		{Name: "task", Usage: "<id>", Description: "show one task", Access: router.AccessOwnerOnly, Handle: o.task},
		{Name: "pending", Usage: "[n]", Description: "newest pending tasks", Access: router.AccessOwnerOnly, Handle: o.pending},
		{Name: "limits", Usage: "[daily hourly per_task]", Description: "show or set limits", Access: router.AccessOwnerOnly, Handle: o.limits},
		{Name: "reload", Description: "reload config and limits", Access: router.AccessOwnerOnly, Handle: o.reload},
		{Name: "run", Description: "process one task now", Access: router.AccessOwnerOnly, Timeout: runTimeout, Handle: o.run},
	}
}

func (o *Operator) status(ctx context.Context, req *router.Request) error {
	snap, err := o.d.Queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, report.Format(snap))
}

func (o *Operator) enqueue(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 || len(req.Args) > 3 {
		return req.Reply(ctx, "usage: /enqueue <destination> <amount> [kind]")
	}
	amount, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return req.Reply(ctx, "amount must be a whole number")
	}
	kind := ""
	if len(req.Args) == 3 {
		kind = req.Args[2]
	}
	id, err := o.d.Queue.Enqueue(ctx, req.Args[0], amount, kind)
	o.audit(ctx, req, "enqueue", req.Args[0], err, map[string]any{"amount": amount, "kind": kind, "task_id": id})
	if errors.Is(err, storage.ErrInvalidTask) {
		return req.Reply(ctx, "rejected: "+err.Error())
	}
	if err != nil {
		return err
	}
	return req.Replyf(ctx, "queued task #%d: %d to %s", id, amount, req.Args[0])
}

func (o *Operator) task(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /task <id>")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil {
		return req.Reply(ctx, "id must be a number")
	}
	t, err := o.d.Queue.Task(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Replyf(ctx, "task #%d not found", id)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatTask(t))
}

func formatTask(t storage.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task #%d\n", t.ID)
	fmt.Fprintf(&b, "destination: %s\namount: %d %s\n", t.Destination, t.Amount, t.Kind)
	fmt.Fprintf(&b, "status: %s, attempts: %d\n", t.Status, t.Attempts)
	fmt.Fprintf(&b, "created: %s", t.CreatedAt.Format(time.RFC3339))
	if !t.ProcessedAt.IsZero() {
		fmt.Fprintf(&b, "\nprocessed: %s", t.ProcessedAt.Format(time.RFC3339))
	}
	if t.LastError != "" {
		fmt.Fprintf(&b, "\nlast error: %s", t.LastError)
	}
	return b.String()
}

func (o *Operator) pending(ctx context.Context, req *router.Request) error {
	n := 10
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return req.Reply(ctx, "usage: /pending [n]")
		}
		n = min(v, 50)
	}
	tasks, err := o.d.Store.RecentPending(ctx, n)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return req.Reply(ctx, "no pending tasks")
	}
	var b strings.Builder
	b.WriteString("pending:")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n#%d %s %d (attempts %d)", t.ID, t.Destination, t.Amount, t.Attempts)
	}
	return req.Reply(ctx, b.String())
}

func (o *Operator) limits(ctx context.Context, req *router.Request) error {
	switch len(req.Args) {
	case 0:
		snap, err := o.d.Queue.Snapshot(ctx)
		if err != nil {
			return err
		}
		return req.Replyf(ctx, "limits: %s\nceilings: %s", snap.Limits, settings.Ceilings())
	case 3:
	default:
		return req.Reply(ctx, "usage: /limits <daily> <hourly> <per_task>")
	}

	var vals [3]int
	for i, a := range req.Args {
		v, err := strconv.Atoi(a)
		if err != nil || v < 0 {
			return req.Replyf(ctx, "%q is not a non-negative number", a)
		}
		vals[i] = v
	}
	want := settings.Limits{DailyLimit: vals[0], HourlyLimit: vals[1], MaxAmountPerTask: vals[2]}
	saved, err := settings.Save(ctx, o.d.Store, want)
	o.audit(ctx, req, "limits.set", "", err, map[string]any{"requested": want, "saved": saved})
	if err != nil {
		return err
	}
	applied, err := o.d.Queue.ReloadLimits(ctx)
	if err != nil {
		return err
	}
	msg := "limits set: " + applied.String()
	if want.Clamped() {
		msg += "\n(clamped to ceilings " + settings.Ceilings().String() + ")"
	}
	return req.Reply(ctx, msg)
}

func (o *Operator) reload(ctx context.Context, req *router.Request) error {
	var lines []string
	if o.d.ReloadConfig != nil {
		changed, err := o.d.ReloadConfig(ctx)
		o.audit(ctx, req, "config.reload", "", err, map[string]any{"changed": changed})
		switch {
		case err != nil:
			lines = append(lines, "config rejected: "+err.Error())
		case changed:
			lines = append(lines, "config reloaded")
		default:
			lines = append(lines, "config unchanged")
		}
	}
	lim, err := o.d.Queue.ReloadLimits(ctx)
	o.audit(ctx, req, "limits.reload", "", err, map[string]any{"limits": lim})
	if err != nil {
		lines = append(lines, "limits kept ("+lim.String()+"): "+err.Error())
	} else {
		lines = append(lines, "limits: "+lim.String())
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (o *Operator) run(ctx context.Context, req *router.Request) error {
	_ = req.Reply(ctx, "processing one tick...")
	res, err := o.d.Queue.Tick(ctx)
	if err != nil {
		return req.Replyf(ctx, "tick: %s (%v)", res, err)
	}
	return req.Replyf(ctx, "tick: %s", res)
}

func (o *Operator) audit(ctx context.Context, req *router.Request, action, target string, opErr error, meta map[string]any) {
	e := storage.AuditEntry{
		At:            o.d.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		Action:        action,
		Target:        target,
		OK:            opErr == nil,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			e.MetaJSON = string(b)
		}
	}
	if err := o.d.Store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		req.Logger.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}
