package queue

import (
	"context"
	"time"

	"starsagent/internal/ratelimit"
	"starsagent/internal/settings"
	"starsagent/internal/storage"
)

const (
	ModeActive     = "active"
	ModeMonitoring = "monitoring"
)

// Snapshot is a point-in-time view of the queue for operators.
type Snapshot struct {
	At         time.Time           `json:"at"`
	Mode       string              `json:"mode"`
	Sender     string              `json:"sender,omitempty"`
	Counts     storage.QueueCounts `json:"counts"`
	Today      storage.DailyStat   `json:"today"`
	InWindow   bool                `json:"in_window"`
	Window     ratelimit.Window    `json:"window"`
	Limits     settings.Limits     `json:"limits"`
	Buckets    ratelimit.State     `json:"buckets"`
	MinSpacing time.Duration       `json:"min_spacing"`
	DelayMin   time.Duration       `json:"delay_min"`
	DelayMax   time.Duration       `json:"delay_max"`
	Ticks      uint64              `json:"ticks"`
	LastTick   time.Time           `json:"last_tick,omitempty"`
	LastResult Result              `json:"last_result,omitempty"`
}

func (p *Processor) Snapshot(ctx context.Context) (Snapshot, error) {
	cfg := p.config()
	now := p.now()
	lc := p.limiter.Config()

	s := Snapshot{
		At:         now,
		Mode:       ModeActive,
		InWindow:   p.limiter.InWindow(now),
		Window:     lc.Window,
		Limits:     lc.Limits,
		Buckets:    p.limiter.State(now),
		MinSpacing: lc.MinSpacing,
		DelayMin:   cfg.DelayMin,
		DelayMax:   cfg.DelayMax,
		Ticks:      p.ticks.Load(),
	}
	if p.Monitoring() {
		s.Mode = ModeMonitoring
	} else {
		s.Sender = p.sender.Name()
	}
	s.LastTick, _ = p.lastTick.Load().(time.Time)
	s.LastResult, _ = p.lastResult.Load().(Result)

	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.Counts = counts
	today, err := p.store.LoadDailyStat(ctx, ratelimit.DateKey(now, cfg.Location))
	if err != nil {
		return s, err
	}
	s.Today = today
	return s, nil
}

// Enqueue validates and stores a new task.
func (p *Processor) Enqueue(ctx context.Context, destination string, amount int, kind string) (int64, error) {
	return p.store.InsertTask(ctx, destination, amount, kind)
}

// Task returns one task by id.
func (p *Processor) Task(ctx context.Context, id int64) (storage.Task, error) {
	return p.store.GetTask(ctx, id)
}
