// Package ratelimit decides whether a send of a given amount may happen now.
//
// It enforces, in order: the allowed hour-of-day window, the per-task
// ceiling, the hourly and daily quota buckets and the minimum spacing
// between two successful sends. Buckets only advance on Commit, which the
// caller invokes after a confirmed successful send.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"starsagent/internal/settings"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonOutsideWindow Reason = "outside-window"
	ReasonTaskCeiling   Reason = "per-task-ceiling-exceeded"
	ReasonHourlyLimit   Reason = "hourly-limit-exceeded"
	ReasonDailyLimit    Reason = "daily-limit-exceeded"
	ReasonTooSoon       Reason = "too-soon"
)

// Decision is the result of Admit. Wait is set for too-soon denials.
type Decision struct {
	Allowed bool
	Reason  Reason
	Wait    time.Duration
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	if d.Wait > 0 {
		return fmt.Sprintf("%s (wait %s)", d.Reason, d.Wait.Round(time.Second))
	}
	return string(d.Reason)
}

// Window is an inclusive hour-of-day range. Start > End wraps over midnight.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// FullDay allows every hour.
var FullDay = Window{Start: 0, End: 23}

func (w Window) Contains(hour int) bool {
	if w.Start <= w.End {
		return hour >= w.Start && hour <= w.End
	}
	return hour >= w.Start || hour <= w.End
}

func (w Window) Valid() bool {
	return w.Start >= 0 && w.Start <= 23 && w.End >= 0 && w.End <= 23
}

func (w Window) String() string { return fmt.Sprintf("%02d:00-%02d:59", w.Start, w.End) }

// Config is immutable once handed to the limiter; Apply swaps it whole.
type Config struct {
	Limits     settings.Limits
	MinSpacing time.Duration
	Window     Window
	Location   *time.Location
}

func (c Config) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// State is a copy of the in-memory buckets.
type State struct {
	HourStart  time.Time `json:"hour_start"`
	HourAmount int       `json:"hour_amount"`
	DayStart   time.Time `json:"day_start"`
	DayAmount  int       `json:"day_amount"`
	LastSend   time.Time `json:"last_send"`
}

type Limiter struct {
	mu  sync.Mutex
	cfg Config
	st  State

	// rebase re-anchors the bucket starts in a new location without
	// emptying them.
	rebase bool
}

// New creates a limiter. seedDayAmount is what was already sent today
// (from the daily statistics); the hour bucket and last send start empty.
func New(cfg Config, now time.Time, seedDayAmount int) *Limiter {
	l := &Limiter{cfg: cfg}
	now = now.In(cfg.loc())
	l.st.HourStart = hourStart(now)
	l.st.DayStart = dayStart(now)
	if seedDayAmount > 0 {
		l.st.DayAmount = seedDayAmount
	}
	return l
}

// Apply replaces the configuration; bucket contents are kept, also when
// the location changes.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	if cfg.loc().String() != l.cfg.loc().String() {
		l.rebase = true
	}
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Limiter) InWindow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Window.Contains(now.In(l.cfg.loc()).Hour())
}

// Admit checks whether amount may be sent at now. It never mutates the
// quota buckets beyond rolling them forward in time.
func (l *Limiter) Admit(amount int, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now = now.In(l.cfg.loc())
	if !l.cfg.Window.Contains(now.Hour()) {
		return Decision{Reason: ReasonOutsideWindow}
	}
	l.roll(now)

	lim := l.cfg.Limits
	switch {
	case amount > lim.MaxAmountPerTask:
		return Decision{Reason: ReasonTaskCeiling}
	case l.st.HourAmount+amount > lim.HourlyLimit:
		return Decision{Reason: ReasonHourlyLimit}
	case l.st.DayAmount+amount > lim.DailyLimit:
		return Decision{Reason: ReasonDailyLimit}
	}

	if !l.st.LastSend.IsZero() && l.cfg.MinSpacing > 0 {
		if elapsed := now.Sub(l.st.LastSend); elapsed < l.cfg.MinSpacing {
			return Decision{Reason: ReasonTooSoon, Wait: l.cfg.MinSpacing - elapsed}
		}
	}
	return Decision{Allowed: true}
}

// Commit records a confirmed successful send.
func (l *Limiter) Commit(amount int, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now = now.In(l.cfg.loc())
	l.roll(now)
	l.st.HourAmount += amount
	l.st.DayAmount += amount
	l.st.LastSend = now
}

func (l *Limiter) State(now time.Time) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(now.In(l.cfg.loc()))
	return l.st
}

// roll resets buckets whose period ended. Caller holds mu.
func (l *Limiter) roll(now time.Time) {
	if l.rebase {
		l.rebase = false
		l.st.HourStart = hourStart(now)
		l.st.DayStart = dayStart(now)
		return
	}
	if hs := hourStart(now); !hs.Equal(l.st.HourStart) {
		l.st.HourStart = hs
		l.st.HourAmount = 0
	}
	if ds := dayStart(now); !ds.Equal(l.st.DayStart) {
		l.st.DayStart = ds
		l.st.DayAmount = 0
	}
}

func hourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DateKey formats t as the daily statistics key in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(time.DateOnly)
}
