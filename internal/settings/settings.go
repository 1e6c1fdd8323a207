// Package settings loads the operator-tunable limits and clamps them to the
// hard ceilings that protect the sending account.
package settings

import (
	"context"
	"fmt"

	"starsagent/internal/storage"
)

const (
	CeilingDaily  = 80
	CeilingHourly = 10
	CeilingTask   = 25
)

// Limits is the clamped, effective quota configuration.
type Limits struct {
	DailyLimit       int `json:"daily_limit"`
	HourlyLimit      int `json:"hourly_limit"`
	MaxAmountPerTask int `json:"max_amount_per_task"`
}

// Ceilings returns the hard upper bounds, also used when settings cannot be
// read.
func Ceilings() Limits {
	return Limits{DailyLimit: CeilingDaily, HourlyLimit: CeilingHourly, MaxAmountPerTask: CeilingTask}
}

// Clamp bounds every value to [0, ceiling].
func Clamp(l Limits) Limits {
	return Limits{
		DailyLimit:       clamp(l.DailyLimit, CeilingDaily),
		HourlyLimit:      clamp(l.HourlyLimit, CeilingHourly),
		MaxAmountPerTask: clamp(l.MaxAmountPerTask, CeilingTask),
	}
}

// Clamped reports whether Clamp changed anything.
func (l Limits) Clamped() bool { return Clamp(l) != l }

func (l Limits) String() string {
	return fmt.Sprintf("daily=%d hourly=%d per_task=%d", l.DailyLimit, l.HourlyLimit, l.MaxAmountPerTask)
}

func clamp(v, ceiling int) int {
	if v < 0 {
		return 0
	}
	if v > ceiling {
		return ceiling
	}
	return v
}

// Reader is the subset of storage.Store the loader needs.
type Reader interface {
	LoadLimitSettings(ctx context.Context) (storage.LimitSettings, error)
}

// Load reads the stored settings and returns the clamped limits. On a store
// error it returns the ceilings together with the error so the caller can log
// it and keep running.
func Load(ctx context.Context, r Reader) (Limits, error) {
	ls, err := r.LoadLimitSettings(ctx)
	if err != nil {
		return Ceilings(), err
	}
	return Clamp(FromStored(ls)), nil
}

func FromStored(ls storage.LimitSettings) Limits {
	return Limits{DailyLimit: ls.DailyLimit, HourlyLimit: ls.HourlyLimit, MaxAmountPerTask: ls.MaxAmountPerTask}
}

// Save clamps l and persists it, returning what was written.
func Save(ctx context.Context, w interface {
	SaveLimitSettings(ctx context.Context, ls storage.LimitSettings) error
}, l Limits) (Limits, error) {
	l = Clamp(l)
	err := w.SaveLimitSettings(ctx, storage.LimitSettings{
		DailyLimit:       l.DailyLimit,
		HourlyLimit:      l.HourlyLimit,
		MaxAmountPerTask: l.MaxAmountPerTask,
	})
	return l, err
}
