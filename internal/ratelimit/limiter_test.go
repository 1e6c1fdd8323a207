package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starsagent/internal/settings"
)

func testConfig() Config {
	return Config{
		Limits:     settings.Limits{DailyLimit: 80, HourlyLimit: 10, MaxAmountPerTask: 25},
		MinSpacing: 60 * time.Second,
		Window:     FullDay,
		Location:   time.UTC,
	}
}

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 1, h, m, s, 0, time.UTC)
}

func TestHourlyBucketFillsAndRolls(t *testing.T) {
	l := New(testConfig(), at(10, 0, 0), 0)

	now := at(10, 0, 0)
	for i := 0; i < 2; i++ {
		d := l.Admit(5, now)
		require.True(t, d.Allowed, "send %d: %s", i, d)
		l.Commit(5, now)
		now = now.Add(2 * time.Minute)
	}

	d := l.Admit(5, at(10, 10, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyLimit, d.Reason)

	d = l.Admit(5, at(11, 0, 1))
	assert.True(t, d.Allowed, d.String())
	assert.Zero(t, l.State(at(11, 0, 1)).HourAmount)
	assert.Equal(t, 10, l.State(at(11, 0, 1)).DayAmount)
}

func TestPerTaskCeiling(t *testing.T) {
	l := New(testConfig(), at(10, 0, 0), 0)

	d := l.Admit(26, at(10, 0, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTaskCeiling, d.Reason)

	cfg := testConfig()
	cfg.Limits.HourlyLimit = 25
	l.Apply(cfg)
	assert.True(t, l.Admit(25, at(10, 0, 0)).Allowed)
}

func TestDailyLimitSeededFromStats(t *testing.T) {
	l := New(testConfig(), at(9, 0, 0), 78)

	d := l.Admit(5, at(9, 30, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)

	assert.True(t, l.Admit(2, at(9, 30, 0)).Allowed)

	// new day empties the day bucket
	next := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	assert.True(t, l.Admit(5, next).Allowed)
	assert.Zero(t, l.State(next).DayAmount)
}

func TestMinSpacing(t *testing.T) {
	l := New(testConfig(), at(10, 0, 0), 0)
	l.Commit(1, at(10, 0, 0))

	d := l.Admit(1, at(10, 0, 20))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTooSoon, d.Reason)
	assert.Equal(t, 40*time.Second, d.Wait)

	assert.True(t, l.Admit(1, at(10, 1, 0)).Allowed)
}

func TestOutsideWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Window = Window{Start: 9, End: 17}
	l := New(cfg, at(8, 0, 0), 0)

	d := l.Admit(1, at(8, 59, 59))
	assert.Equal(t, ReasonOutsideWindow, d.Reason)
	assert.False(t, l.InWindow(at(18, 0, 0)))
	assert.True(t, l.InWindow(at(17, 59, 0)))
	assert.True(t, l.Admit(1, at(9, 0, 0)).Allowed)
}

func TestWindowWrapsMidnight(t *testing.T) {
	w := Window{Start: 22, End: 2}
	for _, h := range []int{22, 23, 0, 1, 2} {
		assert.True(t, w.Contains(h), "hour %d", h)
	}
	for _, h := range []int{3, 12, 21} {
		assert.False(t, w.Contains(h), "hour %d", h)
	}
	assert.True(t, FullDay.Contains(0))
	assert.True(t, FullDay.Contains(23))
	assert.False(t, Window{Start: 24, End: 1}.Valid())
}

func TestDenialDoesNotConsumeQuota(t *testing.T) {
	l := New(testConfig(), at(10, 0, 0), 0)
	for i := 0; i < 5; i++ {
		l.Admit(26, at(10, 0, i))
		l.Admit(11, at(10, 0, i))
	}
	st := l.State(at(10, 0, 10))
	assert.Zero(t, st.HourAmount)
	assert.Zero(t, st.DayAmount)
	assert.True(t, st.LastSend.IsZero())
}

func TestZeroLimitsDenyEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Limits = settings.Clamp(settings.Limits{DailyLimit: -1, HourlyLimit: -1, MaxAmountPerTask: -1})
	l := New(cfg, at(10, 0, 0), 0)
	assert.Equal(t, ReasonTaskCeiling, l.Admit(1, at(10, 0, 0)).Reason)
}

func TestBucketsUseConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	cfg := testConfig()
	cfg.Location = loc
	l := New(cfg, time.Date(2026, 3, 1, 20, 30, 0, 0, time.UTC), 0)
	l.Commit(5, time.Date(2026, 3, 1, 20, 30, 0, 0, time.UTC))

	// 21:00 UTC is midnight in loc
	st := l.State(time.Date(2026, 3, 1, 21, 0, 1, 0, time.UTC))
	assert.Zero(t, st.DayAmount)
	assert.Equal(t, "2026-03-02", DateKey(time.Date(2026, 3, 1, 21, 0, 1, 0, time.UTC), loc))
}

func TestLocationChangeKeepsBuckets(t *testing.T) {
	l := New(testConfig(), at(10, 0, 0), 78)
	l.Commit(2, at(10, 0, 0))

	cfg := testConfig()
	cfg.Location = time.FixedZone("UTC+3", 3*3600)
	l.Apply(cfg)

	d := l.Admit(3, at(10, 30, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)
	st := l.State(at(10, 30, 0))
	assert.Equal(t, 80, st.DayAmount)
	assert.Equal(t, 2, st.HourAmount)

	// the next midnight in the new zone still empties the day bucket
	assert.Zero(t, l.State(at(21, 0, 1)).DayAmount)
}

func TestHourlyLimitCountsCommittedAmount(t *testing.T) {
	l := New(testConfig(), at(10, 0, 0), 0)

	require.True(t, l.Admit(5, at(10, 0, 0)).Allowed)
	l.Commit(5, at(10, 0, 0))

	d := l.Admit(6, at(10, 5, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyLimit, d.Reason)
	assert.True(t, l.Admit(5, at(10, 5, 0)).Allowed)
}

func TestOutsideWindowWinsOverEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Window = Window{Start: 9, End: 17}
	l := New(cfg, at(20, 0, 0), 0)
	l.Commit(1, at(20, 0, 0))

	d := l.Admit(1000, at(20, 0, 1))
	assert.Equal(t, ReasonOutsideWindow, d.Reason)
	assert.Zero(t, d.Wait)
}
