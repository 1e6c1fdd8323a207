package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "starsagent/pkg/logx"
)

func openTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, logx.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestInsertTaskValidates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.InsertTask(ctx, "  ", 5, "")
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = st.InsertTask(ctx, "user1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidTask)

	id, err := st.InsertTask(ctx, "user1", 5, "")
	require.NoError(t, err)
	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user1", got.Destination)
	assert.Equal(t, 5, got.Amount)
	assert.Equal(t, DefaultKind, got.Kind)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.True(t, got.ProcessedAt.IsZero())

	_, err = st.GetTask(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchNextPendingIsFIFO(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	st.now = func() time.Time { return clock }

	second, err := st.InsertTask(ctx, "b", 1, "")
	require.NoError(t, err)
	clock = base.Add(-time.Minute)
	first, err := st.InsertTask(ctx, "a", 1, "")
	require.NoError(t, err)

	got, ok, err := st.FetchNextPending(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got.ID)

	require.NoError(t, st.RecordSuccess(ctx, first, base))
	got, ok, err = st.FetchNextPending(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got.ID)

	// exhausted attempts are skipped even while pending
	_, err = st.RecordFailure(ctx, second, "boom", 2, 5)
	require.NoError(t, err)
	_, ok, err = st.FetchNextPending(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteTaskCountsOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertTask(ctx, "u", 5, "")
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CompleteTask(ctx, id, at, "2026-03-01", 5))
	require.NoError(t, st.CompleteTask(ctx, id, at, "2026-03-01", 5))

	ds, err := st.LoadDailyStat(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 5, ds.AmountSent)
	assert.Zero(t, ds.ErrorCount)

	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, at.UnixMilli(), got.ProcessedAt.UnixMilli())
}

func TestFailTaskTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, err := st.InsertTask(ctx, "u", 5, "")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		status, err := st.FailTask(ctx, id, "send failed", attempt, 3, "2026-03-01")
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, StatusPending, status)
		} else {
			assert.Equal(t, StatusFailed, status)
		}
	}

	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "send failed", got.LastError)

	ds, err := st.LoadDailyStat(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 3, ds.ErrorCount)

	// terminal tasks never come back
	require.NoError(t, st.RecordSuccess(ctx, id, time.Now()))
	_, err = st.FailTask(ctx, id, "again", 1, 3, "2026-03-01")
	require.NoError(t, err)
	got, err = st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	ds, err = st.LoadDailyStat(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 3, ds.ErrorCount)
}

func TestLongErrorKeepsValidUTF8(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, err := st.InsertTask(ctx, "u", 5, "")
	require.NoError(t, err)

	// one ASCII byte puts every two-byte rune off the limit boundary
	msg := "x" + strings.Repeat("ы", 300)
	_, err = st.FailTask(ctx, id, msg, 1, 3, "2026-03-01")
	require.NoError(t, err)

	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.LessOrEqual(t, len(got.LastError), maxErrorMessage)
	assert.True(t, strings.HasPrefix(msg, got.LastError))
	assert.Len(t, got.LastError, maxErrorMessage-1)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "ы", truncate("ыы", 3))
	assert.Equal(t, "", truncate("ы", 1))
}

func TestDailyStatUpsertAccumulates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ds, err := st.LoadDailyStat(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, DailyStat{Date: "2026-03-02"}, ds)

	require.NoError(t, st.UpsertDailyStat(ctx, "2026-03-02", 4, 0))
	require.NoError(t, st.UpsertDailyStat(ctx, "2026-03-02", 6, 1))
	ds, err = st.LoadDailyStat(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 10, ds.AmountSent)
	assert.Equal(t, 1, ds.ErrorCount)
}

func TestLimitSettingsSeededAndSaved(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ls, err := st.LoadLimitSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, ls.DailyLimit)
	assert.Equal(t, 10, ls.HourlyLimit)
	assert.Equal(t, 25, ls.MaxAmountPerTask)

	require.NoError(t, st.SaveLimitSettings(ctx, LimitSettings{DailyLimit: 50, HourlyLimit: 5, MaxAmountPerTask: 10}))
	ls, err = st.LoadLimitSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, ls.DailyLimit)
	assert.Equal(t, 5, ls.HourlyLimit)
	assert.Equal(t, 10, ls.MaxAmountPerTask)
	assert.False(t, ls.UpdatedAt.IsZero())
}

func TestCountsAndRecentPending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := st.InsertTask(ctx, "u", i+1, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, st.RecordSuccess(ctx, ids[0], time.Now()))
	_, err := st.RecordFailure(ctx, ids[1], "x", 3, 3)
	require.NoError(t, err)

	qc, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueCounts{Pending: 3, Completed: 1, Failed: 1}, qc)

	recent, err := st.RecentPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[4], recent[0].ID)
	assert.Equal(t, ids[3], recent[1].ID)
}

func TestAppendAudit(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
		ActorID: 42, Action: "limits.set", Target: "daily=50", OK: true,
	}))
}

func TestClosedStoreReportsUnavailable(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Close())
	_, _, err := st.FetchNextPending(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "fetch next pending", se.Op)
}
