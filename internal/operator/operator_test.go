package operator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starsagent/internal/eventbus"
	"starsagent/internal/queue"
	"starsagent/internal/settings"
	"starsagent/internal/storage"
	kit "starsagent/internal/transport"
	"starsagent/internal/transport/telegram/router"
	logx "starsagent/pkg/logx"
)

const owner = 42

type fakeQueue struct {
	limits   settings.Limits
	store    *fakeStore
	enqueued []string
	tasks    map[int64]storage.Task
	ticks    int
}

func (q *fakeQueue) Snapshot(context.Context) (queue.Snapshot, error) {
	return queue.Snapshot{Mode: queue.ModeActive, Sender: "dryrun", Limits: q.limits}, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, dest string, amount int, kind string) (int64, error) {
	if amount <= 0 {
		return 0, storage.ErrInvalidTask
	}
	q.enqueued = append(q.enqueued, dest)
	return int64(len(q.enqueued)), nil
}

func (q *fakeQueue) Task(_ context.Context, id int64) (storage.Task, error) {
	t, ok := q.tasks[id]
	if !ok {
		return storage.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (q *fakeQueue) ReloadLimits(context.Context) (settings.Limits, error) {
	q.limits = settings.FromStored(q.store.saved)
	return q.limits, nil
}

func (q *fakeQueue) Tick(context.Context) (queue.Result, error) {
	q.ticks++
	return queue.ResultCompleted, nil
}

type fakeStore struct {
	saved   storage.LimitSettings
	pending []storage.Task
	audits  []storage.AuditEntry
}

func (s *fakeStore) SaveLimitSettings(_ context.Context, ls storage.LimitSettings) error {
	s.saved = ls
	return nil
}

func (s *fakeStore) RecentPending(_ context.Context, limit int) ([]storage.Task, error) {
	if limit < len(s.pending) {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.audits = append(s.audits, e)
	return nil
}

type chatLog struct {
	mu   sync.Mutex
	sent []string
}

func (c *chatLog) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *chatLog) Stop(context.Context) error                     { return nil }
func (c *chatLog) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *chatLog) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

type fixture struct {
	q    *fakeQueue
	st   *fakeStore
	chat *chatLog
	r    *router.Router
}

func newFixture(t *testing.T, reload func(context.Context) (bool, error)) *fixture {
	t.Helper()
	st := &fakeStore{}
	f := &fixture{
		st:   st,
		q:    &fakeQueue{store: st, limits: settings.Ceilings(), tasks: map[int64]storage.Task{}},
		chat: &chatLog{},
	}
	op := New(Deps{Queue: f.q, Store: st, ReloadConfig: reload, Log: logx.Nop()})
	f.r = router.New(f.chat, logx.Nop(), router.Config{Owners: []int64{owner}, Burst: 100, RatePerSec: 100})
	require.NoError(t, f.r.Register(op.Commands(time.Minute)...))
	return f
}

func (f *fixture) say(from int64, text string) string {
	f.r.Dispatch(context.Background(), kit.Update{Message: &kit.Message{ChatID: 1, FromID: from, Text: text}})
	return f.chat.last()
}

func TestCommandsAreOwnerOnly(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "unauthorized", f.say(7, "/status"))
	assert.Equal(t, "unauthorized", f.say(7, "/enqueue 1 5"))
	assert.Empty(t, f.q.enqueued)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	out := f.say(owner, "/status")
	assert.Contains(t, out, "mode: active (dryrun)")
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "queued task #1: 15 to 12345", f.say(owner, "/enqueue 12345 15"))
	assert.Contains(t, f.say(owner, "/enqueue 12345 0"), "rejected")
	assert.Contains(t, f.say(owner, "/enqueue 12345 lots"), "whole number")
	assert.Contains(t, f.say(owner, "/enqueue"), "usage")

	require.Len(t, f.st.audits, 2)
	a := f.st.audits[0]
	assert.Equal(t, "enqueue", a.Action)
	assert.Equal(t, int64(owner), a.ActorID)
	assert.Equal(t, "12345", a.Target)
	assert.True(t, a.OK)
	assert.JSONEq(t, `{"amount":15,"kind":"","task_id":1}`, a.MetaJSON)
	assert.False(t, f.st.audits[1].OK)
}

func TestLimitsClampAndApply(t *testing.T) {
	f := newFixture(t, nil)
	out := f.say(owner, "/limits 100 5 30")
	assert.Contains(t, out, "clamped")
	assert.Equal(t, storage.LimitSettings{DailyLimit: 80, HourlyLimit: 5, MaxAmountPerTask: 25}, f.st.saved)
	assert.Equal(t, settings.Limits{DailyLimit: 80, HourlyLimit: 5, MaxAmountPerTask: 25}, f.q.limits)

	out = f.say(owner, "/limits 50 5 10")
	assert.NotContains(t, out, "clamped")

	assert.Contains(t, f.say(owner, "/limits 1 -2 3"), "not a non-negative number")
	assert.Contains(t, f.say(owner, "/limits 1 2"), "usage")
	assert.Contains(t, f.say(owner, "/limits"), "ceilings")
	require.Len(t, f.st.audits, 2)
	assert.Equal(t, "limits.set", f.st.audits[0].Action)
}

func TestTaskLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.q.tasks[3] = storage.Task{
		ID: 3, Destination: "99", Amount: 10, Kind: "stars",
		Status: storage.StatusFailed, Attempts: 3, LastError: "boom",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	out := f.say(owner, "/task #3")
	assert.Contains(t, out, "status: failed, attempts: 3")
	assert.Contains(t, out, "last error: boom")
	assert.Equal(t, "task #4 not found", f.say(owner, "/task 4"))
	assert.Contains(t, f.say(owner, "/task x"), "number")
}

func TestPending(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "no pending tasks", f.say(owner, "/pending"))
	f.st.pending = []storage.Task{{ID: 1, Destination: "a", Amount: 5}, {ID: 2, Destination: "b", Amount: 6}}
	out := f.say(owner, "/pending 1")
	assert.Contains(t, out, "#1 a 5")
	assert.NotContains(t, out, "#2")
}

func TestPendingHelpMatchesOrdering(t *testing.T) {
	f := newFixture(t, nil)
	// RecentPending lists newest first
	assert.Contains(t, f.r.HelpText(true), "/pending [n] - newest pending tasks")
}

func TestReload(t *testing.T) {
	f := newFixture(t, func(context.Context) (bool, error) { return false, errors.New("bad yaml") })
	f.st.saved = storage.LimitSettings{DailyLimit: 10, HourlyLimit: 2, MaxAmountPerTask: 5}
	out := f.say(owner, "/reload")
	assert.Contains(t, out, "config rejected: bad yaml")
	assert.Contains(t, out, "limits: daily=10")
	require.Len(t, f.st.audits, 2)
	assert.False(t, f.st.audits[0].OK)
	assert.Equal(t, "limits.reload", f.st.audits[1].Action)
}

func TestRunTicksOnce(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "tick: completed", f.say(owner, "/run"))
	assert.Equal(t, 1, f.q.ticks)
}

func TestAlertsForwardFailures(t *testing.T) {
	bus := eventbus.New()
	alerts := make(chan string, 1)
	op := New(Deps{Bus: bus, Alert: func(_ context.Context, text string) error {
		select {
		case alerts <- text:
		default:
		}
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- op.RunAlerts(ctx) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: queue.EventTaskCompleted, Data: queue.TaskEvent{TaskID: 1}})
		bus.Publish(eventbus.Event{Type: queue.EventTaskFailed, Data: queue.TaskEvent{TaskID: 9, Attempts: 3, Destination: "77", Amount: 15, Error: "chat not found"}})
		select {
		case text := <-alerts:
			assert.Contains(t, text, "task #9 failed after 3 attempts")
			assert.Contains(t, text, "error: chat not found")
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
