package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starsagent/internal/queue"
	rtsup "starsagent/internal/runtime/supervisor"
	"starsagent/internal/storage"
	logx "starsagent/pkg/logx"
)

type fakeSource struct {
	err error
}

func (f fakeSource) Snapshot(context.Context) (queue.Snapshot, error) {
	return queue.Snapshot{Mode: queue.ModeMonitoring, Counts: storage.QueueCounts{Pending: 4}}, f.err
}

func routines() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{"app": {Routines: []rtsup.Routine{{Name: "queue", Running: true}}}}
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestStatusEndpoint(t *testing.T) {
	s := New(fakeSource{}, routines, logx.Nop())
	res, body := get(t, s.Handler(Config{}), "/status", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got Response
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, queue.ModeMonitoring, got.Queue.Mode)
	assert.Equal(t, 4, got.Queue.Counts.Pending)
	assert.True(t, got.Routines["app"].Routines[0].Running)
}

func TestStatusReportsStoreErrors(t *testing.T) {
	s := New(fakeSource{err: errors.New("db closed")}, nil, logx.Nop())
	res, body := get(t, s.Handler(Config{}), "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, string(body), "db closed")
}

func TestTokenAuth(t *testing.T) {
	h := New(fakeSource{}, nil, logx.Nop()).Handler(Config{Token: "s3cret"})

	res, _ := get(t, h, "/status", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = get(t, h, "/status", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = get(t, h, "/status", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = get(t, h, "/status?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// liveness stays open
	res, _ = get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s := New(fakeSource{}, nil, logx.Nop())
	res, _ := get(t, s.Handler(Config{}), "/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestReconfigureRefusesInsecureBind(t *testing.T) {
	s := New(fakeSource{}, nil, logx.Nop())
	err := s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	assert.Error(t, err)
	assert.Nil(t, s.Supervisor())

	assert.True(t, isLoopbackAddr("127.0.0.1:80"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.False(t, isLoopbackAddr(":80"))
}

func TestReconfigureStartsAndStops(t *testing.T) {
	s := New(fakeSource{}, nil, logx.Nop())
	ctx := context.Background()
	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	require.NotNil(t, s.Supervisor())

	require.Eventually(t, func() bool {
		snap := s.Supervisor().Snapshot()
		return len(snap.Routines) == 1 && snap.Routines[0].Running
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Nil(t, s.Supervisor())
}
