// Package status serves the queue snapshot over HTTP for dashboards and
// health checks, with optional pprof endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"starsagent/internal/queue"
	rtsup "starsagent/internal/runtime/supervisor"
	logx "starsagent/pkg/logx"
)

// Config controls the listener. Binding to a non-loopback address needs a
// Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	Pprof         bool
	AllowInsecure bool
}

type Source interface {
	Snapshot(ctx context.Context) (queue.Snapshot, error)
}

// Routines reports supervised goroutines by owner.
type Routines func() map[string]rtsup.Snapshot

type Response struct {
	Queue    queue.Snapshot            `json:"queue"`
	Routines map[string]rtsup.Snapshot `json:"routines,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

type Server struct {
	src      Source
	routines Routines
	log      logx.Logger

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor
	srv *http.Server
}

func New(src Source, routines Routines, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{src: src, routines: routines, log: log.With(logx.String("comp", "status"))}
}

// Handler builds the routes for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", wrap(s.handleStatus))
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var resp Response
	code := http.StatusOK
	snap, err := s.src.Snapshot(ctx)
	resp.Queue = snap
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.routines != nil {
		resp.Routines = s.routines()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
}

// Reconfigure starts, stops or restarts the listener to match cfg.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
		running = false
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if cfg.Enabled && !running {
		return s.start(ctx, cfg)
	}
	return nil
}

// Validate rejects an enabled config that would expose the endpoints
// without authentication.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		return errors.New("status server: non-loopback addr requires token or allow_insecure")
	}
	return nil
}

func (s *Server) start(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))

	s.mu.Lock()
	s.srv, s.sup = srv, sup
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		s.log.Info("status server started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cfg.Token != ""),
			logx.Bool("pprof", cfg.Pprof))
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("status server running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	_ = sup.Stop(sctx)
	s.log.Info("status server stopped")
}

// Supervisor exposes the serve goroutine for status reporting.
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
