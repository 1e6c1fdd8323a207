package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"starsagent/internal/queue"
	logx "starsagent/pkg/logx"
)

// Source provides snapshots to report on.
type Source interface {
	Snapshot(ctx context.Context) (queue.Snapshot, error)
}

// Notify delivers a rendered report.
type Notify func(ctx context.Context, text string) error

// Scheduler posts Daily on a cron schedule. Specs accept five fields,
// descriptors such as @daily and a CRON_TZ= prefix.
type Scheduler struct {
	src    Source
	notify Notify
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu    sync.Mutex
	c     *cron.Cron
	spec  string
	entry cron.EntryID
}

func NewScheduler(src Source, notify Notify, loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		src:    src,
		notify: notify,
		loc:    loc,
		log:    log.With(logx.String("comp", "report")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether spec parses.
func (s *Scheduler) Validate(spec string) error {
	if _, err := s.parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("report schedule %q: %w", spec, err)
	}
	return nil
}

// Start (re)starts the cron with spec. An empty spec stops reporting.
func (s *Scheduler) Start(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec != "" {
		if err := s.Validate(spec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil && spec == s.spec {
		return nil
	}
	s.stopLocked()
	if spec == "" {
		return nil
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log}), cron.Recover(cronLogger{s.log})),
	)
	id, err := c.AddFunc(spec, s.runOnce)
	if err != nil {
		return err
	}
	c.Start()
	s.c, s.spec, s.entry = c, spec, id
	s.log.Info("report scheduled", logx.String("spec", spec), logx.Time("next", c.Entry(id).Next))
	return nil
}

// Next is the time of the next report, zero when stopped.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c, s.spec, s.entry = nil, "", 0
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Send(ctx); err != nil {
		s.log.Warn("report failed", logx.Err(err))
	}
}

// Send builds and delivers a report now.
func (s *Scheduler) Send(ctx context.Context) error {
	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return s.notify(ctx, Daily(snap))
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
