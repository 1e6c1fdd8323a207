package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"starsagent/internal/ratelimit"
)

const (
	DefaultDBPath     = "./data/starsagent.db"
	DefaultHTTPAddr   = "127.0.0.1:8089"
	DefaultReportCron = "0 21 * * *"
)

// Queue is the parsed queue section.
type Queue struct {
	PollInterval time.Duration
	IdleInterval time.Duration
	MaxAttempts  int
	Location     *time.Location
	Window       ratelimit.Window
	DelayMin     time.Duration
	DelayMax     time.Duration
	MinSpacing   time.Duration
}

// Sender is the parsed sender section.
type Sender struct {
	Driver  string
	Token   string
	Method  string
	APIURL  string
	Timeout time.Duration
	Gifts   map[int]string
}

// Resolved holds every typed value the app needs.
type Resolved struct {
	Queue       Queue
	Sender      Sender
	PollTimeout time.Duration
	BusyTimeout time.Duration
	DBPath      string
	HTTPAddr    string
	ReportCron  string
}

// Resolve parses durations, zones and maps and applies defaults. It is also
// the validation used before a reloaded config is committed.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var (
		r    Resolved
		errs []error
		err  error
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	q := cfg.Queue
	r.Queue.PollInterval, err = ParseDurationOrDefault("queue.poll_interval", q.PollInterval, 30*time.Second)
	collect(err)
	r.Queue.IdleInterval, err = ParseDurationOrDefault("queue.idle_interval", q.IdleInterval, 5*time.Minute)
	collect(err)
	r.Queue.MaxAttempts = q.MaxAttempts
	if r.Queue.MaxAttempts == 0 {
		r.Queue.MaxAttempts = 3
	}
	if r.Queue.MaxAttempts < 0 {
		collect(fmt.Errorf("queue.max_attempts must be >= 1"))
	}

	r.Queue.Location = time.Local
	if tz := strings.TrimSpace(q.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			collect(fmt.Errorf("queue.timezone: %w", err))
		} else {
			r.Queue.Location = loc
		}
	}

	r.Queue.Window = ratelimit.FullDay
	if q.WorkHours != nil {
		r.Queue.Window = ratelimit.Window{Start: q.WorkHours.Start, End: q.WorkHours.End}
		if !r.Queue.Window.Valid() {
			collect(fmt.Errorf("queue.work_hours: hours must be within 0..23, got %d..%d", q.WorkHours.Start, q.WorkHours.End))
		}
	}

	r.Queue.DelayMin, err = ParseDurationOrDefault("queue.delay.min", q.Delay.Min, 60*time.Second)
	collect(err)
	r.Queue.DelayMax, err = ParseDurationOrDefault("queue.delay.max", q.Delay.Max, 180*time.Second)
	collect(err)
	if r.Queue.DelayMax < r.Queue.DelayMin {
		collect(fmt.Errorf("queue.delay: max (%s) < min (%s)", r.Queue.DelayMax, r.Queue.DelayMin))
	}
	r.Queue.MinSpacing, err = ParseDurationOrDefault("queue.min_spacing", q.MinSpacing, r.Queue.DelayMin)
	collect(err)

	s := cfg.Sender
	r.Sender = Sender{
		Driver: strings.ToLower(strings.TrimSpace(s.Driver)),
		Token:  strings.TrimSpace(s.Token),
		Method: strings.TrimSpace(s.Method),
		APIURL: strings.TrimSpace(s.APIURL),
	}
	switch r.Sender.Driver {
	case "", "none", "dryrun", "telegram":
	default:
		collect(fmt.Errorf("sender.driver: unknown driver %q", s.Driver))
	}
	r.Sender.Timeout, err = ParseDurationOrDefault("sender.timeout", s.Timeout, 30*time.Second)
	collect(err)
	r.Sender.Gifts = make(map[int]string, len(s.Gifts))
	for k, v := range s.Gifts {
		amount, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || amount <= 0 {
			collect(fmt.Errorf("sender.gifts: key %q is not a positive amount", k))
			continue
		}
		r.Sender.Gifts[amount] = strings.TrimSpace(v)
	}

	r.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	collect(err)
	r.BusyTimeout, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	collect(err)
	r.DBPath = strings.TrimSpace(cfg.Storage.Path)
	if r.DBPath == "" {
		r.DBPath = DefaultDBPath
	}

	r.HTTPAddr = strings.TrimSpace(cfg.HTTP.Addr)
	if r.HTTPAddr == "" {
		r.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(r.HTTPAddr); err != nil {
			collect(fmt.Errorf("http.addr: %w", err))
		}
	}

	r.ReportCron = strings.TrimSpace(cfg.Report.Schedule)
	if r.ReportCron == "" {
		r.ReportCron = DefaultReportCron
	}

	return r, errors.Join(errs...)
}

// LogChatID parses telegram.group_log; 0 means unset.
func (c *Config) LogChatID() (int64, error) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: %w", err)
	}
	return id, nil
}
