package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable matches every failure to open, read or write the
	// underlying database. Callers treat it as fatal for one cycle only.
	ErrUnavailable = errors.New("storage unavailable")
	ErrInvalidTask = errors.New("invalid task")
	ErrNotFound    = errors.New("not found")
)

// Error carries the failed operation and matches ErrUnavailable.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further processing happens in this status.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

const DefaultKind = "stars"

// Task is one queued send request.
type Task struct {
	ID          int64
	Destination string
	Amount      int
	Kind        string
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	ProcessedAt time.Time // zero while unprocessed
	LastError   string
}

// DailyStat aggregates one calendar date (YYYY-MM-DD, agent timezone).
type DailyStat struct {
	Date       string
	AmountSent int
	ErrorCount int
}

// LimitSettings is the operator-tunable singleton row. Values are stored as
// written; clamping happens when they are loaded for use.
type LimitSettings struct {
	DailyLimit       int
	HourlyLimit      int
	MaxAmountPerTask int
	UpdatedAt        time.Time
}

type QueueCounts struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	Action        string
	Target        string
	OK            bool
	Error         string
	MetaJSON      string
}

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store is the durable state of the queue.
type Store interface {
	InsertTask(ctx context.Context, destination string, amount int, kind string) (int64, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	// FetchNextPending returns the oldest pending task with attempts below
	// maxAttempts, or ok=false when there is none.
	FetchNextPending(ctx context.Context, maxAttempts int) (t Task, ok bool, err error)
	RecentPending(ctx context.Context, limit int) ([]Task, error)
	CountByStatus(ctx context.Context) (QueueCounts, error)

	RecordSuccess(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, id int64, message string, attempts, maxAttempts int) (Status, error)

	// CompleteTask and FailTask write the task outcome and the daily stat in
	// one transaction.
	CompleteTask(ctx context.Context, id int64, at time.Time, date string, amount int) error
	FailTask(ctx context.Context, id int64, message string, attempts, maxAttempts int, date string) (Status, error)

	UpsertDailyStat(ctx context.Context, date string, amountDelta, errorDelta int) error
	LoadDailyStat(ctx context.Context, date string) (DailyStat, error)

	LoadLimitSettings(ctx context.Context) (LimitSettings, error)
	SaveLimitSettings(ctx context.Context, ls LimitSettings) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
