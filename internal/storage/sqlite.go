package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	logx "starsagent/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const maxErrorMessage = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, unavailable("open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), now: time.Now}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, unavailable("migrate", err)
	}
	st.log.Debug("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertTask(ctx context.Context, destination string, amount int, kind string) (int64, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return 0, fmt.Errorf("%w: destination is required", ErrInvalidTask)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidTask, amount)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = DefaultKind
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(destination, amount, kind, status, attempts, created_at) VALUES(?,?,?,?,0,?)`,
		destination, amount, kind, string(StatusPending), s.now().UnixMilli(),
	)
	if err != nil {
		return 0, unavailable("insert task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("insert task", err)
	}
	return id, nil
}

const taskColumns = `id, destination, amount, kind, status, attempts, created_at, processed_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t         Task
		status    string
		created   int64
		processed sql.NullInt64
		lastErr   sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Destination, &t.Amount, &t.Kind, &status, &t.Attempts, &created, &processed, &lastErr); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.CreatedAt = time.UnixMilli(created)
	if processed.Valid {
		t.ProcessedAt = time.UnixMilli(processed.Int64)
	}
	t.LastError = lastErr.String
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, unavailable("get task", err)
	}
	return t, nil
}

func (s *sqliteStore) FetchNextPending(ctx context.Context, maxAttempts int) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND attempts < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		string(StatusPending), maxAttempts,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, unavailable("fetch next pending", err)
	}
	return t, true, nil
}

func (s *sqliteStore) RecentPending(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, unavailable("recent pending", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable("recent pending", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent pending", err)
	}
	return out, nil
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return QueueCounts{}, unavailable("count by status", err)
	}
	defer rows.Close()

	var qc QueueCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return QueueCounts{}, unavailable("count by status", err)
		}
		switch Status(status) {
		case StatusPending:
			qc.Pending = n
		case StatusCompleted:
			qc.Completed = n
		case StatusFailed:
			qc.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return QueueCounts{}, unavailable("count by status", err)
	}
	return qc, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func recordSuccess(ctx context.Context, x execer, id int64, at time.Time) (bool, error) {
	res, err := x.ExecContext(ctx,
		`UPDATE tasks SET status = ?, processed_at = ?, last_error = NULL WHERE id = ? AND status = ?`,
		string(StatusCompleted), at.UnixMilli(), id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func recordFailure(ctx context.Context, x execer, id int64, message string, attempts, maxAttempts int) (Status, bool, error) {
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusFailed
	}
	res, err := x.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(status), attempts, nullStr(truncate(message, maxErrorMessage)), id, string(StatusPending),
	)
	if err != nil {
		return "", false, err
	}
	n, _ := res.RowsAffected()
	return status, n > 0, nil
}

func upsertDailyStat(ctx context.Context, x execer, date string, amountDelta, errorDelta int) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO daily_stats(date, amount_sent, error_count) VALUES(?,?,?)
		 ON CONFLICT(date) DO UPDATE SET
		   amount_sent = amount_sent + excluded.amount_sent,
		   error_count = error_count + excluded.error_count`,
		date, amountDelta, errorDelta,
	)
	return err
}

func (s *sqliteStore) RecordSuccess(ctx context.Context, id int64, at time.Time) error {
	if _, err := recordSuccess(ctx, s.db, id, at); err != nil {
		return unavailable("record success", err)
	}
	return nil
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id int64, message string, attempts, maxAttempts int) (Status, error) {
	st, _, err := recordFailure(ctx, s.db, id, message, attempts, maxAttempts)
	if err != nil {
		return "", unavailable("record failure", err)
	}
	return st, nil
}

func (s *sqliteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *sqliteStore) CompleteTask(ctx context.Context, id int64, at time.Time, date string, amount int) error {
	return s.withTx(ctx, "complete task", func(tx *sql.Tx) error {
		changed, err := recordSuccess(ctx, tx, id, at)
		if err != nil || !changed {
			// already terminal: nothing to count
			return err
		}
		return upsertDailyStat(ctx, tx, date, amount, 0)
	})
}

func (s *sqliteStore) FailTask(ctx context.Context, id int64, message string, attempts, maxAttempts int, date string) (Status, error) {
	var status Status
	err := s.withTx(ctx, "fail task", func(tx *sql.Tx) error {
		st, changed, err := recordFailure(ctx, tx, id, message, attempts, maxAttempts)
		if err != nil {
			return err
		}
		status = st
		if !changed {
			return nil
		}
		return upsertDailyStat(ctx, tx, date, 0, 1)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *sqliteStore) UpsertDailyStat(ctx context.Context, date string, amountDelta, errorDelta int) error {
	if err := upsertDailyStat(ctx, s.db, date, amountDelta, errorDelta); err != nil {
		return unavailable("upsert daily stat", err)
	}
	return nil
}

func (s *sqliteStore) LoadDailyStat(ctx context.Context, date string) (DailyStat, error) {
	ds := DailyStat{Date: date}
	err := s.db.QueryRowContext(ctx,
		`SELECT amount_sent, error_count FROM daily_stats WHERE date = ?`, date,
	).Scan(&ds.AmountSent, &ds.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ds, nil
	}
	if err != nil {
		return DailyStat{}, unavailable("load daily stat", err)
	}
	return ds, nil
}

func (s *sqliteStore) LoadLimitSettings(ctx context.Context) (LimitSettings, error) {
	var (
		ls      LimitSettings
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_limit, hourly_limit, max_amount, updated_at FROM limit_settings WHERE id = 1`,
	).Scan(&ls.DailyLimit, &ls.HourlyLimit, &ls.MaxAmountPerTask, &updated)
	if err != nil {
		return LimitSettings{}, unavailable("load limit settings", err)
	}
	if updated > 0 {
		ls.UpdatedAt = time.UnixMilli(updated)
	}
	return ls, nil
}

func (s *sqliteStore) SaveLimitSettings(ctx context.Context, ls LimitSettings) error {
	at := ls.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO limit_settings(id, daily_limit, hourly_limit, max_amount, updated_at) VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   daily_limit = excluded.daily_limit,
		   hourly_limit = excluded.hourly_limit,
		   max_amount = excluded.max_amount,
		   updated_at = excluded.updated_at`,
		ls.DailyLimit, ls.HourlyLimit, ls.MaxAmountPerTask, at.UnixMilli(),
	)
	if err != nil {
		return unavailable("save limit settings", err)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, action, target, ok, err, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername),
		e.Action, e.Target, e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	if err != nil {
		return unavailable("append audit", err)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
