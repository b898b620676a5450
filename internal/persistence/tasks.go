package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskengine/internal/task"
)

const taskColumns = `id, seq, kind, payload, priority, dependencies, exclusive_keys, state, attempts, max_attempts,
	backoff, deadline, enqueued_at, ready_at, available_at, visibility_deadline, deliveries, last_error, updated_at, not_before, attempt_timeout`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveTask inserts or replaces a task record.
func (s *SQLiteStore) SaveTask(ctx context.Context, rec *task.Record) error {
	return s.SaveTasks(ctx, []*task.Record{rec})
}

// SaveTasks upserts all records in one serializable transaction.
func (s *SQLiteStore) SaveTasks(ctx context.Context, recs []*task.Record) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := upsertTask(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTask(ctx context.Context, ex execer, rec *task.Record) error {
	deps, err := json.Marshal(nonNil(rec.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies of %s: %w", rec.ID, err)
	}
	keys, err := json.Marshal(nonNil(rec.ExclusiveKeys))
	if err != nil {
		return fmt.Errorf("failed to encode exclusive keys of %s: %w", rec.ID, err)
	}
	backoff, err := json.Marshal(rec.Backoff)
	if err != nil {
		return fmt.Errorf("failed to encode backoff of %s: %w", rec.ID, err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			priority = excluded.priority,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			deadline = excluded.deadline,
			ready_at = excluded.ready_at,
			available_at = excluded.available_at,
			visibility_deadline = excluded.visibility_deadline,
			deliveries = excluded.deliveries,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, rec.ID, int64(rec.Seq), rec.Kind, rec.Payload, rec.Priority, string(deps), string(keys), int(rec.State),
		rec.Attempts, rec.MaxAttempts, string(backoff), toNanos(rec.Deadline), toNanos(rec.EnqueuedAt),
		toNanos(rec.ReadyAt), toNanos(rec.AvailableAt), toNanos(rec.VisibilityDeadline), rec.Deliveries,
		rec.LastError, toNanos(rec.UpdatedAt), toNanos(rec.NotBefore), int64(rec.Timeout))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", rec.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID. Unknown ids wrap task.ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return rec, nil
}

// ListTasks returns tasks in submission order, optionally restricted to the given states.
func (s *SQLiteStore) ListTasks(ctx context.Context, states ...task.State) ([]*task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, int(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var recs []*task.Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return recs, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*task.Record, error) {
	var (
		rec                 task.Record
		seq                 int64
		state               int
		deps, keys, backoff string
		deadline, enqueued  int64
		ready, available    int64
		vis, upd            int64
		notBefore, timeout  int64
	)

	err := sc.Scan(&rec.ID, &seq, &rec.Kind, &rec.Payload, &rec.Priority, &deps, &keys, &state, &rec.Attempts,
		&rec.MaxAttempts, &backoff, &deadline, &enqueued, &ready, &available, &vis, &rec.Deliveries,
		&rec.LastError, &upd, &notBefore, &timeout)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(deps), &rec.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(keys), &rec.ExclusiveKeys); err != nil {
		return nil, fmt.Errorf("decoding exclusive keys of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(backoff), &rec.Backoff); err != nil {
		return nil, fmt.Errorf("decoding backoff of %s: %w", rec.ID, err)
	}
	if len(rec.Dependencies) == 0 {
		rec.Dependencies = nil
	}
	if len(rec.ExclusiveKeys) == 0 {
		rec.ExclusiveKeys = nil
	}

	rec.Seq = uint64(seq)
	rec.State = task.State(state)
	rec.Deadline = fromNanos(deadline)
	rec.EnqueuedAt = fromNanos(enqueued)
	rec.ReadyAt = fromNanos(ready)
	rec.AvailableAt = fromNanos(available)
	rec.VisibilityDeadline = fromNanos(vis)
	rec.UpdatedAt = fromNanos(upd)
	rec.NotBefore = fromNanos(notBefore)
	rec.Timeout = time.Duration(timeout)
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Times are stored as unix nanoseconds; 0 means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
