package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/taskengine/internal/task"
)

const deadLetterColumns = `task_id, kind, payload, priority, max_attempts, last_error, attempts, final_state, reason, dead_lettered_at`

// DeadLetterTask stores the task's final record and its dead letter in one transaction.
func (s *SQLiteStore) DeadLetterTask(ctx context.Context, rec *task.Record, dl *task.DeadLetter) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTask(ctx, tx, rec); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			final_state = excluded.final_state,
			reason = excluded.reason,
			dead_lettered_at = excluded.dead_lettered_at
	`, dl.TaskID, dl.Kind, dl.Payload, dl.Priority, dl.MaxAttempts, dl.LastError, dl.Attempts,
		int(dl.FinalState), dl.Reason, toNanos(dl.DeadLetteredAt))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", dl.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetDeadLetter returns the dead letter for a task. Unknown ids wrap task.ErrNotFound.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, taskID string) (*task.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE task_id = ?`, taskID)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no dead letter for %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns up to limit dead letters, oldest first. A
// non-positive limit returns all of them.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		ORDER BY dead_lettered_at, task_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*task.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

// DeleteDeadLetter removes a dead letter. The task row is left untouched.
func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: no dead letter for %s", task.ErrNotFound, taskID)
	}
	return nil
}

func scanDeadLetter(sc scanner) (*task.DeadLetter, error) {
	var (
		dl    task.DeadLetter
		state int
		at    int64
	)
	err := sc.Scan(&dl.TaskID, &dl.Kind, &dl.Payload, &dl.Priority, &dl.MaxAttempts, &dl.LastError,
		&dl.Attempts, &state, &dl.Reason, &at)
	if err != nil {
		return nil, err
	}
	dl.FinalState = task.State(state)
	dl.DeadLetteredAt = fromNanos(at)
	return &dl, nil
}
