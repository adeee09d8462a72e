package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptcron/internal/core"
)

const executionColumns = `id, task_id, task_name, status, start_time, end_time, duration_seconds, exit_code, output, error`

// InsertExecution records a new execution, normally in the running state.
func (s *Store) InsertExecution(ctx context.Context, execution *core.Execution) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, execution.ID, execution.TaskID, execution.TaskName, execution.Status, formatTime(execution.StartTime),
		nullableTime(execution.EndTime), nullableFloat(execution.DurationSeconds), nullableInt(execution.ExitCode),
		execution.Output, execution.Error)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// FinishExecution moves a running execution to its terminal state and bumps
// the task counters in one transaction. A record that is already terminal is
// left untouched.
func (s *Store) FinishExecution(ctx context.Context, id, taskID string, outcome core.Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish execution %s: status %q is not terminal", id, outcome.Status)
	}
	secs := outcome.Duration.Seconds()
	success := 0
	if outcome.Success() {
		success = 1
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, end_time = ?, duration_seconds = ?, exit_code = ?, output = ?, error = ?
			WHERE id = ? AND status = ?
		`, outcome.Status, formatTime(outcome.EndTime), secs, nullableInt(outcome.ExitCode),
			outcome.Output, outcome.Error, id, core.ExecutionRunning)
		if err != nil {
			return fmt.Errorf("finish execution: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM executions WHERE id = ?`, id).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check execution: %w", err)
			}
			if exists == 0 {
				return core.ErrExecutionNotFound
			}
			return nil
		}
		// The task may have been hard-deleted meanwhile; that is not an error.
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET run_count = run_count + 1,
				success_count = success_count + ?,
				failed_count = failed_count + ?
			WHERE id = ?
		`, success, 1-success, taskID); err != nil {
			return fmt.Errorf("update task counters: %w", err)
		}
		return nil
	})
}

// FailStaleExecutions finalizes every record still marked running as failed.
// Only safe before any execution of this process has started.
func (s *Store) FailStaleExecutions(ctx context.Context, reason string, at time.Time) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET run_count = run_count + (SELECT COUNT(1) FROM executions e WHERE e.task_id = tasks.id AND e.status = ?),
				failed_count = failed_count + (SELECT COUNT(1) FROM executions e WHERE e.task_id = tasks.id AND e.status = ?)
			WHERE id IN (SELECT task_id FROM executions WHERE status = ?)
		`, core.ExecutionRunning, core.ExecutionRunning, core.ExecutionRunning); err != nil {
			return fmt.Errorf("update counters for stale executions: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, end_time = ?, error = ?
			WHERE status = ?
		`, core.ExecutionFailed, formatTime(at), reason, core.ExecutionRunning)
		if err != nil {
			return fmt.Errorf("fail stale executions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PruneExecutions keeps the newest keep terminal records of a task.
func (s *Store) PruneExecutions(ctx context.Context, taskID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM executions
		WHERE task_id = ? AND status != ? AND id NOT IN (
			SELECT id FROM executions WHERE task_id = ? ORDER BY start_time DESC LIMIT ?
		)
	`, taskID, core.ExecutionRunning, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, err
	}
	return execution, nil
}

// ListExecutions returns executions newest first.
func (s *Store) ListExecutions(ctx context.Context, filter core.ExecutionFilter) ([]*core.Execution, error) {
	var (
		where []string
		args  []any
	)
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()
	var executions []*core.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return executions, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.Execution, error) {
	var (
		execution core.Execution
		status    string
		startTime string
		endTime   sql.NullString
		duration  sql.NullFloat64
		exitCode  sql.NullInt64
	)
	if err := scanner.Scan(&execution.ID, &execution.TaskID, &execution.TaskName, &status, &startTime,
		&endTime, &duration, &exitCode, &execution.Output, &execution.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	execution.Status = core.ExecutionStatus(status)
	execution.StartTime = parseTime(startTime)
	if endTime.Valid {
		if t := parseTime(endTime.String); !t.IsZero() {
			execution.EndTime = &t
		}
	}
	if duration.Valid {
		execution.DurationSeconds = &duration.Float64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		execution.ExitCode = &code
	}
	return &execution, nil
}
