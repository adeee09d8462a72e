package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptcron/internal/core"
)

const taskColumns = `id, name, script_path, trigger_type, cron_expression, interval_seconds, scheduled_time,
	arguments, working_directory, environment, timeout_seconds, enabled, deleted,
	run_count, success_count, failed_count, description, notification, created_at, updated_at`

// UpsertTask inserts the task or updates its definition. Counters, the
// deleted flag and created_at of an existing row are preserved and copied
// back into task.
func (s *Store) UpsertTask(ctx context.Context, task *core.Task) error {
	args, err := json.Marshal(nonNilSlice(task.Arguments))
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	env, err := json.Marshal(nonNilMap(task.Environment))
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	var notification any
	if task.Notification != nil {
		raw, err := json.Marshal(task.Notification)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		notification = string(raw)
	}
	now := time.Now()
	timeout := task.TimeoutSeconds
	if timeout <= 0 {
		timeout = core.DefaultTimeoutSeconds
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, name, script_path, trigger_type, cron_expression, interval_seconds, scheduled_time,
				arguments, working_directory, environment, timeout_seconds, enabled, deleted, description, notification,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				script_path = excluded.script_path,
				trigger_type = excluded.trigger_type,
				cron_expression = excluded.cron_expression,
				interval_seconds = excluded.interval_seconds,
				scheduled_time = excluded.scheduled_time,
				arguments = excluded.arguments,
				working_directory = excluded.working_directory,
				environment = excluded.environment,
				timeout_seconds = excluded.timeout_seconds,
				enabled = excluded.enabled,
				description = excluded.description,
				notification = excluded.notification,
				updated_at = excluded.updated_at
		`, task.ID, task.Name, task.ScriptPath, task.TriggerType, nullableString(task.CronExpression),
			nullableInt(task.IntervalSeconds), nullableTime(task.ScheduledTime), string(args),
			nullableString(task.WorkingDirectory), string(env), timeout, boolInt(task.Enabled),
			boolInt(task.Deleted), task.Description, notification, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		stored, err := getTask(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		task.TimeoutSeconds = stored.TimeoutSeconds
		task.Deleted = stored.Deleted
		task.RunCount = stored.RunCount
		task.SuccessCount = stored.SuccessCount
		task.FailedCount = stored.FailedCount
		task.CreatedAt = stored.CreatedAt
		task.UpdatedAt = stored.UpdatedAt
		return nil
	})
}

// GetTask returns the task, including soft-deleted ones.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	return getTask(ctx, s.DB, id)
}

func getTask(ctx context.Context, q queryer, id string) (*core.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if kw := strings.TrimSpace(filter.Keyword); kw != "" {
		pattern := "%" + escapeLike(kw) + "%"
		where = append(where, `(name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR script_path LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeleteTask removes the task row. Execution history is kept.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectOneRow(res, core.ErrTaskNotFound)
}

func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task enabled: %w", err)
	}
	return expectOneRow(res, core.ErrTaskNotFound)
}

// SetTaskDeleted toggles the logical-delete flag.
func (s *Store) SetTaskDeleted(ctx context.Context, id string, deleted bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET deleted = ?, updated_at = ? WHERE id = ?`,
		boolInt(deleted), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task deleted: %w", err)
	}
	return expectOneRow(res, core.ErrTaskNotFound)
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task          core.Task
		triggerType   string
		cronExpr      sql.NullString
		interval      sql.NullInt64
		scheduledTime sql.NullString
		arguments     string
		workDir       sql.NullString
		environment   string
		enabled       int
		deleted       int
		notification  sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.ScriptPath, &triggerType, &cronExpr, &interval, &scheduledTime,
		&arguments, &workDir, &environment, &task.TimeoutSeconds, &enabled, &deleted,
		&task.RunCount, &task.SuccessCount, &task.FailedCount, &task.Description, &notification,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.TriggerType = core.TriggerType(triggerType)
	task.Enabled = enabled != 0
	task.Deleted = deleted != 0
	if cronExpr.Valid {
		task.CronExpression = &cronExpr.String
	}
	if interval.Valid {
		v := int(interval.Int64)
		task.IntervalSeconds = &v
	}
	if scheduledTime.Valid {
		if t := parseTime(scheduledTime.String); !t.IsZero() {
			task.ScheduledTime = &t
		}
	}
	if workDir.Valid {
		task.WorkingDirectory = &workDir.String
	}
	if err := json.Unmarshal([]byte(arguments), &task.Arguments); err != nil {
		return nil, fmt.Errorf("decode arguments of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(environment), &task.Environment); err != nil {
		return nil, fmt.Errorf("decode environment of task %s: %w", task.ID, err)
	}
	if len(task.Arguments) == 0 {
		task.Arguments = nil
	}
	if len(task.Environment) == 0 {
		task.Environment = nil
	}
	if notification.Valid && notification.String != "" {
		var n core.Notification
		if err := json.Unmarshal([]byte(notification.String), &n); err != nil {
			return nil, fmt.Errorf("decode notification of task %s: %w", task.ID, err)
		}
		task.Notification = &n
	}
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

func expectOneRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNilSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
