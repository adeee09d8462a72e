package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"scriptcron/internal/core"
)

// Ids that collide with fixed routes under /tasks.
var reservedIDs = map[string]bool{"execute": true, "run": true}

const (
	DefaultExecutionLimit = 50
	MaxExecutionLimit     = 200
	MaxPreviewCount       = 10
)

// Store is the read side plus the soft-delete flag; everything that affects
// scheduling goes through the scheduler.
type Store interface {
	GetTask(ctx context.Context, id string) (*core.Task, error)
	ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error)
	SetTaskDeleted(ctx context.Context, id string, deleted bool) error
	GetExecution(ctx context.Context, id string) (*core.Execution, error)
	ListExecutions(ctx context.Context, filter core.ExecutionFilter) ([]*core.Execution, error)
	Ping(ctx context.Context) error
}

// TriggerInput carries the trigger fields of a task.
type TriggerInput struct {
	TriggerType     core.TriggerType `json:"trigger_type" validate:"required,oneof=cron interval date"`
	CronExpression  *string          `json:"cron_expression,omitempty"`
	IntervalSeconds *int             `json:"interval_seconds,omitempty"`
	ScheduledTime   *string          `json:"scheduled_time,omitempty"`
}

// CreateTaskInput is the payload for registering a task.
type CreateTaskInput struct {
	ID         string `json:"id" validate:"omitempty,max=64,excludesall=/?#%"`
	Name       string `json:"name" validate:"required,min=1,max=100"`
	ScriptPath string `json:"script_path" validate:"required"`
	TriggerInput
	Arguments        []string           `json:"arguments,omitempty"`
	WorkingDirectory *string            `json:"working_directory,omitempty"`
	Environment      map[string]string  `json:"environment,omitempty"`
	TimeoutSeconds   *int               `json:"timeout_seconds,omitempty" validate:"omitempty,gt=0,lte=86400"`
	Enabled          *bool              `json:"enabled,omitempty"`
	Description      string             `json:"description,omitempty" validate:"max=500"`
	Notification     *core.Notification `json:"notification,omitempty"`
}

// UpdateTaskInput is a partial update; nil fields are left unchanged.
type UpdateTaskInput struct {
	Name             *string            `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	ScriptPath       *string            `json:"script_path,omitempty" validate:"omitempty,min=1"`
	TriggerType      *core.TriggerType  `json:"trigger_type,omitempty" validate:"omitempty,oneof=cron interval date"`
	CronExpression   *string            `json:"cron_expression,omitempty"`
	IntervalSeconds  *int               `json:"interval_seconds,omitempty"`
	ScheduledTime    *string            `json:"scheduled_time,omitempty"`
	Arguments        []string           `json:"arguments,omitempty"`
	WorkingDirectory *string            `json:"working_directory,omitempty"`
	Environment      map[string]string  `json:"environment,omitempty"`
	TimeoutSeconds   *int               `json:"timeout_seconds,omitempty" validate:"omitempty,gt=0,lte=86400"`
	Enabled          *bool              `json:"enabled,omitempty"`
	Description      *string            `json:"description,omitempty" validate:"omitempty,max=500"`
	Notification     *core.Notification `json:"notification,omitempty"`
}

// Health is the liveness summary.
type Health struct {
	Status           string `json:"status"`
	SchedulerRunning bool   `json:"scheduler_running"`
	Database         string `json:"database"`
	RunningTasks     int    `json:"running_tasks"`
	ArmedJobs        int    `json:"armed_jobs"`
}

// Paths locates scripts and their transcripts.
type Paths struct {
	ScriptsDir    string
	ScriptLogsDir string
}

// Service orchestrates task intents over the scheduler and the store.
type Service struct {
	store         Store
	scheduler     *core.Scheduler
	scriptsDir    string
	scriptLogsDir string
	logger        *slog.Logger
}

// New creates the service.
func New(store Store, scheduler *core.Scheduler, paths Paths, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		scheduler:     scheduler,
		scriptsDir:    paths.ScriptsDir,
		scriptLogsDir: paths.ScriptLogsDir,
		logger:        logger,
	}
}

// Location returns the scheduler timezone.
func (s *Service) Location() *time.Location {
	return s.scheduler.Location()
}

func (s *Service) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// GetTask returns a non-deleted task.
func (s *Service) GetTask(ctx context.Context, id string) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Deleted {
		return nil, core.ErrTaskNotFound
	}
	return task, nil
}

// CreateTask validates the input, persists the task and arms it when enabled.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*core.Task, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	in.ScriptPath = strings.TrimSpace(in.ScriptPath)
	if err := checkStruct(in); err != nil {
		return nil, err
	}

	task := &core.Task{
		ID:               in.ID,
		Name:             in.Name,
		ScriptPath:       in.ScriptPath,
		Arguments:        in.Arguments,
		WorkingDirectory: trimmedOrNil(in.WorkingDirectory),
		Environment:      in.Environment,
		TimeoutSeconds:   core.DefaultTimeoutSeconds,
		Enabled:          true,
		Description:      in.Description,
		Notification:     in.Notification,
	}
	if task.ID == "" {
		task.ID = core.NewTaskID()
	}
	if reservedIDs[task.ID] {
		return nil, core.NewValidationError("id", fmt.Sprintf("%q is reserved", task.ID))
	}
	if in.TimeoutSeconds != nil {
		task.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.Enabled != nil {
		task.Enabled = *in.Enabled
	}
	if err := s.applyTrigger(task, in.TriggerInput); err != nil {
		return nil, err
	}

	if _, err := s.store.GetTask(ctx, task.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskExists, task.ID)
	} else if !errors.Is(err, core.ErrTaskNotFound) {
		return nil, err
	}

	if err := s.scheduler.AddTask(ctx, task, true, false); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "trigger", task.TriggerType, "enabled", task.Enabled)
	return s.store.GetTask(ctx, task.ID)
}

// UpdateTask applies a partial update. Trigger changes fully re-arm the task;
// enabled changes go through pause or resume.
func (s *Service) UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (*core.Task, error) {
	if err := checkStruct(in); err != nil {
		return nil, err
	}
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task := current.Clone()

	if in.Name != nil {
		task.Name = strings.TrimSpace(*in.Name)
		if task.Name == "" {
			return nil, core.NewValidationError("name", "is required")
		}
	}
	if in.ScriptPath != nil {
		task.ScriptPath = strings.TrimSpace(*in.ScriptPath)
		if task.ScriptPath == "" {
			return nil, core.NewValidationError("script_path", "is required")
		}
	}
	if in.Arguments != nil {
		task.Arguments = in.Arguments
	}
	if in.WorkingDirectory != nil {
		task.WorkingDirectory = trimmedOrNil(in.WorkingDirectory)
	}
	if in.Environment != nil {
		task.Environment = in.Environment
	}
	if in.TimeoutSeconds != nil {
		task.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Notification != nil {
		task.Notification = in.Notification
	}

	triggerChanged := in.TriggerType != nil || in.CronExpression != nil || in.IntervalSeconds != nil || in.ScheduledTime != nil
	if triggerChanged {
		trig := TriggerInput{TriggerType: task.TriggerType}
		if in.TriggerType != nil {
			trig.TriggerType = *in.TriggerType
		}
		switch trig.TriggerType {
		case core.TriggerCron:
			trig.CronExpression = firstNonNil(in.CronExpression, task.CronExpression)
		case core.TriggerInterval:
			trig.IntervalSeconds = in.IntervalSeconds
			if trig.IntervalSeconds == nil {
				trig.IntervalSeconds = task.IntervalSeconds
			}
		case core.TriggerDate:
			trig.ScheduledTime = in.ScheduledTime
			if trig.ScheduledTime == nil && task.ScheduledTime != nil {
				formatted := task.ScheduledTime.Format(time.RFC3339Nano)
				trig.ScheduledTime = &formatted
			}
		}
		if err := s.applyTrigger(task, trig); err != nil {
			return nil, err
		}
		if err := s.scheduler.AddTask(ctx, task, true, false); err != nil {
			return nil, err
		}
	} else if err := s.scheduler.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	// task carries the enabled flag read under the scheduler's lock.
	if in.Enabled != nil && *in.Enabled != task.Enabled {
		if *in.Enabled {
			err = s.scheduler.ResumeTask(ctx, id)
		} else {
			err = s.scheduler.PauseTask(ctx, id)
		}
		if err != nil {
			return nil, err
		}
	}
	s.logger.Info("task updated", "task_id", id, "trigger_changed", triggerChanged)
	return s.store.GetTask(ctx, id)
}

// DeleteTask disarms the task and marks it deleted; history is kept.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	if err := s.scheduler.RemoveTask(ctx, id, false); err != nil {
		return err
	}
	if err := s.store.SetTaskDeleted(ctx, id, true); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// RestoreTask clears the deleted flag and re-arms the task if it is enabled.
func (s *Service) RestoreTask(ctx context.Context, id string) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Deleted {
		if err := s.store.SetTaskDeleted(ctx, id, false); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
		task.Deleted = false
	}
	if task.Enabled {
		if err := s.scheduler.AddTask(ctx, task, false, false); err != nil {
			return nil, fmt.Errorf("re-arm restored task: %w", err)
		}
	}
	s.logger.Info("task restored", "task_id", id)
	return task, nil
}

func (s *Service) PauseTask(ctx context.Context, id string) error {
	return s.scheduler.PauseTask(ctx, id)
}

func (s *Service) ResumeTask(ctx context.Context, id string) error {
	return s.scheduler.ResumeTask(ctx, id)
}

// ExecuteNow fires the task out of band; the run continues in the background.
func (s *Service) ExecuteNow(ctx context.Context, id string) error {
	return s.scheduler.RunNow(ctx, id)
}

// CancelTask cancels the running execution of the task, if any.
func (s *Service) CancelTask(ctx context.Context, id string) (bool, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return s.scheduler.CancelRunningTask(id), nil
}

// NextRunTime reports the next fire time of an armed task.
func (s *Service) NextRunTime(ctx context.Context, id string) (time.Time, bool, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return time.Time{}, false, err
	}
	next, ok := s.scheduler.NextRunTime(id)
	return next, ok, nil
}

// ListExecutions returns the newest executions of a task. History of deleted
// tasks stays visible.
func (s *Service) ListExecutions(ctx context.Context, taskID string, limit int, status core.ExecutionStatus) ([]*core.Execution, error) {
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	if limit > MaxExecutionLimit {
		return nil, core.NewValidationError("limit", fmt.Sprintf("must be at most %d", MaxExecutionLimit))
	}
	if status != "" && !status.Valid() {
		return nil, core.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	return s.store.ListExecutions(ctx, core.ExecutionFilter{TaskID: taskID, Status: status, Limit: limit})
}

func (s *Service) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ArmedNextRun returns the next fire time of the task's timer without
// consulting the store.
func (s *Service) ArmedNextRun(id string) (time.Time, bool) {
	return s.scheduler.NextRunTime(id)
}

// IsTaskRunning reports whether the task has a live execution.
func (s *Service) IsTaskRunning(id string) bool {
	return s.scheduler.IsTaskRunning(id)
}

// ScriptLogPath returns the transcript file of the task's script.
func (s *Service) ScriptLogPath(ctx context.Context, id string) (string, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return core.ScriptLogPath(s.scriptLogsDir, task.ScriptPath), nil
}

func (s *Service) ListJobs() []core.JobInfo {
	return s.scheduler.ListJobs()
}

func (s *Service) RunningExecutions() []core.RunningExecution {
	return s.scheduler.RunningExecutions()
}

// PreviewTrigger returns the next count fire times of the trigger from now.
func (s *Service) PreviewTrigger(in TriggerInput, count int) ([]time.Time, error) {
	if err := checkStruct(in); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 5
	}
	if count > MaxPreviewCount {
		count = MaxPreviewCount
	}
	task := &core.Task{}
	if err := s.applyTrigger(task, in); err != nil {
		return nil, err
	}
	trigger, err := core.BuildTrigger(task, s.Location())
	if err != nil {
		return nil, err
	}
	return core.NextOccurrences(trigger, time.Now().In(s.Location()), count), nil
}

// Health reports scheduler and database state.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:           "healthy",
		SchedulerRunning: s.scheduler.Running(),
		Database:         "ok",
		RunningTasks:     len(s.scheduler.RunningExecutions()),
		ArmedJobs:        len(s.scheduler.ListJobs()),
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: database unreachable", "err", err)
		h.Database = "unreachable"
		h.Status = "unhealthy"
	}
	if !h.SchedulerRunning {
		h.Status = "unhealthy"
	}
	return h
}

// applyTrigger sets exactly the trigger field matching in.TriggerType and
// validates the result.
func (s *Service) applyTrigger(task *core.Task, in TriggerInput) error {
	task.TriggerType = in.TriggerType
	task.CronExpression = nil
	task.IntervalSeconds = nil
	task.ScheduledTime = nil
	switch in.TriggerType {
	case core.TriggerCron:
		if in.CronExpression != nil {
			expr := strings.TrimSpace(*in.CronExpression)
			task.CronExpression = &expr
		}
	case core.TriggerInterval:
		if in.IntervalSeconds != nil {
			v := *in.IntervalSeconds
			task.IntervalSeconds = &v
		}
	case core.TriggerDate:
		if in.ScheduledTime != nil && strings.TrimSpace(*in.ScheduledTime) != "" {
			t, err := ParseScheduledTime(*in.ScheduledTime, s.Location())
			if err != nil {
				return err
			}
			task.ScheduledTime = &t
		}
	}
	_, err := core.BuildTrigger(task, s.Location())
	return err
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func firstNonNil(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
