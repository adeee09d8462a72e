package core

import (
	"time"
)

// TriggerType selects how a task computes its next fire time.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerDate     TriggerType = "date"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerCron, TriggerInterval, TriggerDate:
		return true
	default:
		return false
	}
}

// ExecutionStatus describes the state of an individual execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionTimeout, ExecutionCancelled:
		return true
	default:
		return false
	}
}

const (
	DefaultTimeoutSeconds = 300
	MaxTimeoutSeconds     = 86400
)

// Notification is the per-task notification configuration.
type Notification struct {
	Enabled   bool              `json:"enabled"`
	Channels  []string          `json:"channels,omitempty"`
	OnSuccess bool              `json:"on_success"`
	OnFailure bool              `json:"on_failure"`
	Config    map[string]string `json:"config,omitempty"`
}

// Wants reports whether an execution with the given outcome should be announced.
func (n *Notification) Wants(success bool) bool {
	if n == nil || !n.Enabled {
		return false
	}
	if success {
		return n.OnSuccess
	}
	return n.OnFailure
}

// Task is a script registered for scheduled execution.
type Task struct {
	ID               string
	Name             string
	ScriptPath       string
	TriggerType      TriggerType
	CronExpression   *string
	IntervalSeconds  *int
	ScheduledTime    *time.Time
	Arguments        []string
	WorkingDirectory *string
	Environment      map[string]string
	TimeoutSeconds   int
	Enabled          bool
	Deleted          bool
	RunCount         int64
	SuccessCount     int64
	FailedCount      int64
	Description      string
	Notification     *Notification
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Timeout returns the execution bound, applying the default when unset.
func (t *Task) Timeout() time.Duration {
	secs := t.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Schedulable reports whether the task may hold an armed timer.
func (t *Task) Schedulable() bool {
	return t.Enabled && !t.Deleted
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.CronExpression != nil {
		v := *t.CronExpression
		c.CronExpression = &v
	}
	if t.IntervalSeconds != nil {
		v := *t.IntervalSeconds
		c.IntervalSeconds = &v
	}
	if t.ScheduledTime != nil {
		v := *t.ScheduledTime
		c.ScheduledTime = &v
	}
	if t.WorkingDirectory != nil {
		v := *t.WorkingDirectory
		c.WorkingDirectory = &v
	}
	if t.Arguments != nil {
		c.Arguments = append([]string(nil), t.Arguments...)
	}
	if t.Environment != nil {
		c.Environment = make(map[string]string, len(t.Environment))
		for k, v := range t.Environment {
			c.Environment[k] = v
		}
	}
	if t.Notification != nil {
		n := *t.Notification
		n.Channels = append([]string(nil), t.Notification.Channels...)
		if t.Notification.Config != nil {
			n.Config = make(map[string]string, len(t.Notification.Config))
			for k, v := range t.Notification.Config {
				n.Config[k] = v
			}
		}
		c.Notification = &n
	}
	return &c
}

// Execution captures a single run attempt of a task.
type Execution struct {
	ID              string
	TaskID          string
	TaskName        string
	Status          ExecutionStatus
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds *float64
	ExitCode        *int
	Output          string
	Error           string
}

// Outcome is the terminal transition applied to a running execution.
type Outcome struct {
	Status   ExecutionStatus
	EndTime  time.Time
	Duration time.Duration
	ExitCode *int
	Output   string
	Error    string
}

// Success reports whether the outcome counts toward the success counter.
func (o Outcome) Success() bool {
	return o.Status == ExecutionSuccess
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Keyword        string
	Enabled        *bool
	IncludeDeleted bool
}

// ExecutionFilter narrows execution listings. Zero values mean no filter.
type ExecutionFilter struct {
	TaskID string
	Status ExecutionStatus
	Limit  int
}

// JobInfo is a snapshot of one armed timer.
type JobInfo struct {
	ID          string
	Name        string
	TriggerType TriggerType
	NextRunTime time.Time
}

// RunningExecution is the live metadata of a task currently executing.
type RunningExecution struct {
	TaskID      string
	ExecutionID string
	StartTime   time.Time
}

func ptrInt(v int) *int {
	return &v
}
