package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// 6-field expressions carry seconds; 5-field ones get an implicit second 0.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger is a schedulable firing rule built from a task's trigger fields.
// It satisfies cron.Schedule so it can be armed directly on the engine.
type Trigger struct {
	Type     TriggerType
	schedule cron.Schedule
}

// Next returns the first fire time strictly after t, or the zero time when
// the trigger is exhausted.
func (tr *Trigger) Next(t time.Time) time.Time {
	return tr.schedule.Next(t)
}

// ParseCron parses a 5- or 6-field cron expression evaluated in loc.
func ParseCron(expr string, loc *time.Location) (*cron.SpecSchedule, error) {
	trimmed := strings.TrimSpace(expr)
	fields := strings.Fields(trimmed)
	if len(fields) != 5 && len(fields) != 6 {
		return nil, &InvalidTriggerError{Type: TriggerCron, Expression: expr, Reason: "expected 5 or 6 fields"}
	}
	schedule, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, &InvalidTriggerError{Type: TriggerCron, Expression: expr, Reason: err.Error()}
	}
	spec, ok := schedule.(*cron.SpecSchedule)
	if !ok {
		return nil, &InvalidTriggerError{Type: TriggerCron, Expression: expr, Reason: "unsupported expression"}
	}
	if loc == nil {
		loc = time.Local
	}
	spec.Location = loc
	return spec, nil
}

// BuildTrigger converts the task's trigger fields into a Trigger. It performs
// no I/O. Every call returns a fresh Trigger; date triggers are single-use.
func BuildTrigger(task *Task, loc *time.Location) (*Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	switch task.TriggerType {
	case TriggerCron:
		if task.CronExpression == nil || strings.TrimSpace(*task.CronExpression) == "" {
			return nil, &InvalidTriggerError{Type: TriggerCron, Reason: "cron_expression is required"}
		}
		spec, err := ParseCron(*task.CronExpression, loc)
		if err != nil {
			return nil, err
		}
		return &Trigger{Type: TriggerCron, schedule: spec}, nil
	case TriggerInterval:
		if task.IntervalSeconds == nil {
			return nil, &InvalidTriggerError{Type: TriggerInterval, Reason: "interval_seconds is required"}
		}
		if *task.IntervalSeconds <= 0 {
			return nil, &InvalidTriggerError{
				Type:       TriggerInterval,
				Expression: fmt.Sprintf("%d", *task.IntervalSeconds),
				Reason:     "interval_seconds must be greater than 0",
			}
		}
		every := time.Duration(*task.IntervalSeconds) * time.Second
		return &Trigger{Type: TriggerInterval, schedule: intervalSchedule{every: every}}, nil
	case TriggerDate:
		if task.ScheduledTime == nil || task.ScheduledTime.IsZero() {
			return nil, &InvalidTriggerError{Type: TriggerDate, Reason: "scheduled_time is required"}
		}
		return &Trigger{Type: TriggerDate, schedule: &onceSchedule{at: task.ScheduledTime.In(loc)}}, nil
	default:
		return nil, &InvalidTriggerError{Type: task.TriggerType, Reason: fmt.Sprintf("unsupported trigger type %q", task.TriggerType)}
	}
}

// NextOccurrences returns up to n upcoming fire times from base. Exhausted
// triggers yield fewer entries.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// intervalSchedule fires every `every` after the previous evaluation time.
// Unlike cron.Every it does not round to whole seconds, so consecutive
// firings are never closer than the interval.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// onceSchedule fires a single time. A scheduled time already in the past
// fires on the first evaluation.
type onceSchedule struct {
	mu   sync.Mutex
	at   time.Time
	used bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return time.Time{}
	}
	s.used = true
	if s.at.After(t) {
		return s.at
	}
	return t
}
