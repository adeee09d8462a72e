package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(v string) *string { return &v }

func TestParseCronFieldCounts(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, loc)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{name: "five fields", expr: "30 9 * * *", want: time.Date(2024, 5, 2, 9, 30, 0, 0, loc)},
		{name: "six fields", expr: "15 30 9 * * *", want: time.Date(2024, 5, 2, 9, 30, 15, 0, loc)},
		{name: "extra whitespace", expr: "  */5   * * * * ", want: time.Date(2024, 5, 1, 10, 5, 0, 0, loc)},
		{name: "weekday range", expr: "0 9 * * 1-5", want: time.Date(2024, 5, 2, 9, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, err := ParseCron(tt.expr, loc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Next(base))
		})
	}
}

func TestParseCronInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "* * * *", "* * * * * * *", "61 * * * *", "not a cron at all"} {
		_, err := ParseCron(expr, time.UTC)
		require.Error(t, err, expr)
		assert.True(t, errors.Is(err, ErrInvalidTrigger), expr)

		var triggerErr *InvalidTriggerError
		require.ErrorAs(t, err, &triggerErr)
		assert.Equal(t, TriggerCron, triggerErr.Type)
		assert.NotEmpty(t, triggerErr.Reason)
	}
}

func TestParseCronUsesLocation(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	spec, err := ParseCron("0 9 * * *", loc)
	require.NoError(t, err)

	next := spec.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 9, next.In(loc).Hour())
	assert.Equal(t, 1, next.UTC().Hour())
}

func TestParseCronDailyBoundary(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	spec, err := ParseCron("0 9 * * *", loc)
	require.NoError(t, err)

	tests := []struct {
		name string
		base time.Time
		want string
	}{
		{name: "before nine fires same day", base: time.Date(2024, 5, 1, 8, 59, 59, 0, loc), want: "2024-05-01T09:00:00+08:00"},
		{name: "early morning fires same day", base: time.Date(2024, 5, 1, 0, 0, 0, 0, loc), want: "2024-05-01T09:00:00+08:00"},
		{name: "exactly nine fires next day", base: time.Date(2024, 5, 1, 9, 0, 0, 0, loc), want: "2024-05-02T09:00:00+08:00"},
		{name: "after nine fires next day", base: time.Date(2024, 5, 1, 13, 0, 0, 0, loc), want: "2024-05-02T09:00:00+08:00"},
		{name: "month end rolls over", base: time.Date(2024, 5, 31, 10, 0, 0, 0, loc), want: "2024-06-01T09:00:00+08:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, spec.Next(tt.base).Format(time.RFC3339))
		})
	}
}

func TestParseCronAcrossDST(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2024-03-10 02:00 EST jumps to 03:00 EDT; 2024-11-03 02:00 EDT falls back to 01:00 EST.
	tests := []struct {
		name string
		expr string
		base time.Time
		want string
	}{
		{name: "skipped local time moves to next day", expr: "30 2 * * *", base: time.Date(2024, 3, 10, 0, 0, 0, 0, ny), want: "2024-03-11T02:30:00-04:00"},
		{name: "hourly skips the missing hour", expr: "0 * * * *", base: time.Date(2024, 3, 10, 1, 0, 0, 0, ny), want: "2024-03-10T03:00:00-04:00"},
		{name: "daily keeps wall clock over spring forward", expr: "0 9 * * *", base: time.Date(2024, 3, 9, 10, 0, 0, 0, ny), want: "2024-03-10T09:00:00-04:00"},
		{name: "daily keeps wall clock over fall back", expr: "0 9 * * *", base: time.Date(2024, 11, 2, 10, 0, 0, 0, ny), want: "2024-11-03T09:00:00-05:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, err := ParseCron(tt.expr, ny)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Next(tt.base).Format(time.RFC3339))
		})
	}
}

func TestBuildTriggerValidation(t *testing.T) {
	t.Parallel()
	zero, negative := 0, -5
	tests := []struct {
		name string
		task Task
	}{
		{name: "cron missing expression", task: Task{TriggerType: TriggerCron}},
		{name: "cron blank expression", task: Task{TriggerType: TriggerCron, CronExpression: strPtr("   ")}},
		{name: "cron bad expression", task: Task{TriggerType: TriggerCron, CronExpression: strPtr("* *")}},
		{name: "interval missing", task: Task{TriggerType: TriggerInterval}},
		{name: "interval zero", task: Task{TriggerType: TriggerInterval, IntervalSeconds: &zero}},
		{name: "interval negative", task: Task{TriggerType: TriggerInterval, IntervalSeconds: &negative}},
		{name: "date missing", task: Task{TriggerType: TriggerDate}},
		{name: "unknown type", task: Task{TriggerType: "weekly"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trigger, err := BuildTrigger(&tt.task, time.UTC)
			assert.Nil(t, trigger)
			assert.ErrorIs(t, err, ErrInvalidTrigger)
		})
	}
}

func TestBuildTriggerInterval(t *testing.T) {
	t.Parallel()
	every := 90
	trigger, err := BuildTrigger(&Task{TriggerType: TriggerInterval, IntervalSeconds: &every}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, TriggerInterval, trigger.Type)

	base := time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC)
	times := NextOccurrences(trigger, base, 3)
	require.Len(t, times, 3)
	assert.Equal(t, base.Add(90*time.Second), times[0])
	assert.Equal(t, base.Add(180*time.Second), times[1])
	assert.Equal(t, base.Add(270*time.Second), times[2])
}

func TestBuildTriggerDateFiresOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	future := now.Add(time.Hour)
	trigger, err := BuildTrigger(&Task{TriggerType: TriggerDate, ScheduledTime: &future}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{future}, NextOccurrences(trigger, now, 5))

	past := now.Add(-time.Hour)
	trigger, err = BuildTrigger(&Task{TriggerType: TriggerDate, ScheduledTime: &past}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now, trigger.Next(now), "a past date fires immediately")
	assert.True(t, trigger.Next(now).IsZero(), "and only once")
}

func TestBuildTriggerReturnsFreshTriggers(t *testing.T) {
	t.Parallel()
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &Task{TriggerType: TriggerDate, ScheduledTime: &at}

	first, err := BuildTrigger(task, time.UTC)
	require.NoError(t, err)
	first.Next(time.Now())

	second, err := BuildTrigger(task, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at, second.Next(time.Now()))
}

func TestNextOccurrencesCron(t *testing.T) {
	t.Parallel()
	trigger, err := BuildTrigger(&Task{TriggerType: TriggerCron, CronExpression: strPtr("0 */6 * * *")}, time.UTC)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	times := NextOccurrences(trigger, base, 4)
	require.Len(t, times, 4)
	for i, want := range []int{6, 12, 18, 0} {
		assert.Equal(t, want, times[i].Hour())
	}
}

func TestNewExecutionID(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 9, 8, 7, 6, 123456789, time.UTC)
	assert.Equal(t, "backup_20240309080706123456", NewExecutionID("backup", at))
	assert.NotEqual(t, NewTaskID(), NewTaskID())
}
