package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"scriptcron/internal/core"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkStruct runs struct-tag validation and converts the first failure into
// a core.ValidationError keyed by the JSON field name.
func checkStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return core.NewValidationError("", err.Error())
	}
	fe := verrs[0]
	return core.NewValidationError(jsonName(fe.StructField()), describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "excludesall":
		return "contains forbidden characters"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

var fieldNames = map[string]string{
	"ID":               "id",
	"Name":             "name",
	"ScriptPath":       "script_path",
	"TriggerType":      "trigger_type",
	"CronExpression":   "cron_expression",
	"IntervalSeconds":  "interval_seconds",
	"ScheduledTime":    "scheduled_time",
	"Arguments":        "arguments",
	"WorkingDirectory": "working_directory",
	"Environment":      "environment",
	"TimeoutSeconds":   "timeout_seconds",
	"Description":      "description",
}

func jsonName(field string) string {
	if name, ok := fieldNames[field]; ok {
		return name
	}
	return strings.ToLower(field)
}

var scheduledTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseScheduledTime accepts RFC 3339 or a naive local timestamp interpreted
// in loc.
func ParseScheduledTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range scheduledTimeLayouts[1:] {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, core.NewValidationError("scheduled_time", fmt.Sprintf("unrecognized timestamp %q", value))
}
