package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTaskID returns a random UUID for tasks created without a caller-supplied id.
func NewTaskID() string {
	return uuid.NewString()
}

// NewExecutionID returns "{task_id}_{timestamp}" with microsecond resolution.
func NewExecutionID(taskID string, at time.Time) string {
	return fmt.Sprintf("%s_%s%06d", taskID, at.Format("20060102150405"), at.Nanosecond()/1000)
}
