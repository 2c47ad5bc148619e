package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionsCleanup purges expired login session records.
	TaskSessionsCleanup = "sessions:cleanup"
)

// SessionsCleanupPayload tunes a cleanup run. GraceMinutes keeps records
// that expired less than that many minutes ago.
type SessionsCleanupPayload struct {
	GraceMinutes int `json:"grace_minutes"`
}

// NewSessionsCleanupTask constructs an Asynq task.
func NewSessionsCleanupTask(payload SessionsCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionsCleanup, data), nil
}

// NewTask builds a task of a known type with its default payload, for
// manual triggers.
func NewTask(taskType string) (*asynq.Task, error) {
	switch taskType {
	case TaskSessionsCleanup:
		return NewSessionsCleanupTask(SessionsCleanupPayload{})
	}
	return nil, &UnknownTaskError{Type: taskType}
}

// UnknownTaskError reports a task type the worker does not handle.
type UnknownTaskError struct {
	Type string
}

func (e *UnknownTaskError) Error() string {
	return "jobs: unknown task type " + e.Type
}
