package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus describes the lifecycle state of a task or of a whole run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one bound unit of pipeline work as observed during a run.
type Task struct {
	ID             string
	Name           string
	Description    string
	ExpectedOutput string
	AssignedTo     string
	Status         TaskStatus
	Result         string
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	Metadata       map[string]string
}

// NewTask creates a pending task with a generated ID.
func NewTask(description, expectedOutput, assignedTo string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.NewString(),
		Description:    description,
		ExpectedOutput: expectedOutput,
		AssignedTo:     assignedTo,
		Status:         TaskStatusPending,
		CreatedAt:      now,
		Metadata:       make(map[string]string),
	}
}

// Start marks the task as running.
func (t *Task) Start() {
	t.Status = TaskStatusRunning
	t.StartedAt = time.Now().UTC()
}

// Complete marks the task as completed with a result.
func (t *Task) Complete(result string) {
	t.Status = TaskStatusCompleted
	t.Result = result
	t.Error = ""
	t.FinishedAt = time.Now().UTC()
}

// Fail marks the task as failed with an error message.
func (t *Task) Fail(err string) {
	t.Status = TaskStatusFailed
	t.Error = err
	t.FinishedAt = time.Now().UTC()
}

// Duration returns how long the task ran, or zero if it never finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
