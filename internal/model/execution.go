package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the current status of an execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"

	// ExecutionStatusSkipped marks a fire suppressed by the overlap policy.
	// The record references the in-flight execution it yielded to.
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// Execution represents one recorded attempt to run a job in response to a
// fire or a manual invocation. Status transitions only
// pending -> running -> completed|failed; terminal records are never mutated.
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	// SkippedFor holds the id of the in-flight execution a skipped fire
	// yielded to
	SkippedFor string `json:"skipped_for,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// JobRequest is handed to a job handler on each invocation
type JobRequest struct {
	ScheduleID  string          `json:"schedule_id"`
	ExecutionID string          `json:"execution_id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Options     Options         `json:"options"`
}
