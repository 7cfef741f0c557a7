package model

import "time"

// EventType identifies a scheduler lifecycle event
type EventType string

const (
	EventScheduleCreated  EventType = "schedule.created"
	EventScheduleUpdated  EventType = "schedule.updated"
	EventScheduleDeleted  EventType = "schedule.deleted"
	EventScheduleExecuted EventType = "schedule.executed"
	EventScheduleFailed   EventType = "schedule.failed"
)

// Event is emitted for external consumption on every schedule mutation and
// execution outcome. Execution is set only for executed/failed events.
type Event struct {
	Type       EventType  `json:"type"`
	ScheduleID string     `json:"schedule_id"`
	Execution  *Execution `json:"execution,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
