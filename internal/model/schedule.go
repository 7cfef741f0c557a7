package model

import (
	"encoding/json"
	"time"
)

// ScheduleStatus represents the lifecycle state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusActive   ScheduleStatus = "active"
	ScheduleStatusPaused   ScheduleStatus = "paused"
	ScheduleStatusInactive ScheduleStatus = "inactive"
)

// JobKind selects the handler invoked when a schedule fires
type JobKind string

const (
	JobKindReportGeneration    JobKind = "report_generation"
	JobKindExportCreation      JobKind = "export_creation"
	JobKindEmailSending        JobKind = "email_sending"
	JobKindNotificationSending JobKind = "notification_sending"
	JobKindDataProcessing      JobKind = "data_processing"
	JobKindCleanup             JobKind = "cleanup"
	JobKindBackup              JobKind = "backup"
	JobKindHealthCheck         JobKind = "health_check"
)

// TriggerKind distinguishes the two schedule representations
type TriggerKind string

const (
	TriggerKindCron   TriggerKind = "cron"
	TriggerKindPreset TriggerKind = "preset"
)

// Frequency is the preset cadence
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// OverlapPolicy governs what happens when a schedule fires while its
// previous execution is still running
type OverlapPolicy string

const (
	// OverlapSkip suppresses the new fire and records a skipped execution
	OverlapSkip OverlapPolicy = "skip"

	// OverlapQueue defers the new fire until the running execution finishes
	OverlapQueue OverlapPolicy = "queue"
)

// Trigger describes when a schedule fires. Exactly one representation is
// authoritative: a raw five-field cron expression, or a frequency preset
// with a time of day. For presets an equivalent cron expression is derived
// and stored in DerivedExpression.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	Expression string      `json:"expression,omitempty"`
	Frequency  Frequency   `json:"frequency,omitempty"`
	Time       string      `json:"time,omitempty"`         // "HH:MM", 24-hour
	DayOfWeek  *int        `json:"day_of_week,omitempty"`  // 0 = Sunday
	DayOfMonth *int        `json:"day_of_month,omitempty"` // 1..31

	DerivedExpression string `json:"derived_expression,omitempty"`
}

// Options holds per-schedule execution knobs
type Options struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	OverlapPolicy OverlapPolicy `json:"overlap_policy,omitempty"`
}

// Schedule represents a recurring job definition
type Schedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	JobKind     JobKind         `json:"job_kind"`
	Trigger     Trigger         `json:"trigger"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Options     Options         `json:"options"`
	Status      ScheduleStatus  `json:"status"`
	Enabled     bool            `json:"enabled"`

	// Version increments on every administrative mutation. Timer callbacks
	// carry the version they were armed with; a mismatch at fire time means
	// the timer is stale and must not dispatch.
	Version int64 `json:"version"`

	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Payload != nil {
		c.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	if s.Trigger.DayOfWeek != nil {
		v := *s.Trigger.DayOfWeek
		c.Trigger.DayOfWeek = &v
	}
	if s.Trigger.DayOfMonth != nil {
		v := *s.Trigger.DayOfMonth
		c.Trigger.DayOfMonth = &v
	}
	if s.LastRun != nil {
		v := *s.LastRun
		c.LastRun = &v
	}
	if s.NextRun != nil {
		v := *s.NextRun
		c.NextRun = &v
	}
	return &c
}
