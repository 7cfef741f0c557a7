package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is raised by the failure monitor when a schedule accumulates
// consecutive failed executions
type Alert struct {
	ID         string        `json:"id"`
	ScheduleID string        `json:"schedule_id"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Failures   int           `json:"failures"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SchedulerStats is a periodic operational snapshot published by the stats
// collector
type SchedulerStats struct {
	RunningExecutions int             `json:"running_executions"`
	CPUUsage          float64         `json:"cpu_usage"`
	MemoryUsage       float64         `json:"memory_usage"`
	Executions        []ExecutionStat `json:"executions,omitempty"`
	CollectedAt       time.Time       `json:"collected_at"`
}

// ExecutionStat aggregates ledger rows by schedule and status over a
// trailing window
type ExecutionStat struct {
	ScheduleID  string          `json:"schedule_id"`
	Status      ExecutionStatus `json:"status"`
	Count       int             `json:"count"`
	AvgDuration time.Duration   `json:"avg_duration"`
}
