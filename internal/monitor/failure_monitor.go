package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

const alertSubject = "alert.schedule"

// FailureMonitor tracks consecutive failed executions per schedule and
// raises an alert when a streak reaches the threshold. It consumes the
// scheduler's executed/failed events; a successful execution resets the
// streak. Alerting is observational only: schedules are never disabled on
// failure, operators pause them manually.
type FailureMonitor struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	threshold int

	mu      sync.Mutex
	streaks map[string]int
}

// NewFailureMonitor creates a failure monitor. js may be nil; alerts are
// then only logged.
func NewFailureMonitor(logger *zap.Logger, js nats.JetStreamContext, threshold int) *FailureMonitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &FailureMonitor{
		logger:    logger.Named("failure-monitor"),
		js:        js,
		threshold: threshold,
		streaks:   make(map[string]int),
	}
}

// HandleEvent is registered as an event bus subscriber
func (m *FailureMonitor) HandleEvent(event model.Event) {
	switch event.Type {
	case model.EventScheduleExecuted:
		m.mu.Lock()
		delete(m.streaks, event.ScheduleID)
		m.mu.Unlock()

	case model.EventScheduleFailed:
		m.mu.Lock()
		m.streaks[event.ScheduleID]++
		streak := m.streaks[event.ScheduleID]
		m.mu.Unlock()

		if streak == m.threshold {
			m.raise(event, streak)
		}
	}
}

// Streak reports the current consecutive failure count for a schedule
func (m *FailureMonitor) Streak(scheduleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaks[scheduleID]
}

func (m *FailureMonitor) raise(event model.Event, streak int) {
	alert := &model.Alert{
		ID:         uuid.New().String(),
		ScheduleID: event.ScheduleID,
		Severity:   model.AlertSeverityWarning,
		Message:    fmt.Sprintf("schedule failed %d consecutive times", streak),
		Failures:   streak,
		CreatedAt:  time.Now(),
	}
	if event.Execution != nil && event.Execution.Error != "" {
		alert.Message = fmt.Sprintf("%s, last error: %s", alert.Message, event.Execution.Error)
	}

	m.logger.Warn("Raising failure alert",
		zap.String("schedule_id", alert.ScheduleID),
		zap.Int("failures", streak),
		zap.String("message", alert.Message))

	if m.js == nil {
		return
	}

	data, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := m.js.Publish(alertSubject, data); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("schedule_id", alert.ScheduleID),
			zap.Error(err))
	}
}
