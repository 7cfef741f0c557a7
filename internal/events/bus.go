package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

const (
	eventStreamName    = "SCHEDULE_EVENTS"
	eventSubjectPrefix = "schedule.event."
	eventStreamMaxAge  = 24 * time.Hour
)

// Handler receives scheduler events in-process
type Handler func(event model.Event)

// Bus fans scheduler events out to in-process subscribers and, when a
// JetStream context is attached, publishes each event for external
// consumers. Subscriber callbacks run on the publisher's goroutine; a
// panicking subscriber is recovered and never disturbs the others.
type Bus struct {
	logger *zap.Logger
	js     nats.JetStreamContext

	mu   sync.RWMutex
	subs []Handler
}

// NewBus creates an event bus. js may be nil for in-process-only operation.
func NewBus(logger *zap.Logger, js nats.JetStreamContext) *Bus {
	return &Bus{
		logger: logger.Named("events"),
		js:     js,
	}
}

// Start provisions the event stream when a JetStream context is attached
func (b *Bus) Start(ctx context.Context) error {
	if b.js == nil {
		return nil
	}

	_, err := b.js.StreamInfo(eventStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{eventSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxAge:   eventStreamMaxAge,
			MaxMsgs:  -1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("Created event stream", zap.String("name", eventStreamName))
	}
	return nil
}

// Subscribe registers an in-process event handler
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, handler)
}

// Publish delivers an event to every subscriber and to the event stream
func (b *Bus) Publish(event model.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, handler := range subs {
		b.invoke(handler, event)
	}

	if b.js == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}

	subject := eventSubjectPrefix + string(event.Type)
	if _, err := b.js.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("schedule_id", event.ScheduleID),
			zap.Error(err))
	}
}

func (b *Bus) invoke(handler Handler, event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}
