package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
	"github.com/t77yq/schedcore/internal/testutil"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil)

	var got []model.Event
	bus.Subscribe(func(event model.Event) {
		got = append(got, event)
	})

	bus.Publish(model.Event{Type: model.EventScheduleCreated, ScheduleID: "s1"})
	bus.Publish(model.Event{Type: model.EventScheduleFailed, ScheduleID: "s2"})

	require.Len(t, got, 2)
	assert.Equal(t, model.EventScheduleCreated, got[0].Type)
	assert.Equal(t, "s1", got[0].ScheduleID)
	assert.Equal(t, model.EventScheduleFailed, got[1].Type)
	assert.False(t, got[0].Timestamp.IsZero(), "publish stamps the event")
}

func TestBusPanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil)

	bus.Subscribe(func(model.Event) {
		panic("bad subscriber")
	})
	var delivered int
	bus.Subscribe(func(model.Event) {
		delivered++
	})

	assert.NotPanics(t, func() {
		bus.Publish(model.Event{Type: model.EventScheduleCreated, ScheduleID: "s1"})
	})
	assert.Equal(t, 1, delivered)
}

func TestBusStartWithoutJetStream(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil)
	assert.NoError(t, bus.Start(context.Background()))
}

func TestBusPublishesToJetStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	bus := NewBus(zap.NewNop(), js)
	require.NoError(t, bus.Start(context.Background()))

	// Start is idempotent once the stream exists
	require.NoError(t, bus.Start(context.Background()))

	bus.Publish(model.Event{Type: model.EventScheduleExecuted, ScheduleID: "s1"})

	messages, err := testutil.ConsumeMessages(js, "schedule.event.schedule.executed", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var event model.Event
	require.NoError(t, json.Unmarshal(messages[0], &event))
	assert.Equal(t, model.EventScheduleExecuted, event.Type)
	assert.Equal(t, "s1", event.ScheduleID)
}
