package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

func jobWithPayload(t *testing.T, kind model.JobKind, payload interface{}) *model.JobRequest {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.JobRequest{
		ScheduleID:  "test-schedule",
		ExecutionID: "test-execution",
		Kind:        kind,
		Payload:     data,
	}
}

func TestDataProcessingFilter(t *testing.T) {
	h := NewDataProcessingHandler(zap.NewNop())
	job := jobWithPayload(t, model.JobKindDataProcessing, DataProcessingPayload{
		InputData:  []float64{1, 5, 10, 50, 100},
		Operation:  "filter",
		Parameters: map[string]interface{}{"min": 5.0, "max": 50.0},
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		Operation string    `json:"operation"`
		Output    []float64 `json:"output"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "filter", out.Operation)
	assert.Equal(t, []float64{5, 10, 50}, out.Output)
}

func TestDataProcessingTransform(t *testing.T) {
	h := NewDataProcessingHandler(zap.NewNop())
	job := jobWithPayload(t, model.JobKindDataProcessing, DataProcessingPayload{
		InputData:  []float64{1, 2, 3},
		Operation:  "transform",
		Parameters: map[string]interface{}{"scale": 2.0, "offset": 1.0},
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		Output []float64 `json:"output"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, []float64{3, 5, 7}, out.Output)
}

func TestDataProcessingAggregate(t *testing.T) {
	h := NewDataProcessingHandler(zap.NewNop())
	job := jobWithPayload(t, model.JobKindDataProcessing, DataProcessingPayload{
		InputData: []float64{2, 4, 6},
		Operation: "aggregate",
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		Output map[string]float64 `json:"output"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, float64(3), out.Output["count"])
	assert.Equal(t, float64(12), out.Output["sum"])
	assert.Equal(t, float64(4), out.Output["avg"])
	assert.Equal(t, float64(2), out.Output["min"])
	assert.Equal(t, float64(6), out.Output["max"])
}

func TestDataProcessingAggregateEmpty(t *testing.T) {
	h := NewDataProcessingHandler(zap.NewNop())
	job := jobWithPayload(t, model.JobKindDataProcessing, DataProcessingPayload{
		Operation: "aggregate",
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		Output map[string]float64 `json:"output"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, float64(0), out.Output["count"])
}

func TestDataProcessingErrors(t *testing.T) {
	h := NewDataProcessingHandler(zap.NewNop())

	t.Run("Unknown Operation", func(t *testing.T) {
		job := jobWithPayload(t, model.JobKindDataProcessing, DataProcessingPayload{
			Operation: "shuffle",
		})
		_, err := h.Execute(context.Background(), job)
		assert.ErrorContains(t, err, "unknown operation")
	})

	t.Run("Malformed Payload", func(t *testing.T) {
		job := &model.JobRequest{Payload: json.RawMessage(`not json`)}
		_, err := h.Execute(context.Background(), job)
		assert.ErrorContains(t, err, "failed to unmarshal payload")
	})
}
