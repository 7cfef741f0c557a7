package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// DataProcessingPayload represents the payload for data processing jobs
type DataProcessingPayload struct {
	InputData  []float64              `json:"input_data"`
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// DataProcessor defines the interface for data processing operations
type DataProcessor interface {
	Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error)
}

// DataProcessingHandler handles data processing jobs
type DataProcessingHandler struct {
	logger     *zap.Logger
	processors map[string]DataProcessor
}

// NewDataProcessingHandler creates a new data processing handler
func NewDataProcessingHandler(logger *zap.Logger) *DataProcessingHandler {
	h := &DataProcessingHandler{
		logger:     logger,
		processors: make(map[string]DataProcessor),
	}

	// Register default processors
	h.RegisterProcessor("filter", &FilterProcessor{})
	h.RegisterProcessor("transform", &TransformProcessor{})
	h.RegisterProcessor("aggregate", &AggregateProcessor{})

	return h
}

// RegisterProcessor registers a new data processor
func (h *DataProcessingHandler) RegisterProcessor(operation string, processor DataProcessor) {
	h.processors[operation] = processor
}

// Execute performs the data processing job
func (h *DataProcessingHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload DataProcessingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	processor, ok := h.processors[payload.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %s", payload.Operation)
	}

	h.logger.Info("Processing data",
		zap.String("operation", payload.Operation),
		zap.Int("points", len(payload.InputData)))

	result, err := processor.Process(ctx, payload.InputData, payload.Parameters)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"operation": payload.Operation,
		"output":    result,
	})
}

// FilterProcessor keeps values within the min/max bounds in the parameters
type FilterProcessor struct{}

func (p *FilterProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	min := paramFloat(params, "min", math.Inf(-1))
	max := paramFloat(params, "max", math.Inf(1))

	filtered := make([]float64, 0, len(data))
	for _, v := range data {
		if v >= min && v <= max {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

// TransformProcessor applies a scale and offset to every value
type TransformProcessor struct{}

func (p *TransformProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	scale := paramFloat(params, "scale", 1)
	offset := paramFloat(params, "offset", 0)

	transformed := make([]float64, len(data))
	for i, v := range data {
		transformed[i] = v*scale + offset
	}
	return transformed, nil
}

// AggregateProcessor reduces the input to count/sum/avg/min/max
type AggregateProcessor struct{}

func (p *AggregateProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	if len(data) == 0 {
		return map[string]interface{}{"count": 0}, nil
	}

	sum := 0.0
	min, max := data[0], data[0]
	for _, v := range data {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	return map[string]interface{}{
		"count": len(data),
		"sum":   sum,
		"avg":   sum / float64(len(data)),
		"min":   min,
		"max":   max,
	}, nil
}

func paramFloat(params map[string]interface{}, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return fallback
}
