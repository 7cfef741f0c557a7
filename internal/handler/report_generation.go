package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// ReportPayload represents the payload for report generation jobs
type ReportPayload struct {
	ReportType string                 `json:"report_type"`
	Sections   []string               `json:"sections,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ReportGenerator produces one section of a report
type ReportGenerator interface {
	Generate(ctx context.Context, section string, params map[string]interface{}) (interface{}, error)
}

// ReportHandler handles report generation jobs
type ReportHandler struct {
	logger     *zap.Logger
	generators map[string]ReportGenerator
}

// NewReportHandler creates a report handler with the default generators
func NewReportHandler(logger *zap.Logger) *ReportHandler {
	h := &ReportHandler{
		logger:     logger,
		generators: make(map[string]ReportGenerator),
	}
	h.RegisterGenerator("summary", &summaryGenerator{})
	h.RegisterGenerator("detailed", &detailedGenerator{})
	return h
}

// RegisterGenerator registers a generator for a report type
func (h *ReportHandler) RegisterGenerator(reportType string, generator ReportGenerator) {
	h.generators[reportType] = generator
}

// Execute builds the report document
func (h *ReportHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload ReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	generator, ok := h.generators[payload.ReportType]
	if !ok {
		return nil, fmt.Errorf("unknown report type: %s", payload.ReportType)
	}

	h.logger.Info("Generating report",
		zap.String("report_type", payload.ReportType),
		zap.Int("sections", len(payload.Sections)))

	sections := payload.Sections
	if len(sections) == 0 {
		sections = []string{"default"}
	}

	report := map[string]interface{}{
		"report_type":  payload.ReportType,
		"generated_at": time.Now(),
		"sections":     map[string]interface{}{},
	}
	body := report["sections"].(map[string]interface{})

	for _, section := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := generator.Generate(ctx, section, payload.Parameters)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", section, err)
		}
		body[section] = content
	}

	return json.Marshal(report)
}

type summaryGenerator struct{}

func (g *summaryGenerator) Generate(ctx context.Context, section string, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"section":    section,
		"parameters": len(params),
	}, nil
}

type detailedGenerator struct{}

func (g *detailedGenerator) Generate(ctx context.Context, section string, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"section":    section,
		"parameters": params,
	}, nil
}
