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

func TestReportGeneration(t *testing.T) {
	h := NewReportHandler(zap.NewNop())

	job := jobWithPayload(t, model.JobKindReportGeneration, ReportPayload{
		ReportType: "summary",
		Sections:   []string{"sales", "traffic"},
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		ReportType string                            `json:"report_type"`
		Sections   map[string]map[string]interface{} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "summary", out.ReportType)
	require.Len(t, out.Sections, 2)
	assert.Equal(t, "sales", out.Sections["sales"]["section"])
	assert.Equal(t, "traffic", out.Sections["traffic"]["section"])
}

func TestReportGenerationDefaultSection(t *testing.T) {
	h := NewReportHandler(zap.NewNop())

	job := jobWithPayload(t, model.JobKindReportGeneration, ReportPayload{
		ReportType: "detailed",
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		Sections map[string]interface{} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Contains(t, out.Sections, "default")
}

func TestReportGenerationUnknownType(t *testing.T) {
	h := NewReportHandler(zap.NewNop())

	job := jobWithPayload(t, model.JobKindReportGeneration, ReportPayload{
		ReportType: "quarterly",
	})

	_, err := h.Execute(context.Background(), job)
	assert.ErrorContains(t, err, "unknown report type")
}

func TestReportGenerationHonorsCancellation(t *testing.T) {
	h := NewReportHandler(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := jobWithPayload(t, model.JobKindReportGeneration, ReportPayload{
		ReportType: "summary",
		Sections:   []string{"one"},
	})

	_, err := h.Execute(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
}
