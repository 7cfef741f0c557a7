package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// HealthCheckPayload represents the payload for health check jobs
type HealthCheckPayload struct {
	URL          string  `json:"url,omitempty"`
	MaxCPU       float64 `json:"max_cpu,omitempty"`    // percent, 0 disables the check
	MaxMemory    float64 `json:"max_memory,omitempty"` // percent, 0 disables the check
	ProbeTimeout string  `json:"probe_timeout,omitempty"`
}

// HealthCheckHandler samples host resources and optionally probes an HTTP
// endpoint
type HealthCheckHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHealthCheckHandler creates a new health check handler
func NewHealthCheckHandler(logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Execute runs the health check
func (h *HealthCheckHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload HealthCheckPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to sample CPU: %w", err)
	}
	var cpuUsage float64
	if len(cpuPercents) > 0 {
		cpuUsage = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample memory: %w", err)
	}

	result := map[string]interface{}{
		"cpu_usage":    cpuUsage,
		"memory_usage": vm.UsedPercent,
		"checked_at":   time.Now(),
	}

	if payload.URL != "" {
		status, err := h.probe(ctx, payload)
		if err != nil {
			return nil, err
		}
		result["url"] = payload.URL
		result["url_status"] = status
	}

	if payload.MaxCPU > 0 && cpuUsage > payload.MaxCPU {
		return nil, fmt.Errorf("cpu usage %.1f%% exceeds threshold %.1f%%", cpuUsage, payload.MaxCPU)
	}
	if payload.MaxMemory > 0 && vm.UsedPercent > payload.MaxMemory {
		return nil, fmt.Errorf("memory usage %.1f%% exceeds threshold %.1f%%", vm.UsedPercent, payload.MaxMemory)
	}

	h.logger.Info("Health check passed",
		zap.Float64("cpu_usage", cpuUsage),
		zap.Float64("memory_usage", vm.UsedPercent))

	return json.Marshal(result)
}

func (h *HealthCheckHandler) probe(ctx context.Context, payload HealthCheckPayload) (int, error) {
	if payload.ProbeTimeout != "" {
		timeout, err := time.ParseDuration(payload.ProbeTimeout)
		if err != nil {
			return 0, fmt.Errorf("invalid probe_timeout %q: %w", payload.ProbeTimeout, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
