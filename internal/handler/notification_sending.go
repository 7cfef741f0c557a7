package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// NotificationPayload represents the payload for notification jobs
type NotificationPayload struct {
	URL     string            `json:"url"`
	Message string            `json:"message"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    interface{}       `json:"data,omitempty"`
}

// NotificationHandler delivers notifications to webhook endpoints
type NotificationHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute posts the notification
func (h *NotificationHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	body, err := json.Marshal(map[string]interface{}{
		"message": payload.Message,
		"data":    payload.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Sending notification", zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}

	return json.Marshal(map[string]interface{}{
		"status":   resp.StatusCode,
		"response": string(respBody),
	})
}
