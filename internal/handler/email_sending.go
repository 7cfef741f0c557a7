package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// EmailPayload represents the payload for email sending jobs
type EmailPayload struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
}

// EmailConfig holds SMTP configuration
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailHandler sends email through SMTP
type EmailHandler struct {
	logger *zap.Logger
	config EmailConfig
}

// NewEmailHandler creates a new email handler
func NewEmailHandler(logger *zap.Logger, config EmailConfig) *EmailHandler {
	return &EmailHandler{
		logger: logger,
		config: config,
	}
}

// Execute sends the email
func (h *EmailHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if len(payload.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	h.logger.Info("Sending email",
		zap.String("subject", payload.Subject),
		zap.Int("recipients", len(payload.Recipients)))

	auth := smtp.PlainAuth("",
		h.config.Username,
		h.config.Password,
		h.config.Host)

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		h.config.From,
		payload.Recipients[0],
		payload.Subject,
		payload.Body)

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	if err := smtp.SendMail(addr, auth, h.config.From, payload.Recipients, []byte(msg)); err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"recipients": len(payload.Recipients),
	})
}
