package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
	"github.com/t77yq/schedcore/internal/storage"
)

// CleanupTarget selects what a cleanup job prunes
type CleanupTarget string

const (
	CleanupTargetExecutions CleanupTarget = "executions"
	CleanupTargetFiles      CleanupTarget = "files"
)

// CleanupPayload represents the payload for cleanup jobs
type CleanupPayload struct {
	Target    CleanupTarget `json:"target"`
	OlderThan string        `json:"older_than"`    // duration, e.g. "720h"
	Dir       string        `json:"dir,omitempty"` // relative to base dir, files target only
}

// CleanupHandler prunes old execution records and stale files
type CleanupHandler struct {
	logger  *zap.Logger
	ledger  storage.ExecutionStore
	baseDir string
}

// NewCleanupHandler creates a new cleanup handler
func NewCleanupHandler(logger *zap.Logger, ledger storage.ExecutionStore, baseDir string) *CleanupHandler {
	return &CleanupHandler{
		logger:  logger,
		ledger:  ledger,
		baseDir: baseDir,
	}
}

// Execute performs the cleanup
func (h *CleanupHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	age, err := time.ParseDuration(payload.OlderThan)
	if err != nil {
		return nil, fmt.Errorf("invalid older_than %q: %w", payload.OlderThan, err)
	}
	cutoff := time.Now().Add(-age)

	h.logger.Info("Running cleanup",
		zap.String("target", string(payload.Target)),
		zap.Time("cutoff", cutoff))

	switch payload.Target {
	case CleanupTargetExecutions:
		if err := h.ledger.DeleteBefore(ctx, cutoff); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{
			"target": payload.Target,
			"cutoff": cutoff,
		})

	case CleanupTargetFiles:
		removed, err := h.removeOldFiles(ctx, payload.Dir, cutoff)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{
			"target":  payload.Target,
			"cutoff":  cutoff,
			"removed": removed,
		})

	default:
		return nil, fmt.Errorf("unsupported cleanup target: %s", payload.Target)
	}
}

func (h *CleanupHandler) removeOldFiles(ctx context.Context, dir string, cutoff time.Time) (int, error) {
	root, err := resolveWithin(h.baseDir, dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}
