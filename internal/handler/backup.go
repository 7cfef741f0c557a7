package handler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// BackupPayload represents the payload for backup jobs
type BackupPayload struct {
	SourcePath string `json:"source_path"`
	TargetDir  string `json:"target_dir"`
	Compress   bool   `json:"compress,omitempty"`
}

// BackupHandler copies files into timestamped backups under a base directory
type BackupHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(logger *zap.Logger, baseDir string) *BackupHandler {
	return &BackupHandler{
		logger:  logger,
		baseDir: baseDir,
	}
}

// Execute performs the backup
func (h *BackupHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload BackupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	source, err := resolveWithin(h.baseDir, payload.SourcePath)
	if err != nil {
		return nil, err
	}
	targetDir, err := resolveWithin(h.baseDir, payload.TargetDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	stamp := time.Now().Format("20060102-150405")
	name := fmt.Sprintf("%s.%s", filepath.Base(source), stamp)
	if payload.Compress {
		name += ".gz"
	}
	target := filepath.Join(targetDir, name)

	h.logger.Info("Creating backup",
		zap.String("source", source),
		zap.String("target", target),
		zap.Bool("compress", payload.Compress))

	written, err := h.copyFile(source, target, payload.Compress)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"source": source,
		"target": target,
		"bytes":  written,
	})
}

func (h *BackupHandler) copyFile(source, target string, compress bool) (int64, error) {
	sourceFile, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	targetFile, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	var dst io.Writer = targetFile
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(targetFile)
		dst = gz
	}

	written, err := io.Copy(dst, sourceFile)
	if err != nil {
		return 0, fmt.Errorf("failed to copy file: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("failed to flush compressed backup: %w", err)
		}
	}
	return written, nil
}
