package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// ExportFormat defines the on-disk format of an export
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

// ExportPayload represents the payload for export creation jobs
type ExportPayload struct {
	Dataset    string                   `json:"dataset"`
	Format     ExportFormat             `json:"format"`
	TargetPath string                   `json:"target_path"`
	Rows       []map[string]interface{} `json:"rows"`
}

// ExportHandler writes export files under a base directory
type ExportHandler struct {
	logger *zap.Logger
	// Base directory for all export files
	baseDir string
}

// NewExportHandler creates a new export handler
func NewExportHandler(logger *zap.Logger, baseDir string) *ExportHandler {
	return &ExportHandler{
		logger:  logger,
		baseDir: baseDir,
	}
}

// Execute writes the export file
func (h *ExportHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	var payload ExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	target, err := resolveWithin(h.baseDir, payload.TargetPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	h.logger.Info("Creating export",
		zap.String("dataset", payload.Dataset),
		zap.String("format", string(payload.Format)),
		zap.Int("rows", len(payload.Rows)))

	switch payload.Format {
	case ExportFormatCSV:
		err = writeCSV(target, payload.Rows)
	case ExportFormatJSON:
		err = writeJSON(target, payload.Rows)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", payload.Format)
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat export: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"dataset": payload.Dataset,
		"path":    target,
		"rows":    len(payload.Rows),
		"bytes":   info.Size(),
	})
}

func writeCSV(path string, rows []map[string]interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Stable column order across rows
	columnSet := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			columnSet[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for key := range columnSet {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, column := range columns {
			if value, ok := row[column]; ok {
				record[i] = fmt.Sprintf("%v", value)
			}
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, rows []map[string]interface{}) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rows: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// resolveWithin joins a relative path against base and rejects escapes.
// The base is cleaned first so configured forms like "./work" compare
// against the cleaned join result.
func resolveWithin(base, rel string) (string, error) {
	base = filepath.Clean(base)
	resolved := filepath.Clean(filepath.Join(base, rel))
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be within base directory")
	}
	return resolved, nil
}
