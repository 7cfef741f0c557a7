package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

func TestExportCSV(t *testing.T) {
	baseDir := t.TempDir()
	h := NewExportHandler(zap.NewNop(), baseDir)

	job := jobWithPayload(t, model.JobKindExportCreation, ExportPayload{
		Dataset:    "orders",
		Format:     ExportFormatCSV,
		TargetPath: "exports/orders.csv",
		Rows: []map[string]interface{}{
			{"id": 1, "total": 9.5},
			{"id": 2, "total": 12.0},
		},
	})

	result, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	var out struct {
		Path string `json:"path"`
		Rows int    `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, 2, out.Rows)
	assert.Equal(t, filepath.Join(baseDir, "exports", "orders.csv"), out.Path)

	file, err := os.Open(out.Path)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "total"}, records[0])
	assert.Equal(t, []string{"1", "9.5"}, records[1])
}

func TestExportJSON(t *testing.T) {
	baseDir := t.TempDir()
	h := NewExportHandler(zap.NewNop(), baseDir)

	job := jobWithPayload(t, model.JobKindExportCreation, ExportPayload{
		Dataset:    "users",
		Format:     ExportFormatJSON,
		TargetPath: "users.json",
		Rows: []map[string]interface{}{
			{"name": "alice"},
		},
	})

	_, err := h.Execute(context.Background(), job)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, "users.json"))
	require.NoError(t, err)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["name"])
}

func TestExportRejectsPathEscape(t *testing.T) {
	h := NewExportHandler(zap.NewNop(), t.TempDir())

	job := jobWithPayload(t, model.JobKindExportCreation, ExportPayload{
		Dataset:    "secrets",
		Format:     ExportFormatCSV,
		TargetPath: "../outside.csv",
	})

	_, err := h.Execute(context.Background(), job)
	assert.ErrorContains(t, err, "within base directory")
}

func TestResolveWithinRelativeBase(t *testing.T) {
	// The shipped default work dir is the relative "./work"; joining must
	// not reject paths just because Join cleans the "./" prefix away
	resolved, err := resolveWithin("./work", "exports/orders.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("work", "exports", "orders.csv"), resolved)

	resolved, err = resolveWithin("./work", "")
	require.NoError(t, err)
	assert.Equal(t, "work", resolved)

	_, err = resolveWithin("./work", "../outside.csv")
	assert.ErrorContains(t, err, "within base directory")

	_, err = resolveWithin("work/", "nested/../../escape")
	assert.ErrorContains(t, err, "within base directory")
}

func TestExportUnsupportedFormat(t *testing.T) {
	h := NewExportHandler(zap.NewNop(), t.TempDir())

	job := jobWithPayload(t, model.JobKindExportCreation, ExportPayload{
		Dataset:    "orders",
		Format:     "xml",
		TargetPath: "orders.xml",
	})

	_, err := h.Execute(context.Background(), job)
	assert.ErrorContains(t, err, "unsupported export format")
}
