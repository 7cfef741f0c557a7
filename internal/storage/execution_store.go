package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

// ExecutionStore defines the interface for the execution ledger
type ExecutionStore interface {
	// Insert stores a new execution record
	Insert(ctx context.Context, execution *model.Execution) error

	// Update updates an existing execution record
	Update(ctx context.Context, execution *model.Execution) error

	// Get retrieves an execution record by id, nil when absent
	Get(ctx context.Context, id string) (*model.Execution, error)

	// List retrieves the most recent executions, optionally filtered by
	// schedule id
	List(ctx context.Context, scheduleID string, limit int) ([]*model.Execution, error)

	// Stats aggregates count and average duration grouped by schedule and
	// status over a trailing window
	Stats(ctx context.Context, window time.Duration) ([]model.ExecutionStat, error)

	// DeleteBefore deletes records created before the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteExecutionStore implements ExecutionStore using SQLite
type SQLiteExecutionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionStore opens (or creates) the execution ledger database
func NewSQLiteExecutionStore(logger *zap.Logger, dbPath string) (*SQLiteExecutionStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteExecutionStore{
		logger: logger,
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteExecutionStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			duration INTEGER,
			result TEXT,
			error TEXT,
			skipped_for TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_schedule_id ON executions(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Insert implements ExecutionStore.Insert
func (s *SQLiteExecutionStore) Insert(ctx context.Context, execution *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, schedule_id, status, started_at, skipped_for, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		execution.ID,
		execution.ScheduleID,
		string(execution.Status),
		nullTime(execution.StartedAt),
		sql.NullString{String: execution.SkippedFor, Valid: execution.SkippedFor != ""},
		execution.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Update implements ExecutionStore.Update
func (s *SQLiteExecutionStore) Update(ctx context.Context, execution *model.Execution) error {
	var resultStr string
	if len(execution.Result) > 0 {
		resultStr = string(execution.Result)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?,
			started_at = ?,
			ended_at = ?,
			duration = ?,
			result = ?,
			error = ?
		WHERE id = ?`,
		string(execution.Status),
		nullTime(execution.StartedAt),
		nullTime(execution.EndedAt),
		sql.NullInt64{Int64: int64(execution.Duration), Valid: execution.Duration != 0},
		sql.NullString{String: resultStr, Valid: resultStr != ""},
		sql.NullString{String: execution.Error, Valid: execution.Error != ""},
		execution.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

// Get implements ExecutionStore.Get
func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, schedule_id, status, started_at, ended_at, duration,
		       result, error, skipped_for, created_at
		FROM executions WHERE id = ?`, id)

	execution, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return execution, err
}

// List implements ExecutionStore.List
func (s *SQLiteExecutionStore) List(ctx context.Context, scheduleID string, limit int) ([]*model.Execution, error) {
	query := `
		SELECT id, schedule_id, status, started_at, ended_at, duration,
		       result, error, skipped_for, created_at
		FROM executions`
	args := make([]interface{}, 0, 2)

	if scheduleID != "" {
		query += " WHERE schedule_id = ?"
		args = append(args, scheduleID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return executions, nil
}

// Stats implements ExecutionStore.Stats
func (s *SQLiteExecutionStore) Stats(ctx context.Context, window time.Duration) ([]model.ExecutionStat, error) {
	cutoff := time.Now().Add(-window)

	rows, err := s.db.QueryContext(ctx, `
		SELECT schedule_id, status, COUNT(*), COALESCE(AVG(duration), 0)
		FROM executions
		WHERE created_at >= ?
		GROUP BY schedule_id, status
		ORDER BY schedule_id, status`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats []model.ExecutionStat
	for rows.Next() {
		var stat model.ExecutionStat
		var avg float64
		if err := rows.Scan(&stat.ScheduleID, &stat.Status, &stat.Count, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stat.AvgDuration = time.Duration(avg)
		stats = append(stats, stat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

// DeleteBefore implements ExecutionStore.DeleteBefore
func (s *SQLiteExecutionStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE created_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteExecutionStore) Close() error {
	return s.db.Close()
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var execution model.Execution
	var startedAt, endedAt sql.NullTime
	var durationNanos sql.NullInt64
	var result, errorStr, skippedFor sql.NullString

	err := row.Scan(
		&execution.ID,
		&execution.ScheduleID,
		&execution.Status,
		&startedAt,
		&endedAt,
		&durationNanos,
		&result,
		&errorStr,
		&skippedFor,
		&execution.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		execution.EndedAt = &endedAt.Time
	}
	if durationNanos.Valid {
		execution.Duration = time.Duration(durationNanos.Int64)
	}
	if result.Valid && result.String != "" {
		execution.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		execution.Error = errorStr.String
	}
	if skippedFor.Valid {
		execution.SkippedFor = skippedFor.String
	}

	return &execution, nil
}
