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

// ScheduleStore defines the interface for durable schedule state
type ScheduleStore interface {
	// Insert persists a new schedule row
	Insert(ctx context.Context, schedule *model.Schedule) error

	// Update replaces the full row for the schedule id
	Update(ctx context.Context, schedule *model.Schedule) error

	// UpdateRunTimes persists last_run/next_run without touching the
	// administrative fields
	UpdateRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error

	// Get retrieves a schedule by id, nil when absent
	Get(ctx context.Context, id string) (*model.Schedule, error)

	// List retrieves all schedule rows
	List(ctx context.Context) ([]*model.Schedule, error)
}

// SQLiteScheduleStore implements ScheduleStore using SQLite
type SQLiteScheduleStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteScheduleStore opens (or creates) the schedule database. The file
// is never removed on open: rows are the durability boundary across restarts.
func NewSQLiteScheduleStore(logger *zap.Logger, dbPath string) (*SQLiteScheduleStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteScheduleStore{
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
func (s *SQLiteScheduleStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			job_kind TEXT NOT NULL,
			trigger_spec TEXT NOT NULL,
			payload TEXT,
			options TEXT,
			status TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			version INTEGER NOT NULL,
			last_run DATETIME,
			next_run DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_status ON schedules(status);
		CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Insert implements ScheduleStore.Insert
func (s *SQLiteScheduleStore) Insert(ctx context.Context, schedule *model.Schedule) error {
	trigSpec, options, err := encodeScheduleBlobs(schedule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, name, description, job_kind, trigger_spec, payload, options,
			status, enabled, version, last_run, next_run, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.Name,
		sql.NullString{String: schedule.Description, Valid: schedule.Description != ""},
		string(schedule.JobKind),
		trigSpec,
		nullRawMessage(schedule.Payload),
		options,
		string(schedule.Status),
		schedule.Enabled,
		schedule.Version,
		nullTime(schedule.LastRun),
		nullTime(schedule.NextRun),
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// Update implements ScheduleStore.Update
func (s *SQLiteScheduleStore) Update(ctx context.Context, schedule *model.Schedule) error {
	trigSpec, options, err := encodeScheduleBlobs(schedule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			name = ?,
			description = ?,
			job_kind = ?,
			trigger_spec = ?,
			payload = ?,
			options = ?,
			status = ?,
			enabled = ?,
			version = ?,
			last_run = ?,
			next_run = ?,
			updated_at = ?
		WHERE id = ?`,
		schedule.Name,
		sql.NullString{String: schedule.Description, Valid: schedule.Description != ""},
		string(schedule.JobKind),
		trigSpec,
		nullRawMessage(schedule.Payload),
		options,
		string(schedule.Status),
		schedule.Enabled,
		schedule.Version,
		nullTime(schedule.LastRun),
		nullTime(schedule.NextRun),
		schedule.UpdatedAt,
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("schedule not persisted: %s", schedule.ID)
	}
	return nil
}

// UpdateRunTimes implements ScheduleStore.UpdateRunTimes
func (s *SQLiteScheduleStore) UpdateRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run = ?, next_run = ? WHERE id = ?`,
		nullTime(lastRun),
		nullTime(nextRun),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run times: %w", err)
	}
	return nil
}

// Get implements ScheduleStore.Get
func (s *SQLiteScheduleStore) Get(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, job_kind, trigger_spec, payload, options,
		       status, enabled, version, last_run, next_run, created_at, updated_at
		FROM schedules WHERE id = ?`, id)

	schedule, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return schedule, err
}

// List implements ScheduleStore.List
func (s *SQLiteScheduleStore) List(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, job_kind, trigger_spec, payload, options,
		       status, enabled, version, last_run, next_run, created_at, updated_at
		FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return schedules, nil
}

// Close closes the database connection
func (s *SQLiteScheduleStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var schedule model.Schedule
	var description, payload, options sql.NullString
	var trigSpec string
	var lastRun, nextRun sql.NullTime

	err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&description,
		&schedule.JobKind,
		&trigSpec,
		&payload,
		&options,
		&schedule.Status,
		&schedule.Enabled,
		&schedule.Version,
		&lastRun,
		&nextRun,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	if err := json.Unmarshal([]byte(trigSpec), &schedule.Trigger); err != nil {
		return nil, fmt.Errorf("failed to decode trigger for %s: %w", schedule.ID, err)
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &schedule.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options for %s: %w", schedule.ID, err)
		}
	}
	if description.Valid {
		schedule.Description = description.String
	}
	if payload.Valid && payload.String != "" {
		schedule.Payload = json.RawMessage(payload.String)
	}
	if lastRun.Valid {
		schedule.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		schedule.NextRun = &nextRun.Time
	}

	return &schedule, nil
}

func encodeScheduleBlobs(schedule *model.Schedule) (trigSpec string, options sql.NullString, err error) {
	trig, err := json.Marshal(schedule.Trigger)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode trigger: %w", err)
	}
	opts, err := json.Marshal(schedule.Options)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode options: %w", err)
	}
	return string(trig), sql.NullString{String: string(opts), Valid: true}, nil
}

func nullRawMessage(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
