package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
	"github.com/t77yq/schedcore/internal/trigger"
)

// ScheduleSource is the slice of the registry the timer manager reads:
// version-guarded snapshots at fire time and run bookkeeping afterwards
type ScheduleSource interface {
	Snapshot(id string) (*model.Schedule, bool)
	RecordRun(ctx context.Context, id string, version int64, lastRun *time.Time, nextRun time.Time) error
}

// Dispatcher hands a fired schedule to the execution engine
type Dispatcher interface {
	Execute(ctx context.Context, schedule *model.Schedule) (*model.Execution, error)
}

// TimerOptions configures reconciliation behavior
type TimerOptions struct {
	// CatchupMissed runs a schedule once immediately when its persisted
	// next_run was missed while the process was down. Off by default:
	// missed instants are skipped and the schedule is re-armed from now.
	CatchupMissed bool
}

// TimerManager owns one live cron entry per enabled schedule. Entries are
// keyed by (schedule id, version): arming an identical version is a no-op,
// arming a new version tears down the old entry first. Each entry's next
// fire instant is computed by the trigger clock, so a fired entry re-arms
// itself at the following instant and never the previous one.
type TimerManager struct {
	logger     *zap.Logger
	clock      *trigger.Clock
	source     ScheduleSource
	dispatcher Dispatcher
	opts       TimerOptions
	cron       *cron.Cron

	mu      sync.Mutex
	entries map[string]armedEntry
}

type armedEntry struct {
	version int64
	entryID cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewTimerManager creates a timer manager firing in the clock's timezone
func NewTimerManager(logger *zap.Logger, clock *trigger.Clock, source ScheduleSource, dispatcher Dispatcher, opts TimerOptions) *TimerManager {
	named := logger.Named("timers")
	runner := cron.New(
		cron.WithLocation(clock.Location()),
		cron.WithChain(cron.Recover(&cronLogger{logger: named.Named("cron")})),
	)

	return &TimerManager{
		logger:     named,
		clock:      clock,
		source:     source,
		dispatcher: dispatcher,
		opts:       opts,
		cron:       runner,
		entries:    make(map[string]armedEntry),
	}
}

// Start starts the underlying cron runner
func (m *TimerManager) Start() {
	m.cron.Start()
}

// Stop stops the runner and waits for in-flight fire callbacks to return
func (m *TimerManager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Arm creates the live timer for a schedule. Idempotent per
// (schedule id, version).
func (m *TimerManager) Arm(schedule *model.Schedule) error {
	if schedule == nil || !schedule.Enabled {
		return fmt.Errorf("cannot arm disabled schedule")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[schedule.ID]; ok {
		if cur.version == schedule.Version {
			return nil
		}
		m.cron.Remove(cur.entryID)
	}

	entryID := m.cron.Schedule(
		&triggerSchedule{clock: m.clock, trig: schedule.Trigger},
		&scheduleJob{manager: m, scheduleID: schedule.ID, version: schedule.Version},
	)
	m.entries[schedule.ID] = armedEntry{version: schedule.Version, entryID: entryID}

	m.logger.Info("Armed schedule",
		zap.String("id", schedule.ID),
		zap.Int64("version", schedule.Version))
	return nil
}

// Disarm tears down the live timer for a schedule id, if any
func (m *TimerManager) Disarm(scheduleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[scheduleID]
	if !ok {
		return
	}
	m.cron.Remove(cur.entryID)
	delete(m.entries, scheduleID)

	m.logger.Info("Disarmed schedule", zap.String("id", scheduleID))
}

// ArmedVersion reports the version currently armed for a schedule id
func (m *TimerManager) ArmedVersion(scheduleID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[scheduleID]
	if !ok {
		return 0, false
	}
	return cur.version, true
}

// ArmedCount returns the number of live timers
func (m *TimerManager) ArmedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reconcile rebuilds live timers from persisted schedule state at process
// start. next_run is always recomputed from now rather than trusted from
// disk, correcting any drift or instants missed while the process was down;
// the corrected value is re-persisted before the timer is armed. When
// catch-up is enabled a schedule whose persisted next_run lies in the past
// is additionally dispatched once immediately.
func (m *TimerManager) Reconcile(ctx context.Context, schedules []*model.Schedule) error {
	now := time.Now()

	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}

		next, err := m.clock.NextRun(schedule.Trigger, now)
		if err != nil {
			m.logger.Error("Skipping schedule with invalid trigger",
				zap.String("id", schedule.ID),
				zap.Error(err))
			continue
		}

		missed := schedule.NextRun != nil && schedule.NextRun.Before(now)

		if err := m.source.RecordRun(ctx, schedule.ID, schedule.Version, nil, next); err != nil {
			m.logger.Error("Failed to persist reconciled next run",
				zap.String("id", schedule.ID),
				zap.Error(err))
		}

		if err := m.Arm(schedule); err != nil {
			m.logger.Error("Failed to arm schedule",
				zap.String("id", schedule.ID),
				zap.Error(err))
			continue
		}

		m.logger.Info("Reconciled schedule",
			zap.String("id", schedule.ID),
			zap.Bool("missed_fire", missed),
			zap.Time("next_run", next))

		if missed && m.opts.CatchupMissed {
			go m.fire(schedule.ID, schedule.Version)
		}
	}

	return nil
}

// fire is the timer callback. The snapshot's version is the final guard
// against stale timers: a callback whose captured version no longer matches
// the registry's current version is a no-op.
func (m *TimerManager) fire(scheduleID string, version int64) {
	snapshot, ok := m.source.Snapshot(scheduleID)
	if !ok || snapshot.Version != version || !snapshot.Enabled {
		m.logger.Debug("Ignoring stale timer fire",
			zap.String("id", scheduleID),
			zap.Int64("armed_version", version))
		return
	}

	ctx := context.Background()
	firedAt := time.Now()

	// Bookkeeping first: the persisted next_run must match the live entry's
	// next fire instant even while the handler is still running.
	next, err := m.clock.NextRun(snapshot.Trigger, firedAt)
	if err != nil {
		m.logger.Error("Failed to compute next run",
			zap.String("id", scheduleID),
			zap.Error(err))
		next = time.Time{}
	}
	if err := m.source.RecordRun(ctx, scheduleID, version, &firedAt, next); err != nil {
		m.logger.Error("Failed to record run times",
			zap.String("id", scheduleID),
			zap.Error(err))
	}

	if _, err := m.dispatcher.Execute(ctx, snapshot); err != nil {
		m.logger.Error("Failed to dispatch fire",
			zap.String("id", scheduleID),
			zap.Error(err))
	}
}

// triggerSchedule adapts a trigger to the cron.Schedule interface
type triggerSchedule struct {
	clock *trigger.Clock
	trig  model.Trigger
}

func (s *triggerSchedule) Next(t time.Time) time.Time {
	next, err := s.clock.NextRun(s.trig, t)
	if err != nil {
		return time.Time{}
	}
	return next
}

// scheduleJob implements cron.Job for one armed (schedule, version) pair
type scheduleJob struct {
	manager    *TimerManager
	scheduleID string
	version    int64
}

// Run implements cron.Job
func (j *scheduleJob) Run() {
	j.manager.fire(j.scheduleID, j.version)
}
