package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/events"
	"github.com/t77yq/schedcore/internal/model"
	"github.com/t77yq/schedcore/internal/storage"
	"github.com/t77yq/schedcore/internal/trigger"
)

// TimerController is the slice of the timer manager the registry drives.
// Arm and Disarm are invoked synchronously inside every mutation so that no
// stale timer can fire after the mutation returns.
type TimerController interface {
	Arm(schedule *model.Schedule) error
	Disarm(scheduleID string)
}

// HandlerSet reports whether a job kind has a registered handler
type HandlerSet interface {
	HasHandler(kind model.JobKind) bool
}

// UpdatePatch carries the mutable fields of a schedule. Nil fields are left
// unchanged.
type UpdatePatch struct {
	Name        *string
	Description *string
	JobKind     *model.JobKind
	Trigger     *model.Trigger
	Payload     json.RawMessage
	Options     *model.Options
}

// ListFilters narrows Registry.List results
type ListFilters struct {
	Status   []model.ScheduleStatus
	JobKinds []model.JobKind
	Enabled  *bool
}

// Registry owns the schedule lifecycle. It mirrors persisted rows in memory,
// validates every definition before it touches state, and keeps the timer
// manager consistent with each mutation. The store write is the last step of
// every mutation; in-memory and timer state are rolled back if it fails.
type Registry struct {
	logger   *zap.Logger
	store    storage.ScheduleStore
	clock    *trigger.Clock
	bus      *events.Bus
	handlers HandlerSet
	timers   TimerController

	mu        sync.RWMutex
	schedules map[string]*model.Schedule
}

// NewRegistry creates a schedule registry. BindTimers must be called before
// the first mutation.
func NewRegistry(logger *zap.Logger, store storage.ScheduleStore, clock *trigger.Clock, bus *events.Bus, handlers HandlerSet) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		store:     store,
		clock:     clock,
		bus:       bus,
		handlers:  handlers,
		schedules: make(map[string]*model.Schedule),
	}
}

// BindTimers attaches the timer manager once both sides exist
func (r *Registry) BindTimers(timers TimerController) {
	r.timers = timers
}

// Load populates the in-memory mirror from the store. Run once at startup
// before reconciliation.
func (r *Registry) Load(ctx context.Context) error {
	schedules, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, schedule := range schedules {
		r.schedules[schedule.ID] = schedule
	}

	r.logger.Info("Loaded schedules", zap.Int("count", len(schedules)))
	return nil
}

// Create validates and registers a new schedule, arms its timer, and
// persists the row
func (r *Registry) Create(ctx context.Context, def *model.Schedule) (*model.Schedule, error) {
	schedule := def.Clone()
	if err := r.validate(schedule); err != nil {
		return nil, err
	}

	now := time.Now()
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	schedule.Status = model.ScheduleStatusActive
	schedule.Enabled = true
	schedule.Version = 1
	schedule.LastRun = nil
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	next, err := r.clock.NextRun(schedule.Trigger, now)
	if err != nil {
		return nil, &ValidationError{Field: "trigger", Reason: err.Error()}
	}
	schedule.NextRun = &next

	r.mu.Lock()
	r.schedules[schedule.ID] = schedule
	r.mu.Unlock()

	if err := r.timers.Arm(schedule.Clone()); err != nil {
		r.dropFromMemory(schedule.ID)
		return nil, err
	}

	if err := r.store.Insert(ctx, schedule); err != nil {
		r.timers.Disarm(schedule.ID)
		r.dropFromMemory(schedule.ID)
		return nil, err
	}

	r.logger.Info("Created schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("job_kind", string(schedule.JobKind)),
		zap.Time("next_run", next))

	r.bus.Publish(model.Event{Type: model.EventScheduleCreated, ScheduleID: schedule.ID})
	return schedule.Clone(), nil
}

// Update applies a patch under a new version. The stale timer is replaced
// before the row is persisted; any in-flight fire from the superseded
// version is discarded by the version guard in the fired-timer callback.
func (r *Registry) Update(ctx context.Context, id string, patch UpdatePatch) (*model.Schedule, error) {
	r.mu.Lock()
	prev, ok := r.liveLocked(id)
	if !ok {
		r.mu.Unlock()
		return nil, ErrScheduleNotFound
	}

	updated := prev.Clone()
	applyPatch(updated, patch)
	if err := r.validate(updated); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	updated.Version = prev.Version + 1
	updated.UpdatedAt = now
	if updated.Enabled {
		next, err := r.clock.NextRun(updated.Trigger, now)
		if err != nil {
			r.mu.Unlock()
			return nil, &ValidationError{Field: "trigger", Reason: err.Error()}
		}
		updated.NextRun = &next
	}

	r.schedules[id] = updated
	r.mu.Unlock()

	if updated.Enabled {
		if err := r.timers.Arm(updated.Clone()); err != nil {
			r.restore(prev)
			return nil, err
		}
	}

	if err := r.store.Update(ctx, updated); err != nil {
		r.restore(prev)
		return nil, err
	}

	r.logger.Info("Updated schedule",
		zap.String("id", id),
		zap.Int64("version", updated.Version))

	r.bus.Publish(model.Event{Type: model.EventScheduleUpdated, ScheduleID: id})
	return updated.Clone(), nil
}

// Pause disables a schedule and disarms its timer synchronously; no trigger
// fires after Pause returns
func (r *Registry) Pause(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.ScheduleStatusPaused, model.EventScheduleUpdated)
}

// Resume re-enables a paused schedule and arms a fresh timer
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.ScheduleStatusActive, model.EventScheduleUpdated)
}

// Delete logically deactivates a schedule. The row is retained for audit;
// the live timer is torn down synchronously.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.ScheduleStatusInactive, model.EventScheduleDeleted)
}

// Get returns a schedule by id, including logically deleted ones
func (r *Registry) Get(id string) (*model.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedule, ok := r.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return schedule.Clone(), nil
}

// List returns schedules matching the filters
func (r *Registry) List(filters ListFilters) []*model.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Schedule
	for _, schedule := range r.schedules {
		if !matchFilters(schedule, filters) {
			continue
		}
		out = append(out, schedule.Clone())
	}
	return out
}

// ListEnabled returns every enabled schedule, used by the reconciliation pass
func (r *Registry) ListEnabled() []*model.Schedule {
	enabled := true
	return r.List(ListFilters{Enabled: &enabled})
}

// Snapshot returns a copy of the current schedule state, used by the timer
// manager's version guard and the execution engine
func (r *Registry) Snapshot(id string) (*model.Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedule, ok := r.schedules[id]
	if !ok {
		return nil, false
	}
	return schedule.Clone(), true
}

// RecordRun persists run bookkeeping for a fire. A nil lastRun leaves the
// previous value untouched (reconciliation only corrects nextRun). Stale
// versions are ignored.
func (r *Registry) RecordRun(ctx context.Context, id string, version int64, lastRun *time.Time, nextRun time.Time) error {
	r.mu.Lock()
	schedule, ok := r.schedules[id]
	if !ok || schedule.Version != version {
		r.mu.Unlock()
		return nil
	}

	if lastRun != nil {
		lr := *lastRun
		schedule.LastRun = &lr
	}
	if nextRun.IsZero() {
		schedule.NextRun = nil
	} else {
		nr := nextRun
		schedule.NextRun = &nr
	}
	last, next := schedule.LastRun, schedule.NextRun
	r.mu.Unlock()

	return r.store.UpdateRunTimes(ctx, id, last, next)
}

// transition flips a schedule between active/paused/inactive under a new
// version
func (r *Registry) transition(ctx context.Context, id string, status model.ScheduleStatus, eventType model.EventType) error {
	r.mu.Lock()
	prev, ok := r.liveLocked(id)
	if !ok {
		r.mu.Unlock()
		return ErrScheduleNotFound
	}

	updated := prev.Clone()
	now := time.Now()
	updated.Status = status
	updated.Enabled = status == model.ScheduleStatusActive
	updated.Version = prev.Version + 1
	updated.UpdatedAt = now

	if updated.Enabled {
		next, err := r.clock.NextRun(updated.Trigger, now)
		if err != nil {
			r.mu.Unlock()
			return &ValidationError{Field: "trigger", Reason: err.Error()}
		}
		updated.NextRun = &next
	} else {
		updated.NextRun = nil
	}

	r.schedules[id] = updated
	r.mu.Unlock()

	// The version bump above is visible before the timer is touched, so an
	// in-flight fire racing this mutation fails the version guard either way.
	if updated.Enabled {
		if err := r.timers.Arm(updated.Clone()); err != nil {
			r.restore(prev)
			return err
		}
	} else {
		r.timers.Disarm(id)
	}

	if err := r.store.Update(ctx, updated); err != nil {
		r.restore(prev)
		return err
	}

	r.logger.Info("Schedule state changed",
		zap.String("id", id),
		zap.String("status", string(status)),
		zap.Int64("version", updated.Version))

	r.bus.Publish(model.Event{Type: eventType, ScheduleID: id})
	return nil
}

// liveLocked resolves a schedule that is still administrable. Logically
// deleted schedules behave as not found.
func (r *Registry) liveLocked(id string) (*model.Schedule, bool) {
	schedule, ok := r.schedules[id]
	if !ok || schedule.Status == model.ScheduleStatusInactive {
		return nil, false
	}
	return schedule, true
}

func (r *Registry) restore(prev *model.Schedule) {
	r.mu.Lock()
	r.schedules[prev.ID] = prev
	r.mu.Unlock()

	if prev.Enabled {
		if err := r.timers.Arm(prev.Clone()); err != nil {
			r.logger.Error("Failed to restore timer after rollback",
				zap.String("id", prev.ID),
				zap.Error(err))
		}
	} else {
		r.timers.Disarm(prev.ID)
	}
}

func (r *Registry) dropFromMemory(id string) {
	r.mu.Lock()
	delete(r.schedules, id)
	r.mu.Unlock()
}

func (r *Registry) validate(schedule *model.Schedule) error {
	if schedule.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if schedule.JobKind == "" {
		return &ValidationError{Field: "job_kind", Reason: "required"}
	}
	if !r.handlers.HasHandler(schedule.JobKind) {
		return &ValidationError{Field: "job_kind", Reason: "no handler registered for " + string(schedule.JobKind)}
	}
	if err := r.clock.Validate(schedule.Trigger); err != nil {
		return &ValidationError{Field: "trigger", Reason: err.Error()}
	}
	if schedule.Trigger.Kind == model.TriggerKindPreset {
		expr, err := trigger.DeriveExpression(schedule.Trigger)
		if err != nil {
			return &ValidationError{Field: "trigger", Reason: err.Error()}
		}
		schedule.Trigger.DerivedExpression = expr
	} else {
		schedule.Trigger.DerivedExpression = ""
	}
	switch schedule.Options.OverlapPolicy {
	case "", model.OverlapSkip, model.OverlapQueue:
	default:
		return &ValidationError{Field: "options.overlap_policy", Reason: "must be skip or queue"}
	}
	if schedule.Options.Timeout < 0 {
		return &ValidationError{Field: "options.timeout", Reason: "must not be negative"}
	}
	return nil
}

func applyPatch(schedule *model.Schedule, patch UpdatePatch) {
	if patch.Name != nil {
		schedule.Name = *patch.Name
	}
	if patch.Description != nil {
		schedule.Description = *patch.Description
	}
	if patch.JobKind != nil {
		schedule.JobKind = *patch.JobKind
	}
	if patch.Trigger != nil {
		schedule.Trigger = *patch.Trigger
	}
	if patch.Payload != nil {
		schedule.Payload = append(json.RawMessage(nil), patch.Payload...)
	}
	if patch.Options != nil {
		schedule.Options = *patch.Options
	}
}

func matchFilters(schedule *model.Schedule, filters ListFilters) bool {
	if len(filters.Status) > 0 {
		found := false
		for _, status := range filters.Status {
			if schedule.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filters.JobKinds) > 0 {
		found := false
		for _, kind := range filters.JobKinds {
			if schedule.JobKind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.Enabled != nil && schedule.Enabled != *filters.Enabled {
		return false
	}
	return true
}
