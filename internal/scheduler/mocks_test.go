package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/events"
	"github.com/t77yq/schedcore/internal/model"
)

// busForTest returns an in-process-only event bus
func busForTest() *events.Bus {
	return events.NewBus(zap.NewNop(), nil)
}

// memoryScheduleStore is an in-memory ScheduleStore for tests
type memoryScheduleStore struct {
	mu        sync.Mutex
	rows      map[string]*model.Schedule
	insertErr error
	updateErr error
}

func newMemoryScheduleStore() *memoryScheduleStore {
	return &memoryScheduleStore{rows: make(map[string]*model.Schedule)}
}

func (s *memoryScheduleStore) Insert(_ context.Context, schedule *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows[schedule.ID] = schedule.Clone()
	return nil
}

func (s *memoryScheduleStore) Update(_ context.Context, schedule *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.rows[schedule.ID] = schedule.Clone()
	return nil
}

func (s *memoryScheduleStore) UpdateRunTimes(_ context.Context, id string, lastRun, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	row.LastRun = lastRun
	row.NextRun = nextRun
	return nil
}

func (s *memoryScheduleStore) Get(_ context.Context, id string) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

func (s *memoryScheduleStore) List(_ context.Context) ([]*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Schedule, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.Clone())
	}
	return out, nil
}

func (s *memoryScheduleStore) row(id string) *model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	return row.Clone()
}

// memoryExecutionStore is an in-memory ExecutionStore for tests
type memoryExecutionStore struct {
	mu    sync.Mutex
	rows  map[string]*model.Execution
	order []string
}

func newMemoryExecutionStore() *memoryExecutionStore {
	return &memoryExecutionStore{rows: make(map[string]*model.Execution)}
}

func cloneExecution(execution *model.Execution) *model.Execution {
	c := *execution
	if execution.StartedAt != nil {
		v := *execution.StartedAt
		c.StartedAt = &v
	}
	if execution.EndedAt != nil {
		v := *execution.EndedAt
		c.EndedAt = &v
	}
	if execution.Result != nil {
		c.Result = append(c.Result[:0:0], execution.Result...)
	}
	return &c
}

func (s *memoryExecutionStore) Insert(_ context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[execution.ID] = cloneExecution(execution)
	s.order = append(s.order, execution.ID)
	return nil
}

func (s *memoryExecutionStore) Update(_ context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[execution.ID] = cloneExecution(execution)
	return nil
}

func (s *memoryExecutionStore) Get(_ context.Context, id string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneExecution(row), nil
}

func (s *memoryExecutionStore) List(_ context.Context, scheduleID string, limit int) ([]*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Execution
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		row := s.rows[s.order[i]]
		if scheduleID != "" && row.ScheduleID != scheduleID {
			continue
		}
		out = append(out, cloneExecution(row))
	}
	return out, nil
}

func (s *memoryExecutionStore) Stats(_ context.Context, window time.Duration) ([]model.ExecutionStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)

	type key struct {
		scheduleID string
		status     model.ExecutionStatus
	}
	counts := make(map[key]int)
	totals := make(map[key]time.Duration)
	for _, row := range s.rows {
		if row.CreatedAt.Before(cutoff) {
			continue
		}
		k := key{row.ScheduleID, row.Status}
		counts[k]++
		totals[k] += row.Duration
	}

	var out []model.ExecutionStat
	for k, count := range counts {
		out = append(out, model.ExecutionStat{
			ScheduleID:  k.scheduleID,
			Status:      k.status,
			Count:       count,
			AvgDuration: totals[k] / time.Duration(count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out, nil
}

func (s *memoryExecutionStore) DeleteBefore(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, id := range s.order {
		if s.rows[id].CreatedAt.Before(before) {
			delete(s.rows, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return nil
}

func (s *memoryExecutionStore) byStatus(status model.ExecutionStatus) []*model.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Execution
	for _, id := range s.order {
		if row := s.rows[id]; row.Status == status {
			out = append(out, cloneExecution(row))
		}
	}
	return out
}

// fakeTimers records Arm/Disarm calls without running real timers
type fakeTimers struct {
	mu       sync.Mutex
	armed    map[string]int64
	disarmed []string
	armErr   error
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[string]int64)}
}

func (t *fakeTimers) Arm(schedule *model.Schedule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armErr != nil {
		return t.armErr
	}
	t.armed[schedule.ID] = schedule.Version
	return nil
}

func (t *fakeTimers) Disarm(scheduleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.armed, scheduleID)
	t.disarmed = append(t.disarmed, scheduleID)
}

func (t *fakeTimers) armedVersion(scheduleID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.armed[scheduleID]
	return v, ok
}

// staticHandlerSet reports a fixed set of known job kinds
type staticHandlerSet map[model.JobKind]bool

func (s staticHandlerSet) HasHandler(kind model.JobKind) bool { return s[kind] }

// fakeSource serves snapshots and records RecordRun calls
type fakeSource struct {
	mu       sync.Mutex
	snaps    map[string]*model.Schedule
	recorded []recordedRun
}

type recordedRun struct {
	id      string
	version int64
	lastRun *time.Time
	nextRun time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{snaps: make(map[string]*model.Schedule)}
}

func (s *fakeSource) put(schedule *model.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[schedule.ID] = schedule.Clone()
}

func (s *fakeSource) Snapshot(id string) (*model.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.snaps[id]
	if !ok {
		return nil, false
	}
	return schedule.Clone(), true
}

func (s *fakeSource) RecordRun(_ context.Context, id string, version int64, lastRun *time.Time, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, recordedRun{id: id, version: version, lastRun: lastRun, nextRun: nextRun})
	return nil
}

func (s *fakeSource) runs() []recordedRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRun(nil), s.recorded...)
}

// fakeDispatcher counts Execute calls
type fakeDispatcher struct {
	mu       sync.Mutex
	executed []*model.Schedule
}

func (d *fakeDispatcher) Execute(_ context.Context, schedule *model.Schedule) (*model.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, schedule.Clone())
	return &model.Execution{ID: "test", ScheduleID: schedule.ID}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executed)
}

// stubHandler wraps a function as a JobHandler
type stubHandler struct {
	fn func(ctx context.Context, job *model.JobRequest) (json.RawMessage, error)
}

func (h *stubHandler) Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error) {
	return h.fn(ctx, job)
}
