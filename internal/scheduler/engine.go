package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/events"
	"github.com/t77yq/schedcore/internal/model"
	"github.com/t77yq/schedcore/internal/storage"
)

// JobHandler is implemented by job-kind implementations. Handlers receive a
// context carrying the execution deadline and are expected to honor
// best-effort cancellation; a handler that ignores it is abandoned on
// timeout, not preempted.
type JobHandler interface {
	Execute(ctx context.Context, job *model.JobRequest) (json.RawMessage, error)
}

// Engine dispatches fired schedules to registered job handlers and owns the
// execution ledger. Executions for different schedules run fully in
// parallel; executions for the same schedule are serialized by the overlap
// policy. All fire-time errors are captured into the execution record and a
// failure event, never propagated to the timer manager.
type Engine struct {
	logger         *zap.Logger
	ledger         storage.ExecutionStore
	bus            *events.Bus
	source         ScheduleSource
	defaultTimeout time.Duration

	mu       sync.Mutex
	handlers map[model.JobKind]JobHandler
	inflight map[string]*inflightRun
}

type inflightRun struct {
	executionID string
	done        chan struct{}
}

type handlerOutcome struct {
	result json.RawMessage
	err    error
}

// NewEngine creates an execution engine
func NewEngine(logger *zap.Logger, ledger storage.ExecutionStore, bus *events.Bus, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultExecutionTimeout
	}
	return &Engine{
		logger:         logger.Named("engine"),
		ledger:         ledger,
		bus:            bus,
		defaultTimeout: defaultTimeout,
		handlers:       make(map[model.JobKind]JobHandler),
		inflight:       make(map[string]*inflightRun),
	}
}

// BindSource attaches the schedule source used by ExecuteNow
func (e *Engine) BindSource(source ScheduleSource) {
	e.source = source
}

// RegisterHandler registers a job handler for a kind
func (e *Engine) RegisterHandler(kind model.JobKind, handler JobHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = handler
}

// HasHandler implements the registry's HandlerSet
func (e *Engine) HasHandler(kind model.JobKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handlers[kind]
	return ok
}

// RunningCount returns the number of executions currently in flight
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Executions queries the ledger for recent records
func (e *Engine) Executions(ctx context.Context, scheduleID string, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.ledger.List(ctx, scheduleID, limit)
}

// Stats aggregates ledger records over a trailing window
func (e *Engine) Stats(ctx context.Context, window time.Duration) ([]model.ExecutionStat, error) {
	return e.ledger.Stats(ctx, window)
}

// ExecuteNow manually triggers a schedule, bypassing its timer
func (e *Engine) ExecuteNow(ctx context.Context, scheduleID string) (*model.Execution, error) {
	schedule, ok := e.source.Snapshot(scheduleID)
	if !ok {
		return nil, ErrScheduleNotFound
	}
	if !schedule.Enabled {
		return nil, ErrScheduleDisabled
	}
	return e.Execute(ctx, schedule)
}

// Execute runs one fire of a schedule through the overlap policy, the
// registered handler, and the ledger. The returned error covers ledger
// infrastructure failures only; handler outcomes land in the execution
// record.
func (e *Engine) Execute(ctx context.Context, schedule *model.Schedule) (*model.Execution, error) {
	policy := schedule.Options.OverlapPolicy
	if policy == "" {
		policy = model.OverlapSkip
	}

	for {
		e.mu.Lock()
		current := e.inflight[schedule.ID]
		if current == nil {
			run := &inflightRun{
				executionID: uuid.New().String(),
				done:        make(chan struct{}),
			}
			e.inflight[schedule.ID] = run
			e.mu.Unlock()
			return e.run(ctx, schedule, run)
		}

		if policy == model.OverlapSkip {
			inflightID := current.executionID
			e.mu.Unlock()
			return e.recordSkip(ctx, schedule, inflightID)
		}

		// queue: wait for the running execution to finish, then reclaim
		done := current.done
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) run(ctx context.Context, schedule *model.Schedule, run *inflightRun) (*model.Execution, error) {
	defer e.release(schedule.ID, run)

	execution := &model.Execution{
		ID:         run.executionID,
		ScheduleID: schedule.ID,
		Status:     model.ExecutionStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := e.ledger.Insert(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	started := time.Now()
	execution.Status = model.ExecutionStatusRunning
	execution.StartedAt = &started
	if err := e.ledger.Update(ctx, execution); err != nil {
		e.logger.Error("Failed to mark execution running",
			zap.String("execution_id", execution.ID),
			zap.Error(err))
	}

	e.mu.Lock()
	handler, ok := e.handlers[schedule.JobKind]
	e.mu.Unlock()
	if !ok {
		return e.finalize(ctx, execution, nil,
			fmt.Errorf("%w: %s", ErrUnknownJobKind, schedule.JobKind)), nil
	}

	timeout := schedule.Options.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := &model.JobRequest{
		ScheduleID:  schedule.ID,
		ExecutionID: execution.ID,
		Kind:        schedule.JobKind,
		Payload:     schedule.Payload,
		Options:     schedule.Options,
	}

	outcome := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- handlerOutcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler.Execute(runCtx, request)
		outcome <- handlerOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		return e.finalize(ctx, execution, out.result, out.err), nil
	case <-runCtx.Done():
		// The handler is abandoned; its eventual result is discarded.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return e.finalize(ctx, execution, nil,
				fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)), nil
		}
		return e.finalize(ctx, execution, nil, runCtx.Err()), nil
	}
}

// finalize moves an execution to its terminal state, persists it, and emits
// the outcome event
func (e *Engine) finalize(ctx context.Context, execution *model.Execution, result json.RawMessage, handlerErr error) *model.Execution {
	ended := time.Now()
	execution.EndedAt = &ended
	if execution.StartedAt != nil {
		execution.Duration = ended.Sub(*execution.StartedAt)
	}

	eventType := model.EventScheduleExecuted
	if handlerErr != nil {
		execution.Status = model.ExecutionStatusFailed
		execution.Error = handlerErr.Error()
		eventType = model.EventScheduleFailed
		e.logger.Warn("Execution failed",
			zap.String("schedule_id", execution.ScheduleID),
			zap.String("execution_id", execution.ID),
			zap.Duration("duration", execution.Duration),
			zap.Error(handlerErr))
	} else {
		execution.Status = model.ExecutionStatusCompleted
		execution.Result = result
		e.logger.Info("Execution completed",
			zap.String("schedule_id", execution.ScheduleID),
			zap.String("execution_id", execution.ID),
			zap.Duration("duration", execution.Duration))
	}

	if err := e.ledger.Update(ctx, execution); err != nil {
		e.logger.Error("Failed to persist execution outcome",
			zap.String("execution_id", execution.ID),
			zap.Error(err))
	}

	e.bus.Publish(model.Event{
		Type:       eventType,
		ScheduleID: execution.ScheduleID,
		Execution:  execution,
	})
	return execution
}

// recordSkip writes the skipped marker for a fire suppressed by the overlap
// policy
func (e *Engine) recordSkip(ctx context.Context, schedule *model.Schedule, inflightID string) (*model.Execution, error) {
	execution := &model.Execution{
		ID:         uuid.New().String(),
		ScheduleID: schedule.ID,
		Status:     model.ExecutionStatusSkipped,
		SkippedFor: inflightID,
		CreatedAt:  time.Now(),
	}
	if err := e.ledger.Insert(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to record skipped fire: %w", err)
	}

	e.logger.Warn("Skipped overlapping fire",
		zap.String("schedule_id", schedule.ID),
		zap.String("in_flight_execution", inflightID))
	return execution, nil
}

func (e *Engine) release(scheduleID string, run *inflightRun) {
	e.mu.Lock()
	if e.inflight[scheduleID] == run {
		delete(e.inflight, scheduleID)
	}
	e.mu.Unlock()
	close(run.done)
}
