package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/model"
)

func newTestEngine(t *testing.T) (*Engine, *memoryExecutionStore) {
	t.Helper()
	ledger := newMemoryExecutionStore()
	engine := NewEngine(zap.NewNop(), ledger, busForTest(), time.Minute)
	return engine, ledger
}

func runnableSchedule(id string) *model.Schedule {
	return &model.Schedule{
		ID:      id,
		Name:    "test",
		JobKind: model.JobKindDataProcessing,
		Status:  model.ScheduleStatusActive,
		Enabled: true,
		Version: 1,
	}
}

func TestEngineExecuteSuccess(t *testing.T) {
	engine, ledger := newTestEngine(t)
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(_ context.Context, job *model.JobRequest) (json.RawMessage, error) {
			assert.Equal(t, "s1", job.ScheduleID)
			assert.NotEmpty(t, job.ExecutionID)
			return json.RawMessage(`{"rows":42}`), nil
		},
	})

	execution, err := engine.Execute(context.Background(), runnableSchedule("s1"))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, execution.Status)
	assert.JSONEq(t, `{"rows":42}`, string(execution.Result))
	assert.Empty(t, execution.Error)
	require.NotNil(t, execution.StartedAt)
	require.NotNil(t, execution.EndedAt)
	assert.GreaterOrEqual(t, execution.Duration, time.Duration(0))

	stored, err := ledger.Get(context.Background(), execution.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.ExecutionStatusCompleted, stored.Status)

	assert.Equal(t, 0, engine.RunningCount())
}

func TestEngineExecuteFailure(t *testing.T) {
	engine, ledger := newTestEngine(t)
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(context.Context, *model.JobRequest) (json.RawMessage, error) {
			return nil, errors.New("upstream unavailable")
		},
	})

	execution, err := engine.Execute(context.Background(), runnableSchedule("s1"))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "upstream unavailable")
	assert.Nil(t, execution.Result)

	stored, err := ledger.Get(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, stored.Status)
}

func TestEngineExecuteUnknownKind(t *testing.T) {
	engine, _ := newTestEngine(t)

	execution, err := engine.Execute(context.Background(), runnableSchedule("s1"))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "data_processing")
}

func TestEngineExecuteTimeout(t *testing.T) {
	engine, _ := newTestEngine(t)
	released := make(chan struct{})
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(ctx context.Context, _ *model.JobRequest) (json.RawMessage, error) {
			<-released
			return json.RawMessage(`"late"`), nil
		},
	})
	defer close(released)

	schedule := runnableSchedule("s1")
	schedule.Options.Timeout = 30 * time.Millisecond

	start := time.Now()
	execution, err := engine.Execute(context.Background(), schedule)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "exceeded execution timeout")
	assert.Nil(t, execution.Result)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEngineExecuteRecoversHandlerPanic(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(context.Context, *model.JobRequest) (json.RawMessage, error) {
			panic("boom")
		},
	})

	execution, err := engine.Execute(context.Background(), runnableSchedule("s1"))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "boom")
	assert.Equal(t, 0, engine.RunningCount())
}

func TestEngineOverlapSkip(t *testing.T) {
	engine, ledger := newTestEngine(t)
	started := make(chan struct{})
	released := make(chan struct{})
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(context.Context, *model.JobRequest) (json.RawMessage, error) {
			close(started)
			<-released
			return nil, nil
		},
	})

	schedule := runnableSchedule("s1")
	var wg sync.WaitGroup
	wg.Add(1)
	var first *model.Execution
	go func() {
		defer wg.Done()
		first, _ = engine.Execute(context.Background(), schedule)
	}()

	<-started
	skipped, err := engine.Execute(context.Background(), schedule)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusSkipped, skipped.Status)
	assert.NotEmpty(t, skipped.SkippedFor)

	close(released)
	wg.Wait()

	// The skip record references the execution that was in flight
	require.NotNil(t, first)
	assert.Equal(t, first.ID, skipped.SkippedFor)

	rows := ledger.byStatus(model.ExecutionStatusSkipped)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, rows[0].SkippedFor)
}

func TestEngineOverlapQueue(t *testing.T) {
	engine, _ := newTestEngine(t)

	var mu sync.Mutex
	var concurrent, peak, total int
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(context.Context, *model.JobRequest) (json.RawMessage, error) {
			mu.Lock()
			concurrent++
			if concurrent > peak {
				peak = concurrent
			}
			total++
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			concurrent--
			mu.Unlock()
			return nil, nil
		},
	})

	schedule := runnableSchedule("s1")
	schedule.Options.OverlapPolicy = model.OverlapQueue

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			execution, err := engine.Execute(context.Background(), schedule)
			assert.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusCompleted, execution.Status)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, peak, "queued fires must not run concurrently")
}

func TestEngineOverlapQueueHonorsContext(t *testing.T) {
	engine, _ := newTestEngine(t)
	started := make(chan struct{})
	released := make(chan struct{})
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(context.Context, *model.JobRequest) (json.RawMessage, error) {
			close(started)
			<-released
			return nil, nil
		},
	})
	defer close(released)

	schedule := runnableSchedule("s1")
	schedule.Options.OverlapPolicy = model.OverlapQueue

	go engine.Execute(context.Background(), schedule)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := engine.Execute(ctx, schedule)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngineDifferentSchedulesRunInParallel(t *testing.T) {
	engine, _ := newTestEngine(t)

	var mu sync.Mutex
	running := make(map[string]bool)
	bothRunning := make(chan struct{})
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(_ context.Context, job *model.JobRequest) (json.RawMessage, error) {
			mu.Lock()
			running[job.ScheduleID] = true
			if len(running) == 2 {
				close(bothRunning)
			}
			mu.Unlock()
			<-bothRunning
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			execution, err := engine.Execute(context.Background(), runnableSchedule(id))
			assert.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusCompleted, execution.Status)
		}(id)
	}

	// Both handlers must be in flight at the same time or the test deadlocks;
	// guard with a timeout so a regression fails instead of hanging.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executions for different schedules did not run in parallel")
	}
}

func TestEngineExecuteNow(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterHandler(model.JobKindDataProcessing, &stubHandler{
		fn: func(context.Context, *model.JobRequest) (json.RawMessage, error) {
			return json.RawMessage(`"ok"`), nil
		},
	})

	source := newFakeSource()
	engine.BindSource(source)

	schedule := runnableSchedule("s1")
	source.put(schedule)

	execution, err := engine.ExecuteNow(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, execution.Status)

	_, err = engine.ExecuteNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	disabled := runnableSchedule("s2")
	disabled.Enabled = false
	source.put(disabled)
	_, err = engine.ExecuteNow(context.Background(), "s2")
	assert.ErrorIs(t, err, ErrScheduleDisabled)
}

func TestEngineExecutions(t *testing.T) {
	engine, ledger := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.Insert(ctx, &model.Execution{
			ID:         uuidLike(i),
			ScheduleID: "s1",
			Status:     model.ExecutionStatusCompleted,
			CreatedAt:  time.Now(),
		}))
	}

	rows, err := engine.Executions(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	all, err := engine.Executions(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func uuidLike(i int) string {
	return string(rune('a' + i))
}
