package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/pool"
	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/scheduler"
	"github.com/aristath/taskengine/internal/task"
)

func testConfig() config.EngineConfig {
	cfg := config.DefaultConfig().Engine
	cfg.PoolSize = 2
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.Backoff = retry.Config{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, Multiplier: 2}
	cfg.Breaker.ConsecutiveFailures = 0
	return cfg
}

func memoryStore(t *testing.T) persistence.Store {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// start builds an engine, registers handlers and starts it.
func start(t *testing.T, store persistence.Store, cfg config.EngineConfig, handlers map[string]pool.Handler, opts ...Option) *Supervisor {
	t.Helper()
	s := New(store, cfg, opts...)
	for kind, h := range handlers {
		s.Handle(kind, h)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func wait(t *testing.T, s *Supervisor, id string) *task.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

var job = []byte(`{}`)

func succeed() pool.Handler {
	return pool.HandlerFunc(func(ctx context.Context, r *task.Record) error { return nil })
}

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 1

	var (
		mu    sync.Mutex
		order []string
	)
	record := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		mu.Lock()
		order = append(order, string(r.Payload))
		mu.Unlock()
		return nil
	})

	s := start(t, memoryStore(t), cfg, map[string]pool.Handler{"job": record}, StartPaused())
	ctx := context.Background()

	low, err := s.Submit(ctx, task.Spec{Kind: "job", Priority: 1, Payload: []byte("low")})
	require.NoError(t, err)
	high, err := s.Submit(ctx, task.Spec{Kind: "job", Priority: 5, Payload: []byte("high")})
	require.NoError(t, err)

	s.Resume()
	assert.Equal(t, task.Completed, wait(t, s, low).State)
	assert.Equal(t, task.Completed, wait(t, s, high).State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		if calls.Add(1) <= 2 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})

	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"flaky": flaky})
	id, err := s.Submit(context.Background(), task.Spec{Kind: "flaky", Payload: job})
	require.NoError(t, err)

	rec := wait(t, s, id)
	assert.Equal(t, task.Completed, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAttemptTimeoutRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	slowOnce := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"slow": slowOnce})
	id, err := s.Submit(context.Background(), task.Spec{Kind: "slow", Payload: job, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	rec := wait(t, s, id)
	assert.Equal(t, task.Completed, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDelayedTaskRunsAfterStartTime(t *testing.T) {
	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"job": succeed()})
	ctx := context.Background()

	notBefore := time.Now().Add(100 * time.Millisecond)
	id, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job, NotBefore: notBefore})
	require.NoError(t, err)

	state, err := s.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.Pending, state)

	rec := wait(t, s, id)
	assert.Equal(t, task.Completed, rec.State)
	assert.False(t, rec.UpdatedAt.Before(notBefore), "ran before its start time")
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	broken := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		return retry.Permanentf("malformed payload")
	})

	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"broken": broken})
	ctx := context.Background()
	id, err := s.Submit(ctx, task.Spec{Kind: "broken", Payload: job, MaxAttempts: 5})
	require.NoError(t, err)

	rec := wait(t, s, id)
	assert.Equal(t, task.DeadLettered, rec.State)
	assert.Equal(t, 1, rec.Attempts)

	dls, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].TaskID)
	assert.Contains(t, dls[0].LastError, "malformed payload")
}

func TestBacklogLimitRejects(t *testing.T) {
	cfg := testConfig()
	cfg.BacklogLimit = 2

	s := start(t, memoryStore(t), cfg, nil, StartPaused())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job})
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job})
	assert.ErrorIs(t, err, task.ErrQueueFull)

	st := s.Stats()
	assert.Equal(t, 2, st.Backlog)
	assert.Equal(t, 2, st.Counts["ready"])
	assert.True(t, st.Paused)
}

func TestCancelPendingCascades(t *testing.T) {
	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"job": succeed()}, StartPaused())
	sub := s.Events().Subscribe(events.TopicTask, 64)
	ctx := context.Background()

	blocker, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job})
	require.NoError(t, err)
	t1, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job, Dependencies: []string{blocker}})
	require.NoError(t, err)
	t2, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job, Dependencies: []string{t1}})
	require.NoError(t, err)

	state, err := s.Status(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, task.Pending, state)

	require.NoError(t, s.Cancel(ctx, t1))
	assert.Equal(t, task.Cancelled, wait(t, s, t1).State)
	assert.Equal(t, task.Cancelled, wait(t, s, t2).State)

	s.Resume()
	assert.Equal(t, task.Completed, wait(t, s, blocker).State)

	for {
		select {
		case ev := <-sub:
			if ev.TaskID() == t2 {
				assert.NotEqual(t, events.EventTypeTaskStarted, ev.EventType())
			}
			continue
		default:
		}
		break
	}
	assert.ErrorIs(t, s.Cancel(ctx, t2), scheduler.ErrAlreadyFinished)
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	blocking := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})

	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"block": blocking})
	ctx := context.Background()
	id, err := s.Submit(ctx, task.Spec{Kind: "block", Payload: job})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	require.NoError(t, s.Cancel(ctx, id))
	rec := wait(t, s, id)
	assert.Equal(t, task.Cancelled, rec.State)
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	var calls atomic.Int32
	crashy := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	})

	cfg := testConfig()
	cfg.PoolSize = 1
	s := start(t, memoryStore(t), cfg, map[string]pool.Handler{"crashy": crashy})
	workers := s.Events().Subscribe(events.TopicWorker, 8)

	id, err := s.Submit(context.Background(), task.Spec{Kind: "crashy", Payload: job})
	require.NoError(t, err)

	rec := wait(t, s, id)
	assert.Equal(t, task.Completed, rec.State)
	assert.Equal(t, 2, rec.Attempts)

	select {
	case ev := <-workers:
		crash, ok := ev.(events.WorkerCrashedEvent)
		require.True(t, ok)
		assert.Equal(t, id, crash.ID)
		assert.ErrorIs(t, crash.Err, task.ErrWorkerCrash)
	case <-time.After(time.Second):
		t.Fatal("expected a worker crash event")
	}
	assert.Equal(t, 1, s.Stats().Workers)
}

func TestDependentsRunAfterDependency(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		mu.Lock()
		order = append(order, r.ID)
		mu.Unlock()
		return nil
	})

	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"job": record})
	ids, err := s.SubmitBatch(context.Background(), []task.Spec{
		{Ref: "child", Kind: "job", Payload: job, Dependencies: []string{"parent"}},
		{Ref: "parent", Kind: "job", Payload: job},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	assert.Equal(t, task.Completed, wait(t, s, ids[0]).State)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{ids[1], ids[0]}, order)
}

func TestShutdownAbandonsStragglers(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	started := make(chan struct{})
	ignoring := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		close(started)
		<-stuck
		return nil
	})

	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s := start(t, memoryStore(t), cfg, map[string]pool.Handler{"stuck": ignoring})
	ctx := context.Background()
	id, err := s.Submit(ctx, task.Spec{Kind: "stuck", Payload: job})
	require.NoError(t, err)
	<-started

	err = s.Shutdown(ctx)
	assert.ErrorIs(t, err, task.ErrShutdownTimeout)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, []task.State{task.Ready, task.Failed}, rec.State)

	_, err = s.Submit(ctx, task.Spec{Kind: "stuck", Payload: job})
	assert.ErrorIs(t, err, task.ErrShuttingDown)
	assert.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(memoryStore(t), testConfig())
	assert.ErrorIs(t, s.Shutdown(context.Background()), ErrNotRunning)
}

func TestTasksSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")

	store, err := persistence.NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	first := New(store, testConfig(), StartPaused())
	require.NoError(t, first.Start(ctx))

	parent, err := first.Submit(ctx, task.Spec{Kind: "job", Payload: job})
	require.NoError(t, err)
	child, err := first.Submit(ctx, task.Spec{Kind: "job", Payload: job, Dependencies: []string{parent}})
	require.NoError(t, err)

	require.NoError(t, first.Shutdown(ctx))
	require.NoError(t, store.Close())

	store, err = persistence.NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	second := start(t, store, testConfig(), map[string]pool.Handler{"job": succeed()})
	assert.Equal(t, task.Completed, wait(t, second, parent).State)
	assert.Equal(t, task.Completed, wait(t, second, child).State)
}

func TestRedriveRunsAgain(t *testing.T) {
	var fixed atomic.Bool
	h := pool.HandlerFunc(func(ctx context.Context, r *task.Record) error {
		if !fixed.Load() {
			return retry.Permanentf("bad input")
		}
		return nil
	})

	s := start(t, memoryStore(t), testConfig(), map[string]pool.Handler{"job": h})
	ctx := context.Background()
	id, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job})
	require.NoError(t, err)
	require.Equal(t, task.DeadLettered, wait(t, s, id).State)

	fixed.Store(true)
	newID, err := s.Redrive(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, task.Completed, wait(t, s, newID).State)

	dls, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestDefaultMaxAttemptsApplied(t *testing.T) {
	s := start(t, memoryStore(t), testConfig(), nil, StartPaused())
	ctx := context.Background()

	id, err := s.Submit(ctx, task.Spec{Kind: "job", Payload: job})
	require.NoError(t, err)
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.MaxAttempts)

	_, err = s.Submit(ctx, task.Spec{Kind: "job", Payload: job, MaxAttempts: -1})
	var verr *task.ValidationError
	assert.ErrorAs(t, err, &verr)
}
