package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/task"
)

func newPool(t *testing.T, cfg Config, opts ...Option) *Pool {
	t.Helper()
	p := New(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		p.Drain(ctx)
		go func() {
			for range p.Results() {
			}
		}()
		p.Close()
	})
	return p
}

func rec(id, kind string, keys ...string) *task.Record {
	return &task.Record{ID: id, Kind: kind, State: task.InFlight, Deliveries: 1, ExclusiveKeys: keys}
}

func nextResult(t *testing.T, p *Pool) Result {
	t.Helper()
	select {
	case res := <-p.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	p := newPool(t, Config{Size: 2})

	var got atomic.Value
	p.Handle("echo", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		got.Store(r.ID)
		return nil
	}))

	slot, ok := p.Dispatch(rec("t1", "echo"))
	require.True(t, ok)

	res := nextResult(t, p)
	assert.Equal(t, "t1", res.Task.ID)
	assert.Equal(t, slot, res.SlotID)
	assert.NoError(t, res.Err)
	assert.False(t, res.Crashed)
	assert.Equal(t, "t1", got.Load())

	assert.Eventually(t, func() bool { return p.IdleCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatchRefusesWhenBusyOrDuplicate(t *testing.T) {
	p := newPool(t, Config{Size: 2})

	release := make(chan struct{})
	p.Handle("block", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		<-release
		return nil
	}))

	_, ok := p.Dispatch(rec("t1", "block"))
	require.True(t, ok)
	_, ok = p.Dispatch(rec("t1", "block"))
	assert.False(t, ok, "a task already running must not be dispatched twice")
	assert.True(t, p.Holds("t1"))

	_, ok = p.Dispatch(rec("t2", "block"))
	require.True(t, ok)
	_, ok = p.Dispatch(rec("t3", "block"))
	assert.False(t, ok, "no idle slot left")
	assert.Equal(t, 0, p.IdleCount())

	running := map[string]bool{}
	for _, s := range p.Slots() {
		assert.Equal(t, Busy, s.Status)
		running[s.TaskID] = true
	}
	assert.Equal(t, map[string]bool{"t1": true, "t2": true}, running)

	close(release)
	nextResult(t, p)
	nextResult(t, p)
	assert.False(t, p.Holds("t1"))
}

func TestUnknownKindIsPermanent(t *testing.T) {
	p := newPool(t, Config{Size: 1})

	_, ok := p.Dispatch(rec("t1", "nope"))
	require.True(t, ok)

	res := nextResult(t, p)
	require.Error(t, res.Err)
	assert.Equal(t, retry.Permanent, retry.Classify(res.Err))
	assert.Contains(t, res.Err.Error(), "nope")
}

func TestPanicReplacesSlot(t *testing.T) {
	p := newPool(t, Config{Size: 1, RespawnBurst: 5, RespawnWindow: time.Hour})

	p.Handle("boom", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		panic("kaboom")
	}))
	p.Handle("ok", HandlerFunc(func(ctx context.Context, r *task.Record) error { return nil }))

	_, ok := p.Dispatch(rec("t1", "boom"))
	require.True(t, ok)

	res := nextResult(t, p)
	assert.True(t, res.Crashed)
	assert.ErrorIs(t, res.Err, task.ErrWorkerCrash)
	assert.Contains(t, res.Err.Error(), "kaboom")

	// The replacement slot picks up new work.
	require.Eventually(t, func() bool { return p.IdleCount() == 1 }, time.Second, 5*time.Millisecond)
	_, ok = p.Dispatch(rec("t2", "ok"))
	require.True(t, ok)
	assert.NoError(t, nextResult(t, p).Err)
}

func TestRespawnBudgetEscalates(t *testing.T) {
	p := newPool(t, Config{Size: 1, RespawnBurst: 1, RespawnWindow: time.Hour})

	p.Handle("boom", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		panic("kaboom")
	}))

	_, ok := p.Dispatch(rec("t1", "boom"))
	require.True(t, ok)
	nextResult(t, p)
	require.Eventually(t, func() bool { return p.IdleCount() == 1 }, time.Second, 5*time.Millisecond)

	_, ok = p.Dispatch(rec("t2", "boom"))
	require.True(t, ok)
	nextResult(t, p)

	select {
	case err := <-p.Escalations():
		assert.ErrorIs(t, err, task.ErrWorkerCrash)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an escalation")
	}
	assert.Equal(t, 0, p.IdleCount())
	assert.Equal(t, Dead, p.Slots()[0].Status)
}

func TestInterruptCancelsWithCause(t *testing.T) {
	p := newPool(t, Config{Size: 1})

	p.Handle("wait", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}))

	_, ok := p.Dispatch(rec("t1", "wait"))
	require.True(t, ok)

	cause := errors.New("stop now")
	assert.True(t, p.Interrupt("t1", cause))
	assert.False(t, p.Interrupt("missing", cause))

	res := nextResult(t, p)
	assert.ErrorIs(t, res.Err, cause)
}

func TestDeadlineReachesHandler(t *testing.T) {
	p := newPool(t, Config{Size: 1})

	p.Handle("wait", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	r := rec("t1", "wait")
	r.Deadline = time.Now().Add(20 * time.Millisecond)
	_, ok := p.Dispatch(r)
	require.True(t, ok)

	assert.ErrorIs(t, nextResult(t, p).Err, context.DeadlineExceeded)
}

func TestAttemptTimeoutFailsTransiently(t *testing.T) {
	p := newPool(t, Config{Size: 1})

	p.Handle("wait", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		<-ctx.Done()
		return retry.MarkPermanent(ctx.Err())
	}))

	r := rec("t1", "wait")
	r.Timeout = 20 * time.Millisecond
	_, ok := p.Dispatch(r)
	require.True(t, ok)

	res := nextResult(t, p)
	assert.ErrorIs(t, res.Err, ErrAttemptTimeout)
	assert.Equal(t, retry.Transient, retry.Classify(res.Err))
	assert.False(t, res.Crashed)
}

func TestAttemptTimeoutLeavesFastHandlersAlone(t *testing.T) {
	p := newPool(t, Config{Size: 1})

	p.Handle("quick", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		return errors.New("plain failure")
	}))

	r := rec("t1", "quick")
	r.Timeout = time.Minute
	_, ok := p.Dispatch(r)
	require.True(t, ok)

	res := nextResult(t, p)
	require.Error(t, res.Err)
	assert.NotErrorIs(t, res.Err, ErrAttemptTimeout)
}

func TestDrainWaitsForRunningWork(t *testing.T) {
	p := newPool(t, Config{Size: 2})

	p.Handle("sleep", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}))

	_, ok := p.Dispatch(rec("t1", "sleep"))
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Equal(t, 0, p.Drain(ctx))
	assert.NoError(t, nextResult(t, p).Err)

	_, ok = p.Dispatch(rec("t2", "sleep"))
	assert.False(t, ok, "draining pool accepts no work")
	for _, s := range p.Slots() {
		assert.Equal(t, Draining, s.Status)
	}
}

func TestDrainAbandonsStragglers(t *testing.T) {
	p := newPool(t, Config{Size: 1})

	stuck := make(chan struct{})
	defer close(stuck)
	p.Handle("stuck", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		<-stuck // Ignores cancellation.
		return nil
	}))

	_, ok := p.Dispatch(rec("t1", "stuck"))
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, 1, p.Drain(ctx))

	res := nextResult(t, p)
	assert.True(t, res.Abandoned)
	assert.ErrorIs(t, res.Err, task.ErrShutdownTimeout)
	assert.ErrorIs(t, res.Err, ErrForceTerminated)
}

func TestExclusiveKeysSerialize(t *testing.T) {
	p := newPool(t, Config{Size: 3})

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	p.Handle("db", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}))

	for _, id := range []string{"t1", "t2", "t3"} {
		_, ok := p.Dispatch(rec(id, "db", "users-table"))
		require.True(t, ok)
	}
	assert.True(t, p.Conflicts([]string{"other", "users-table"}))
	assert.False(t, p.Conflicts([]string{"other"}))

	for i := 0; i < 3; i++ {
		assert.NoError(t, nextResult(t, p).Err)
	}
	assert.Equal(t, 1, maxSeen)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	breakers := retry.NewBreakerRegistry(retry.BreakerConfig{
		ConsecutiveFailures: 2,
		MaxRequests:         1,
		Timeout:             time.Hour,
	}, nil)
	p := newPool(t, Config{Size: 1}, WithBreakers(breakers))

	var calls atomic.Int32
	p.Handle("flaky", HandlerFunc(func(ctx context.Context, r *task.Record) error {
		calls.Add(1)
		return errors.New("upstream down")
	}))

	for i, id := range []string{"t1", "t2", "t3"} {
		require.Eventually(t, func() bool { return p.IdleCount() == 1 }, time.Second, 5*time.Millisecond)
		_, ok := p.Dispatch(rec(id, "flaky"))
		require.True(t, ok)
		res := nextResult(t, p)
		require.Error(t, res.Err)
		if i == 2 {
			assert.Contains(t, res.Err.Error(), "circuit")
			assert.Equal(t, retry.Transient, retry.Classify(res.Err))
		}
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
