package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/pool"
	"github.com/aristath/taskengine/internal/queue"
	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/scheduler"
	"github.com/aristath/taskengine/internal/task"
)

// ErrNotRunning is returned by Shutdown before Start.
var ErrNotRunning = errors.New("engine not running")

// Option configures a Supervisor.
type Option func(*options)

type options struct {
	log   logrus.FieldLogger
	now   func() time.Time
	ids   func() string
	pause bool
}

// WithLogger sets the logger shared by every component.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces time.Now in the queue and scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDs replaces the task id generator.
func WithIDs(next func() string) Option {
	return func(o *options) { o.ids = next }
}

// StartPaused starts the engine with dispatching paused.
func StartPaused() Option {
	return func(o *options) { o.pause = true }
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Counts        map[string]int `json:"counts"`
	Backlog       int            `json:"backlog"`
	Workers       int            `json:"workers"`
	Idle          int            `json:"idle"`
	Busy          int            `json:"busy"`
	Dead          int            `json:"dead"`
	Paused        bool           `json:"paused"`
	DroppedEvents uint64         `json:"dropped_events"`
	Uptime        time.Duration  `json:"uptime"`
}

// Supervisor owns the engine's components and runs its loops: dispatch,
// sweep, result handling and crash escalation.
type Supervisor struct {
	cfg      config.EngineConfig
	log      logrus.FieldLogger
	now      func() time.Time
	bus      *events.EventBus
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	breakers *retry.BreakerRegistry

	paused atomic.Bool
	wake   chan struct{}
	fatal  chan error

	mu          sync.Mutex
	running     bool
	stopped     bool
	started     time.Time
	cancel      context.CancelFunc
	group       *errgroup.Group
	resultsDone chan struct{}
	logDone     chan struct{}
}

// New assembles an engine on top of store. Nothing runs until Start.
func New(store persistence.Store, cfg config.EngineConfig, opts ...Option) *Supervisor {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}

	s := &Supervisor{
		cfg:   cfg,
		log:   o.log,
		now:   o.now,
		bus:   events.NewEventBus(),
		wake:  make(chan struct{}, 1),
		fatal: make(chan error, 1),
	}
	s.paused.Store(o.pause)

	s.breakers = retry.NewBreakerRegistry(cfg.Breaker, o.log.WithField("component", "breaker"))
	s.pool = pool.New(pool.Config{
		Size:          cfg.PoolSize,
		RespawnBurst:  cfg.Respawn.Burst,
		RespawnWindow: cfg.Respawn.Window,
	}, pool.WithLogger(o.log.WithField("component", "pool")), pool.WithBreakers(s.breakers))

	s.queue = queue.New(store, queue.Config{
		VisibilityTimeout: cfg.VisibilityTimeout,
		AgingThreshold:    cfg.AgingThreshold,
		MaxAgingBoost:     cfg.MaxAgingBoost,
	}, queue.WithClock(o.now), queue.WithLogger(o.log.WithField("component", "queue")))

	schedOpts := []scheduler.Option{
		scheduler.WithClock(o.now),
		scheduler.WithLogger(o.log.WithField("component", "scheduler")),
		scheduler.WithInterrupter(s.pool.Interrupt),
	}
	if o.ids != nil {
		schedOpts = append(schedOpts, scheduler.WithIDs(o.ids))
	}
	s.sched = scheduler.New(s.queue, s.bus, scheduler.Config{
		BacklogLimit: cfg.BacklogLimit,
		Backoff:      cfg.Backoff,
	}, schedOpts...)

	return s
}

// Handle registers the handler for a task kind. Register handlers
// before Start.
func (s *Supervisor) Handle(kind string, h pool.Handler) {
	s.pool.Handle(kind, h)
}

// Start recovers persisted tasks and starts the engine loops. The loops
// run until Shutdown, independent of ctx.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return errors.New("engine already started")
	}

	logSub := s.bus.SubscribeAll(s.cfg.EventBuffer)
	rep, err := s.sched.Recover(ctx)
	if err != nil {
		s.bus.Unsubscribe(logSub)
		return fmt.Errorf("recovering tasks: %w", err)
	}

	s.logDone = make(chan struct{})
	go func() {
		defer close(s.logDone)
		events.Log(context.Background(), logSub, s.log.WithField("component", "events"))
	}()

	s.resultsDone = make(chan struct{})
	go s.resultLoop()

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.dispatchLoop(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	g.Go(func() error { return s.escalationLoop(gctx) })

	s.cancel = cancel
	s.group = g
	s.running = true
	s.started = s.now()

	s.log.WithFields(logrus.Fields{
		"workers":   len(s.pool.Slots()),
		"recovered": len(rep.Tasks),
		"expired":   len(rep.Expired),
	}).Info("engine started")
	return nil
}

// Shutdown stops admission and dispatching, then waits for running
// executions up to the configured shutdown timeout or until ctx ends.
// Executions still running then are abandoned and their tasks nacked;
// Shutdown reports them with task.ErrShutdownTimeout.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		if s.stopped {
			return nil
		}
		return ErrNotRunning
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	s.log.Info("engine shutting down")
	s.sched.Close()

	s.cancel()
	if err := s.group.Wait(); err != nil {
		s.log.WithError(err).Error("engine loop failed")
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	stragglers := s.pool.Drain(drainCtx)

	s.pool.Close()
	<-s.resultsDone

	s.bus.Close()
	<-s.logDone

	if stragglers > 0 {
		return fmt.Errorf("%w: %d executions abandoned", task.ErrShutdownTimeout, stragglers)
	}
	return nil
}

// Fatal receives an error when the engine cannot keep its worker slots
// alive. The owner should shut down.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Pause stops dispatching new work. Running executions continue.
func (s *Supervisor) Pause() {
	if !s.paused.Swap(true) {
		s.log.Info("dispatching paused")
	}
}

// Resume restarts dispatching.
func (s *Supervisor) Resume() {
	if s.paused.Swap(false) {
		s.log.Info("dispatching resumed")
	}
	s.poke()
}

// Paused reports whether dispatching is paused.
func (s *Supervisor) Paused() bool {
	return s.paused.Load()
}

// Submit admits a task. A zero MaxAttempts takes the configured default.
func (s *Supervisor) Submit(ctx context.Context, spec task.Spec) (string, error) {
	return s.sched.Submit(ctx, s.withDefaults(spec))
}

// SubmitBatch admits every spec or none; see scheduler.SubmitBatch.
func (s *Supervisor) SubmitBatch(ctx context.Context, specs []task.Spec) ([]string, error) {
	filled := make([]task.Spec, len(specs))
	for i, spec := range specs {
		filled[i] = s.withDefaults(spec)
	}
	return s.sched.SubmitBatch(ctx, filled)
}

// SubmitWait admits a task, waiting for backlog capacity.
func (s *Supervisor) SubmitWait(ctx context.Context, spec task.Spec) (string, error) {
	return s.sched.SubmitWait(ctx, s.withDefaults(spec))
}

// Cancel cancels a task and its dependents.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	return s.sched.Cancel(ctx, id)
}

// Get returns the task record.
func (s *Supervisor) Get(ctx context.Context, id string) (*task.Record, error) {
	return s.sched.Get(ctx, id)
}

// Status returns the task's state.
func (s *Supervisor) Status(ctx context.Context, id string) (task.State, error) {
	return s.sched.Status(ctx, id)
}

// Wait blocks until the task finishes.
func (s *Supervisor) Wait(ctx context.Context, id string) (*task.Record, error) {
	return s.sched.Wait(ctx, id)
}

// DeadLetters returns up to limit dead letters, oldest first.
func (s *Supervisor) DeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error) {
	return s.sched.DeadLetters(ctx, limit)
}

// DeadLetter returns the dead letter recorded for a task.
func (s *Supervisor) DeadLetter(ctx context.Context, id string) (*task.DeadLetter, error) {
	return s.queue.GetDeadLetter(ctx, id)
}

// Redrive resubmits a dead letter as a new task.
func (s *Supervisor) Redrive(ctx context.Context, id string) (string, error) {
	newID, err := s.sched.Redrive(ctx, id)
	if err == nil {
		s.poke()
	}
	return newID, err
}

// Slots returns a snapshot of the worker slots.
func (s *Supervisor) Slots() []pool.SlotInfo {
	return s.pool.Slots()
}

// Events exposes the event bus for subscribers.
func (s *Supervisor) Events() *events.EventBus {
	return s.bus
}

// Stats returns task counts and worker utilisation.
func (s *Supervisor) Stats() Stats {
	counts := s.sched.Counts()
	st := Stats{
		Counts:        make(map[string]int, len(counts)),
		Backlog:       s.sched.Backlog(),
		Paused:        s.paused.Load(),
		DroppedEvents: s.bus.Dropped(),
	}
	for state, n := range counts {
		st.Counts[state.String()] = n
	}

	for _, slot := range s.pool.Slots() {
		st.Workers++
		switch slot.Status {
		case pool.Idle:
			st.Idle++
		case pool.Busy:
			st.Busy++
		case pool.Dead:
			st.Dead++
		}
	}

	s.mu.Lock()
	if s.running {
		st.Uptime = s.now().Sub(s.started)
	}
	s.mu.Unlock()
	return st
}

func (s *Supervisor) withDefaults(spec task.Spec) task.Spec {
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	return spec
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-s.sched.Ready():
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch leases as many tasks as there are idle slots and hands them out.
func (s *Supervisor) dispatch(ctx context.Context) {
	if s.paused.Load() {
		return
	}
	idle := s.pool.IdleCount()
	if idle == 0 {
		return
	}

	recs, err := s.sched.Next(ctx, idle, s.skip)
	if err != nil {
		s.log.WithError(err).Error("leasing ready tasks")
	}

	for _, rec := range recs {
		slot, ok := s.pool.Dispatch(rec)
		if !ok {
			if err := s.sched.Release(ctx, rec.ID); err != nil {
				s.log.WithError(err).WithField("task_id", rec.ID).Error("releasing undispatched task")
			}
			continue
		}
		s.bus.Publish(events.TopicTask, events.TaskStartedEvent{
			ID:        rec.ID,
			Kind:      rec.Kind,
			SlotID:    slot,
			Delivery:  rec.Deliveries,
			Timestamp: s.now(),
		})
	}
}

// skip passes over tasks still held by an earlier execution and tasks
// whose exclusive keys are taken by a running one.
func (s *Supervisor) skip(rec *task.Record) bool {
	return s.pool.Holds(rec.ID) || s.pool.Conflicts(rec.ExclusiveKeys)
}

func (s *Supervisor) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		res, err := s.sched.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("sweep failed")
		}
		if res.Expired+res.Promoted+res.Released+res.Overdue > 0 {
			s.log.WithFields(logrus.Fields{
				"expired":  res.Expired,
				"promoted": res.Promoted,
				"released": res.Released,
				"overdue":  res.Overdue,
			}).Debug("sweep")
			s.poke()
		}
	}
}

func (s *Supervisor) escalationLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.pool.Escalations():
			s.log.WithError(err).Error("worker pool cannot recover")
			select {
			case s.fatal <- err:
			default:
			}
		}
	}
}

func (s *Supervisor) resultLoop() {
	defer close(s.resultsDone)
	for res := range s.pool.Results() {
		s.handleResult(res)
		s.poke()
	}
}

func (s *Supervisor) handleResult(res pool.Result) {
	ctx := context.Background()
	rec := res.Task
	entry := s.log.WithFields(logrus.Fields{
		"task_id": rec.ID,
		"slot":    res.SlotID,
	})

	if res.Crashed {
		s.bus.Publish(events.TopicWorker, events.WorkerCrashedEvent{
			SlotID:    res.SlotID,
			ID:        rec.ID,
			Err:       res.Err,
			Timestamp: s.now(),
		})
	}

	if res.Err == nil {
		if err := s.sched.OnSuccess(ctx, rec.ID, res.Duration); err != nil {
			entry.WithError(err).Warn("discarding result")
		}
		return
	}

	if res.Abandoned {
		entry.WithError(res.Err).Warn("execution abandoned at shutdown")
	}
	if err := s.sched.OnFailure(ctx, rec.ID, rec.Deliveries, res.Err); err != nil {
		entry.WithError(err).Error("recording failure")
	}
}
