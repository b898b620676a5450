package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/queue"
	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/task"
)

var (
	// ErrCancelled is the interrupt cause for a task cancelled while running.
	ErrCancelled = errors.New("task cancelled")

	// ErrVisibilityExpired is the interrupt cause for an execution whose lease lapsed.
	ErrVisibilityExpired = errors.New("visibility timeout expired")

	// ErrDeadlineExceeded is the interrupt cause for a task past its deadline.
	ErrDeadlineExceeded = errors.New("task deadline exceeded")

	// ErrAlreadyFinished is returned when cancelling a task in a terminal state.
	ErrAlreadyFinished = errors.New("task already finished")
)

// Config controls admission and the default retry behaviour.
type Config struct {
	BacklogLimit int          // Pending+Ready+Failed ceiling; 0 means unlimited
	Backoff      retry.Config // Used by tasks that carry no backoff of their own
}

// Interrupter asks whoever runs a task to stop it. It reports whether
// the task was running.
type Interrupter func(taskID string, cause error) bool

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithIDs replaces the uuid task id generator.
func WithIDs(next func() string) Option {
	return func(s *Scheduler) { s.newID = next }
}

// WithInterrupter sets the hook used to stop running tasks.
func WithInterrupter(fn Interrupter) Option {
	return func(s *Scheduler) { s.interrupt = fn }
}

// Scheduler admits tasks, tracks their dependencies, and turns execution
// outcomes into queue transitions.
type Scheduler struct {
	mu        sync.Mutex
	queue     *queue.Queue
	dag       *DAG
	bus       *events.EventBus
	cfg       Config
	now       func() time.Time
	log       logrus.FieldLogger
	newID     func() string
	interrupt Interrupter

	cancelling map[string]error // Running tasks asked to stop, by cause
	waiters    map[string][]chan struct{}
	capacity   chan struct{} // Closed and replaced whenever the backlog may have shrunk
	closed     bool
}

// New creates a scheduler over q. bus may be nil.
func New(q *queue.Queue, bus *events.EventBus, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:      q,
		dag:        NewDAG(),
		bus:        bus,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		cancelling: make(map[string]error),
		waiters:    make(map[string][]chan struct{}),
		capacity:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	if s.cfg.Backoff.Validate() != nil {
		s.cfg.Backoff = retry.DefaultConfig()
	}
	return s
}

// Submit validates and admits one task and returns its id. A task whose
// dependencies already failed is admitted straight into Cancelled. A
// task with a future start time is held Pending until then.
func (s *Scheduler) Submit(ctx context.Context, spec task.Spec) (string, error) {
	if err := spec.Validate(s.now()); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(ctx, spec)
}

func (s *Scheduler) submitLocked(ctx context.Context, spec task.Spec) (string, error) {
	if err := s.admitLocked(1); err != nil {
		return "", err
	}

	rec := s.newRecord(spec, s.newID())
	state, reason, err := s.initialStateLocked(ctx, rec.Dependencies, nil)
	if err != nil {
		return "", err
	}
	rec.State = s.holdLocked(rec, state)

	stored, err := s.queue.EnqueueBatch(ctx, []*task.Record{rec})
	if err != nil {
		return "", err
	}
	s.trackLocked(stored[0], reason)
	return rec.ID, nil
}

// SubmitBatch admits every spec or none. Specs may depend on each other
// through Ref; a Ref shadows an existing task id of the same value.
// The returned ids follow the order of specs.
func (s *Scheduler) SubmitBatch(ctx context.Context, specs []task.Spec) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	now := s.now()
	refs := make(map[string]int, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(now); err != nil {
			var verr *task.ValidationError
			if errors.As(err, &verr) {
				return nil, &task.ValidationError{Field: fmt.Sprintf("tasks[%d].%s", i, verr.Field), Reason: verr.Reason}
			}
			return nil, err
		}
		if spec.Ref == "" {
			continue
		}
		if _, dup := refs[spec.Ref]; dup {
			return nil, &task.ValidationError{Field: fmt.Sprintf("tasks[%d].ref", i), Reason: "duplicate ref " + spec.Ref}
		}
		refs[spec.Ref] = i
	}

	local := NewDAG()
	for i, spec := range specs {
		var deps []string
		for _, dep := range spec.Dependencies {
			if j, ok := refs[dep]; ok {
				deps = append(deps, strconv.Itoa(j))
			}
		}
		local.AddTask(&Node{ID: strconv.Itoa(i), Dependencies: deps})
	}
	order, err := local.Validate()
	if err != nil {
		return nil, &task.ValidationError{Field: "dependencies", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admitLocked(len(specs)); err != nil {
		return nil, err
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = s.newID()
	}

	states := make(map[string]task.State, len(specs))
	reasons := make(map[string]string)
	recs := make([]*task.Record, 0, len(specs))
	for _, key := range order {
		i, _ := strconv.Atoi(key)
		rec := s.newRecord(specs[i], ids[i])
		for k, dep := range rec.Dependencies {
			if j, ok := refs[dep]; ok {
				rec.Dependencies[k] = ids[j]
			}
		}

		state, reason, err := s.initialStateLocked(ctx, rec.Dependencies, states)
		if err != nil {
			var verr *task.ValidationError
			if errors.As(err, &verr) {
				return nil, &task.ValidationError{Field: fmt.Sprintf("tasks[%d].%s", i, verr.Field), Reason: verr.Reason}
			}
			return nil, err
		}
		rec.State = s.holdLocked(rec, state)
		states[rec.ID] = rec.State
		if reason != "" {
			reasons[rec.ID] = reason
		}
		recs = append(recs, rec)
	}

	stored, err := s.queue.EnqueueBatch(ctx, recs)
	if err != nil {
		return nil, err
	}
	for _, rec := range stored {
		s.trackLocked(rec, reasons[rec.ID])
	}
	return ids, nil
}

// SubmitWait is Submit that waits for backlog capacity instead of
// failing with ErrQueueFull.
func (s *Scheduler) SubmitWait(ctx context.Context, spec task.Spec) (string, error) {
	for {
		s.mu.Lock()
		wait := s.capacity
		s.mu.Unlock()

		id, err := s.Submit(ctx, spec)
		if !errors.Is(err, task.ErrQueueFull) {
			return id, err
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for capacity: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Cancel stops a task. Queued tasks are cancelled at once together with
// every task that depends on them, and any execution still left over
// from a lapsed lease is interrupted. A running task is interrupted and
// settles when its worker reports back.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, rec.State)
	}

	if rec.State == task.InFlight {
		return s.requestCancelLocked(ctx, id, ErrCancelled)
	}
	err = s.cancelTreeLocked(ctx, id, "cancelled by request")
	s.signalCapacityLocked()
	return err
}

// Status returns the task's current state.
func (s *Scheduler) Status(ctx context.Context, id string) (task.State, error) {
	rec, err := s.queue.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.State, nil
}

// Get returns a copy of the task record.
func (s *Scheduler) Get(ctx context.Context, id string) (*task.Record, error) {
	return s.queue.Get(ctx, id)
}

// Wait blocks until the task reaches a terminal state and returns it.
func (s *Scheduler) Wait(ctx context.Context, id string) (*task.Record, error) {
	for {
		s.mu.Lock()
		rec, err := s.queue.Get(ctx, id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if rec.State.Terminal() {
			s.mu.Unlock()
			return rec, nil
		}
		ch := make(chan struct{})
		s.waiters[id] = append(s.waiters[id], ch)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.dropWaiter(id, ch)
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (s *Scheduler) dropWaiter(id string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = list
	}
}

// Next leases up to n Ready tasks. skip passes over tasks the caller
// cannot run right now.
func (s *Scheduler) Next(ctx context.Context, n int, skip func(*task.Record) bool) ([]*task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.queue.DequeueReadyFunc(ctx, n, skip)
	for _, r := range recs {
		s.dag.SetState(r.ID, task.InFlight)
	}
	if len(recs) > 0 {
		s.signalCapacityLocked()
	}
	return recs, err
}

// Release returns a leased task that was never started.
func (s *Scheduler) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.queue.Release(ctx, id); err != nil {
		return err
	}
	s.dag.SetState(id, task.Ready)
	return nil
}

// OnSuccess records a successful execution and releases dependents
// whose dependencies have all completed.
func (s *Scheduler) OnSuccess(ctx context.Context, id string, took time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, fresh, err := s.queue.Ack(ctx, id)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	delete(s.cancelling, id)

	s.publish(events.TaskCompletedEvent{ID: id, Attempts: rec.Attempts, Duration: took, Timestamp: s.now()})
	s.finishLocked(rec)
	s.promoteDependentsLocked(ctx, id)
	return nil
}

// OnFailure records a failed execution. delivery identifies the lease
// the result belongs to; results from superseded leases are ignored.
func (s *Scheduler) OnFailure(ctx context.Context, id string, delivery int, execErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != task.InFlight || rec.Deliveries != delivery {
		s.log.WithFields(logrus.Fields{
			"task_id":  id,
			"state":    rec.State,
			"delivery": delivery,
		}).Debug("ignoring stale failure")
		return nil
	}

	if cause, ok := s.cancelling[id]; ok {
		delete(s.cancelling, id)
		return s.cancelTreeLocked(ctx, id, cause.Error())
	}
	if rec.Overdue(s.now()) {
		return s.cancelTreeLocked(ctx, id, ErrDeadlineExceeded.Error())
	}

	if execErr == nil {
		execErr = errors.New("execution failed")
	}
	msg := execErr.Error()
	if retry.Classify(execErr) == retry.Permanent {
		next, err := s.queue.DeadLetter(ctx, id, "permanent failure", msg)
		if err != nil {
			return err
		}
		s.publish(events.TaskFailedEvent{ID: id, Attempt: next.Attempts, Err: execErr, Permanent: true, Timestamp: s.now()})
		s.deadLetteredLocked(ctx, next, "permanent failure")
		return nil
	}

	delay := retry.NewPolicy(rec.Backoff).NextDelay(rec.Attempts + 1)
	next, err := s.queue.Nack(ctx, id, msg, delay)
	if err != nil {
		return err
	}
	if next.State == task.DeadLettered {
		s.publish(events.TaskFailedEvent{ID: id, Attempt: next.Attempts, Err: execErr, Timestamp: s.now()})
		s.deadLetteredLocked(ctx, next, "max attempts exceeded")
		return nil
	}

	s.publish(events.TaskFailedEvent{ID: id, Attempt: next.Attempts, Err: execErr, RetryIn: delay, Timestamp: s.now()})
	s.dag.SetState(id, next.State)
	return nil
}

// SweepResult counts what one Sweep changed.
type SweepResult struct {
	Expired   int // Leases returned to Ready
	Promoted  int // Retry delays that elapsed
	Overdue   int // Tasks cancelled or interrupted for missing their deadline
	Cancelled int // Expired leases whose cancellation was pending
	Released  int // Held tasks whose start time arrived
}

// Sweep performs the time-driven transitions: lease expiry, retry
// promotion, release of held tasks and deadline enforcement.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	defer s.signalCapacityLocked()

	expired, err := s.queue.ExpireVisibility(ctx)
	for _, r := range expired {
		res.Expired++
		s.dag.SetState(r.ID, task.Ready)
		if cause, ok := s.cancelling[r.ID]; ok {
			delete(s.cancelling, r.ID)
			if cerr := s.cancelTreeLocked(ctx, r.ID, cause.Error()); cerr != nil {
				s.log.WithError(cerr).WithField("task_id", r.ID).Error("cancel after lease expiry failed")
			}
			res.Cancelled++
			continue
		}
		if s.interrupt != nil {
			s.interrupt(r.ID, ErrVisibilityExpired)
		}
	}
	if err != nil {
		return res, err
	}

	promoted, err := s.queue.PromoteDelayed(ctx)
	for _, r := range promoted {
		s.dag.SetState(r.ID, task.Ready)
	}
	res.Promoted = len(promoted)
	if err != nil {
		return res, err
	}

	for _, r := range s.queue.DueHeld() {
		n, ok := s.dag.Get(r.ID)
		if !ok || n.State != task.Pending || !s.depsCompletedLocked(ctx, r.Dependencies) {
			continue
		}
		if _, err := s.queue.Promote(ctx, r.ID); err != nil {
			return res, err
		}
		s.dag.SetState(r.ID, task.Ready)
		res.Released++
	}

	for _, r := range s.queue.Overdue() {
		res.Overdue++
		if r.State == task.InFlight {
			if _, pending := s.cancelling[r.ID]; !pending {
				if err := s.requestCancelLocked(ctx, r.ID, ErrDeadlineExceeded); err != nil {
					return res, err
				}
			}
			continue
		}
		if err := s.cancelTreeLocked(ctx, r.ID, ErrDeadlineExceeded.Error()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Recover loads persisted tasks into the queue and rebuilds the
// dependency graph. Pending tasks whose dependencies settled while the
// engine was down are promoted or cancelled.
func (s *Scheduler) Recover(ctx context.Context) (*queue.Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, err := s.queue.Recover(ctx)
	if err != nil {
		return nil, err
	}

	s.dag = NewDAG()
	for _, r := range rep.Tasks {
		s.dag.AddTask(&Node{ID: r.ID, Dependencies: r.Dependencies, State: r.State})
	}

	for _, r := range rep.Expired {
		if r.State != task.DeadLettered {
			s.publish(events.TaskFailedEvent{ID: r.ID, Attempt: r.Attempts, Err: errors.New(r.LastError), Timestamp: s.now()})
		}
	}
	for _, r := range rep.DeadLettered {
		s.deadLetteredLocked(ctx, r, "max attempts exceeded")
	}

	for _, r := range rep.Tasks {
		if r.State != task.Pending {
			continue
		}
		n, ok := s.dag.Get(r.ID)
		if !ok || n.State != task.Pending {
			continue
		}
		state, reason, err := s.initialStateLocked(ctx, r.Dependencies, nil)
		if err != nil {
			s.log.WithError(err).WithField("task_id", r.ID).Warn("cannot resolve dependencies of recovered task")
			continue
		}
		switch state {
		case task.Ready:
			if !r.Due(s.now()) {
				continue
			}
			if _, err := s.queue.Promote(ctx, r.ID); err != nil {
				return rep, err
			}
			s.dag.SetState(r.ID, task.Ready)
		case task.Cancelled:
			if err := s.cancelTreeLocked(ctx, r.ID, reason); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}

// Redrive resubmits a dead-lettered task as a new task and removes the
// dead letter. The new task gets a fresh attempt budget. Concurrent
// redrives of one dead letter create a single task.
func (s *Scheduler) Redrive(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, err := s.queue.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	orig, err := s.queue.Get(ctx, id)
	if err != nil {
		return "", err
	}

	spec := task.Spec{
		Kind:          dl.Kind,
		Payload:       dl.Payload,
		Priority:      dl.Priority,
		MaxAttempts:   dl.MaxAttempts,
		Timeout:       orig.Timeout,
		ExclusiveKeys: orig.ExclusiveKeys,
	}
	if orig.Backoff.Validate() == nil {
		backoff := orig.Backoff
		spec.Backoff = &backoff
	}
	if err := spec.Validate(s.now()); err != nil {
		return "", err
	}
	newID, err := s.submitLocked(ctx, spec)
	if err != nil {
		return "", err
	}

	if err := s.queue.DropDeadLetter(ctx, id); err != nil {
		return newID, fmt.Errorf("redrive %s: %w", id, err)
	}
	s.log.WithFields(logrus.Fields{"task_id": id, "new_task_id": newID}).Info("dead letter redriven")
	return newID, nil
}

// DeadLetters returns up to limit dead letters, oldest first.
func (s *Scheduler) DeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error) {
	return s.queue.PeekDeadLetters(ctx, limit)
}

// Counts returns task counts by state.
func (s *Scheduler) Counts() map[task.State]int {
	return s.queue.Counts()
}

// Backlog returns the number of admitted tasks not yet leased or finished.
func (s *Scheduler) Backlog() int {
	return s.queue.Backlog()
}

// Ready signals when a task may have become dispatchable.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.queue.Ready()
}

// Close rejects further submissions and wakes SubmitWait callers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.signalCapacityLocked()
}

func (s *Scheduler) admitLocked(n int) error {
	if s.closed {
		return task.ErrShuttingDown
	}
	if s.cfg.BacklogLimit > 0 && s.queue.Backlog()+n > s.cfg.BacklogLimit {
		return fmt.Errorf("%w: backlog limit %d reached", task.ErrQueueFull, s.cfg.BacklogLimit)
	}
	return nil
}

func (s *Scheduler) newRecord(spec task.Spec, id string) *task.Record {
	backoff := s.cfg.Backoff
	if spec.Backoff != nil {
		backoff = *spec.Backoff
	}
	rec := &task.Record{
		ID:          id,
		Kind:        spec.Kind,
		Priority:    spec.Priority,
		MaxAttempts: spec.MaxAttempts,
		Backoff:     backoff,
		Deadline:    spec.Deadline,
		NotBefore:   spec.NotBefore,
		Timeout:     spec.Timeout,
	}
	if spec.Payload != nil {
		rec.Payload = append([]byte(nil), spec.Payload...)
	}
	if len(spec.Dependencies) > 0 {
		rec.Dependencies = append([]string(nil), spec.Dependencies...)
	}
	if len(spec.ExclusiveKeys) > 0 {
		rec.ExclusiveKeys = append([]string(nil), spec.ExclusiveKeys...)
	}
	return rec
}

// initialStateLocked derives the admission state from the dependencies.
// batch holds the states of earlier members of the same batch.
func (s *Scheduler) initialStateLocked(ctx context.Context, deps []string, batch map[string]task.State) (task.State, string, error) {
	state := task.Ready
	for _, dep := range deps {
		st, ok := batch[dep]
		if !ok {
			var err error
			st, err = s.stateOfLocked(ctx, dep)
			if errors.Is(err, task.ErrNotFound) {
				return 0, "", &task.ValidationError{Field: "dependencies", Reason: "unknown task " + dep}
			}
			if err != nil {
				return 0, "", err
			}
		}

		switch st {
		case task.DeadLettered, task.Cancelled:
			return task.Cancelled, fmt.Sprintf("dependency %s is %s", dep, st), nil
		case task.Completed:
		default:
			state = task.Pending
		}
	}
	return state, "", nil
}

// holdLocked keeps a task that could run now Pending until its start time.
func (s *Scheduler) holdLocked(rec *task.Record, state task.State) task.State {
	if state == task.Ready && !rec.Due(s.now()) {
		return task.Pending
	}
	return state
}

func (s *Scheduler) depsCompletedLocked(ctx context.Context, deps []string) bool {
	for _, dep := range deps {
		if st, err := s.stateOfLocked(ctx, dep); err != nil || st != task.Completed {
			return false
		}
	}
	return true
}

func (s *Scheduler) stateOfLocked(ctx context.Context, id string) (task.State, error) {
	if n, ok := s.dag.Get(id); ok {
		return n.State, nil
	}
	rec, err := s.queue.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.State, nil
}

func (s *Scheduler) trackLocked(rec *task.Record, reason string) {
	if err := s.dag.AddTask(&Node{ID: rec.ID, Dependencies: rec.Dependencies, State: rec.State}); err != nil {
		s.log.WithError(err).WithField("task_id", rec.ID).Error("tracking admitted task")
	}
	s.publish(events.TaskEnqueuedEvent{ID: rec.ID, Kind: rec.Kind, Priority: rec.Priority, Timestamp: s.now()})
	if rec.State == task.Cancelled {
		s.publish(events.TaskCancelledEvent{ID: rec.ID, Reason: reason, Timestamp: s.now()})
		s.finishLocked(rec)
	}
}

// requestCancelLocked interrupts a running task. A leased task that is
// not running anywhere is cancelled directly.
func (s *Scheduler) requestCancelLocked(ctx context.Context, id string, cause error) error {
	if s.interrupt != nil && s.interrupt(id, cause) {
		s.cancelling[id] = cause
		return nil
	}
	return s.cancelTreeLocked(ctx, id, cause.Error())
}

// cancelTreeLocked cancels id and every task depending on it.
func (s *Scheduler) cancelTreeLocked(ctx context.Context, id, reason string) error {
	rec, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return err
	}
	delete(s.cancelling, id)
	s.interruptStaleLocked(id)
	s.publish(events.TaskCancelledEvent{ID: id, Reason: reason, Timestamp: s.now()})
	s.finishLocked(rec)
	s.cancelDescendantsLocked(ctx, id)
	return nil
}

// cancelDescendantsLocked cancels the tasks that can no longer run
// because id will never complete.
func (s *Scheduler) cancelDescendantsLocked(ctx context.Context, id string) {
	reason := fmt.Sprintf("dependency %s will never complete", id)
	for _, d := range s.dag.Descendants(id) {
		n, ok := s.dag.Get(d)
		if !ok || n.State.Terminal() {
			continue
		}
		if n.State == task.InFlight {
			if err := s.requestCancelLocked(ctx, d, ErrCancelled); err != nil {
				s.log.WithError(err).WithField("task_id", d).Error("cancelling running dependent")
			}
			continue
		}

		rec, err := s.queue.Cancel(ctx, d)
		if err != nil {
			s.log.WithError(err).WithField("task_id", d).Error("cancelling dependent")
			continue
		}
		s.interruptStaleLocked(d)
		s.publish(events.TaskCancelledEvent{ID: d, Reason: reason, Timestamp: s.now()})
		s.finishLocked(rec)
	}
}

// interruptStaleLocked stops an execution left running by a lease that
// lapsed before the task was cancelled.
func (s *Scheduler) interruptStaleLocked(id string) {
	if s.interrupt != nil && s.interrupt(id, ErrCancelled) {
		s.log.WithField("task_id", id).Info("interrupted execution of cancelled task")
	}
}

func (s *Scheduler) deadLetteredLocked(ctx context.Context, rec *task.Record, reason string) {
	delete(s.cancelling, rec.ID)
	s.publish(events.TaskDeadLetteredEvent{ID: rec.ID, Reason: reason, Attempts: rec.Attempts, Timestamp: s.now()})
	s.finishLocked(rec)
	s.cancelDescendantsLocked(ctx, rec.ID)
}

func (s *Scheduler) promoteDependentsLocked(ctx context.Context, id string) {
	for _, d := range s.dag.Dependents(id) {
		n, ok := s.dag.Get(d)
		if !ok || n.State != task.Pending || !s.depsCompletedLocked(ctx, n.Dependencies) {
			continue
		}
		rec, err := s.queue.Get(ctx, d)
		if err != nil {
			s.log.WithError(err).WithField("task_id", d).Error("loading dependent")
			continue
		}
		if !rec.Due(s.now()) {
			continue
		}

		if _, err := s.queue.Promote(ctx, d); err != nil {
			s.log.WithError(err).WithField("task_id", d).Error("promoting dependent")
			continue
		}
		s.dag.SetState(d, task.Ready)
	}
}

// finishLocked records a terminal state, wakes waiters and drops the
// node once nothing depends on it.
func (s *Scheduler) finishLocked(rec *task.Record) {
	s.dag.SetState(rec.ID, rec.State)
	for _, ch := range s.waiters[rec.ID] {
		close(ch)
	}
	delete(s.waiters, rec.ID)
	for _, dep := range rec.Dependencies {
		s.dag.Prune(dep)
	}
	s.dag.Prune(rec.ID)
}

func (s *Scheduler) signalCapacityLocked() {
	close(s.capacity)
	s.capacity = make(chan struct{})
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicTask, ev)
}
