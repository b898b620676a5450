package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/task"
)

// ErrInvalidState is returned when an operation does not apply to the task's current state.
var ErrInvalidState = errors.New("invalid task state for operation")

// Config tunes leasing and dispatch order.
type Config struct {
	VisibilityTimeout time.Duration // Lease length for dequeued tasks
	AgingThreshold    time.Duration // Ready time per one-class priority boost (0 disables aging)
	MaxAgingBoost     int           // Cap on the aging boost
}

// DefaultConfig returns a 5 minute lease and aging of one class per 30s, capped at 2.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 5 * time.Minute,
		AgingThreshold:    30 * time.Second,
		MaxAgingBoost:     2,
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(q *Queue) { q.log = log }
}

// Queue is the durable backlog. Every transition is written to the store
// before the in-memory indexes change, so a crash never exposes a state
// that was not persisted.
type Queue struct {
	mu    sync.Mutex
	store persistence.Store
	cfg   Config
	now   func() time.Time
	log   logrus.FieldLogger

	tasks    map[string]*task.Record // Non-terminal tasks
	ready    *readySet
	delayed  *btree.BTreeG[entry] // Failed tasks by AvailableAt
	held     *btree.BTreeG[entry] // Pending tasks with a start time, by NotBefore
	inflight map[string]struct{}
	counts   map[task.State]int // Non-terminal tasks by state
	finished map[task.State]int // Terminal transitions since start
	seq      uint64
	notify   chan struct{}
}

// New creates an empty queue on top of store. Call Recover to load
// previously persisted tasks.
func New(store persistence.Store, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		q.log = l
	}
	if q.cfg.VisibilityTimeout <= 0 {
		q.cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	q.reset()
	return q
}

func (q *Queue) reset() {
	q.tasks = make(map[string]*task.Record)
	q.ready = newReadySet()
	q.delayed = btree.NewG(btreeDegree, entryLess)
	q.held = btree.NewG(btreeDegree, entryLess)
	q.inflight = make(map[string]struct{})
	q.counts = make(map[task.State]int)
	q.finished = make(map[task.State]int)
}

// Ready returns a channel that receives a value whenever a task becomes Ready.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

// Enqueue persists a new task. rec.State must be Pending, Ready or
// Cancelled (a task born with a dead dependency). It returns the id.
func (q *Queue) Enqueue(ctx context.Context, rec *task.Record) (string, error) {
	if _, err := q.EnqueueBatch(ctx, []*task.Record{rec}); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// EnqueueBatch persists all records atomically and returns the stored copies.
func (q *Queue) EnqueueBatch(ctx context.Context, recs []*task.Record) ([]*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	seq := q.seq
	next := make([]*task.Record, len(recs))
	for i, r := range recs {
		if r.ID == "" {
			return nil, errors.New("enqueue: empty task id")
		}
		if _, exists := q.tasks[r.ID]; exists {
			return nil, fmt.Errorf("enqueue: task %s already queued", r.ID)
		}
		switch r.State {
		case task.Pending, task.Ready, task.Cancelled:
		default:
			return nil, fmt.Errorf("%w: enqueue of %s task %s", ErrInvalidState, r.State, r.ID)
		}

		n := r.Clone()
		seq++
		n.Seq = seq
		if n.EnqueuedAt.IsZero() {
			n.EnqueuedAt = now
		}
		if n.State == task.Ready {
			n.ReadyAt = now
		}
		n.UpdatedAt = now
		next[i] = n
	}

	if err := q.store.SaveTasks(ctx, next); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	q.seq = seq
	out := make([]*task.Record, len(next))
	for i, n := range next {
		q.applyLocked(n)
		out[i] = n.Clone()
	}
	return out, nil
}

// Promote moves a Pending task to Ready once its dependencies completed.
func (q *Queue) Promote(ctx context.Context, id string) (*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.expectLocked(ctx, id, "promote", task.Pending)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.State = task.Ready
	next.ReadyAt = q.now()
	if err := q.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// DequeueReady leases up to n Ready tasks.
func (q *Queue) DequeueReady(ctx context.Context, n int) ([]*task.Record, error) {
	return q.DequeueReadyFunc(ctx, n, nil)
}

// DequeueReadyFunc leases up to n Ready tasks in dispatch order, passing
// over tasks for which skip returns true and tasks sharing an exclusive
// key with one already leased by this call. skip must not modify the record.
//
// Order is by effective priority (base priority plus the aging boost),
// then base priority, then FIFO by enqueue time.
func (q *Queue) DequeueReadyFunc(ctx context.Context, n int, skip func(*task.Record) bool) ([]*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	now := q.now()
	claimed := make(map[string]bool)
	reject := func(id string) bool {
		r := q.tasks[id]
		for _, k := range r.ExclusiveKeys {
			if claimed[k] {
				return true
			}
		}
		return skip != nil && skip(r)
	}

	var out []*task.Record
	for len(out) < n {
		e, ok := q.pickLocked(now, reject)
		if !ok {
			break
		}

		next := q.tasks[e.id].Clone()
		next.State = task.InFlight
		next.Deliveries++
		next.VisibilityDeadline = now.Add(q.cfg.VisibilityTimeout)
		if err := q.commitLocked(ctx, next); err != nil {
			return out, err
		}

		for _, k := range next.ExclusiveKeys {
			claimed[k] = true
		}
		out = append(out, next.Clone())
	}
	return out, nil
}

// pickLocked chooses among the oldest acceptable task of each priority.
// Aged tasks compete on effective priority, but a task that became Ready
// less than one AgingThreshold ago is never overtaken from a lower class.
func (q *Queue) pickLocked(now time.Time, reject func(id string) bool) (entry, bool) {
	type candidate struct {
		e    entry
		prio int
		eff  int
	}

	heads := make([]candidate, 0, len(q.ready.buckets))
	floor := math.MinInt
	for prio, b := range q.ready.buckets {
		e, ok := head(b, reject)
		if !ok {
			continue
		}
		boost := q.boost(now, q.tasks[e.id].ReadyAt)
		if boost == 0 && prio > floor {
			floor = prio
		}
		heads = append(heads, candidate{e: e, prio: prio, eff: prio + boost})
	}

	var (
		best  candidate
		found bool
	)
	for _, c := range heads {
		if c.prio < floor {
			continue
		}
		if !found || c.eff > best.eff || (c.eff == best.eff && c.prio > best.prio) {
			best, found = c, true
		}
	}
	return best.e, found
}

// boost is the aging bonus for a task that has been Ready since readyAt.
func (q *Queue) boost(now, readyAt time.Time) int {
	if q.cfg.AgingThreshold <= 0 || q.cfg.MaxAgingBoost <= 0 {
		return 0
	}
	b := int(now.Sub(readyAt) / q.cfg.AgingThreshold)
	if b < 0 {
		return 0
	}
	if b > q.cfg.MaxAgingBoost {
		return q.cfg.MaxAgingBoost
	}
	return b
}

// Ack completes a leased task and counts the successful attempt. The
// second return reports whether this call made the transition; acking
// an already completed task is a no-op. A task whose lease expired and
// that was not yet redelivered can still be acked by its late worker.
func (q *Queue) Ack(ctx context.Context, id string) (*task.Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.tasks[id]
	if !ok {
		rec, err := q.store.GetTask(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if rec.State == task.Completed {
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("%w: ack of %s task %s", ErrInvalidState, rec.State, id)
	}

	lateAck := cur.State == task.Ready && cur.Deliveries > 0
	if cur.State != task.InFlight && !lateAck {
		return cur.Clone(), false, fmt.Errorf("%w: ack of %s task %s", ErrInvalidState, cur.State, id)
	}

	next := cur.Clone()
	next.State = task.Completed
	next.Attempts++
	next.VisibilityDeadline = time.Time{}
	if err := q.commitLocked(ctx, next); err != nil {
		return nil, false, err
	}
	return next.Clone(), true, nil
}

// Nack records a failed attempt of a leased task. Reaching MaxAttempts
// dead-letters the task regardless of delay; otherwise it becomes Ready
// again, after delay when delay is positive.
func (q *Queue) Nack(ctx context.Context, id, reason string, delay time.Duration) (*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.expectLocked(ctx, id, "nack", task.InFlight)
	if err != nil {
		return nil, err
	}
	return q.nackLocked(ctx, cur, reason, delay)
}

func (q *Queue) nackLocked(ctx context.Context, cur *task.Record, reason string, delay time.Duration) (*task.Record, error) {
	now := q.now()
	next := cur.Clone()
	next.Attempts++
	next.LastError = reason
	next.VisibilityDeadline = time.Time{}

	if next.Attempts >= next.MaxAttempts {
		return q.deadLetterLocked(ctx, cur, next, "max attempts exceeded")
	}

	if delay > 0 {
		next.State = task.Failed
		next.AvailableAt = now.Add(delay)
	} else {
		next.State = task.Ready
		next.ReadyAt = now
	}
	if err := q.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// DeadLetter gives up on a task immediately, typically after a permanent
// error. A leased task has its attempt counted.
func (q *Queue) DeadLetter(ctx context.Context, id, reason, lastError string) (*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.expectLocked(ctx, id, "dead-letter", task.Pending, task.Ready, task.InFlight, task.Failed)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if cur.State == task.InFlight {
		next.Attempts++
	}
	if lastError != "" {
		next.LastError = lastError
	}
	next.VisibilityDeadline = time.Time{}
	return q.deadLetterLocked(ctx, cur, next, reason)
}

func (q *Queue) deadLetterLocked(ctx context.Context, prev, next *task.Record, reason string) (*task.Record, error) {
	now := q.now()
	next.State = task.DeadLettered
	next.UpdatedAt = now

	dl := &task.DeadLetter{
		TaskID:         next.ID,
		Kind:           next.Kind,
		Payload:        next.Payload,
		Priority:       next.Priority,
		MaxAttempts:    next.MaxAttempts,
		LastError:      next.LastError,
		Attempts:       next.Attempts,
		FinalState:     prev.State,
		Reason:         reason,
		DeadLetteredAt: now,
	}
	if err := q.store.DeadLetterTask(ctx, next, dl); err != nil {
		return nil, fmt.Errorf("dead-letter %s: %w", next.ID, err)
	}
	q.applyLocked(next)

	q.log.WithFields(logrus.Fields{
		"task_id":  next.ID,
		"attempts": next.Attempts,
		"reason":   reason,
	}).Warn("task dead-lettered")
	return next.Clone(), nil
}

// Cancel moves any non-terminal task to Cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) (*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.expectLocked(ctx, id, "cancel", task.Pending, task.Ready, task.InFlight, task.Failed)
	if err != nil {
		return cur, err
	}

	next := cur.Clone()
	next.State = task.Cancelled
	next.VisibilityDeadline = time.Time{}
	if err := q.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Release returns a leased task that was never handed to a worker. The
// delivery is not counted.
func (q *Queue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.expectLocked(ctx, id, "release", task.InFlight)
	if err != nil {
		return err
	}

	next := cur.Clone()
	next.State = task.Ready
	next.Deliveries--
	next.VisibilityDeadline = time.Time{}
	return q.commitLocked(ctx, next)
}

// ExpireVisibility returns leased tasks whose visibility deadline passed
// to Ready without counting an attempt.
func (q *Queue) ExpireVisibility(ctx context.Context) ([]*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []*task.Record
	for id := range q.inflight {
		if r := q.tasks[id]; !r.VisibilityDeadline.After(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Seq < expired[j].Seq })

	out := make([]*task.Record, 0, len(expired))
	for _, cur := range expired {
		next := cur.Clone()
		next.State = task.Ready
		next.ReadyAt = now
		next.VisibilityDeadline = time.Time{}
		if err := q.commitLocked(ctx, next); err != nil {
			return out, err
		}
		q.log.WithFields(logrus.Fields{
			"task_id":    next.ID,
			"deliveries": next.Deliveries,
		}).Warn("visibility timeout expired, task returned to ready")
		out = append(out, next.Clone())
	}
	return out, nil
}

// PromoteDelayed moves Failed tasks whose retry delay elapsed back to Ready.
func (q *Queue) PromoteDelayed(ctx context.Context) ([]*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []string
	q.delayed.Ascend(func(e entry) bool {
		if e.at.After(now) {
			return false
		}
		due = append(due, e.id)
		return true
	})

	out := make([]*task.Record, 0, len(due))
	for _, id := range due {
		next := q.tasks[id].Clone()
		next.State = task.Ready
		next.ReadyAt = now
		next.AvailableAt = time.Time{}
		if err := q.commitLocked(ctx, next); err != nil {
			return out, err
		}
		out = append(out, next.Clone())
	}
	return out, nil
}

// DueHeld returns Pending tasks whose start time has arrived, earliest
// first. They stay Pending until promoted.
func (q *Queue) DueHeld() []*task.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*task.Record
	q.held.Ascend(func(e entry) bool {
		if e.at.After(now) {
			return false
		}
		out = append(out, q.tasks[e.id].Clone())
		return true
	})
	return out
}

// Overdue returns non-terminal tasks whose deadline passed.
func (q *Queue) Overdue() []*task.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*task.Record
	for _, r := range q.tasks {
		if r.Overdue(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Recovery summarizes what Recover loaded.
type Recovery struct {
	Tasks        []*task.Record // Non-terminal tasks after recovery, in submission order
	Expired      []*task.Record // Leases that lapsed while the engine was down, counted as failed attempts
	DeadLettered []*task.Record // Expired leases that hit the attempts ceiling
}

// Recover rebuilds the indexes from the store. In-flight tasks whose
// lease already expired are treated as nacked; the others keep their
// lease until it expires normally.
func (q *Queue) Recover(ctx context.Context) (*Recovery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.store.ListTasks(ctx, task.Pending, task.Ready, task.InFlight, task.Failed)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}

	q.reset()
	now := q.now()
	var lapsed []*task.Record
	for _, r := range recs {
		if r.Seq > q.seq {
			q.seq = r.Seq
		}
		q.applyLocked(r)
		if r.State == task.InFlight && !r.VisibilityDeadline.After(now) {
			lapsed = append(lapsed, r)
		}
	}

	rep := &Recovery{}
	for _, cur := range lapsed {
		next, err := q.nackLocked(ctx, cur, "lease expired while the engine was down", 0)
		if err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
		rep.Expired = append(rep.Expired, next)
		if next.State == task.DeadLettered {
			rep.DeadLettered = append(rep.DeadLettered, next)
		}
	}

	for _, r := range recs {
		if cur, ok := q.tasks[r.ID]; ok {
			rep.Tasks = append(rep.Tasks, cur.Clone())
		}
	}

	q.log.WithFields(logrus.Fields{
		"tasks":         len(rep.Tasks),
		"expired":       len(rep.Expired),
		"dead_lettered": len(rep.DeadLettered),
	}).Info("queue recovered")
	return rep, nil
}

// PeekDeadLetters returns up to limit dead letters, oldest first.
func (q *Queue) PeekDeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ListDeadLetters(ctx, limit)
}

// GetDeadLetter returns the dead letter recorded for a task.
func (q *Queue) GetDeadLetter(ctx context.Context, id string) (*task.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.GetDeadLetter(ctx, id)
}

// DropDeadLetter removes a dead letter. The task record keeps its
// DeadLettered state.
func (q *Queue) DropDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.DeleteDeadLetter(ctx, id)
}

// Get returns a copy of the task, looking in the store for terminal tasks.
func (q *Queue) Get(ctx context.Context, id string) (*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lookupLocked(ctx, id)
}

// Counts returns the number of tasks per state: live counts for
// non-terminal states, transitions since start for terminal ones.
func (q *Queue) Counts() map[task.State]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[task.State]int, len(task.States()))
	for _, s := range task.States() {
		if s.Terminal() {
			out[s] = q.finished[s]
		} else {
			out[s] = q.counts[s]
		}
	}
	return out
}

// Backlog is the number of admitted tasks not yet leased or finished.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[task.Pending] + q.counts[task.Ready] + q.counts[task.Failed]
}

func (q *Queue) lookupLocked(ctx context.Context, id string) (*task.Record, error) {
	if r, ok := q.tasks[id]; ok {
		return r.Clone(), nil
	}
	return q.store.GetTask(ctx, id)
}

// expectLocked returns the stored task if its state is one of allowed.
func (q *Queue) expectLocked(ctx context.Context, id, op string, allowed ...task.State) (*task.Record, error) {
	cur, ok := q.tasks[id]
	if !ok {
		rec, err := q.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return rec, fmt.Errorf("%w: %s of %s task %s", ErrInvalidState, op, rec.State, id)
	}
	for _, s := range allowed {
		if cur.State == s {
			return cur, nil
		}
	}
	return cur.Clone(), fmt.Errorf("%w: %s of %s task %s", ErrInvalidState, op, cur.State, id)
}

// commitLocked persists next and then swaps it into the indexes.
func (q *Queue) commitLocked(ctx context.Context, next *task.Record) error {
	next.UpdatedAt = q.now()
	if err := q.store.SaveTask(ctx, next); err != nil {
		return fmt.Errorf("persist %s: %w", next.ID, err)
	}
	q.applyLocked(next)
	return nil
}

func (q *Queue) applyLocked(next *task.Record) {
	if old, ok := q.tasks[next.ID]; ok {
		q.unindexLocked(old)
	}
	if next.State.Terminal() {
		delete(q.tasks, next.ID)
		q.finished[next.State]++
		return
	}
	q.tasks[next.ID] = next
	q.indexLocked(next)
}

func (q *Queue) indexLocked(r *task.Record) {
	q.counts[r.State]++
	switch r.State {
	case task.Pending:
		if !r.NotBefore.IsZero() {
			q.held.ReplaceOrInsert(heldEntry(r))
		}
	case task.Ready:
		q.ready.insert(r)
		select {
		case q.notify <- struct{}{}:
		default:
		}
	case task.Failed:
		q.delayed.ReplaceOrInsert(delayedEntry(r))
	case task.InFlight:
		q.inflight[r.ID] = struct{}{}
	}
}

func (q *Queue) unindexLocked(r *task.Record) {
	q.counts[r.State]--
	switch r.State {
	case task.Pending:
		if !r.NotBefore.IsZero() {
			q.held.Delete(heldEntry(r))
		}
	case task.Ready:
		q.ready.remove(r)
	case task.Failed:
		q.delayed.Delete(delayedEntry(r))
	case task.InFlight:
		delete(q.inflight, r.ID)
	}
}
