package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/task"
)

var (
	// ErrForceTerminated is the cause given to executions abandoned at
	// the end of a drain.
	ErrForceTerminated = errors.New("execution force-terminated")

	// ErrAttemptTimeout is the cause given to an execution that ran past
	// the task's per-attempt timeout. The attempt fails transiently.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Handler executes one task. It must return when ctx is done.
type Handler interface {
	Handle(ctx context.Context, rec *task.Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rec *task.Record) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, rec *task.Record) error {
	return f(ctx, rec)
}

// Status is a slot's lifecycle state.
type Status int32

const (
	Idle Status = iota
	Busy
	Draining
	Dead
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Config sizes the pool and its respawn budget.
type Config struct {
	Size          int           // Number of slots; defaults to runtime.NumCPU()
	RespawnBurst  int           // Crashed slots that may be replaced back to back
	RespawnWindow time.Duration // Time to earn one more replacement
}

// Result reports how one execution ended.
type Result struct {
	Task      *task.Record
	SlotID    int
	Err       error
	Crashed   bool // Handler panicked; Err wraps task.ErrWorkerCrash
	Abandoned bool // Force-terminated at the drain deadline; Err wraps task.ErrShutdownTimeout
	Duration  time.Duration
}

// SlotInfo is a snapshot of one slot.
type SlotInfo struct {
	ID     int
	Status Status
	TaskID string
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pool) { p.log = log }
}

// WithBreakers routes executions through per-kind circuit breakers.
func WithBreakers(b *retry.BreakerRegistry) Option {
	return func(p *Pool) { p.breakers = b }
}

type slot struct {
	id     int
	status atomic.Int32
	work   chan *execution
}

type execution struct {
	rec    *task.Record
	ctx    context.Context
	cancel context.CancelCauseFunc
	kill   chan struct{} // Closed when the drain deadline passes
	slotID int
}

type outcome struct {
	err     error
	crashed bool
}

// Pool runs tasks on a fixed number of slots. Each slot is a goroutine
// fed through its own channel; each execution runs in a goroutine of its
// own so a panic or a stuck handler cannot take the slot down with it.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	log      logrus.FieldLogger
	breakers *retry.BreakerRegistry
	handlers map[string]Handler
	slots    []*slot
	running  map[string]*execution // By task id
	keys     *KeyLocks
	respawn  *rate.Limiter
	drained  chan struct{} // Closed when running empties during a drain
	draining bool
	closed   bool

	results     chan Result
	escalations chan error
	wg          sync.WaitGroup
}

// New starts a pool with cfg.Size idle slots.
func New(cfg Config, opts ...Option) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.RespawnBurst <= 0 {
		cfg.RespawnBurst = cfg.Size
	}
	if cfg.RespawnWindow <= 0 {
		cfg.RespawnWindow = time.Minute
	}

	p := &Pool{
		cfg:         cfg,
		handlers:    make(map[string]Handler),
		running:     make(map[string]*execution),
		keys:        NewKeyLocks(),
		respawn:     rate.NewLimiter(rate.Every(cfg.RespawnWindow), cfg.RespawnBurst),
		results:     make(chan Result, cfg.Size),
		escalations: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		p.log = l
	}

	p.slots = make([]*slot, cfg.Size)
	for i := range p.slots {
		p.slots[i] = p.startSlot(i)
	}
	return p
}

// Handle registers the handler for a task kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Results delivers one Result per dispatched task. It is closed by Close.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Escalations receives an error when a crashed slot could not be replaced
// within the respawn budget.
func (p *Pool) Escalations() <-chan error {
	return p.escalations
}

// Dispatch hands rec to an idle slot. It returns false when no slot is
// idle, when the pool is draining, or when rec is already running.
func (p *Pool) Dispatch(rec *task.Record) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining || p.closed {
		return 0, false
	}
	if _, held := p.running[rec.ID]; held {
		return 0, false
	}

	for _, s := range p.slots {
		if !s.status.CompareAndSwap(int32(Idle), int32(Busy)) {
			continue
		}

		ctx, cancel := context.WithCancelCause(context.Background())
		exec := &execution{
			rec:    rec.Clone(),
			ctx:    ctx,
			cancel: cancel,
			kill:   make(chan struct{}),
			slotID: s.id,
		}
		p.running[rec.ID] = exec
		s.work <- exec
		return s.id, true
	}
	return 0, false
}

// Interrupt cancels the execution of id with cause. It reports whether
// the task was running.
func (p *Pool) Interrupt(id string, cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	exec, ok := p.running[id]
	if !ok {
		return false
	}
	exec.cancel(cause)
	return true
}

// Holds reports whether id is executing, including executions that were
// interrupted but have not returned yet.
func (p *Pool) Holds(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

// Conflicts reports whether a running execution holds any of keys.
func (p *Pool) Conflicts(keys []string) bool {
	if len(keys) == 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, exec := range p.running {
		for _, held := range exec.rec.ExclusiveKeys {
			for _, k := range keys {
				if held == k {
					return true
				}
			}
		}
	}
	return false
}

// IdleCount returns the number of slots ready for work.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining || p.closed {
		return 0
	}
	n := 0
	for _, s := range p.slots {
		if Status(s.status.Load()) == Idle {
			n++
		}
	}
	return n
}

// Slots returns a snapshot of every slot.
func (p *Pool) Slots() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID := make(map[int]string, len(p.running))
	for id, exec := range p.running {
		byID[exec.slotID] = id
	}

	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotInfo{ID: s.id, Status: Status(s.status.Load()), TaskID: byID[s.id]}
	}
	return out
}

// Drain stops accepting work and waits for running executions until ctx
// ends. Executions still running then are cancelled with
// ErrForceTerminated and abandoned; their results carry
// task.ErrShutdownTimeout. Drain returns how many were abandoned.
func (p *Pool) Drain(ctx context.Context) int {
	p.mu.Lock()
	p.draining = true
	for _, s := range p.slots {
		s.status.CompareAndSwap(int32(Idle), int32(Draining))
	}
	if len(p.running) == 0 {
		p.mu.Unlock()
		return 0
	}
	if p.drained == nil {
		p.drained = make(chan struct{})
	}
	drained := p.drained
	p.mu.Unlock()

	select {
	case <-drained:
		return 0
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stragglers := make([]*execution, 0, len(p.running))
	for _, exec := range p.running {
		stragglers = append(stragglers, exec)
	}
	sort.Slice(stragglers, func(i, j int) bool { return stragglers[i].slotID < stragglers[j].slotID })
	for _, exec := range stragglers {
		exec.cancel(ErrForceTerminated)
		close(exec.kill)
		p.log.WithFields(logrus.Fields{
			"task_id": exec.rec.ID,
			"slot":    exec.slotID,
		}).Warn("force-terminating execution")
	}
	return len(stragglers)
}

// Close stops every slot and closes Results once they have exited.
// Call Drain first; Close does not wait for handlers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, s := range p.slots {
		close(s.work)
	}
	p.mu.Unlock()

	p.wg.Wait()
	close(p.results)
}

func (p *Pool) startSlot(id int) *slot {
	s := &slot{id: id, work: make(chan *execution, 1)}
	p.wg.Add(1)
	go p.runSlot(s)
	return s
}

func (p *Pool) runSlot(s *slot) {
	defer p.wg.Done()

	for exec := range s.work {
		if crashed := p.run(s, exec); crashed {
			p.replace(s)
			return
		}
	}
}

// run executes one assignment and reports whether the handler panicked.
func (p *Pool) run(s *slot, exec *execution) bool {
	rec := exec.rec
	start := time.Now()
	ctx := exec.ctx
	if !rec.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, rec.Deadline)
		defer cancel()
	}
	if rec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, rec.Timeout, ErrAttemptTimeout)
		defer cancel()
	}

	res := Result{Task: rec, SlotID: s.id}
	if err := p.keys.LockAll(ctx, rec.ExclusiveKeys); err != nil {
		res.Err = fmt.Errorf("waiting for exclusive keys: %w", err)
		p.finish(s, exec, res)
		return false
	}
	defer p.keys.UnlockAll(rec.ExclusiveKeys)

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", task.ErrWorkerCrash, r), crashed: true}
			}
		}()
		done <- outcome{err: p.execute(ctx, rec)}
	}()

	select {
	case out := <-done:
		res.Err = out.err
		res.Crashed = out.crashed
		if out.err != nil && !out.crashed && errors.Is(context.Cause(ctx), ErrAttemptTimeout) {
			// The handler's own classification no longer applies.
			res.Err = fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, rec.Timeout, out.err)
		}
	case <-exec.kill:
		res.Err = fmt.Errorf("%w: %w", task.ErrShutdownTimeout, ErrForceTerminated)
		res.Abandoned = true
	}
	res.Duration = time.Since(start)

	if res.Crashed {
		s.status.Store(int32(Dead))
		p.log.WithFields(logrus.Fields{
			"task_id": rec.ID,
			"kind":    rec.Kind,
			"slot":    s.id,
		}).WithError(res.Err).Error("handler panicked")
	}
	p.finish(s, exec, res)
	return res.Crashed
}

func (p *Pool) execute(ctx context.Context, rec *task.Record) error {
	p.mu.Lock()
	h, ok := p.handlers[rec.Kind]
	p.mu.Unlock()
	if !ok {
		return retry.Permanentf("no handler registered for kind %q", rec.Kind)
	}
	return p.breakers.Execute(rec.Kind, func() error {
		return h.Handle(ctx, rec)
	})
}

func (p *Pool) finish(s *slot, exec *execution, res Result) {
	p.mu.Lock()
	exec.cancel(nil)
	delete(p.running, exec.rec.ID)
	if !res.Crashed {
		next := Idle
		if p.draining || p.closed {
			next = Draining
		}
		s.status.Store(int32(next))
	}
	if len(p.running) == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()

	p.results <- res
}

// replace swaps a crashed slot for a fresh one if the respawn budget
// allows, and escalates otherwise.
func (p *Pool) replace(old *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.draining {
		return
	}

	if !p.respawn.Allow() {
		err := fmt.Errorf("slot %d: respawn budget exhausted: %w", old.id, task.ErrWorkerCrash)
		p.log.WithField("slot", old.id).WithError(err).Error("slot not replaced")
		select {
		case p.escalations <- err:
		default:
		}
		return
	}

	for i, s := range p.slots {
		if s == old {
			p.slots[i] = p.startSlot(old.id)
			p.log.WithField("slot", old.id).Info("slot replaced")
			return
		}
	}
}
