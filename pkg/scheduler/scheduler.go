// Package scheduler bounds how many asynchronous tasks run at once.
//
// A Scheduler admits at most MaxConcurrent tasks; every further submission
// waits in a FIFO queue and is started, in submission order, as running tasks
// settle. Draining happens only when a task settles or the limit is changed,
// never by polling.
//
// Admitted and queued tasks cannot be cancelled. The submitter's context is
// handed to the task body, which is where cancellation belongs.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/entrhq/pilot/pkg/logging"
)

const (
	// DefaultMaxConcurrent is the admission limit used when none is configured.
	DefaultMaxConcurrent = 20

	// MinConcurrent and MaxConcurrent bound the accepted admission limit.
	MinConcurrent = 1
	MaxConcurrent = 100
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("scheduler")
	if err != nil {
		debugLog.Warnf("Failed to initialize scheduler logger, using stderr fallback: %v", err)
	}
}

// Task is a unit of work run by the scheduler.
type Task func(ctx context.Context) (any, error)

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// result carries a settled task outcome back to its waiter.
type result struct {
	value any
	err   error
}

// queuedTask is a submission waiting for capacity.
type queuedTask struct {
	ctx  context.Context
	task Task
	done chan result
}

// Scheduler is a bounded, FIFO task admitter. The zero value is not usable;
// construct one with New.
type Scheduler struct {
	mu            sync.Mutex
	active        int
	maxConcurrent int
	queue         []*queuedTask
	logger        *logging.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger routes scheduler warnings to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler admitting at most maxConcurrent tasks.
// A limit outside [MinConcurrent, MaxConcurrent] is ignored with a warning
// and DefaultMaxConcurrent is used instead.
func New(maxConcurrent int, opts ...Option) *Scheduler {
	s := &Scheduler{
		maxConcurrent: DefaultMaxConcurrent,
		logger:        debugLog,
	}
	for _, opt := range opts {
		opt(s)
	}

	if validLimit(maxConcurrent) {
		s.maxConcurrent = maxConcurrent
	} else {
		s.logger.Warnf("Ignoring max concurrent %d (valid range %d-%d), using %d",
			maxConcurrent, MinConcurrent, MaxConcurrent, DefaultMaxConcurrent)
	}
	return s
}

func validLimit(limit int) bool {
	return limit >= MinConcurrent && limit <= MaxConcurrent
}

// Submit runs task under the admission policy and returns its outcome.
// It blocks until the task has settled. A task that panics is reported to
// its own caller as an error; siblings are unaffected.
func (s *Scheduler) Submit(ctx context.Context, task Task) (any, error) {
	if task == nil {
		return nil, fmt.Errorf("scheduler: nil task")
	}

	qt := &queuedTask{
		ctx:  ctx,
		task: task,
		done: make(chan result, 1),
	}

	s.mu.Lock()
	if s.active < s.maxConcurrent {
		s.active++
		s.mu.Unlock()
		go s.run(qt)
	} else {
		s.queue = append(s.queue, qt)
		s.mu.Unlock()
	}

	res := <-qt.done
	return res.value, res.err
}

// run executes an admitted task, settles it, and drains the queue.
func (s *Scheduler) run(qt *queuedTask) {
	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("Task panic: %v\n%s", r, debug.Stack())
				res = result{err: fmt.Errorf("scheduler: task panicked: %v", r)}
			}
		}()
		v, err := qt.task(qt.ctx)
		res = result{value: v, err: err}
	}()

	s.mu.Lock()
	s.active--
	next := s.drainLocked()
	s.mu.Unlock()

	qt.done <- res
	s.start(next)
}

// drainLocked pops queued tasks while capacity is free and marks them active.
// The caller must hold s.mu and start the returned tasks after unlocking.
func (s *Scheduler) drainLocked() []*queuedTask {
	n := 0
	for n < len(s.queue) && s.active < s.maxConcurrent {
		s.active++
		n++
	}
	if n == 0 {
		return nil
	}

	next := make([]*queuedTask, n)
	copy(next, s.queue[:n])
	clear(s.queue[:n])
	s.queue = s.queue[n:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return next
}

// start launches drained tasks in queue order.
func (s *Scheduler) start(tasks []*queuedTask) {
	for _, qt := range tasks {
		go s.run(qt)
	}
}

// SetMaxConcurrent changes the admission limit. Raising the limit starts
// queued work immediately; lowering it never preempts running tasks, so the
// active count may exceed the new limit until enough of them settle.
// Limits outside [MinConcurrent, MaxConcurrent] are ignored with a warning.
func (s *Scheduler) SetMaxConcurrent(limit int) {
	if !validLimit(limit) {
		s.logger.Warnf("Ignoring max concurrent %d (valid range %d-%d)", limit, MinConcurrent, MaxConcurrent)
		return
	}

	s.mu.Lock()
	prev := s.maxConcurrent
	s.maxConcurrent = limit
	next := s.drainLocked()
	s.mu.Unlock()

	s.logger.Debugf("Max concurrent changed %d -> %d, started %d queued tasks", prev, limit, len(next))
	s.start(next)
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Active:        s.active,
		Queued:        len(s.queue),
		MaxConcurrent: s.maxConcurrent,
	}
}

// Do submits fn to s and returns its typed result.
func Do[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := s.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		var zero T
		return zero, fmt.Errorf("scheduler: unexpected result type %T", v)
	}
	return out, nil
}
