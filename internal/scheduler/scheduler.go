// Package scheduler runs periodic monitoring callbacks with an execution
// budget. Every task is cancellable and no timer outlives Close.
package scheduler

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
)

// Kind names what a task does.
type Kind string

const (
	KindLocation Kind = "location-update"
	KindLatency  Kind = "latency-update"
)

const (
	// DefaultIntervalSeconds replaces intervals below MinIntervalSeconds.
	DefaultIntervalSeconds = 30
	// MinIntervalSeconds is the shortest accepted period.
	MinIntervalSeconds = 1
	// MaxIntervalSeconds is the longest accepted period (one day).
	MaxIntervalSeconds = 24 * 60 * 60
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("scheduler: closed")

// Func is the periodic callback. execution counts from 1.
type Func func(execution int64)

// Task is a handle to one scheduled callback.
type Task struct {
	kind      Kind
	interval  time.Duration
	max       int64
	fn        Func
	executed  atomic.Int64
	cancelled atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// Kind returns the task kind.
func (t *Task) Kind() Kind { return t.kind }

// Interval returns the effective period.
func (t *Task) Interval() time.Duration { return t.interval }

// MaxExecutions returns the budget; 0 means unbounded.
func (t *Task) MaxExecutions() int64 { return t.max }

// Executions returns how many times the callback ran.
func (t *Task) Executions() int64 { return t.executed.Load() }

// Cancelled reports whether the task will run again.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Done is closed once the task goroutine exits.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel stops future runs. A run in progress completes.
func (t *Task) Cancel() {
	t.stopOnce.Do(func() {
		t.cancelled.Store(true)
		close(t.stopCh)
	})
}

// Scheduler owns a set of tasks.
type Scheduler struct {
	unit    time.Duration
	log     zerolog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithUnit sets the length of one interval "second". Tests shrink it.
func WithUnit(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.unit = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics counts executions per kind.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		unit:  time.Second,
		log:   logging.For("scheduler"),
		tasks: make(map[*Task]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidInterval reports whether intervalSeconds is used as given.
func ValidInterval(intervalSeconds float64) bool {
	if math.IsNaN(intervalSeconds) || math.IsInf(intervalSeconds, 0) {
		return false
	}
	return intervalSeconds >= MinIntervalSeconds && intervalSeconds <= MaxIntervalSeconds
}

// EffectiveInterval replaces out of range values (including NaN and
// infinities) with DefaultIntervalSeconds.
func EffectiveInterval(intervalSeconds float64) float64 {
	if !ValidInterval(intervalSeconds) {
		return DefaultIntervalSeconds
	}
	return intervalSeconds
}

// period converts seconds to a ticker period in the scheduler's unit.
func (s *Scheduler) period(intervalSeconds float64) time.Duration {
	d := EffectiveInterval(intervalSeconds) * float64(s.unit)
	if d <= 0 || d >= math.MaxInt64 {
		d = DefaultIntervalSeconds * float64(s.unit)
	}
	if d < 1 {
		d = 1
	}
	return time.Duration(d)
}

// Schedule runs fn immediately and then every intervalSeconds until
// maxExecutions runs have happened (0 = unbounded) or the task is cancelled.
func (s *Scheduler) Schedule(kind Kind, intervalSeconds float64, maxExecutions int64, fn Func) (*Task, error) {
	if fn == nil {
		return nil, errors.New("scheduler: nil callback")
	}
	if maxExecutions < 0 {
		maxExecutions = 0
	}
	interval := s.period(intervalSeconds)

	t := &Task{
		kind:     kind,
		interval: interval,
		max:      maxExecutions,
		fn:       fn,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	s.log.Debug().Str("kind", string(kind)).Dur("interval", interval).Int64("max", maxExecutions).Msg("task scheduled")
	go s.run(t)
	return t, nil
}

func (s *Scheduler) run(t *Task) {
	defer func() {
		s.mu.Lock()
		delete(s.tasks, t)
		s.mu.Unlock()
		close(t.done)
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if t.cancelled.Load() {
			return
		}
		n := t.executed.Add(1)
		s.execute(t, n)
		if t.max > 0 && n >= t.max {
			t.Cancel()
			return
		}

		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) execute(t *Task, n int64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("kind", string(t.kind)).Interface("panic", r).Msg("scheduled task panicked")
		}
	}()
	s.metrics.RecordScheduledRun(string(t.kind))
	t.fn(n)
}

// Cancel cancels every task of the given kind.
func (s *Scheduler) Cancel(kind Kind) {
	for _, t := range s.snapshot() {
		if t.kind == kind {
			t.Cancel()
		}
	}
}

// CancelAll cancels every outstanding task. Safe to call repeatedly.
func (s *Scheduler) CancelAll() {
	for _, t := range s.snapshot() {
		t.Cancel()
	}
}

// Close cancels everything and rejects further Schedule calls.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelAll()
}

// Active returns the number of tasks still scheduled.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		out = append(out, t)
	}
	return out
}
