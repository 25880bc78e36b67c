// ============================================================================
// Edge Session Worker Pool - 延遲探測的並發執行器
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// 一個 Pool 只服務一次排名：
//
//   ranker.runParallel
//     ├─ NewPool(len(slots)) + Start(n)
//     ├─ Submit(task) × slots         ──→ queue ──→ Worker × n
//     ├─ range Results() 直到截止時間   ←── results
//     └─ go Stop()                     (遲到的結果被丟棄)
//
// 截止時間過後仍在執行的探測不會被取消，只是不再被讀取。
//
// ============================================================================

package worker

import (
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/logging"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStarted    = errors.New("worker pool already started")
)

// ReservedCPUs is left free for the application itself.
const ReservedCPUs = 2

// DefaultSize is the available parallelism minus ReservedCPUs, at least 1.
func DefaultSize() int {
	if n := runtime.NumCPU() - ReservedCPUs; n > 1 {
		return n
	}
	return 1
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	queue   chan Task
	results chan Result
	log     zerolog.Logger
	running sync.WaitGroup

	mu    sync.Mutex
	size  int
	state poolState
}

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// NewPool creates an idle pool. capacity bounds both queued tasks and
// undelivered results; a full result buffer drops late results.
func NewPool(capacity int, opts ...PoolOption) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	p := &Pool{
		queue:   make(chan Task, capacity),
		results: make(chan Result, capacity),
		log:     logging.For("worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches n workers (at least one).
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != poolIdle {
		return ErrPoolStarted
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w := newWorker(i, p.queue, p.results)
		p.running.Add(1)
		go func() {
			defer p.running.Done()
			w.Run()
		}()
	}
	p.size = n
	p.state = poolRunning
	p.log.Debug().Int("workers", n).Int("capacity", cap(p.queue)).Msg("pool started")
	return nil
}

// Size is the number of workers, 0 before Start.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Submit queues task. It blocks while the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case poolIdle:
		return ErrPoolNotStarted
	case poolStopped:
		return ErrPoolClosed
	}
	// Stop 需要同一把鎖才能關閉 queue
	p.queue <- task
	return nil
}

// Results is closed once Stop has drained every worker.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Stop refuses new tasks, lets the workers finish what is queued and then
// closes Results. Calling it again does nothing.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state != poolRunning {
		p.state = poolStopped
		p.mu.Unlock()
		return
	}
	p.state = poolStopped
	close(p.queue)
	p.mu.Unlock()

	p.running.Wait()
	close(p.results)
	p.log.Debug().Int("workers", p.Size()).Msg("pool drained")
}
