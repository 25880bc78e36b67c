// Package ranker probes candidate endpoints for latency and picks the best
// one.
package ranker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
	"github.com/ChuLiYu/edge-session/internal/worker"
)

var errPassDeadline = errors.New("ranker: pass deadline elapsed before probe started")

// Outcome summarises one ranking pass.
type Outcome struct {
	Best        *Candidate
	Found       bool
	Probes      int // probes whose result was collected
	Failures    int
	Abandoned   int // probes still outstanding at the deadline
	DeadlineHit bool
	Elapsed     time.Duration
}

// Ranker runs ranking passes.
type Ranker struct {
	prober  Prober
	workers int
	log     zerolog.Logger
	metrics *metrics.Collector
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithWorkers sets the pool size for parallel passes. 1 reproduces
// sequential behaviour.
func WithWorkers(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Ranker) { r.log = l }
}

// WithMetrics records probe latency and failures.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Ranker) { r.metrics = m }
}

// New creates a Ranker using prober.
func New(prober Prober, opts ...Option) *Ranker {
	r := &Ranker{
		prober:  prober,
		workers: worker.DefaultSize(),
		log:     logging.For("ranker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run probes every candidate in pass Capacity() times and returns the best.
// Probing stops being started once the pass deadline elapses. In parallel
// mode probes still running at the deadline are abandoned: their results are
// never applied and the pass returns without waiting for them.
func (r *Ranker) Run(ctx context.Context, pass *Pass, parallel bool) Outcome {
	start := time.Now()
	var deadlineAt time.Time
	if pass.Deadline > 0 {
		deadlineAt = start.Add(pass.Deadline)
	}

	var out Outcome
	if parallel && r.workers > 1 {
		out = r.runParallel(ctx, pass, deadlineAt)
	} else {
		out = r.runSequential(ctx, pass, deadlineAt)
	}

	out.Best, out.Found = Rank(pass.Candidates())
	out.Elapsed = time.Since(start)

	ev := r.log.Debug().
		Int("candidates", pass.Len()).
		Int("probes", out.Probes).
		Int("failures", out.Failures).
		Int("abandoned", out.Abandoned).
		Bool("deadline_hit", out.DeadlineHit).
		Dur("elapsed", out.Elapsed)
	if out.Found {
		ev = ev.Str("best", out.Best.String()).Dur("avg", out.Best.Average())
	}
	ev.Msg("ranking pass complete")
	return out
}

func expired(deadlineAt time.Time) bool {
	return !deadlineAt.IsZero() && !time.Now().Before(deadlineAt)
}

func (r *Ranker) runSequential(ctx context.Context, pass *Pass, deadlineAt time.Time) Outcome {
	var out Outcome
	// 循序模式在截止時間取消進行中的探測；平行模式則只是不再等待結果
	if !deadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadlineAt)
		defer cancel()
	}

	for _, c := range pass.Candidates() {
		for round := 0; round < c.Capacity(); round++ {
			if expired(deadlineAt) || ctx.Err() != nil {
				out.DeadlineHit = expired(deadlineAt)
				return out
			}
			d, err := r.prober.Probe(ctx, c)
			r.apply(c, d, err, &out)
		}
	}
	return out
}

func (r *Ranker) runParallel(ctx context.Context, pass *Pass, deadlineAt time.Time) Outcome {
	var out Outcome

	type slot struct {
		cand *Candidate
		d    time.Duration
	}
	var slots []*slot
	for _, c := range pass.Candidates() {
		for round := 0; round < c.Capacity(); round++ {
			slots = append(slots, &slot{cand: c})
		}
	}
	if len(slots) == 0 {
		return out
	}

	pool := worker.NewPool(len(slots), worker.WithLogger(r.log))
	if err := pool.Start(r.workers); err != nil {
		r.log.Error().Err(err).Msg("failed to start probe pool")
		return r.runSequential(ctx, pass, deadlineAt)
	}
	r.log.Debug().Int("workers", pool.Size()).Int("probes", len(slots)).Msg("parallel pass")

	for i, s := range slots {
		s := s
		task := worker.Task{
			ID: strconv.Itoa(i),
			Run: func(taskCtx context.Context) error {
				if expired(deadlineAt) {
					return errPassDeadline
				}
				d, err := r.prober.Probe(ctx, s.cand)
				s.d = d
				return err
			},
		}
		if err := pool.Submit(task); err != nil {
			r.log.Error().Err(err).Msg("failed to submit probe")
			break
		}
	}

	var timeout <-chan time.Time
	if !deadlineAt.IsZero() {
		timer := time.NewTimer(time.Until(deadlineAt))
		defer timer.Stop()
		timeout = timer.C
	}

	received := 0
collect:
	for received < len(slots) {
		select {
		case res, ok := <-pool.Results():
			if !ok {
				break collect
			}
			received++
			idx, err := strconv.Atoi(res.TaskID)
			if err != nil || idx < 0 || idx >= len(slots) {
				continue
			}
			if errors.Is(res.Error, errPassDeadline) {
				out.DeadlineHit = true
				continue
			}
			r.apply(slots[idx].cand, slots[idx].d, res.Error, &out)
		case <-timeout:
			out.DeadlineHit = true
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	if received == len(slots) {
		pool.Stop()
	} else {
		out.Abandoned = len(slots) - received
		go pool.Stop()
	}
	return out
}

func (r *Ranker) apply(c *Candidate, d time.Duration, err error, out *Outcome) {
	c.record(d, err)
	r.metrics.RecordProbe(c.Test.String(), d, err)
	out.Probes++
	if err != nil {
		out.Failures++
		r.log.Debug().Err(err).Str("candidate", c.String()).Msg("probe failed")
	}
}

// Rank returns the candidate with the lowest average among those with at
// least one sample. Ties go to the earliest candidate.
func Rank(candidates []*Candidate) (*Candidate, bool) {
	var best *Candidate
	var bestAvg time.Duration
	for _, c := range candidates {
		if c == nil || c.SampleCount() == 0 {
			continue
		}
		avg := c.Average()
		if best == nil || avg < bestAvg {
			best, bestAvg = c, avg
		}
	}
	return best, best != nil
}
