package ranker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
)

// scriptedProber reports a fixed duration per host, or fails.
type scriptedProber struct {
	durations map[string]time.Duration
	delay     map[string]time.Duration
	calls     atomic.Int32
}

func (p *scriptedProber) Probe(ctx context.Context, c *Candidate) (time.Duration, error) {
	p.calls.Add(1)
	if d, ok := p.delay[c.Host]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	d, ok := p.durations[c.Host]
	if !ok {
		return 0, errors.New("unreachable")
	}
	return d, nil
}

func newTestRanker(p Prober, opts ...Option) *Ranker {
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	return New(p, opts...)
}

func threeHostPass() *Pass {
	pass := NewPass(5 * time.Second)
	pass.Add(NewCandidate("a", 80, TestConnect, 5))
	pass.Add(NewCandidate("b", 80, TestConnect, 5))
	pass.Add(NewCandidate("c", 80, TestConnect, 5))
	return pass
}

func TestRunPicksLowestAverage(t *testing.T) {
	prober := &scriptedProber{durations: map[string]time.Duration{"a": ms(200), "c": ms(50)}}

	for _, parallel := range []bool{false, true} {
		pass := threeHostPass()
		out := newTestRanker(prober, WithWorkers(4)).Run(context.Background(), pass, parallel)

		require.True(t, out.Found, "parallel=%v", parallel)
		assert.Equal(t, "c", out.Best.Host)
		assert.Equal(t, ms(50), out.Best.Average())
		assert.Equal(t, 15, out.Probes)
		assert.Equal(t, 5, out.Failures)

		a := pass.Candidates()[0]
		assert.Equal(t, 5, a.SampleCount())
		assert.Equal(t, ms(200), a.Average())
		assert.Equal(t, 0, pass.Candidates()[1].SampleCount())
	}
}

func TestRunNoSuccessIsNotFound(t *testing.T) {
	prober := &scriptedProber{durations: map[string]time.Duration{}}
	out := newTestRanker(prober).Run(context.Background(), threeHostPass(), true)

	assert.False(t, out.Found)
	assert.Nil(t, out.Best)
}

func TestRunEmptyPass(t *testing.T) {
	prober := &scriptedProber{}
	out := newTestRanker(prober).Run(context.Background(), NewPass(time.Second), true)

	assert.False(t, out.Found)
	assert.Equal(t, 0, out.Probes)
}

func TestRunSingleSuccess(t *testing.T) {
	prober := &scriptedProber{durations: map[string]time.Duration{"b": ms(80)}}
	out := newTestRanker(prober).Run(context.Background(), threeHostPass(), false)

	require.True(t, out.Found)
	assert.Equal(t, "b", out.Best.Host)
}

func TestParallelAbandonsProbesPastDeadline(t *testing.T) {
	prober := &scriptedProber{
		durations: map[string]time.Duration{"fast": ms(5), "slow": ms(1)},
		delay:     map[string]time.Duration{"slow": 500 * time.Millisecond},
	}
	pass := NewPass(100 * time.Millisecond)
	pass.Add(NewCandidate("slow", 80, TestConnect, 2))
	pass.Add(NewCandidate("fast", 80, TestConnect, 2))

	start := time.Now()
	out := newTestRanker(prober, WithWorkers(8)).Run(context.Background(), pass, true)

	assert.Less(t, time.Since(start), 400*time.Millisecond, "pass must not wait for abandoned probes")
	assert.True(t, out.DeadlineHit)
	assert.Equal(t, 2, out.Abandoned)
	require.True(t, out.Found)
	assert.Equal(t, "fast", out.Best.Host)

	// results arriving after the pass are discarded
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 0, pass.Candidates()[0].SampleCount())
}

func TestSequentialStopsAtDeadline(t *testing.T) {
	prober := &scriptedProber{
		durations: map[string]time.Duration{"a": ms(1), "b": ms(1)},
		delay:     map[string]time.Duration{"a": 30 * time.Millisecond},
	}
	pass := NewPass(50 * time.Millisecond)
	pass.Add(NewCandidate("a", 80, TestConnect, 5))
	pass.Add(NewCandidate("b", 80, TestConnect, 5))

	out := newTestRanker(prober).Run(context.Background(), pass, false)

	assert.True(t, out.DeadlineHit)
	assert.Equal(t, 0, pass.Candidates()[1].SampleCount(), "second candidate is never started")
}

func TestPassRejectsDuplicates(t *testing.T) {
	pass := NewPass(time.Second)
	assert.True(t, pass.Add(NewCandidate("a", 80, TestConnect, 5)))
	assert.False(t, pass.Add(NewCandidate("a", 80, TestPing, 5)))
	assert.False(t, pass.Add(nil))
	assert.Equal(t, 1, pass.Len())
}

func TestRankTieGoesToFirstSeen(t *testing.T) {
	a := NewCandidate("a", 1, TestConnect, 5)
	b := NewCandidate("b", 1, TestConnect, 5)
	a.AddSample(ms(10))
	b.AddSample(ms(10))

	best, ok := Rank([]*Candidate{nil, a, b})
	require.True(t, ok)
	assert.Same(t, a, best)
}

func TestRunRecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	prober := &scriptedProber{durations: map[string]time.Duration{"a": ms(1)}}

	out := newTestRanker(prober, WithMetrics(collector)).Run(context.Background(), threeHostPass(), false)
	assert.Equal(t, 15, out.Probes)
}
