package edgeevents

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/edge-session/internal/bandwidth"
	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/scheduler"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// ============================================================================
// Location
// ============================================================================

// UpdateLocation records loc as the device's last location. With the
// onTrigger pattern it is posted to the server right away.
func (c *Connection) UpdateLocation(ctx context.Context, loc types.Location) bool {
	if !c.cfg.LocationAllowed || !loc.Valid() {
		return false
	}
	c.state.SetLastLocation(loc)
	if c.cfg.Location.Pattern == OnTrigger {
		return c.PostLocationUpdate(ctx)
	}
	return true
}

// PostLocationUpdate sends the last known location on the stream.
func (c *Connection) PostLocationUpdate(ctx context.Context) bool {
	if !c.cfg.LocationAllowed {
		return false
	}
	loc, ok := c.state.LastLocation()
	if !ok {
		c.publish(ErrorEvent{Code: ErrMissingLocation, Err: fmt.Errorf("no location to post")})
		return false
	}
	return c.Send(ctx, &dme.ClientEdgeEvent{
		EventType:   dme.ClientEventLocationUpdate,
		GpsLocation: &loc,
	})
}

// ============================================================================
// Latency
// ============================================================================

// PostLatencySamples sends samples (as milliseconds) on the stream.
func (c *Connection) PostLatencySamples(ctx context.Context, samples []time.Duration) bool {
	if len(samples) == 0 {
		return false
	}
	now := timestamppb.Now()
	out := make([]dme.Sample, 0, len(samples))
	for _, d := range samples {
		out = append(out, dme.Sample{Value: float64(d) / float64(time.Millisecond), Timestamp: now})
	}
	ev := &dme.ClientEdgeEvent{EventType: dme.ClientEventLatencySamples, Samples: out}
	if loc, ok := c.state.LastLocation(); ok && c.cfg.LocationAllowed {
		ev.GpsLocation = &loc
	}
	return c.Send(ctx, ev)
}

// TestAndPostLatency probes the active instance's latency port, posts the
// samples and requests a re-discovery when the average reaches the
// configured threshold.
func (c *Connection) TestAndPostLatency(ctx context.Context) (*ranker.Candidate, error) {
	const op = "edgeevents.TestAndPostLatency"
	inst, ok := c.state.Instance()
	if !ok {
		return nil, edgeerr.New(edgeerr.KindNoCandidate, op, "no active instance")
	}
	port, ok := inst.PortByInternal(c.cfg.LatencyPort)
	if !ok {
		return nil, edgeerr.Configuration(op, "instance %s has no port %d", inst.FQDN, c.cfg.LatencyPort)
	}

	cand := ranker.NewCandidate(inst.Host(port), int(port.PublicPort), c.cfg.LatencyTest, c.cfg.LatencySamples)
	for i := 0; i < c.cfg.LatencySamples; i++ {
		if ctx.Err() != nil {
			break
		}
		d, err := c.prober.Probe(ctx, cand)
		c.metrics.RecordProbe(cand.Test.String(), d, err)
		if err != nil {
			c.log.Debug().Err(err).Str("host", cand.Host).Int("port", cand.Port).Msg("latency probe failed")
			continue
		}
		cand.AddSample(d)
	}

	if cand.SampleCount() == 0 {
		err := edgeerr.New(edgeerr.KindNoCandidate, op, "every probe to "+cand.Address()+" failed")
		c.publish(ErrorEvent{Code: ErrLatencyTestFailed, Err: err})
		return cand, err
	}

	avg := cand.Average()
	c.log.Debug().Str("host", cand.Host).Float64("avg_ms", float64(avg)/float64(time.Millisecond)).
		Int("samples", cand.SampleCount()).Msg("latency test done")

	if !c.PostLatencySamples(ctx, cand.Samples()) {
		c.log.Debug().Msg("latency samples not posted")
	}

	if c.cfg.LatencyThreshold > 0 && avg >= c.cfg.LatencyThreshold && c.cfg.TriggerEnabled(selector.TriggerLatencyTooHigh) {
		c.log.Info().Dur("avg", avg).Dur("threshold", c.cfg.LatencyThreshold).Msg("latency too high, re-discovering")
		c.rediscover(ctx, selector.TriggerLatencyTooHigh)
	}
	return cand, nil
}

// ============================================================================
// Scheduled monitoring
// ============================================================================

// RunScheduledMonitoring (re)installs the location and latency monitors
// according to their update patterns. onStart signals run once before it
// returns; onInterval signals run on the scheduler until Close or the next
// call.
func (c *Connection) RunScheduledMonitoring(ctx context.Context) error {
	const op = "edgeevents.RunScheduledMonitoring"
	if c.Terminated() {
		return edgeerr.Wrap(edgeerr.KindPolicyDenied, op, ErrClosed)
	}
	if !c.cfg.Enabled {
		return edgeerr.PolicyDenied(op, "edge events are disabled")
	}

	monitors := []struct {
		kind scheduler.Kind
		cfg  UpdateConfig
		run  func(ctx context.Context)
	}{
		{scheduler.KindLocation, c.cfg.Location, func(ctx context.Context) {
			if c.cfg.LocationAllowed {
				c.PostLocationUpdate(ctx)
			}
		}},
		{scheduler.KindLatency, c.cfg.Latency, func(ctx context.Context) {
			if _, err := c.TestAndPostLatency(ctx); err != nil {
				c.log.Debug().Err(err).Msg("scheduled latency test failed")
			}
		}},
	}

	for _, m := range monitors {
		c.sched.Cancel(m.kind)
		switch m.cfg.Pattern {
		case OnStart:
			m.run(ctx)
		case OnTrigger:
			// 只在事件觸發時送出
		case OnInterval:
			run := m.run
			kind := m.kind
			_, err := c.sched.Schedule(kind, m.cfg.IntervalSeconds, m.cfg.MaxExecutions, func(n int64) {
				if c.Terminated() || c.State() != StateOpen {
					c.log.Debug().Str("kind", string(kind)).Int64("execution", n).Msg("connection not open, cycle skipped")
					return
				}
				run(c.lifeCtx)
			})
			if err != nil {
				return edgeerr.Wrap(edgeerr.KindPolicyDenied, op, fmt.Errorf("schedule %s: %w", kind, err))
			}
		}
		c.log.Debug().Str("kind", string(m.kind)).Str("pattern", m.cfg.Pattern.String()).Msg("monitor installed")
	}
	return nil
}

// ============================================================================
// Bandwidth
// ============================================================================

// ReportECN feeds one ECN codepoint into the estimator. A status is
// published at most once per send interval.
func (c *Connection) ReportECN(bits int) *bandwidth.Status {
	st := c.estimator.Update(bits)
	if st == nil {
		return nil
	}
	if c.estimator.ShouldSend() {
		c.estimator.ResetSendTimer()
		c.emitBandwidth(st)
	}
	return st
}

// MonitorECN reads codepoints from src until ctx ends.
func (c *Connection) MonitorECN(ctx context.Context, src bandwidth.ECNSource) error {
	return bandwidth.NewMonitor(c.estimator, src, c.emitBandwidth).Run(ctx)
}

// Bandwidth returns the estimator's current status.
func (c *Connection) Bandwidth() *bandwidth.Status {
	return c.estimator.Snapshot()
}

func (c *Connection) emitBandwidth(st *bandwidth.Status) {
	c.metrics.SetBandwidth(st.Bandwidth)
	c.publish(BandwidthEvent{Status: st})
}
