package edgeevents

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/selector"
)

// Subscribe returns a channel receiving every event published after the
// call. Delivery never blocks the reader: events are dropped for a
// subscriber whose buffer is full. The channel is closed by Close.
func (c *Connection) Subscribe(buf int) <-chan Event {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Connection) publish(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if c.subsClosed {
		return
	}
	if len(c.subs) == 0 {
		c.logUnhandled(ev)
		return
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// logUnhandled is the catch-all branch for events nobody subscribed to.
func (c *Connection) logUnhandled(ev Event) {
	l := c.log.Debug()
	switch e := ev.(type) {
	case ServerEventMsg:
		l = l.Str("server_event", e.Event.EventType.String())
	case CloudletEvent:
		l = l.Str("trigger", e.Trigger.String()).Str("outcome", e.Result.Outcome.String())
	case ErrorEvent:
		l = l.Str("code", e.Code.String()).AnErr("cause", e.Err)
	case StateEvent:
		l = l.Str("from", e.From.String()).Str("to", e.To.String())
	case BandwidthEvent:
		if e.Status != nil {
			l = l.Float64("bandwidth", e.Status.Bandwidth)
		}
	}
	l.Msg("unhandled edge event")
}

func (c *Connection) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return
	}
	c.subsClosed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

// dispatch routes one server event. It runs on the reader so events are
// handled in receipt order; slow work is moved off the reader.
func (c *Connection) dispatch(ev *dme.ServerEdgeEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event", ev.EventType.String()).Msg("server event handler panicked")
			c.publish(ErrorEvent{Code: ErrInvalidServerEvent, Err: fmt.Errorf("handler panic: %v", r)})
		}
	}()

	c.metrics.RecordServerEvent(ev.EventType.String())
	c.publish(ServerEventMsg{Event: ev})

	switch ev.EventType {
	case dme.ServerEventInitConnection:
		c.log.Debug().Msg("INIT acknowledged")

	case dme.ServerEventAppInstHealth:
		c.log.Info().Str("health", ev.HealthCheck.String()).Msg("instance health changed")
		if ev.HealthCheck.Failed() {
			c.rediscoverAsync(selector.TriggerAppInstHealthChanged)
		}

	case dme.ServerEventCloudletState:
		c.log.Info().Str("cloudlet_state", ev.CloudletState.String()).Msg("cloudlet state changed")
		if ev.CloudletState.Adverse() {
			c.rediscoverAsync(selector.TriggerCloudletStateChanged)
		}

	case dme.ServerEventCloudletMaintenance:
		c.log.Info().Str("maintenance", ev.MaintenanceState.String()).Msg("maintenance state changed")
		if ev.MaintenanceState.Adverse() {
			c.rediscoverAsync(selector.TriggerCloudletMaintenanceStateChanged)
		}

	case dme.ServerEventLatencyProcessed:
		if st := ev.Statistics; st != nil {
			c.log.Debug().Float64("avg_ms", st.Avg).Float64("min_ms", st.Min).Float64("max_ms", st.Max).
				Uint64("samples", st.NumSamples).Msg("latency processed")
		}

	case dme.ServerEventLatencyRequest:
		c.goAsync(func(ctx context.Context) {
			if _, err := c.TestAndPostLatency(ctx); err != nil {
				c.log.Warn().Err(err).Msg("requested latency test failed")
			}
		})

	case dme.ServerEventCloudletUpdate:
		c.installPushed(ev.NewCloudlet)

	case dme.ServerEventError:
		c.log.Warn().Str("msg", ev.ErrorMsg).Msg("server reported error")
		c.publish(ErrorEvent{Code: ErrServerError, Err: fmt.Errorf("server: %s", ev.ErrorMsg)})

	default:
		c.log.Debug().Str("event", ev.EventType.String()).Msg("unknown server event ignored")
	}
}

// installPushed adopts a server-chosen instance without ranking.
func (c *Connection) installPushed(reply *dme.FindCloudletReply) {
	if reply == nil || reply.Status != dme.FindFound {
		c.publish(ErrorEvent{Code: ErrInvalidServerEvent, Err: fmt.Errorf("cloudlet update without a found instance")})
		return
	}
	inst := reply.Instance()
	c.state.SetInstance(inst, reply.EdgeEventsCookie)
	c.log.Info().Str("fqdn", inst.FQDN).Bool("auto_migrate", c.cfg.AutoMigrate).Msg("server pushed new cloudlet")

	c.CloudletSelected(selector.Result{
		Outcome:          selector.OutcomeFound,
		Trigger:          selector.TriggerCloserCloudlet,
		Instance:         inst,
		EdgeEventsCookie: reply.EdgeEventsCookie,
		Reply:            reply,
	}, c.cfg.AutoMigrate)
}

func (c *Connection) rediscoverAsync(trigger selector.Trigger) {
	if !c.cfg.TriggerEnabled(trigger) {
		c.log.Debug().Str("trigger", trigger.String()).Msg("trigger disabled, no re-discovery")
		return
	}
	c.goAsync(func(ctx context.Context) {
		c.rediscover(ctx, trigger)
	})
}

// rediscover asks the selector for a fresh instance. A Found result is
// published by the selector through CloudletSelected.
func (c *Connection) rediscover(ctx context.Context, trigger selector.Trigger) {
	if c.discoverer == nil {
		return
	}
	loc, ok := c.state.LastLocation()
	if !ok {
		c.publish(ErrorEvent{Code: ErrMissingLocation, Err: fmt.Errorf("no location for %s re-discovery", trigger)})
		return
	}

	req := selector.Request{
		Location: &loc,
		Mode:     c.cfg.DiscoveryMode,
		Timeout:  c.cfg.DiscoveryTimeout,
		Trigger:  trigger,
	}
	if c.cfg.DiscoveryMode == selector.ModePerformance {
		req.MaxLatency = c.cfg.LatencyThreshold
	}

	res, err := c.discoverer.FindCloudlet(ctx, req)
	if err != nil {
		c.log.Warn().Err(err).Str("trigger", trigger.String()).Msg("re-discovery failed")
		c.publish(ErrorEvent{Code: ErrDiscoveryFailed, Err: err})
		return
	}
	if res.Outcome != selector.OutcomeFound {
		c.log.Info().Str("trigger", trigger.String()).Str("outcome", res.Outcome.String()).Msg("re-discovery kept current instance")
		c.publish(CloudletEvent{Trigger: trigger, Result: res})
	}
}

// CloudletSelected implements selector.Notifier. With autoMigrate the
// stream is moved onto the new instance's credentials.
func (c *Connection) CloudletSelected(res selector.Result, autoMigrate bool) {
	if c.cfg.TriggerEnabled(res.Trigger) {
		c.publish(CloudletEvent{Trigger: res.Trigger, Result: res})
	}
	if !autoMigrate || !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	skip := c.terminated || c.connState == StateClosed
	c.mu.Unlock()
	if skip {
		return
	}
	c.goAsync(func(ctx context.Context) {
		if err := c.Reconnect(ctx); err != nil {
			c.log.Warn().Err(err).Msg("migration reconnect failed")
		}
	})
}
