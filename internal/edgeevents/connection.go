// Package edgeevents owns the persistent edge event stream: its lifecycle
// state machine, server event dispatch and scheduled monitoring.
package edgeevents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/bandwidth"
	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/scheduler"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/internal/session"
)

// ErrClosed is returned by operations on a connection after Close.
var ErrClosed = errors.New("edgeevents: connection closed")

// Dialer opens channels to the DME.
type Dialer interface {
	DialEdgeEvents(ctx context.Context, host string, port int) (dme.EdgeEventChannel, error)
}

// Discoverer runs re-discoveries. *selector.Selector implements it.
type Discoverer interface {
	FindCloudlet(ctx context.Context, req selector.Request) (selector.Result, error)
}

// link is one open channel and stream. A new link is created per open.
type link struct {
	host    string
	port    int
	channel dme.EdgeEventChannel
	stream  dme.EdgeEventStream
	cancel  context.CancelFunc

	acked   chan struct{}
	ackOnce sync.Once
	done    chan struct{} // closed when the reader exits
	endErr  error
}

// Connection is the edge event connection. It is safe for concurrent use.
type Connection struct {
	cfg        Config
	dialer     Dialer
	discoverer Discoverer
	state      *session.State
	sched      *scheduler.Scheduler
	prober     ranker.Prober
	estimator  *bandwidth.Estimator
	log        zerolog.Logger
	metrics    *metrics.Collector

	defaultHost string
	defaultPort int

	// transMu serializes every lifecycle transition.
	transMu sync.Mutex

	mu         sync.Mutex
	connState  State
	terminated bool
	host       string
	port       int
	link       *link

	sendMu sync.Mutex

	subMu      sync.RWMutex
	subs       []chan Event
	subsClosed bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	bg         sync.WaitGroup
}

// Option configures a Connection.
type Option func(*Connection)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Connection) { c.metrics = m }
}

// WithProber sets the prober used by latency tests.
func WithProber(p ranker.Prober) Option {
	return func(c *Connection) { c.prober = p }
}

// WithScheduler replaces the scheduler driving interval monitoring.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(c *Connection) { c.sched = s }
}

// WithEstimator replaces the bandwidth estimator.
func WithEstimator(e *bandwidth.Estimator) Option {
	return func(c *Connection) { c.estimator = e }
}

// WithDefaultTarget is used by reconnects when no target was pinned by Open.
func WithDefaultTarget(host string, port int) Option {
	return func(c *Connection) {
		c.defaultHost = host
		c.defaultPort = port
	}
}

// New creates a closed connection.
func New(cfg Config, dialer Dialer, discoverer Discoverer, state *session.State, opts ...Option) *Connection {
	c := &Connection{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		discoverer: discoverer,
		state:      state,
		log:        logging.For("edgeevents"),
		connState:  StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sched == nil {
		c.sched = scheduler.New(scheduler.WithLogger(c.log), scheduler.WithMetrics(c.metrics))
	}
	if c.prober == nil {
		c.prober = ranker.NewNetProber(0)
	}
	if c.estimator == nil {
		c.estimator = bandwidth.NewEstimator(bandwidth.DefaultConfig(), bandwidth.WithLogger(c.log))
	}
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	return c
}

// Config returns the active configuration.
func (c *Connection) Config() Config {
	return c.cfg
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Terminated reports whether Close has been called.
func (c *Connection) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Target returns the pinned host and port.
func (c *Connection) Target() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, c.port
}

// setState must be called with transMu held.
func (c *Connection) setState(to State) {
	c.mu.Lock()
	from := c.connState
	if from == to {
		c.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		c.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("illegal state transition refused")
		return
	}
	c.connState = to
	c.mu.Unlock()

	c.metrics.SetConnectionState(int(to))
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
	c.publish(StateEvent{From: from, To: to})
}

// Open establishes the stream to host:port and completes the INIT
// handshake. Opening an already open stream to the same target is a no-op.
func (c *Connection) Open(ctx context.Context, host string, port int) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	return c.openLocked(ctx, host, port)
}

func (c *Connection) openLocked(ctx context.Context, host string, port int) error {
	const op = "edgeevents.Open"
	if !c.cfg.Enabled {
		return edgeerr.PolicyDenied(op, "edge events are disabled")
	}
	if host == "" || port <= 0 {
		return edgeerr.Configuration(op, "invalid target %q:%d", host, port)
	}

	c.mu.Lock()
	terminated := c.terminated
	st := c.connState
	sameTarget := c.host == host && c.port == port
	c.mu.Unlock()

	if terminated {
		return edgeerr.Wrap(edgeerr.KindPolicyDenied, op, ErrClosed)
	}
	if st == StateOpen {
		if sameTarget {
			return nil
		}
		c.setState(StateReconnecting)
		c.closeLinkLocked(true)
	}

	sessionCookie, edgeCookie := c.state.Credentials()
	if sessionCookie == "" {
		c.publish(ErrorEvent{Code: ErrMissingSessionCookie, Err: errors.New("not registered")})
		c.setState(StateClosed)
		return edgeerr.Configuration(op, "missing session cookie")
	}
	if edgeCookie == "" {
		c.publish(ErrorEvent{Code: ErrMissingEdgeEventsCookie, Err: errors.New("no instance selected")})
		c.setState(StateClosed)
		return edgeerr.Configuration(op, "missing edge events cookie")
	}

	c.setState(StateOpening)
	c.mu.Lock()
	c.host, c.port = host, port
	c.mu.Unlock()

	ch, err := c.dialer.DialEdgeEvents(ctx, host, port)
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	streamCtx, cancel := context.WithCancel(c.lifeCtx)
	stream, err := ch.StreamEdgeEvent(streamCtx)
	if err != nil {
		cancel()
		_ = ch.Close()
		c.setState(StateClosed)
		return edgeerr.FromRPC(op, err)
	}

	l := &link{
		host:    host,
		port:    port,
		channel: ch,
		stream:  stream,
		cancel:  cancel,
		acked:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	go c.readLoop(l)

	init := &dme.ClientEdgeEvent{
		EventType:        dme.ClientEventInitConnection,
		SessionCookie:    sessionCookie,
		EdgeEventsCookie: edgeCookie,
	}
	if loc, ok := c.state.LastLocation(); ok {
		init.GpsLocation = &loc
	}
	if err := c.sendOn(l, init); err != nil {
		c.closeLinkLocked(false)
		c.setState(StateClosed)
		return edgeerr.FromRPC(op, err)
	}

	timer := time.NewTimer(c.cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case <-l.acked:
	case <-l.done:
		c.closeLinkLocked(false)
		c.setState(StateClosed)
		return edgeerr.Wrap(edgeerr.KindTransport, op, fmt.Errorf("stream ended before INIT ack: %w", l.endErr))
	case <-timer.C:
		c.closeLinkLocked(false)
		c.setState(StateClosed)
		return edgeerr.New(edgeerr.KindDeadlineExceeded, op, "no INIT ack within "+c.cfg.OpenTimeout.String())
	case <-ctx.Done():
		c.closeLinkLocked(false)
		c.setState(StateClosed)
		return edgeerr.FromRPC(op, ctx.Err())
	}

	c.setState(StateOpen)
	c.log.Info().Str("host", host).Int("port", port).Msg("edge event stream open")
	return nil
}

// Reconnect tears down the current stream and opens a new one to the
// pinned target (or the default target when none was pinned), re-sending
// INIT with the current credentials.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	return c.reconnectLocked(ctx, true)
}

func (c *Connection) reconnectLocked(ctx context.Context, terminate bool) error {
	const op = "edgeevents.Reconnect"
	c.mu.Lock()
	terminated := c.terminated
	st := c.connState
	host, port := c.host, c.port
	c.mu.Unlock()

	if terminated {
		return edgeerr.Wrap(edgeerr.KindPolicyDenied, op, ErrClosed)
	}
	if host == "" || port <= 0 {
		host, port = c.defaultHost, c.defaultPort
	}

	c.metrics.RecordReconnect()
	if st == StateOpen || st == StateOpening {
		c.setState(StateReconnecting)
	}
	// Closed 只能經由 Opening 重新開啟，openLocked 會處理
	c.closeLinkLocked(terminate)

	if err := c.openLocked(ctx, host, port); err != nil {
		c.log.Warn().Err(err).Str("host", host).Int("port", port).Msg("reconnect failed")
		c.publish(ErrorEvent{Code: ErrReconnectFailed, Err: err})
		if c.State() == StateReconnecting {
			c.setState(StateClosed)
		}
		return err
	}
	return nil
}

// ensureOpen reconnects unless another caller already did.
func (c *Connection) ensureOpen(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	if c.State() == StateOpen {
		return nil
	}
	return c.reconnectLocked(ctx, false)
}

// closeLinkLocked tears down the current link. With terminate the server
// is told first and given the grace period to end the stream.
func (c *Connection) closeLinkLocked(terminate bool) {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l == nil {
		return
	}

	if terminate {
		if err := c.sendOn(l, &dme.ClientEdgeEvent{EventType: dme.ClientEventTerminateConnection}); err != nil {
			c.log.Debug().Err(err).Msg("terminate not delivered")
		}
	}
	c.sendMu.Lock()
	_ = l.stream.CloseSend()
	c.sendMu.Unlock()

	if terminate {
		select {
		case <-l.done:
		case <-time.After(c.cfg.CloseGrace):
			c.log.Warn().Dur("grace", c.cfg.CloseGrace).Msg("stream did not end within grace period")
		}
	}
	l.cancel()
	select {
	case <-l.done:
	case <-time.After(c.cfg.CloseGrace):
		c.log.Warn().Msg("reader did not exit after cancel")
	}
	if err := l.channel.Close(); err != nil {
		c.log.Debug().Err(err).Msg("channel close")
	}
}

func (c *Connection) sendOn(l *link, ev *dme.ClientEdgeEvent) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return l.stream.Send(ev)
}

// Send delivers ev on the stream. It returns false when edge events are
// disabled, the connection was closed, credentials are missing or the
// stream could not be (re)established.
func (c *Connection) Send(ctx context.Context, ev *dme.ClientEdgeEvent) bool {
	if !c.cfg.Enabled || ev == nil {
		return false
	}
	if c.Terminated() {
		return false
	}
	sessionCookie, edgeCookie := c.state.Credentials()
	if sessionCookie == "" || edgeCookie == "" {
		return false
	}
	if ev.SessionCookie == "" {
		ev.SessionCookie = sessionCookie
	}
	if ev.EdgeEventsCookie == "" {
		ev.EdgeEventsCookie = edgeCookie
	}

	if c.State() != StateOpen {
		if err := c.ensureOpen(ctx); err != nil {
			c.log.Debug().Err(err).Str("event", ev.EventType.String()).Msg("send dropped, reconnect failed")
			return false
		}
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return false
	}
	if err := c.sendOn(l, ev); err != nil {
		c.log.Debug().Err(err).Str("event", ev.EventType.String()).Msg("send failed")
		return false
	}
	return true
}

// readLoop is the single reader of a link; server events are dispatched
// in receipt order.
func (c *Connection) readLoop(l *link) {
	defer close(l.done)
	for {
		ev, err := l.stream.Recv()
		if err != nil {
			l.endErr = err
			c.onStreamEnd(l, err)
			return
		}
		c.dispatch(ev)
		if ev.EventType == dme.ServerEventInitConnection {
			l.ackOnce.Do(func() { close(l.acked) })
		}
	}
}

// onStreamEnd moves a live stream that ended on its own to Reconnecting
// and opens a new one after ReconnectDelay. Sends made in between reconnect
// right away through ensureOpen.
func (c *Connection) onStreamEnd(l *link, err error) {
	c.mu.Lock()
	current := c.link == l
	st := c.connState
	terminated := c.terminated
	c.mu.Unlock()

	if !current || terminated || st != StateOpen {
		return
	}
	c.log.Info().Err(err).Msg("edge event stream ended, reconnecting")
	c.goAsync(func(ctx context.Context) {
		c.transMu.Lock()
		c.mu.Lock()
		still := c.link == l && c.connState == StateOpen && !c.terminated
		c.mu.Unlock()
		if !still {
			c.transMu.Unlock()
			return
		}
		c.setState(StateReconnecting)
		c.closeLinkLocked(false)
		c.transMu.Unlock()

		if c.cfg.ReconnectDelay > 0 {
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-ctx.Done():
				return
			}
		}

		c.transMu.Lock()
		defer c.transMu.Unlock()
		c.mu.Lock()
		pending := c.link == nil && c.connState == StateReconnecting && !c.terminated
		c.mu.Unlock()
		if !pending {
			// 延遲期間已由 Send 或 Open 重新連線
			return
		}
		_ = c.reconnectLocked(ctx, false)
	})
}

// goAsync runs fn in the background until Close.
func (c *Connection) goAsync(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.bg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Msg("background handler panicked")
			}
		}()
		fn(c.lifeCtx)
	}()
}

// Close terminates the stream and cancels scheduled monitoring. A closed
// connection cannot be reopened.
func (c *Connection) Close() error {
	c.transMu.Lock()
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		c.transMu.Unlock()
		return nil
	}
	c.terminated = true
	c.mu.Unlock()

	c.setState(StateClosing)
	c.sched.Close()
	c.closeLinkLocked(true)
	c.lifeCancel()
	c.setState(StateClosed)
	c.transMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.CloseGrace):
		c.log.Warn().Msg("background handlers still running at close")
	}

	c.closeSubscribers()
	c.log.Info().Msg("edge event connection closed")
	return nil
}
