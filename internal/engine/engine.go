// ============================================================================
// Edge Session Engine - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 將 DME 連線、雲端節點選擇、邊緣事件連線與會話持久化串接起來
//
// 生命週期:
//   1. New()            - 驗證設定，建立元件（尚未進行任何 I/O）
//   2. Start()          - 還原上次位置 → 連線 DME → RegisterClient
//   3. FindCloudlet()   - 依設定模式探索最佳實例
//   4. StartEdgeEvents()- 開啟邊緣事件串流並安裝週期監控
//      DialApp()/AppURL()- 連線至選定實例的應用埠
//   5. Stop()           - 關閉串流 → 儲存會話快照 → 關閉 gRPC 連線
//
// 並發安全:
//   - mu 保護 started/stopped 與元件指標
//   - Stop() 可重複呼叫
//
// ============================================================================

package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/appconn"
	"github.com/ChuLiYu/edge-session/internal/config"
	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/edgeevents"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/scheduler"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/internal/session"
	"github.com/ChuLiYu/edge-session/internal/sessionstore"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// ErrNotStarted is returned by operations that need a registered session.
var ErrNotStarted = errors.New("engine: not started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Engine 邊緣會話引擎
type Engine struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Collector
	dialer  *dme.Dialer
	prober  ranker.Prober
	sched   *scheduler.Scheduler
	state   *session.State
	store   *sessionstore.Store // nil 表示不持久化
	apps    *appconn.Manager

	mu       sync.Mutex
	conn     *dme.Conn
	selector *selector.Selector
	events   *edgeevents.Connection
	started  bool
	stopped  bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDialer replaces the DME dialer (tests dial in-memory listeners).
func WithDialer(d *dme.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithProber replaces the network prober used for ranking and latency tests.
func WithProber(p ranker.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithAppConn replaces the application connection manager.
func WithAppConn(m *appconn.Manager) Option {
	return func(e *Engine) { e.apps = m }
}

// WithScheduler replaces the monitoring scheduler.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// New validates cfg and builds an engine. No I/O happens until Start.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		log:   logging.For("engine"),
		state: session.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dialer == nil {
		var tc *tls.Config
		if cfg.DME.TLS {
			tc = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		e.dialer = dme.NewDialer(tc)
	}
	if e.dialer.Metrics == nil {
		e.dialer.Metrics = e.metrics
	}
	if e.prober == nil {
		e.prober = ranker.NewNetProber(cfg.Discovery.ProbeTimeout)
	}
	if e.apps == nil {
		e.apps = appconn.New(appconn.WithLogger(e.log))
	}
	if cfg.Session.Path != "" {
		e.store = sessionstore.New(cfg.Session.Path)
	}
	return e, nil
}

// Start restores the last known location, dials the DME and registers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return edgeerr.PolicyDenied("engine.Start", "engine was stopped")
	}
	if e.started {
		return nil
	}

	e.restoreLocation()

	host, port := e.cfg.DMEHost(), e.cfg.DME.Port
	conn, err := e.dialer.Dial(ctx, host, port)
	if err != nil {
		return fmt.Errorf("dial DME %s:%d: %w", host, port, err)
	}

	rk := ranker.New(e.prober, ranker.WithLogger(logging.For("ranker")), ranker.WithMetrics(e.metrics))
	sel := selector.New(conn, e.state,
		selector.WithConfig(e.cfg.Selector()),
		selector.WithRanker(rk),
		selector.WithLogger(logging.For("selector")),
		selector.WithMetrics(e.metrics),
	)

	evOpts := []edgeevents.Option{
		edgeevents.WithLogger(logging.For("edgeevents")),
		edgeevents.WithMetrics(e.metrics),
		edgeevents.WithProber(e.prober),
		edgeevents.WithDefaultTarget(host, port),
	}
	if e.sched != nil {
		evOpts = append(evOpts, edgeevents.WithScheduler(e.sched))
	}
	events := edgeevents.New(e.cfg.EdgeEventsConfig(), e.dialer, sel, e.state, evOpts...)
	sel.SetNotifier(events)

	if _, err := sel.Register(ctx, e.cfg.RegisterRequest(), e.cfg.Discovery.Timeout); err != nil {
		_ = events.Close()
		_ = conn.Close()
		return err
	}

	e.conn, e.selector, e.events = conn, sel, events
	e.started = true
	e.log.Info().Str("dme", conn.Target).Str("app", e.cfg.Identity().String()).Msg("engine started")
	return nil
}

// restoreLocation 只還原位置；cookie 與伺服器綁定，每次啟動重新註冊
func (e *Engine) restoreLocation() {
	if e.store == nil || !e.store.Exists() {
		return
	}
	rec, err := e.store.Load()
	if err != nil {
		e.log.Warn().Err(err).Str("path", e.store.Path()).Msg("ignoring unreadable session file")
		return
	}
	if rec.Session.LastLocation != nil {
		e.state.SetLastLocation(*rec.Session.LastLocation)
		e.log.Info().Time("saved_at", rec.SavedAt).Msg("restored last location")
	}
}

func (e *Engine) components() (*selector.Selector, *edgeevents.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return nil, nil, ErrNotStarted
	}
	return e.selector, e.events, nil
}

// FindCloudlet runs one discovery from loc using the configured mode.
func (e *Engine) FindCloudlet(ctx context.Context, loc types.Location) (selector.Result, error) {
	sel, _, err := e.components()
	if err != nil {
		return selector.Result{}, err
	}
	return sel.FindCloudlet(ctx, e.cfg.Request(loc))
}

// Find runs one discovery with an explicit request.
func (e *Engine) Find(ctx context.Context, req selector.Request) (selector.Result, error) {
	sel, _, err := e.components()
	if err != nil {
		return selector.Result{}, err
	}
	return sel.FindCloudlet(ctx, req)
}

// VerifyLocation checks loc against the carrier's view of the device.
func (e *Engine) VerifyLocation(ctx context.Context, loc types.Location) (*dme.VerifyLocationReply, error) {
	sel, _, err := e.components()
	if err != nil {
		return nil, err
	}
	return sel.VerifyLocation(ctx, &loc, e.cfg.Discovery.CarrierName, e.cfg.Discovery.Timeout)
}

// QosPositionKpi returns expected network KPIs along the given positions.
func (e *Engine) QosPositionKpi(ctx context.Context, req dme.QosPositionRequest) ([]dme.QosPositionKpiResult, error) {
	sel, _, err := e.components()
	if err != nil {
		return nil, err
	}
	return sel.QosPositionKpi(ctx, req, e.cfg.Discovery.Timeout)
}

// CreateQosPrioritySession requests a prioritized flow to an application server.
func (e *Engine) CreateQosPrioritySession(ctx context.Context, req dme.QosPrioritySessionCreateRequest) (*dme.QosPrioritySessionReply, error) {
	sel, _, err := e.components()
	if err != nil {
		return nil, err
	}
	return sel.CreateQosPrioritySession(ctx, req, e.cfg.Discovery.Timeout)
}

func (e *Engine) DeleteQosPrioritySession(ctx context.Context, sessionID string, profile dme.QosSessionProfile) (*dme.QosPrioritySessionDeleteReply, error) {
	sel, _, err := e.components()
	if err != nil {
		return nil, err
	}
	return sel.DeleteQosPrioritySession(ctx, sessionID, profile, e.cfg.Discovery.Timeout)
}

// AddUserToGroup joins a dynamic location group (zero lgID uses the default group).
func (e *Engine) AddUserToGroup(ctx context.Context, lgID uint64, commType dme.DlgCommType, userData string) (*dme.DynamicLocGroupReply, error) {
	sel, _, err := e.components()
	if err != nil {
		return nil, err
	}
	return sel.AddUserToGroup(ctx, lgID, commType, userData, e.cfg.Discovery.Timeout)
}

// appPort finds the published port (or range) covering internal on the
// selected instance. Zero picks the first port.
func (e *Engine) appPort(op string, internal int32) (types.Instance, types.AppPort, error) {
	if _, _, err := e.components(); err != nil {
		return types.Instance{}, types.AppPort{}, err
	}
	inst, ok := e.state.Instance()
	if !ok {
		return types.Instance{}, types.AppPort{}, edgeerr.Configuration(op, "no instance selected")
	}
	for _, p := range inst.Ports {
		if internal == 0 || p.Contains(internal) {
			return inst, p, nil
		}
	}
	return types.Instance{}, types.AppPort{}, edgeerr.Configuration(op, "instance %s publishes no port for %d", inst.FQDN, internal)
}

// DialApp connects to the selected instance on the given internal port,
// using TCP, TLS or UDP as the port describes.
func (e *Engine) DialApp(ctx context.Context, internal int32) (net.Conn, error) {
	inst, port, err := e.appPort("engine.DialApp", internal)
	if err != nil {
		return nil, err
	}
	return e.apps.Dial(ctx, inst, port, internal, e.cfg.Discovery.Timeout)
}

// AppURL builds a URL to the selected instance for an internal port.
func (e *Engine) AppURL(internal int32, scheme, path string) (string, error) {
	const op = "engine.AppURL"
	inst, port, err := e.appPort(op, internal)
	if err != nil {
		return "", err
	}
	u, err := inst.URL(port, internal, scheme, path)
	if err != nil {
		return "", edgeerr.Wrap(edgeerr.KindConfiguration, op, err)
	}
	return u, nil
}

// StartEdgeEvents opens the edge event stream to the DME and installs the
// configured monitors.
func (e *Engine) StartEdgeEvents(ctx context.Context) error {
	_, events, err := e.components()
	if err != nil {
		return err
	}
	if err := events.Open(ctx, e.cfg.DMEHost(), e.cfg.DME.Port); err != nil {
		return err
	}
	return events.RunScheduledMonitoring(ctx)
}

// UpdateLocation records a new device location on the edge event connection.
func (e *Engine) UpdateLocation(ctx context.Context, loc types.Location) bool {
	_, events, err := e.components()
	if err != nil {
		return false
	}
	return events.UpdateLocation(ctx, loc)
}

// Events subscribes to edge events. The channel closes on Stop.
func (e *Engine) Events(buf int) (<-chan edgeevents.Event, error) {
	_, events, err := e.components()
	if err != nil {
		return nil, err
	}
	return events.Subscribe(buf), nil
}

// Connection returns the edge event connection (nil before Start).
func (e *Engine) Connection() *edgeevents.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// Session returns a snapshot of the session state.
func (e *Engine) Session() session.Snapshot {
	return e.state.Snapshot()
}

// Stop closes the edge event connection, persists the session, clears the
// in-memory credentials and closes the DME connection. Safe to call more
// than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	if !e.started {
		return nil
	}

	var errs []error
	if err := e.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close edge events: %w", err))
	}
	if e.store != nil {
		if err := e.store.Save(e.state.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("save session: %w", err))
		} else {
			e.log.Info().Str("path", e.store.Path()).Msg("session saved")
		}
	}
	e.state.Clear()
	if err := e.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close DME connection: %w", err))
	}
	e.log.Info().Msg("engine stopped")
	return errors.Join(errs...)
}
