package edgeevents

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/edge-session/internal/bandwidth"
	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/dmeserver"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/scheduler"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/internal/session"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

const (
	dmeHost = "dme.test"
	dmePort = 50051
)

var (
	berlin  = types.Location{Latitude: 52.5, Longitude: 13.4}
	hamburg = types.Location{Latitude: 53.55, Longitude: 10.0}
)

type fakeResolver struct{}

func (fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if host == "unresolvable.invalid" {
		return nil, errors.New("no such host")
	}
	return []string{"127.0.0.1"}, nil
}

type fakeDiscoverer struct {
	mu     sync.Mutex
	reqs   []selector.Request
	result selector.Result
	err    error
}

func (f *fakeDiscoverer) FindCloudlet(ctx context.Context, req selector.Request) (selector.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	res := f.result
	res.Trigger = req.Trigger
	return res, f.err
}

func (f *fakeDiscoverer) triggers() []selector.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]selector.Trigger, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r.Trigger)
	}
	return out
}

// harness runs the reference DME in memory with a registered session whose
// instance is the berlin cloudlet.
type harness struct {
	srv        *dmeserver.Server
	dialer     *dme.Dialer
	state      *session.State
	discoverer *fakeDiscoverer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := dmeserver.New(dmeserver.SampleConfig("app.example.net", []types.AppPort{
		{Proto: types.ProtoTCP, InternalPort: 7777, PublicPort: 7777},
	})).WithLogger(logging.Nop())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	dialer := dme.NewDialer(nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	dialer.Resolver = fakeResolver{}

	conn, err := dialer.Dial(ctx, dmeHost, dmePort)
	require.NoError(t, err)

	state := session.New()
	reg, err := conn.RegisterClient(ctx, &dme.RegisterClientRequest{OrgName: "org", AppName: "app", AppVers: "1.0"})
	require.NoError(t, err)
	state.SetRegistration(types.AppIdentity{OrgName: "org", AppName: "app", AppVersion: "1.0"}, reg.SessionCookie, reg.TokenServerURI)

	loc := berlin
	find, err := conn.FindCloudlet(ctx, &dme.FindCloudletRequest{SessionCookie: reg.SessionCookie, GpsLocation: &loc})
	require.NoError(t, err)
	require.Equal(t, dme.FindFound, find.Status)
	state.SetInstance(find.Instance(), find.EdgeEventsCookie)
	state.SetLastLocation(berlin)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return &harness{
		srv:        srv,
		dialer:     dialer,
		state:      state,
		discoverer: &fakeDiscoverer{result: selector.Result{Outcome: selector.OutcomeNoBetterCandidate}},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = UpdateConfig{Pattern: OnTrigger}
	cfg.Latency = UpdateConfig{Pattern: OnTrigger}
	cfg.OpenTimeout = 2 * time.Second
	cfg.CloseGrace = time.Second
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func constantProber(d time.Duration, calls *atomic.Int64) ranker.Prober {
	return ranker.ProberFunc(func(ctx context.Context, c *ranker.Candidate) (time.Duration, error) {
		if calls != nil {
			calls.Add(1)
		}
		return d, nil
	})
}

func (h *harness) connect(t *testing.T, cfg Config, opts ...Option) *Connection {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithProber(constantProber(10*time.Millisecond, nil)),
		WithDefaultTarget(dmeHost, dmePort),
	}, opts...)
	c := New(cfg, h.dialer, h.discoverer, h.state, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func isTransition(from, to State) func(Event) bool {
	return func(ev Event) bool {
		se, ok := ev.(StateEvent)
		return ok && se.From == from && se.To == to
	}
}

func isServerEvent(kind dme.ServerEventType) func(Event) bool {
	return func(ev Event) bool {
		se, ok := ev.(ServerEventMsg)
		return ok && se.Event.EventType == kind
	}
}

func isCloudletEvent(trigger selector.Trigger) func(Event) bool {
	return func(ev Event) bool {
		ce, ok := ev.(CloudletEvent)
		return ok && ce.Trigger == trigger
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StateClosed, StateOpening))
	assert.False(t, canTransition(StateClosed, StateOpen))
	assert.False(t, canTransition(StateReconnecting, StateOpen))
	assert.False(t, canTransition(StateClosing, StateOpening))
	assert.True(t, canTransition(StateClosing, StateClosed))
	assert.Equal(t, "Reconnecting", StateReconnecting.String())
}

func TestOpenHandshake(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, testConfig())
	events := c.Subscribe(64)

	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	assert.Equal(t, StateOpen, c.State())

	waitFor(t, events, isTransition(StateClosed, StateOpening))
	waitFor(t, events, isServerEvent(dme.ServerEventInitConnection))
	waitFor(t, events, isTransition(StateOpening, StateOpen))
	assert.Eventually(t, func() bool { return h.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	host, port := c.Target()
	assert.Equal(t, dmeHost, host)
	assert.Equal(t, dmePort, port)
}

func TestOpenIsIdempotentForSameTarget(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, testConfig())

	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	assert.Equal(t, StateOpen, c.State())
	assert.Eventually(t, func() bool { return h.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestOpenFailures(t *testing.T) {
	t.Run("unresolvable host", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect(t, testConfig())
		err := c.Open(context.Background(), "unresolvable.invalid", dmePort)
		require.Error(t, err)
		assert.True(t, errors.Is(err, edgeerr.ErrResolution))
		assert.Equal(t, StateClosed, c.State())
	})

	t.Run("missing edge events cookie", func(t *testing.T) {
		h := newHarness(t)
		h.state.SetInstance(types.Instance{FQDN: "app.example.net"}, "")
		c := h.connect(t, testConfig())
		events := c.Subscribe(16)

		err := c.Open(context.Background(), dmeHost, dmePort)
		require.Error(t, err)
		assert.True(t, errors.Is(err, edgeerr.ErrConfiguration))
		ev := waitFor(t, events, func(ev Event) bool { _, ok := ev.(ErrorEvent); return ok })
		assert.Equal(t, ErrMissingEdgeEventsCookie, ev.(ErrorEvent).Code)
		assert.Equal(t, StateClosed, c.State())
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t)
		cfg := testConfig()
		cfg.Enabled = false
		c := h.connect(t, cfg)
		err := c.Open(context.Background(), dmeHost, dmePort)
		assert.True(t, errors.Is(err, edgeerr.ErrPolicyDenied))
		assert.False(t, c.Send(context.Background(), &dme.ClientEdgeEvent{EventType: dme.ClientEventCustomEvent}))
	})

	t.Run("invalid target", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect(t, testConfig())
		err := c.Open(context.Background(), "", 0)
		assert.True(t, errors.Is(err, edgeerr.ErrConfiguration))
	})
}

func TestReconnectsWhenServerEndsStream(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, testConfig())
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	waitFor(t, events, isTransition(StateOpening, StateOpen))

	h.srv.Disconnect()

	waitFor(t, events, isTransition(StateOpen, StateReconnecting))
	waitFor(t, events, isTransition(StateReconnecting, StateOpening))
	waitFor(t, events, isTransition(StateOpening, StateOpen))
	assert.Eventually(t, func() bool { return h.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendDuringReconnectDelayReopens(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.ReconnectDelay = 5 * time.Second
	c := h.connect(t, cfg)
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	waitFor(t, events, isTransition(StateOpening, StateOpen))

	h.srv.Disconnect()
	waitFor(t, events, isTransition(StateOpen, StateReconnecting))
	assert.Equal(t, StateReconnecting, c.State())

	start := time.Now()
	ok := c.Send(context.Background(), &dme.ClientEdgeEvent{EventType: dme.ClientEventCustomEvent, CustomEvent: "during-delay"})
	assert.True(t, ok, "send inside the reconnect delay must reopen the stream")
	assert.Less(t, time.Since(start), cfg.ReconnectDelay)
	assert.Equal(t, StateOpen, c.State())
	assert.Eventually(t, func() bool { return h.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// lockedBuffer is a log sink shared between the reader and the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUnknownServerEventLogsBelowInfo(t *testing.T) {
	h := newHarness(t)
	var out lockedBuffer
	c := h.connect(t, testConfig(), WithLogger(zerolog.New(&out).Level(zerolog.InfoLevel)))
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	waitFor(t, events, isTransition(StateOpening, StateOpen))

	require.Equal(t, 1, h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventUnknown}))
	require.Equal(t, 1, h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventError, ErrorMsg: "marker"}))
	waitFor(t, events, func(ev Event) bool { _, ok := ev.(ErrorEvent); return ok })

	assert.Contains(t, out.String(), "server reported error")
	assert.NotContains(t, out.String(), "unknown server event")
}

func TestCloudletUpdateWithAutoMigrate(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, testConfig())
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	waitFor(t, events, isTransition(StateOpening, StateOpen))
	oldCookie := h.state.EdgeEventsCookie()

	require.Equal(t, 1, h.srv.PushCloudletUpdate(1))

	waitFor(t, events, isCloudletEvent(selector.TriggerCloserCloudlet))
	waitFor(t, events, isTransition(StateOpen, StateReconnecting))
	waitFor(t, events, isTransition(StateOpening, StateOpen))

	inst, ok := h.state.Instance()
	require.True(t, ok)
	assert.InDelta(t, 53.551, inst.Location.Latitude, 0.001)
	assert.NotEqual(t, oldCookie, h.state.EdgeEventsCookie())
	assert.Equal(t, StateOpen, c.State())
}

func TestLocationUpdateWithoutAutoMigrate(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.AutoMigrate = false
	c := h.connect(t, cfg)
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	waitFor(t, events, isTransition(StateOpening, StateOpen))

	// onTrigger 模式下立即送出位置
	require.True(t, c.UpdateLocation(context.Background(), hamburg))

	ev := waitFor(t, events, isCloudletEvent(selector.TriggerCloserCloudlet)).(CloudletEvent)
	assert.Equal(t, selector.OutcomeFound, ev.Result.Outcome)

	inst, ok := h.state.Instance()
	require.True(t, ok)
	assert.InDelta(t, 53.551, inst.Location.Latitude, 0.001)
	loc, ok := h.state.LastLocation()
	require.True(t, ok)
	assert.Equal(t, hamburg.Latitude, loc.Latitude)
	assert.Equal(t, StateOpen, c.State())
}

func TestAdverseEventsTriggerRediscovery(t *testing.T) {
	cases := []struct {
		name    string
		event   *dme.ServerEdgeEvent
		trigger selector.Trigger
	}{
		{"health", &dme.ServerEdgeEvent{EventType: dme.ServerEventAppInstHealth, HealthCheck: dme.HealthCheckFailServerFail}, selector.TriggerAppInstHealthChanged},
		{"cloudlet state", &dme.ServerEdgeEvent{EventType: dme.ServerEventCloudletState, CloudletState: dme.CloudletStateOffline}, selector.TriggerCloudletStateChanged},
		{"maintenance", &dme.ServerEdgeEvent{EventType: dme.ServerEventCloudletMaintenance, MaintenanceState: dme.MaintenanceUnderway}, selector.TriggerCloudletMaintenanceStateChanged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.connect(t, testConfig())
			events := c.Subscribe(64)
			require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))

			require.Equal(t, 1, h.srv.Push(tc.event))
			waitFor(t, events, isCloudletEvent(tc.trigger))
			assert.Equal(t, []selector.Trigger{tc.trigger}, h.discoverer.triggers())

			h.discoverer.mu.Lock()
			req := h.discoverer.reqs[0]
			h.discoverer.mu.Unlock()
			require.NotNil(t, req.Location)
			assert.Equal(t, berlin.Latitude, req.Location.Latitude)
			assert.Equal(t, selector.ModePerformance, req.Mode)
			assert.Equal(t, 50*time.Millisecond, req.MaxLatency)
		})
	}
}

func TestHealthyEventsAndDisabledTriggersDoNotRediscover(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.Triggers = []selector.Trigger{selector.TriggerLatencyTooHigh}
	c := h.connect(t, cfg)
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))

	h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventAppInstHealth, HealthCheck: dme.HealthCheckOK})
	h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventCloudletState, CloudletState: dme.CloudletStateOffline})
	h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventError, ErrorMsg: "boom"})

	ev := waitFor(t, events, func(ev Event) bool { _, ok := ev.(ErrorEvent); return ok }).(ErrorEvent)
	assert.Equal(t, ErrServerError, ev.Code)
	assert.Contains(t, ev.Error(), "boom")
	assert.Empty(t, h.discoverer.triggers())
}

func TestDiscoveryFailurePublishesError(t *testing.T) {
	h := newHarness(t)
	h.discoverer.err = edgeerr.New(edgeerr.KindTransport, "test", "dme down")
	c := h.connect(t, testConfig())
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))

	h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventAppInstHealth, HealthCheck: dme.HealthCheckCloudletOffline})
	ev := waitFor(t, events, func(ev Event) bool { _, ok := ev.(ErrorEvent); return ok }).(ErrorEvent)
	assert.Equal(t, ErrDiscoveryFailed, ev.Code)
	assert.True(t, errors.Is(ev.Err, edgeerr.ErrTransport))
	assert.Equal(t, StateOpen, c.State())
}

func TestLatencyRequestPostsSamples(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	c := h.connect(t, testConfig(), WithProber(constantProber(80*time.Millisecond, &calls)))
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))

	h.srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventLatencyRequest})

	ev := waitFor(t, events, isServerEvent(dme.ServerEventLatencyProcessed)).(ServerEventMsg)
	require.NotNil(t, ev.Event.Statistics)
	assert.InDelta(t, 80.0, ev.Event.Statistics.Avg, 0.001)
	assert.Equal(t, uint64(5), ev.Event.Statistics.NumSamples)
	assert.Equal(t, int64(5), calls.Load())

	// 80ms 高於 50ms 門檻
	assert.Eventually(t, func() bool {
		triggers := h.discoverer.triggers()
		return len(triggers) == 1 && triggers[0] == selector.TriggerLatencyTooHigh
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTestAndPostLatencyAllProbesFail(t *testing.T) {
	h := newHarness(t)
	failing := ranker.ProberFunc(func(ctx context.Context, c *ranker.Candidate) (time.Duration, error) {
		return 0, errors.New("refused")
	})
	c := h.connect(t, testConfig(), WithProber(failing))
	events := c.Subscribe(16)

	_, err := c.TestAndPostLatency(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, edgeerr.ErrNoCandidate))
	ev := waitFor(t, events, func(ev Event) bool { _, ok := ev.(ErrorEvent); return ok }).(ErrorEvent)
	assert.Equal(t, ErrLatencyTestFailed, ev.Code)
}

func TestSendOpensClosedConnection(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, testConfig())
	events := c.Subscribe(64)

	assert.True(t, c.Send(context.Background(), &dme.ClientEdgeEvent{EventType: dme.ClientEventCustomEvent, CustomEvent: "hello"}))
	waitFor(t, events, isTransition(StateClosed, StateOpening))
	waitFor(t, events, isTransition(StateOpening, StateOpen))
	assert.Equal(t, StateOpen, c.State())
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	cfg := testConfig()
	cfg.Latency = UpdateConfig{Pattern: OnInterval, IntervalSeconds: 5}
	sched := scheduler.New(scheduler.WithUnit(time.Millisecond), scheduler.WithLogger(logging.Nop()))
	c := h.connect(t, cfg, WithScheduler(sched), WithProber(constantProber(time.Millisecond, &calls)))
	events := c.Subscribe(1024)

	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))
	require.NoError(t, c.RunScheduledMonitoring(context.Background()))
	assert.Eventually(t, func() bool { return calls.Load() >= 10 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, c.Terminated())
	assert.Eventually(t, func() bool { return sched.Active() == 0 }, time.Second, 5*time.Millisecond)

	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "no scheduled task may run after Close")

	assert.False(t, c.Send(context.Background(), &dme.ClientEdgeEvent{EventType: dme.ClientEventCustomEvent}))
	err := c.Open(context.Background(), dmeHost, dmePort)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(c.RunScheduledMonitoring(context.Background()), ErrClosed))
	require.NoError(t, c.Close())

	var closing bool
	for ev := range events {
		if isTransition(StateOpen, StateClosing)(ev) {
			closing = true
		}
	}
	assert.True(t, closing)
	assert.Eventually(t, func() bool { return h.srv.StreamCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOnStartMonitoringRunsOnce(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	cfg := testConfig()
	cfg.Latency = UpdateConfig{Pattern: OnStart}
	c := h.connect(t, cfg, WithProber(constantProber(time.Millisecond, &calls)))
	events := c.Subscribe(64)
	require.NoError(t, c.Open(context.Background(), dmeHost, dmePort))

	require.NoError(t, c.RunScheduledMonitoring(context.Background()))
	assert.Equal(t, int64(5), calls.Load())
	waitFor(t, events, isServerEvent(dme.ServerEventLatencyProcessed))
}

func TestReportECN(t *testing.T) {
	h := newHarness(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	est := bandwidth.NewEstimator(bandwidth.DefaultConfig(), bandwidth.WithClock(clock), bandwidth.WithLogger(logging.Nop()))
	c := h.connect(t, testConfig(), WithEstimator(est))
	events := c.Subscribe(16)

	st := c.ReportECN(1)
	require.NotNil(t, st)
	assert.Nil(t, c.ReportECN(7))

	now = now.Add(6 * time.Second)
	st = c.ReportECN(3)
	require.NotNil(t, st)

	ev := waitFor(t, events, func(ev Event) bool { _, ok := ev.(BandwidthEvent); return ok }).(BandwidthEvent)
	assert.Equal(t, st.Bandwidth, ev.Status.Bandwidth)
	assert.NotNil(t, c.Bandwidth())
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, testConfig())
	require.NoError(t, c.Close())

	_, ok := <-c.Subscribe(1)
	assert.False(t, ok)
}
