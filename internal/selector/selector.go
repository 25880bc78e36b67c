// Package selector turns "I need the best backend instance" into a concrete
// selected instance, either by proximity or by measured latency.
package selector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/session"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// Config holds the process-wide discovery switches.
type Config struct {
	DiscoveryEnabled bool
	LocationAllowed  bool
	AutoMigrate      bool
	RingCapacity     int
	Retry            RetryConfig // official FQDN resolution retries
}

// DefaultConfig enables discovery with auto-migration.
func DefaultConfig() Config {
	return Config{
		DiscoveryEnabled: true,
		LocationAllowed:  true,
		AutoMigrate:      true,
		RingCapacity:     ranker.DefaultCapacity,
		Retry:            DefaultRetryConfig(),
	}
}

// Selector orchestrates registration and discovery.
type Selector struct {
	transport  dme.Transport
	state      *session.State
	cfg        Config
	ranker     *ranker.Ranker
	resolver   dme.Resolver
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Collector

	mu       sync.RWMutex
	notifier Notifier
}

// Option configures a Selector.
type Option func(*Selector)

func WithConfig(cfg Config) Option {
	return func(s *Selector) { s.cfg = cfg }
}

func WithRanker(r *ranker.Ranker) Option {
	return func(s *Selector) { s.ranker = r }
}

// WithResolver sets the resolver used by the official FQDN fast path.
func WithResolver(r dme.Resolver) Option {
	return func(s *Selector) { s.resolver = r }
}

// WithHTTPClient sets the client used for the verify-location token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Selector) { s.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Selector) { s.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Selector) { s.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(s *Selector) { s.notifier = n }
}

// New creates a selector over transport that publishes into state.
func New(transport dme.Transport, state *session.State, opts ...Option) *Selector {
	s := &Selector{
		transport:  transport,
		state:      state,
		cfg:        DefaultConfig(),
		resolver:   net.DefaultResolver,
		httpClient: http.DefaultClient,
		log:        logging.For("selector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ranker == nil {
		s.ranker = ranker.New(ranker.NewNetProber(0), ranker.WithLogger(s.log), ranker.WithMetrics(s.metrics))
	}
	return s
}

// SetNotifier replaces the notifier. The edge event connection installs
// itself here once it exists.
func (s *Selector) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Config returns the active configuration.
func (s *Selector) Config() Config {
	return s.cfg
}

// State returns the shared session state.
func (s *Selector) State() *session.State {
	return s.state
}

// Register calls RegisterClient and stores the session credential.
func (s *Selector) Register(ctx context.Context, req RegisterRequest, timeout time.Duration) (*dme.RegisterClientReply, error) {
	const op = "selector.Register"
	if !req.App.Complete() {
		return nil, edgeerr.Configuration(op, "org, app name and app version are required")
	}
	if timeout <= 0 {
		return nil, edgeerr.Configuration(op, "timeout must be positive, got %s", timeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := s.transport.RegisterClient(ctx, &dme.RegisterClientRequest{
		OrgName:      req.App.OrgName,
		AppName:      req.App.AppName,
		AppVers:      req.App.AppVersion,
		AuthToken:    req.AuthToken,
		CellID:       req.CellID,
		UniqueIDType: req.UniqueIDType,
		UniqueID:     req.UniqueID,
		Tags:         req.Tags,
	})
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}
	if reply.Status != dme.RSSuccess || reply.SessionCookie == "" {
		return reply, edgeerr.New(edgeerr.KindTransport, op, "registration rejected: "+reply.Status.String())
	}

	s.state.SetRegistration(req.App, reply.SessionCookie, reply.TokenServerURI)
	s.log.Info().Str("app", req.App.String()).Msg("registered with DME")
	return reply, nil
}

// budget tracks the remaining discovery time with a monotonic stopwatch.
type budget struct {
	start time.Time
	total time.Duration
}

func newBudget(total time.Duration) budget {
	return budget{start: time.Now(), total: total}
}

func (b budget) remaining() time.Duration {
	if r := b.total - time.Since(b.start); r > 0 {
		return r
	}
	return 0
}

// step derives a context bounded by the remaining budget.
func (b budget) step(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	rem := b.remaining()
	if rem <= 0 {
		return nil, nil, edgeerr.New(edgeerr.KindDeadlineExceeded, op, fmt.Sprintf("budget of %s exhausted", b.total))
	}
	ctx, cancel := context.WithTimeout(ctx, rem)
	return ctx, cancel, nil
}

func (s *Selector) validate(op string, loc *types.Location, timeout time.Duration) error {
	if !s.cfg.DiscoveryEnabled {
		return edgeerr.PolicyDenied(op, "discovery is disabled")
	}
	if !s.cfg.LocationAllowed {
		return edgeerr.PolicyDenied(op, "location use is not allowed")
	}
	if loc == nil {
		return edgeerr.Configuration(op, "location is required")
	}
	if !loc.Valid() {
		return edgeerr.Configuration(op, "location out of range")
	}
	if timeout <= 0 {
		return edgeerr.Configuration(op, "timeout must be positive, got %s", timeout)
	}
	if s.state.SessionCookie() == "" {
		return edgeerr.Configuration(op, "not registered")
	}
	return nil
}

// FindCloudlet runs one discovery. Successful discoveries are published into
// the session state and reported to the notifier.
func (s *Selector) FindCloudlet(ctx context.Context, req Request) (Result, error) {
	const op = "selector.FindCloudlet"
	if err := s.validate(op, req.Location, req.Timeout); err != nil {
		s.log.Warn().Err(err).Msg("discovery rejected")
		return Result{}, err
	}

	b := newBudget(req.Timeout)
	res, err := s.find(ctx, req, b)
	res.Mode = req.Mode
	res.Trigger = req.Trigger
	res.Elapsed = time.Since(b.start)

	if err != nil {
		s.metrics.RecordDiscovery(req.Mode.String(), "error")
		s.log.Warn().Err(err).Str("mode", req.Mode.String()).Str("trigger", req.Trigger.String()).Msg("discovery failed")
		return res, err
	}
	s.metrics.RecordDiscovery(req.Mode.String(), res.Outcome.String())

	if res.Outcome == OutcomeFound {
		s.publish(res, req)
	}
	s.log.Info().
		Str("mode", req.Mode.String()).
		Str("outcome", res.Outcome.String()).
		Str("fqdn", res.Instance.FQDN).
		Bool("official", res.Official).
		Dur("elapsed", res.Elapsed).
		Msg("discovery complete")
	return res, nil
}

func (s *Selector) find(ctx context.Context, req Request, b budget) (Result, error) {
	if req.UseOfficialFqdn {
		res, ok, err := s.findOfficial(ctx, req, b)
		if err != nil {
			return res, err
		}
		if ok {
			return res, nil
		}
	}
	if req.Mode == ModePerformance {
		return s.findPerformance(ctx, req, b)
	}
	return s.findProximity(ctx, req, b)
}

func (s *Selector) callFind(ctx context.Context, req Request, b budget) (*dme.FindCloudletReply, error) {
	const op = "selector.FindCloudlet"
	stepCtx, cancel, err := b.step(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	reply, err := s.transport.FindCloudlet(stepCtx, &dme.FindCloudletRequest{
		SessionCookie: s.state.SessionCookie(),
		CarrierName:   req.CarrierName,
		GpsLocation:   req.Location,
	})
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}
	return reply, nil
}

func foundResult(reply *dme.FindCloudletReply) Result {
	if reply.Status != dme.FindFound {
		return Result{Outcome: OutcomeNotFound, Reply: reply}
	}
	return Result{
		Outcome:          OutcomeFound,
		Instance:         reply.Instance(),
		EdgeEventsCookie: reply.EdgeEventsCookie,
		Reply:            reply,
	}
}

func (s *Selector) findProximity(ctx context.Context, req Request, b budget) (Result, error) {
	reply, err := s.callFind(ctx, req, b)
	if err != nil {
		return Result{}, err
	}
	return foundResult(reply), nil
}

func (s *Selector) findPerformance(ctx context.Context, req Request, b budget) (Result, error) {
	const op = "selector.FindCloudlet"

	findReply, err := s.callFind(ctx, req, b)
	if err != nil {
		return Result{}, err
	}
	fallback := foundResult(findReply)

	stepCtx, cancel, err := b.step(ctx, op)
	if err != nil {
		return Result{}, err
	}
	list, err := s.transport.GetAppInstList(stepCtx, &dme.AppInstListRequest{
		SessionCookie: s.state.SessionCookie(),
		CarrierName:   req.CarrierName,
		GpsLocation:   req.Location,
	})
	cancel()
	if err != nil {
		err = edgeerr.FromRPC(op, err)
		if errors.Is(err, edgeerr.ErrDeadlineExceeded) {
			return Result{}, err
		}
		s.log.Warn().Err(err).Msg("app instance list failed, keeping find cloudlet answer")
		return fallback, nil
	}
	if list.Status != dme.AISuccess {
		s.log.Debug().Str("status", list.Status.String()).Msg("app instance list unavailable, keeping find cloudlet answer")
		return fallback, nil
	}

	pass, cookies := s.buildPass(list)
	if pass.Len() == 0 {
		return fallback, nil
	}
	rem := b.remaining()
	if rem <= 0 {
		return Result{}, edgeerr.New(edgeerr.KindDeadlineExceeded, op, "no budget left for ranking")
	}
	pass.Deadline = rem

	ranking := s.ranker.Run(ctx, pass, req.Parallel)
	if !ranking.Found {
		s.log.Info().Int("candidates", pass.Len()).Msg("no candidate answered any probe")
		return Result{Outcome: OutcomeNotFound, Reply: findReply, Ranking: &ranking}, nil
	}

	best := ranking.Best
	if req.MaxLatency > 0 && best.Average() >= req.MaxLatency {
		res := Result{Outcome: OutcomeNoBetterCandidate, Reply: findReply, Best: best, Ranking: &ranking}
		if _, ok := s.state.Instance(); !ok {
			// 尚無實例時採用 FindCloudlet 回覆
			fallback.Best = best
			fallback.Ranking = &ranking
			return fallback, nil
		}
		s.log.Info().
			Dur("best_avg", best.Average()).
			Dur("max_latency", req.MaxLatency).
			Msg("best candidate not below max latency, keeping current instance")
		return res, nil
	}

	cookie := cookies[best]
	if cookie == "" && best.Instance != nil && best.Instance.FQDN == findReply.FQDN {
		cookie = findReply.EdgeEventsCookie
	}
	return Result{
		Outcome:          OutcomeFound,
		Instance:         *best.Instance,
		EdgeEventsCookie: cookie,
		Reply:            findReply,
		Best:             best,
		Ranking:          &ranking,
	}, nil
}

// buildPass flattens the listed instances into one candidate each.
func (s *Selector) buildPass(list *dme.AppInstListReply) (*ranker.Pass, map[*ranker.Candidate]string) {
	pass := ranker.NewPass(0)
	cookies := make(map[*ranker.Candidate]string)
	for _, cl := range list.Cloudlets {
		for _, ai := range cl.Appinstances {
			cand, ok := ranker.FromInstance(cl.Instance(ai), s.cfg.RingCapacity)
			if !ok {
				s.log.Debug().Str("fqdn", ai.FQDN).Msg("instance has no probeable port")
				continue
			}
			if pass.Add(cand) {
				cookies[cand] = ai.EdgeEventsCookie
			}
		}
	}
	return pass, cookies
}

// findOfficial tries the official FQDN fast path. ok is false when the
// regular flow should run instead.
func (s *Selector) findOfficial(ctx context.Context, req Request, b budget) (res Result, ok bool, err error) {
	const op = "selector.OfficialFqdn"

	stepCtx, cancel, err := b.step(ctx, op)
	if err != nil {
		return Result{}, false, err
	}
	reply, err := s.transport.GetAppOfficialFqdn(stepCtx, &dme.AppOfficialFqdnRequest{
		SessionCookie: s.state.SessionCookie(),
		GpsLocation:   req.Location,
	})
	cancel()
	if err != nil {
		err = edgeerr.FromRPC(op, err)
		if errors.Is(err, edgeerr.ErrDeadlineExceeded) {
			return Result{}, false, err
		}
		s.log.Debug().Err(err).Msg("official fqdn lookup failed, using regular flow")
		return Result{}, false, nil
	}
	if reply.Status != dme.FqdnSuccess || reply.AppOfficialFqdn == "" {
		return Result{}, false, nil
	}

	fqdn := reply.AppOfficialFqdn
	// DNS 等待最多使用剩餘預算的一半，保留時間給一般流程
	wait := b.remaining() / 2
	if wait <= 0 {
		return Result{}, false, edgeerr.New(edgeerr.KindDeadlineExceeded, op, fmt.Sprintf("budget of %s exhausted", b.total))
	}
	stepCtx, cancel = context.WithTimeout(ctx, wait)
	err = s.cfg.Retry.retry(stepCtx, func(ctx context.Context) error {
		_, err := s.resolver.LookupHost(ctx, fqdn)
		return err
	}, func(err error, next time.Duration) {
		s.log.Debug().Err(err).Str("fqdn", fqdn).Dur("retry_in", next).Msg("official fqdn not resolvable yet")
	})
	cancel()
	if err != nil {
		s.log.Info().Err(err).Str("fqdn", fqdn).Msg("official fqdn did not resolve, using regular flow")
		return Result{}, false, nil
	}

	// 仍需一般 FindCloudlet 取得 edge events 憑證
	findReply, err := s.callFind(ctx, req, b)
	if err != nil {
		if errors.Is(err, edgeerr.ErrDeadlineExceeded) {
			return Result{}, false, err
		}
		s.log.Debug().Err(err).Msg("find cloudlet for official fqdn failed, using regular flow")
		return Result{}, false, nil
	}

	return Result{
		Outcome: OutcomeFound,
		Instance: types.Instance{
			FQDN:  fqdn,
			Ports: append([]types.AppPort(nil), reply.Ports...),
		},
		EdgeEventsCookie: findReply.EdgeEventsCookie,
		Official:         true,
		Reply:            findReply,
	}, true, nil
}

func (s *Selector) publish(res Result, req Request) {
	s.state.SetInstance(res.Instance, res.EdgeEventsCookie)
	s.state.SetLastLocation(*req.Location)

	autoMigrate := s.cfg.AutoMigrate
	if req.AutoMigrate != nil {
		autoMigrate = *req.AutoMigrate
	}

	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.CloudletSelected(res, autoMigrate)
	}
}

// VerifyLocation obtains a verify token from the token server and asks the
// DME to verify loc.
func (s *Selector) VerifyLocation(ctx context.Context, loc *types.Location, carrier string, timeout time.Duration) (*dme.VerifyLocationReply, error) {
	const op = "selector.VerifyLocation"
	if err := s.validate(op, loc, timeout); err != nil {
		return nil, err
	}
	uri := s.state.TokenServerURI()
	if uri == "" {
		return nil, edgeerr.Configuration(op, "no token server URI from registration")
	}

	b := newBudget(timeout)
	stepCtx, cancel, err := b.step(ctx, op)
	if err != nil {
		return nil, err
	}
	token, err := dme.FetchVerifyToken(stepCtx, s.httpClient, uri)
	cancel()
	if err != nil {
		return nil, err
	}

	stepCtx, cancel, err = b.step(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()
	reply, err := s.transport.VerifyLocation(stepCtx, &dme.VerifyLocationRequest{
		SessionCookie:  s.state.SessionCookie(),
		CarrierName:    carrier,
		GpsLocation:    loc,
		VerifyLocToken: token,
	})
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}
	s.log.Info().
		Str("gps_status", reply.GpsLocationStatus.String()).
		Float64("accuracy_km", reply.GpsLocationAccuracyKm).
		Msg("location verified")
	return reply, nil
}
