// Package dmeserver is an in-process discovery and matching engine. It
// serves the full DME surface over the JSON codec and is used by tests,
// the demo and the mock-dme command.
package dmeserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// Deployment is one application instance hosted on a cloudlet.
type Deployment struct {
	Cloudlet  string          `yaml:"cloudlet" toml:"cloudlet"`
	Carrier   string          `yaml:"carrier" toml:"carrier"`
	FQDN      string          `yaml:"fqdn" toml:"fqdn"`
	Latitude  float64         `yaml:"latitude" toml:"latitude"`
	Longitude float64         `yaml:"longitude" toml:"longitude"`
	Ports     []types.AppPort `yaml:"ports" toml:"ports"`
}

func (d Deployment) location() types.Location {
	return types.Location{Latitude: d.Latitude, Longitude: d.Longitude}
}

// Config describes what the engine serves.
type Config struct {
	Deployments    []Deployment    `yaml:"deployments" toml:"deployments"`
	OfficialFqdn   string          `yaml:"official_fqdn" toml:"official_fqdn"`
	OfficialPorts  []types.AppPort `yaml:"official_ports" toml:"official_ports"`
	TokenServerURI string          `yaml:"token_server_uri" toml:"token_server_uri"`
	VerifyToken    string          `yaml:"verify_token" toml:"verify_token"` // empty accepts any token
	SessionTTL     time.Duration   `yaml:"session_ttl" toml:"session_ttl"`
}

// SessionInfo tracks a registered client.
type SessionInfo struct {
	App          types.AppIdentity
	UniqueID     string
	LastSeen     time.Time
	ExpiryTime   time.Time
	LastLocation *types.Location
}

type edgeBinding struct {
	session    string
	deployment int
}

// Server implements dme.MatchEngineServer.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.RWMutex
	sessions    map[string]*SessionInfo
	edgeCookies map[string]edgeBinding
	streams     map[*edgeStream]struct{}
	qosSessions map[string]qosSession
	groups      map[uint64]map[string]struct{}

	grpcServer *grpc.Server
}

var _ dme.MatchEngineServer = (*Server)(nil)

// New creates a server for cfg.
func New(cfg Config) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &Server{
		cfg:         cfg,
		logger:      logging.For("dmeserver"),
		sessions:    make(map[string]*SessionInfo),
		edgeCookies: make(map[string]edgeBinding),
		streams:     make(map[*edgeStream]struct{}),
		qosSessions: make(map[string]qosSession),
		groups:      make(map[uint64]map[string]struct{}),
	}
}

// WithLogger replaces the server logger.
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.logger = l
	return s
}

func newCookie() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// RegisterClient creates a session for a complete app identity.
func (s *Server) RegisterClient(ctx context.Context, req *dme.RegisterClientRequest) (*dme.RegisterClientReply, error) {
	app := types.AppIdentity{OrgName: req.OrgName, AppName: req.AppName, AppVersion: req.AppVers}
	if !app.Complete() {
		return nil, status.Error(codes.InvalidArgument, "org_name, app_name and app_vers are required")
	}

	cookie := newCookie()
	now := time.Now()

	s.mu.Lock()
	s.sessions[cookie] = &SessionInfo{
		App:        app,
		UniqueID:   req.UniqueID,
		LastSeen:   now,
		ExpiryTime: now.Add(s.cfg.SessionTTL),
	}
	s.mu.Unlock()

	s.logger.Info().Str("app", app.String()).Msg("client registered")
	return &dme.RegisterClientReply{
		Ver:            req.Ver,
		Status:         dme.RSSuccess,
		SessionCookie:  cookie,
		TokenServerURI: s.cfg.TokenServerURI,
		UniqueIDType:   req.UniqueIDType,
		UniqueID:       req.UniqueID,
	}, nil
}

// touch validates a session cookie and extends its lease.
func (s *Server) touch(cookie string, loc *types.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[cookie]
	if !ok {
		return status.Error(codes.Unauthenticated, "unknown session cookie")
	}
	now := time.Now()
	if now.After(info.ExpiryTime) {
		delete(s.sessions, cookie)
		return status.Error(codes.Unauthenticated, "session expired")
	}
	info.LastSeen = now
	info.ExpiryTime = now.Add(s.cfg.SessionTTL)
	if loc != nil {
		l := *loc
		info.LastLocation = &l
	}
	return nil
}

func requireLocation(loc *types.Location) error {
	if loc == nil {
		return status.Error(codes.InvalidArgument, "gps_location is required")
	}
	if !loc.Valid() {
		return status.Error(codes.InvalidArgument, "gps_location out of range")
	}
	return nil
}

// nearest returns deployment indexes ordered by distance from loc.
func (s *Server) nearest(loc types.Location, carrier string) []int {
	idx := make([]int, 0, len(s.cfg.Deployments))
	for i, d := range s.cfg.Deployments {
		if carrier != "" && d.Carrier != "" && d.Carrier != carrier {
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return distanceKm(loc, s.cfg.Deployments[idx[a]].location()) < distanceKm(loc, s.cfg.Deployments[idx[b]].location())
	})
	return idx
}

func (s *Server) bindEdgeCookie(session string, deployment int) string {
	cookie := newCookie()
	s.mu.Lock()
	s.edgeCookies[cookie] = edgeBinding{session: session, deployment: deployment}
	s.mu.Unlock()
	return cookie
}

func (s *Server) findReply(ver uint32, session string, deployment int) *dme.FindCloudletReply {
	d := s.cfg.Deployments[deployment]
	loc := d.location()
	return &dme.FindCloudletReply{
		Ver:              ver,
		Status:           dme.FindFound,
		FQDN:             d.FQDN,
		Ports:            append([]types.AppPort(nil), d.Ports...),
		CloudletLocation: &loc,
		EdgeEventsCookie: s.bindEdgeCookie(session, deployment),
	}
}

// FindCloudlet answers with the geographically nearest deployment.
func (s *Server) FindCloudlet(ctx context.Context, req *dme.FindCloudletRequest) (*dme.FindCloudletReply, error) {
	if err := requireLocation(req.GpsLocation); err != nil {
		return nil, err
	}
	if err := s.touch(req.SessionCookie, req.GpsLocation); err != nil {
		return nil, err
	}

	order := s.nearest(*req.GpsLocation, req.CarrierName)
	if len(order) == 0 {
		return &dme.FindCloudletReply{Ver: req.Ver, Status: dme.FindNotFound}, nil
	}
	reply := s.findReply(req.Ver, req.SessionCookie, order[0])
	s.logger.Debug().Str("fqdn", reply.FQDN).Msg("find cloudlet")
	return reply, nil
}

// GetAppInstList lists deployments grouped by cloudlet, nearest first.
func (s *Server) GetAppInstList(ctx context.Context, req *dme.AppInstListRequest) (*dme.AppInstListReply, error) {
	if err := requireLocation(req.GpsLocation); err != nil {
		return nil, err
	}
	if err := s.touch(req.SessionCookie, req.GpsLocation); err != nil {
		return nil, err
	}

	s.mu.RLock()
	app := s.sessions[req.SessionCookie].App
	s.mu.RUnlock()

	order := s.nearest(*req.GpsLocation, req.CarrierName)
	if len(order) == 0 {
		return &dme.AppInstListReply{Ver: req.Ver, Status: dme.AIFail}, nil
	}

	var cloudlets []dme.CloudletLocation
	byName := make(map[string]int)
	for _, i := range order {
		d := s.cfg.Deployments[i]
		pos, ok := byName[d.Cloudlet]
		if !ok {
			if req.Limit > 0 && uint32(len(cloudlets)) >= req.Limit {
				continue
			}
			loc := d.location()
			cloudlets = append(cloudlets, dme.CloudletLocation{
				CarrierName:  d.Carrier,
				CloudletName: d.Cloudlet,
				GpsLocation:  &loc,
				Distance:     distanceKm(*req.GpsLocation, loc),
			})
			pos = len(cloudlets) - 1
			byName[d.Cloudlet] = pos
		}
		cloudlets[pos].Appinstances = append(cloudlets[pos].Appinstances, dme.Appinstance{
			AppName:          app.AppName,
			AppVers:          app.AppVersion,
			OrgName:          app.OrgName,
			FQDN:             d.FQDN,
			Ports:            append([]types.AppPort(nil), d.Ports...),
			EdgeEventsCookie: s.bindEdgeCookie(req.SessionCookie, i),
		})
	}

	return &dme.AppInstListReply{Ver: req.Ver, Status: dme.AISuccess, Cloudlets: cloudlets}, nil
}

// VerifyLocation accepts the configured token and reports the distance to
// the nearest cloudlet as the accuracy.
func (s *Server) VerifyLocation(ctx context.Context, req *dme.VerifyLocationRequest) (*dme.VerifyLocationReply, error) {
	if err := requireLocation(req.GpsLocation); err != nil {
		return nil, err
	}
	if err := s.touch(req.SessionCookie, req.GpsLocation); err != nil {
		return nil, err
	}
	if req.VerifyLocToken == "" {
		return nil, status.Error(codes.InvalidArgument, "verify_loc_token is required")
	}
	if s.cfg.VerifyToken != "" && req.VerifyLocToken != s.cfg.VerifyToken {
		return &dme.VerifyLocationReply{Ver: req.Ver, GpsLocationStatus: dme.LocErrorUnauthorized}, nil
	}

	reply := &dme.VerifyLocationReply{
		Ver:               req.Ver,
		TowerStatus:       dme.TowerUnknown,
		GpsLocationStatus: dme.LocVerified,
	}
	if order := s.nearest(*req.GpsLocation, req.CarrierName); len(order) > 0 {
		reply.GpsLocationAccuracyKm = distanceKm(*req.GpsLocation, s.cfg.Deployments[order[0]].location())
	}
	return reply, nil
}

// GetAppOfficialFqdn returns the configured official name.
func (s *Server) GetAppOfficialFqdn(ctx context.Context, req *dme.AppOfficialFqdnRequest) (*dme.AppOfficialFqdnReply, error) {
	if err := s.touch(req.SessionCookie, req.GpsLocation); err != nil {
		return nil, err
	}
	if s.cfg.OfficialFqdn == "" {
		return &dme.AppOfficialFqdnReply{Ver: req.Ver, Status: dme.FqdnFail}, nil
	}
	return &dme.AppOfficialFqdnReply{
		Ver:             req.Ver,
		Status:          dme.FqdnSuccess,
		AppOfficialFqdn: s.cfg.OfficialFqdn,
		ClientToken:     newCookie(),
		Ports:           append([]types.AppPort(nil), s.cfg.OfficialPorts...),
	}, nil
}

// Session returns a copy of a registered session.
func (s *Server) Session(cookie string) (SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[cookie]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// Serve runs a gRPC server on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	dme.RegisterMatchEngineServer(gs, s)

	s.mu.Lock()
	s.grpcServer = gs
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("DME serving")

	select {
	case <-ctx.Done():
		s.Disconnect()
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}
