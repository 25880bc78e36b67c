package dmeserver

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// ============================================================================
// QoS 模擬
//
// KPI 以位置到最近 cloudlet 的距離推估：越遠延遲越高、吞吐越低。
// ============================================================================

const (
	// kpiChunk is the number of position results per streamed reply.
	kpiChunk = 2
	// defaultQosDuration applies when a create request leaves the duration unset.
	defaultQosDuration uint32 = 24 * 60 * 60
	// noCloudletKm is the distance assumed when nothing is deployed.
	noCloudletKm = 1000.0
)

type qosSession struct {
	owner   string
	profile dme.QosSessionProfile
	expires time.Time
}

func (s *Server) nearestKm(loc types.Location) float64 {
	order := s.nearest(loc, "")
	if len(order) == 0 {
		return noCloudletKm
	}
	return distanceKm(loc, s.cfg.Deployments[order[0]].location())
}

func estimateKpi(pos dme.QosPosition, km float64) dme.QosPositionKpiResult {
	latency := 5 + km*0.05
	down := 200 - km*0.2
	if down < 10 {
		down = 10
	}
	up := down / 4
	loc := *pos.GpsLocation
	return dme.QosPositionKpiResult{
		PositionID:          pos.PositionID,
		GpsLocation:         &loc,
		DluserthroughputMin: float32(down * 0.6),
		DluserthroughputAvg: float32(down),
		DluserthroughputMax: float32(down * 1.3),
		UluserthroughputMin: float32(up * 0.6),
		UluserthroughputAvg: float32(up),
		UluserthroughputMax: float32(up * 1.3),
		LatencyMin:          float32(latency * 0.7),
		LatencyAvg:          float32(latency),
		LatencyMax:          float32(latency * 1.6),
	}
}

// GetQosPositionKpi streams KPI estimates, kpiChunk positions per reply.
func (s *Server) GetQosPositionKpi(req *dme.QosPositionRequest, stream dme.QosPositionKpiServerStream) error {
	if len(req.Positions) == 0 {
		return status.Error(codes.InvalidArgument, "positions are required")
	}
	for _, p := range req.Positions {
		if err := requireLocation(p.GpsLocation); err != nil {
			return err
		}
	}
	if err := s.touch(req.SessionCookie, req.Positions[0].GpsLocation); err != nil {
		return err
	}

	for start := 0; start < len(req.Positions); start += kpiChunk {
		if err := stream.Context().Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		end := min(start+kpiChunk, len(req.Positions))
		reply := &dme.QosPositionKpiReply{Ver: req.Ver, Status: dme.RSSuccess}
		for _, p := range req.Positions[start:end] {
			reply.PositionResults = append(reply.PositionResults, estimateKpi(p, s.nearestKm(*p.GpsLocation)))
		}
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
	s.logger.Debug().Int("positions", len(req.Positions)).Msg("qos kpi streamed")
	return nil
}

// QosPrioritySessionCreate records a priority session and returns its id.
func (s *Server) QosPrioritySessionCreate(ctx context.Context, req *dme.QosPrioritySessionCreateRequest) (*dme.QosPrioritySessionReply, error) {
	if err := s.touch(req.SessionCookie, nil); err != nil {
		return nil, err
	}
	if req.IPApplicationServer == "" {
		return nil, status.Error(codes.InvalidArgument, "ip_application_server is required")
	}
	duration := req.SessionDuration
	if duration == 0 {
		duration = defaultQosDuration
	}

	id := newCookie()
	s.mu.Lock()
	s.qosSessions[id] = qosSession{
		owner:   req.SessionCookie,
		profile: req.Profile,
		expires: time.Now().Add(time.Duration(duration) * time.Second),
	}
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id).Str("profile", req.Profile.String()).Msg("qos session created")
	return &dme.QosPrioritySessionReply{
		Ver:             req.Ver,
		SessionDuration: duration,
		Profile:         req.Profile,
		SessionID:       id,
		HTTPStatus:      http.StatusCreated,
	}, nil
}

// QosPrioritySessionDelete removes a session owned by the caller.
func (s *Server) QosPrioritySessionDelete(ctx context.Context, req *dme.QosPrioritySessionDeleteRequest) (*dme.QosPrioritySessionDeleteReply, error) {
	if err := s.touch(req.SessionCookie, nil); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	qs, ok := s.qosSessions[req.SessionID]
	if !ok || qs.owner != req.SessionCookie || time.Now().After(qs.expires) {
		delete(s.qosSessions, req.SessionID)
		return &dme.QosPrioritySessionDeleteReply{Ver: req.Ver, Status: dme.DeleteNotFound}, nil
	}
	delete(s.qosSessions, req.SessionID)
	return &dme.QosPrioritySessionDeleteReply{Ver: req.Ver, Status: dme.DeleteDeleted}, nil
}

// QosSessionCount returns the number of live priority sessions.
func (s *Server) QosSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.qosSessions)
}

// AddUserToGroup adds the session to a dynamic location group.
func (s *Server) AddUserToGroup(ctx context.Context, req *dme.DynamicLocGroupRequest) (*dme.DynamicLocGroupReply, error) {
	if err := s.touch(req.SessionCookie, nil); err != nil {
		return nil, err
	}
	if req.CommType == dme.DlgUndefined {
		return nil, status.Error(codes.InvalidArgument, "comm_type is required")
	}

	s.mu.Lock()
	members, ok := s.groups[req.LgID]
	if !ok {
		members = make(map[string]struct{})
		s.groups[req.LgID] = members
	}
	members[req.SessionCookie] = struct{}{}
	s.mu.Unlock()

	return &dme.DynamicLocGroupReply{Ver: req.Ver, Status: dme.RSSuccess, GroupCookie: newCookie()}, nil
}

// GroupSize returns the number of sessions in a location group.
func (s *Server) GroupSize(lgID uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[lgID])
}
