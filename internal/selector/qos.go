package selector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
)

// ============================================================================
// QoS 與位置群組請求
//
// 這些呼叫不做探索，只需要已註冊的會話與允許使用位置。
// ============================================================================

// DefaultLocGroupID is the group used when AddUserToGroup is given zero.
const DefaultLocGroupID uint64 = 1001

func (s *Selector) validateSession(op string, timeout time.Duration) error {
	if !s.cfg.LocationAllowed {
		return edgeerr.PolicyDenied(op, "location use is not allowed")
	}
	if timeout <= 0 {
		return edgeerr.Configuration(op, "timeout must be positive, got %s", timeout)
	}
	if s.state.SessionCookie() == "" {
		return edgeerr.Configuration(op, "not registered")
	}
	return nil
}

// QosPositionKpi asks for expected throughput and latency at each position
// and collects the streamed replies. The session cookie is filled in.
func (s *Selector) QosPositionKpi(ctx context.Context, req dme.QosPositionRequest, timeout time.Duration) ([]dme.QosPositionKpiResult, error) {
	const op = "selector.QosPositionKpi"
	if err := s.validateSession(op, timeout); err != nil {
		return nil, err
	}
	if len(req.Positions) == 0 {
		return nil, edgeerr.Configuration(op, "at least one position is required")
	}
	for _, p := range req.Positions {
		if p.GpsLocation == nil || !p.GpsLocation.Valid() {
			return nil, edgeerr.Configuration(op, "position %d has no valid location", p.PositionID)
		}
	}
	req.SessionCookie = s.state.SessionCookie()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stream, err := s.transport.GetQosPositionKpi(ctx, &req)
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}

	var results []dme.QosPositionKpiResult
	for {
		reply, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, edgeerr.FromRPC(op, err)
		}
		if reply.Status == dme.RSFail {
			return nil, edgeerr.New(edgeerr.KindTransport, op, "server failed the KPI query")
		}
		results = append(results, reply.PositionResults...)
	}
	s.log.Debug().Int("positions", len(req.Positions)).Int("results", len(results)).Msg("qos kpi collected")
	return results, nil
}

// CreateQosPrioritySession requests prioritized treatment for the flow to
// req.IPApplicationServer.
func (s *Selector) CreateQosPrioritySession(ctx context.Context, req dme.QosPrioritySessionCreateRequest, timeout time.Duration) (*dme.QosPrioritySessionReply, error) {
	const op = "selector.CreateQosPrioritySession"
	if err := s.validateSession(op, timeout); err != nil {
		return nil, err
	}
	if req.IPApplicationServer == "" {
		return nil, edgeerr.Configuration(op, "application server address is required")
	}
	req.SessionCookie = s.state.SessionCookie()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.transport.QosPrioritySessionCreate(ctx, &req)
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}
	s.log.Info().
		Str("session_id", reply.SessionID).
		Str("profile", reply.Profile.String()).
		Uint32("duration_s", reply.SessionDuration).
		Msg("qos priority session created")
	return reply, nil
}

// DeleteQosPrioritySession ends a priority session. An unknown id is not an
// error; the reply status says DeleteNotFound.
func (s *Selector) DeleteQosPrioritySession(ctx context.Context, sessionID string, profile dme.QosSessionProfile, timeout time.Duration) (*dme.QosPrioritySessionDeleteReply, error) {
	const op = "selector.DeleteQosPrioritySession"
	if err := s.validateSession(op, timeout); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, edgeerr.Configuration(op, "session id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.transport.QosPrioritySessionDelete(ctx, &dme.QosPrioritySessionDeleteRequest{
		SessionCookie: s.state.SessionCookie(),
		Profile:       profile,
		SessionID:     sessionID,
	})
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}
	s.log.Info().Str("session_id", sessionID).Str("status", reply.Status.String()).Msg("qos priority session deleted")
	return reply, nil
}

// AddUserToGroup joins the registered user to a dynamic location group.
// A zero lgID uses DefaultLocGroupID.
func (s *Selector) AddUserToGroup(ctx context.Context, lgID uint64, commType dme.DlgCommType, userData string, timeout time.Duration) (*dme.DynamicLocGroupReply, error) {
	const op = "selector.AddUserToGroup"
	if err := s.validateSession(op, timeout); err != nil {
		return nil, err
	}
	if lgID == 0 {
		lgID = DefaultLocGroupID
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.transport.AddUserToGroup(ctx, &dme.DynamicLocGroupRequest{
		SessionCookie: s.state.SessionCookie(),
		LgID:          lgID,
		CommType:      commType,
		UserData:      userData,
	})
	if err != nil {
		return nil, edgeerr.FromRPC(op, err)
	}
	if reply.Status != dme.RSSuccess {
		return reply, edgeerr.New(edgeerr.KindTransport, op, fmt.Sprintf("group %d rejected the user (code %d)", lgID, reply.ErrorCode))
	}
	return reply, nil
}
