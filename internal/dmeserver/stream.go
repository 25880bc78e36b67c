package dmeserver

import (
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/edge-session/internal/dme"
)

// edgeStream is one connected edge event client.
type edgeStream struct {
	stream  dme.EdgeEventServerStream
	session string

	sendMu sync.Mutex
	mu     sync.Mutex
	// 目前綁定的部署
	deployment int
	done       chan struct{}
	closeOnce  sync.Once
}

func (e *edgeStream) send(ev *dme.ServerEdgeEvent) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.stream.Send(ev)
}

func (e *edgeStream) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// StreamEdgeEvent runs the duplex edge event protocol. The first client
// message must be INIT carrying valid session and edge event cookies.
func (s *Server) StreamEdgeEvent(stream dme.EdgeEventServerStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.EventType != dme.ClientEventInitConnection {
		return status.Errorf(codes.FailedPrecondition, "first event must be %s, got %s",
			dme.ClientEventInitConnection, first.EventType)
	}
	if err := s.touch(first.SessionCookie, first.GpsLocation); err != nil {
		return err
	}

	s.mu.RLock()
	binding, ok := s.edgeCookies[first.EdgeEventsCookie]
	s.mu.RUnlock()
	if !ok || binding.session != first.SessionCookie {
		return status.Error(codes.Unauthenticated, "unknown edge events cookie")
	}

	es := &edgeStream{
		stream:     stream,
		session:    first.SessionCookie,
		deployment: binding.deployment,
		done:       make(chan struct{}),
	}
	if err := es.send(&dme.ServerEdgeEvent{EventType: dme.ServerEventInitConnection}); err != nil {
		return err
	}

	s.mu.Lock()
	s.streams[es] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, es)
		s.mu.Unlock()
	}()

	s.logger.Info().
		Str("cloudlet", s.cfg.Deployments[binding.deployment].Cloudlet).
		Msg("edge event stream opened")

	// Recv 在獨立 goroutine 中執行，讓 Disconnect 可以結束串流
	events := make(chan *dme.ClientEdgeEvent)
	recvErr := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case events <- ev:
			case <-es.done:
				return
			case <-stream.Context().Done():
				return
			}
		}
	}()

	for {
		select {
		case <-es.done:
			s.logger.Info().Msg("edge event stream disconnected by server")
			return nil
		case <-stream.Context().Done():
			return stream.Context().Err()
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case ev := <-events:
			if terminate := s.handleClientEvent(es, ev); terminate {
				return nil
			}
		}
	}
}

func (s *Server) handleClientEvent(es *edgeStream, ev *dme.ClientEdgeEvent) bool {
	switch ev.EventType {
	case dme.ClientEventTerminateConnection:
		s.logger.Info().Msg("edge event stream terminated by client")
		return true

	case dme.ClientEventLatencySamples:
		values := make([]float64, 0, len(ev.Samples))
		for _, sample := range ev.Samples {
			values = append(values, sample.Value)
		}
		min, avg, max, stddev, variance := latencyStats(values)
		reply := &dme.ServerEdgeEvent{
			EventType: dme.ServerEventLatencyProcessed,
			Statistics: &dme.Statistics{
				Avg:        avg,
				Min:        min,
				Max:        max,
				StdDev:     stddev,
				Variance:   variance,
				NumSamples: uint64(len(values)),
				Timestamp:  timestamppb.Now(),
			},
		}
		if err := es.send(reply); err != nil {
			s.logger.Warn().Err(err).Msg("send latency processed failed")
		}

	case dme.ClientEventLocationUpdate:
		if ev.GpsLocation == nil || !ev.GpsLocation.Valid() {
			_ = es.send(&dme.ServerEdgeEvent{EventType: dme.ServerEventError, ErrorMsg: "invalid gps_location"})
			return false
		}
		if err := s.touch(es.session, ev.GpsLocation); err != nil {
			_ = es.send(&dme.ServerEdgeEvent{EventType: dme.ServerEventError, ErrorMsg: err.Error()})
			return false
		}
		// 有更近的部署時推送新實例
		order := s.nearest(*ev.GpsLocation, "")
		if len(order) == 0 {
			return false
		}
		es.mu.Lock()
		current := es.deployment
		es.mu.Unlock()
		if order[0] == current {
			return false
		}
		reply := s.findReply(0, es.session, order[0])
		es.mu.Lock()
		es.deployment = order[0]
		es.mu.Unlock()
		if err := es.send(&dme.ServerEdgeEvent{EventType: dme.ServerEventCloudletUpdate, NewCloudlet: reply}); err != nil {
			s.logger.Warn().Err(err).Msg("send cloudlet update failed")
		}

	case dme.ClientEventCustomEvent:
		s.logger.Info().Str("custom_event", ev.CustomEvent).Msg("custom client event")

	default:
		_ = es.send(&dme.ServerEdgeEvent{
			EventType: dme.ServerEventError,
			ErrorMsg:  "unsupported client event " + ev.EventType.String(),
		})
	}
	return false
}

// Push sends ev to every connected edge event stream and returns how many
// streams received it.
func (s *Server) Push(ev *dme.ServerEdgeEvent) int {
	s.mu.RLock()
	targets := make([]*edgeStream, 0, len(s.streams))
	for es := range s.streams {
		targets = append(targets, es)
	}
	s.mu.RUnlock()

	sent := 0
	for _, es := range targets {
		if err := es.send(ev); err != nil {
			s.logger.Warn().Err(err).Msg("push failed")
			continue
		}
		sent++
	}
	return sent
}

// PushCloudletUpdate moves every connected client to the given deployment.
func (s *Server) PushCloudletUpdate(deployment int) int {
	if deployment < 0 || deployment >= len(s.cfg.Deployments) {
		return 0
	}
	s.mu.RLock()
	targets := make([]*edgeStream, 0, len(s.streams))
	for es := range s.streams {
		targets = append(targets, es)
	}
	s.mu.RUnlock()

	sent := 0
	for _, es := range targets {
		reply := s.findReply(0, es.session, deployment)
		es.mu.Lock()
		es.deployment = deployment
		es.mu.Unlock()
		if err := es.send(&dme.ServerEdgeEvent{EventType: dme.ServerEventCloudletUpdate, NewCloudlet: reply}); err == nil {
			sent++
		}
	}
	return sent
}

// Disconnect ends every edge event stream from the server side.
func (s *Server) Disconnect() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for es := range s.streams {
		es.close()
	}
}

// StreamCount reports the number of connected edge event streams.
func (s *Server) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}
