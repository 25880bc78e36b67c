package edgeevents

import (
	"fmt"

	"github.com/ChuLiYu/edge-session/internal/bandwidth"
	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/selector"
)

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// allowed lists the legal transitions. Every path to Open passes through
// Opening and Closing only leads to Closed.
var allowed = map[State][]State{
	StateClosed:       {StateOpening, StateClosing},
	StateOpening:      {StateOpen, StateClosed, StateClosing},
	StateOpen:         {StateReconnecting, StateClosing},
	StateReconnecting: {StateOpening, StateClosed, StateClosing},
	StateClosing:      {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorCode classifies ErrorEvent.
type ErrorCode int

const (
	ErrMissingSessionCookie ErrorCode = iota + 1
	ErrMissingEdgeEventsCookie
	ErrMissingLocation
	ErrDiscoveryFailed
	ErrReconnectFailed
	ErrServerError
	ErrLatencyTestFailed
	ErrInvalidServerEvent
)

func (c ErrorCode) String() string {
	switch c {
	case ErrMissingSessionCookie:
		return "missing-session-cookie"
	case ErrMissingEdgeEventsCookie:
		return "missing-edge-events-cookie"
	case ErrMissingLocation:
		return "missing-location"
	case ErrDiscoveryFailed:
		return "discovery-failed"
	case ErrReconnectFailed:
		return "reconnect-failed"
	case ErrServerError:
		return "server-error"
	case ErrLatencyTestFailed:
		return "latency-test-failed"
	case ErrInvalidServerEvent:
		return "invalid-server-event"
	default:
		return fmt.Sprintf("error(%d)", int(c))
	}
}

// Event is delivered to subscribers. It is one of ServerEventMsg,
// CloudletEvent, ErrorEvent, StateEvent or BandwidthEvent.
type Event interface {
	isEvent()
}

// ServerEventMsg carries a raw server event in receipt order.
type ServerEventMsg struct {
	Event *dme.ServerEdgeEvent
}

// CloudletEvent reports the outcome of a discovery or a server push.
type CloudletEvent struct {
	Trigger selector.Trigger
	Result  selector.Result
}

// ErrorEvent reports a failure that was recovered locally.
type ErrorEvent struct {
	Code ErrorCode
	Err  error
}

// StateEvent reports one lifecycle transition.
type StateEvent struct {
	From State
	To   State
}

// BandwidthEvent reports a throttled bandwidth estimate.
type BandwidthEvent struct {
	Status *bandwidth.Status
}

func (ServerEventMsg) isEvent() {}
func (CloudletEvent) isEvent()  {}
func (ErrorEvent) isEvent()     {}
func (StateEvent) isEvent()     {}
func (BandwidthEvent) isEvent() {}

func (e ErrorEvent) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}
