// Package session holds the credentials and the selected instance shared by
// the selector and the edge event connection.
package session

import (
	"sync"
	"time"

	"github.com/ChuLiYu/edge-session/pkg/types"
)

// Snapshot is an immutable copy of State.
type Snapshot struct {
	App              types.AppIdentity `json:"app"`
	SessionCookie    string            `json:"session_cookie,omitempty"`
	TokenServerURI   string            `json:"token_server_uri,omitempty"`
	EdgeEventsCookie string            `json:"edge_events_cookie,omitempty"`
	Instance         *types.Instance   `json:"instance,omitempty"`
	LastLocation     *types.Location   `json:"last_location,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at,omitempty"`
	SelectedAt       time.Time         `json:"selected_at,omitempty"`
}

// State is guarded by a single mutex: one writer at a time, many readers.
// The edge-event cookie is only ever stored together with the instance it
// belongs to.
type State struct {
	mu               sync.RWMutex
	app              types.AppIdentity
	sessionCookie    string
	tokenServerURI   string
	edgeEventsCookie string
	instance         *types.Instance
	lastLocation     *types.Location
	registeredAt     time.Time
	selectedAt       time.Time
}

// New returns an empty state.
func New() *State {
	return &State{}
}

// SetRegistration stores the result of RegisterClient. Any previously
// selected instance belongs to the old session and is dropped.
func (s *State) SetRegistration(app types.AppIdentity, sessionCookie, tokenServerURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = app
	s.sessionCookie = sessionCookie
	s.tokenServerURI = tokenServerURI
	s.registeredAt = time.Now()
	s.instance = nil
	s.edgeEventsCookie = ""
}

// SetInstance installs a newly selected instance and its edge-event cookie.
func (s *State) SetInstance(inst types.Instance, edgeEventsCookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := inst
	cp.Ports = append([]types.AppPort(nil), inst.Ports...)
	s.instance = &cp
	s.edgeEventsCookie = edgeEventsCookie
	s.selectedAt = time.Now()
}

// SetLastLocation records the most recent device location.
func (s *State) SetLastLocation(loc types.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := loc
	s.lastLocation = &cp
}

// App returns the registered application identity.
func (s *State) App() types.AppIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app
}

// SessionCookie returns the session credential ("" before registration).
func (s *State) SessionCookie() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionCookie
}

// TokenServerURI returns the location-verification token endpoint.
func (s *State) TokenServerURI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenServerURI
}

// EdgeEventsCookie returns the credential bound to the active instance.
func (s *State) EdgeEventsCookie() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeEventsCookie
}

// Instance returns a copy of the active instance.
func (s *State) Instance() (types.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.instance == nil {
		return types.Instance{}, false
	}
	cp := *s.instance
	cp.Ports = append([]types.AppPort(nil), s.instance.Ports...)
	return cp, true
}

// LastLocation returns the most recent device location.
func (s *State) LastLocation() (types.Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastLocation == nil {
		return types.Location{}, false
	}
	return *s.lastLocation, true
}

// Credentials returns both cookies under one lock.
func (s *State) Credentials() (sessionCookie, edgeEventsCookie string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionCookie, s.edgeEventsCookie
}

// Snapshot copies the whole state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		App:              s.app,
		SessionCookie:    s.sessionCookie,
		TokenServerURI:   s.tokenServerURI,
		EdgeEventsCookie: s.edgeEventsCookie,
		RegisteredAt:     s.registeredAt,
		SelectedAt:       s.selectedAt,
	}
	if s.instance != nil {
		cp := *s.instance
		cp.Ports = append([]types.AppPort(nil), s.instance.Ports...)
		snap.Instance = &cp
	}
	if s.lastLocation != nil {
		loc := *s.lastLocation
		snap.LastLocation = &loc
	}
	return snap
}

// Restore loads a persisted snapshot.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = snap.App
	s.sessionCookie = snap.SessionCookie
	s.tokenServerURI = snap.TokenServerURI
	s.registeredAt = snap.RegisteredAt
	s.selectedAt = snap.SelectedAt
	s.instance = nil
	s.edgeEventsCookie = ""
	if snap.Instance != nil {
		cp := *snap.Instance
		s.instance = &cp
		s.edgeEventsCookie = snap.EdgeEventsCookie
	}
	s.lastLocation = snap.LastLocation
}

// Clear wipes everything; used when the session closes.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = types.AppIdentity{}
	s.sessionCookie = ""
	s.tokenServerURI = ""
	s.edgeEventsCookie = ""
	s.instance = nil
	s.lastLocation = nil
	s.registeredAt = time.Time{}
	s.selectedAt = time.Time{}
}
