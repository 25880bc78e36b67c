package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-session/pkg/types"
)

var testApp = types.AppIdentity{OrgName: "org", AppName: "app", AppVersion: "1.0"}

func testInstance(fqdn string) types.Instance {
	return types.Instance{
		FQDN:  fqdn,
		Ports: []types.AppPort{{Proto: types.ProtoTCP, InternalPort: 8008, PublicPort: 8008}},
	}
}

func TestRegistrationAndInstance(t *testing.T) {
	s := New()
	_, ok := s.Instance()
	assert.False(t, ok)

	s.SetRegistration(testApp, "session-1", "http://token")
	s.SetInstance(testInstance("a.example"), "edge-1")

	inst, ok := s.Instance()
	require.True(t, ok)
	assert.Equal(t, "a.example", inst.FQDN)

	sc, ec := s.Credentials()
	assert.Equal(t, "session-1", sc)
	assert.Equal(t, "edge-1", ec)
	assert.Equal(t, "http://token", s.TokenServerURI())
	assert.Equal(t, testApp, s.App())
}

func TestReRegistrationDropsInstance(t *testing.T) {
	s := New()
	s.SetRegistration(testApp, "session-1", "")
	s.SetInstance(testInstance("a.example"), "edge-1")

	s.SetRegistration(testApp, "session-2", "")
	_, ok := s.Instance()
	assert.False(t, ok)
	assert.Empty(t, s.EdgeEventsCookie())
	assert.Equal(t, "session-2", s.SessionCookie())
}

func TestInstanceIsCopied(t *testing.T) {
	s := New()
	inst := testInstance("a.example")
	s.SetInstance(inst, "edge")

	inst.Ports[0].PublicPort = 1
	got, _ := s.Instance()
	assert.Equal(t, int32(8008), got.Ports[0].PublicPort)

	got.Ports[0].PublicPort = 2
	again, _ := s.Instance()
	assert.Equal(t, int32(8008), again.Ports[0].PublicPort)
}

func TestSnapshotRestoreClear(t *testing.T) {
	s := New()
	s.SetRegistration(testApp, "session-1", "uri")
	s.SetInstance(testInstance("a.example"), "edge-1")
	s.SetLastLocation(types.Location{Latitude: 52.5, Longitude: 13.4})

	snap := s.Snapshot()
	require.NotNil(t, snap.Instance)
	require.NotNil(t, snap.LastLocation)

	other := New()
	other.Restore(snap)
	assert.Equal(t, snap, other.Snapshot())

	other.Clear()
	assert.Empty(t, other.SessionCookie())
	_, ok := other.LastLocation()
	assert.False(t, ok)
}

func TestRestoreWithoutInstanceDropsEdgeCookie(t *testing.T) {
	s := New()
	s.Restore(Snapshot{SessionCookie: "s", EdgeEventsCookie: "orphan"})
	assert.Empty(t, s.EdgeEventsCookie())
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetInstance(testInstance("a"), "edge")
		}()
		go func() {
			defer wg.Done()
			s.Snapshot()
			s.Credentials()
		}()
	}
	wg.Wait()
	_, ok := s.Instance()
	assert.True(t, ok)
}
