package ranker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewCandidate("127.0.0.1", port, TestConnect, 5)

	d, err := NewNetProber(time.Second).Probe(context.Background(), c)
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))
}

func TestConnectProbeRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewCandidate("127.0.0.1", port, TestConnect, 5)
	_, err = NewNetProber(time.Second).Probe(context.Background(), c)
	assert.Error(t, err)
}

func httpCandidate(t *testing.T, srv *httptest.Server, path string) *Candidate {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	c := NewCandidate(u.Hostname(), port, TestConnect, 5)
	c.L7Path = path
	return c
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	prober := NewNetProber(time.Second)

	_, err := prober.Probe(context.Background(), httpCandidate(t, srv, "/health"))
	assert.NoError(t, err)

	_, err = prober.Probe(context.Background(), httpCandidate(t, srv, "/broken"))
	assert.Error(t, err)
}

type fakePinger struct{ d time.Duration }

func (f fakePinger) Ping(ctx context.Context, host string) (time.Duration, error) {
	return f.d, nil
}

func TestPingProbeUsesPinger(t *testing.T) {
	prober := NewNetProber(time.Second)
	prober.Pinger = fakePinger{d: 7 * time.Millisecond}

	d, err := prober.Probe(context.Background(), NewCandidate("10.0.0.1", 0, TestPing, 5))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Millisecond, d)
}

func TestProberFunc(t *testing.T) {
	var p Prober = ProberFunc(func(ctx context.Context, c *Candidate) (time.Duration, error) {
		return time.Millisecond, nil
	})
	d, err := p.Probe(context.Background(), NewCandidate("x", 1, TestConnect, 1))
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, d)
}
