package ranker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 2 * time.Second

// Prober measures the round trip to a candidate.
type Prober interface {
	Probe(ctx context.Context, c *Candidate) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, c *Candidate) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, c *Candidate) (time.Duration, error) {
	return f(ctx, c)
}

// Pinger sends one echo request to host.
type Pinger interface {
	Ping(ctx context.Context, host string) (time.Duration, error)
}

// NetProber probes over the network: TCP connect-and-close, HTTP GET for L7
// candidates, ICMP echo for ping candidates.
type NetProber struct {
	Timeout    time.Duration
	Dialer     *net.Dialer
	HTTPClient *http.Client
	Pinger     Pinger
}

// NewNetProber returns a prober with the given per-probe timeout.
func NewNetProber(timeout time.Duration) *NetProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &NetProber{
		Timeout: timeout,
		Dialer:  &net.Dialer{},
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Pinger: NewICMPPinger(),
	}
}

// Probe implements Prober.
func (p *NetProber) Probe(ctx context.Context, c *Candidate) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case c.Test == TestPing:
		pinger := p.Pinger
		if pinger == nil {
			pinger = NewICMPPinger()
		}
		return pinger.Ping(ctx, c.Host)
	case c.L7Path != "":
		return p.probeHTTP(ctx, c)
	default:
		return p.probeConnect(ctx, c)
	}
}

func (p *NetProber) probeConnect(ctx context.Context, c *Candidate) (time.Duration, error) {
	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", c.Address(), err)
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

func (p *NetProber) probeHTTP(ctx context.Context, c *Candidate) (time.Duration, error) {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, c.Address(), c.L7Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	elapsed := time.Since(start)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	return elapsed, nil
}
