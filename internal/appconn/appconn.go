// Package appconn opens application connections to the instance chosen by
// discovery: plain TCP, TLS, connected UDP and HTTP.
package appconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// DefaultTimeout bounds a dial when the caller passes zero.
const DefaultTimeout = 10 * time.Second

// ErrWrongTransport is returned when a port cannot carry the requested
// connection kind, e.g. a plain TCP dial on a TLS port.
var ErrWrongTransport = errors.New("port does not support this connection kind")

// Manager dials application ports of a discovered instance.
type Manager struct {
	Dialer    *net.Dialer
	TLSConfig *tls.Config // nil uses a TLS 1.2+ config verifying the instance host

	log zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTLSConfig sets the client TLS configuration.
func WithTLSConfig(c *tls.Config) Option {
	return func(m *Manager) { m.TLSConfig = c }
}

// WithLogger replaces the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New returns a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		Dialer: &net.Dialer{},
		log:    logging.For("appconn"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *Manager) address(op string, inst types.Instance, port types.AppPort, internal int32) (string, error) {
	addr, err := inst.Address(port, internal)
	if err != nil {
		return "", edgeerr.Wrap(edgeerr.KindConfiguration, op, err)
	}
	return addr, nil
}

// TCP dials a non-TLS TCP port.
func (m *Manager) TCP(ctx context.Context, inst types.Instance, port types.AppPort, internal int32, timeout time.Duration) (net.Conn, error) {
	const op = "appconn.TCP"
	if port.Proto != types.ProtoTCP || port.TLS {
		return nil, edgeerr.Wrap(edgeerr.KindConfiguration, op, fmt.Errorf("%w: %s tls=%t", ErrWrongTransport, port.Proto, port.TLS))
	}
	return m.dialStream(ctx, op, inst, port, internal, timeout)
}

func (m *Manager) dialStream(ctx context.Context, op string, inst types.Instance, port types.AppPort, internal int32, timeout time.Duration) (net.Conn, error) {
	addr, err := m.address(op, inst, port, internal)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bound(ctx, timeout)
	defer cancel()
	conn, err := m.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindTransport, op, err)
	}
	m.log.Debug().Str("addr", addr).Msg("tcp connected")
	return conn, nil
}

func (m *Manager) tlsConfig(host string) *tls.Config {
	if m.TLSConfig != nil {
		c := m.TLSConfig.Clone()
		if c.ServerName == "" {
			c.ServerName = host
		}
		return c
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
}

// TLS dials a TLS TCP port and completes the handshake.
func (m *Manager) TLS(ctx context.Context, inst types.Instance, port types.AppPort, internal int32, timeout time.Duration) (*tls.Conn, error) {
	const op = "appconn.TLS"
	if port.Proto != types.ProtoTCP || !port.TLS {
		return nil, edgeerr.Wrap(edgeerr.KindConfiguration, op, fmt.Errorf("%w: %s tls=%t", ErrWrongTransport, port.Proto, port.TLS))
	}
	return m.tlsDial(ctx, op, inst, port, internal, timeout)
}

func (m *Manager) tlsDial(ctx context.Context, op string, inst types.Instance, port types.AppPort, internal int32, timeout time.Duration) (*tls.Conn, error) {
	addr, err := m.address(op, inst, port, internal)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bound(ctx, timeout)
	defer cancel()
	d := &tls.Dialer{NetDialer: m.Dialer, Config: m.tlsConfig(inst.Host(port))}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindTransport, op, err)
	}
	m.log.Debug().Str("addr", addr).Msg("tls connected")
	return conn.(*tls.Conn), nil
}

// UDP returns a connected datagram socket to a UDP port.
func (m *Manager) UDP(ctx context.Context, inst types.Instance, port types.AppPort, internal int32, timeout time.Duration) (net.Conn, error) {
	const op = "appconn.UDP"
	if port.Proto != types.ProtoUDP {
		return nil, edgeerr.Wrap(edgeerr.KindConfiguration, op, fmt.Errorf("%w: %s", ErrWrongTransport, port.Proto))
	}
	addr, err := m.address(op, inst, port, internal)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bound(ctx, timeout)
	defer cancel()
	conn, err := m.Dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindTransport, op, err)
	}
	return conn, nil
}

// Dial picks TCP, TLS or UDP from the port description. HTTP ports are
// reached over TCP.
func (m *Manager) Dial(ctx context.Context, inst types.Instance, port types.AppPort, internal int32, timeout time.Duration) (net.Conn, error) {
	const op = "appconn.Dial"
	switch {
	case port.Proto == types.ProtoUDP:
		return m.UDP(ctx, inst, port, internal, timeout)
	case port.Proto == types.ProtoUnknown:
		return nil, edgeerr.Wrap(edgeerr.KindConfiguration, op, fmt.Errorf("%w: %s", ErrWrongTransport, port.Proto))
	case port.TLS:
		conn, err := m.tlsDial(ctx, op, inst, port, internal, timeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return m.dialStream(ctx, op, inst, port, internal, timeout)
	}
}

// HTTPClient returns a client whose requests time out after timeout.
func (m *Manager) HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := &http.Transport{
		DialContext:         m.Dialer.DialContext,
		TLSClientConfig:     m.tlsConfig(""),
		TLSHandshakeTimeout: timeout,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}
