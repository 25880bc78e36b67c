package dme

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
)

const (
	// DefaultPort is the DME gRPC port.
	DefaultPort = 50051
	// BaseDomain is appended to carrier identifiers to build DME hosts.
	BaseDomain = "dme.mobiledgex.net"
	// FallbackHost is used when no carrier identifier is known.
	FallbackHost = "wifi." + BaseDomain
)

// HostForCarrier builds the DME host for an "mcc-mnc" identifier.
// Empty or malformed identifiers fall back to FallbackHost.
func HostForCarrier(mccmnc string) string {
	mccmnc = strings.TrimSpace(mccmnc)
	parts := strings.Split(mccmnc, "-")
	if len(parts) != 2 {
		return FallbackHost
	}
	for _, p := range parts {
		if p == "" {
			return FallbackHost
		}
		if _, err := strconv.Atoi(p); err != nil {
			return FallbackHost
		}
	}
	return mccmnc + "." + BaseDomain
}

// Resolver looks up host names before a channel is established.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// EdgeEventChannel is a dialed DME channel able to open edge event streams.
type EdgeEventChannel interface {
	StreamEdgeEvent(ctx context.Context) (EdgeEventStream, error)
	Close() error
}

// Dialer creates DME connections.
type Dialer struct {
	Resolver Resolver
	TLS      *tls.Config // nil dials without transport security
	Options  []grpc.DialOption
	Metrics  *metrics.Collector

	logger zerolog.Logger
}

// NewDialer returns a Dialer using the system resolver.
func NewDialer(tlsConfig *tls.Config, opts ...grpc.DialOption) *Dialer {
	return &Dialer{
		Resolver: net.DefaultResolver,
		TLS:      tlsConfig,
		Options:  opts,
		logger:   logging.For("dme"),
	}
}

// Conn is an established DME connection.
type Conn struct {
	*Client
	cc     *grpc.ClientConn
	Target string
}

// Close releases the underlying gRPC connection.
func (c *Conn) Close() error {
	return c.cc.Close()
}

// Dial validates that host resolves, then creates a client connection to
// host:port. The connection is established lazily by gRPC.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (*Conn, error) {
	const op = "dme.Dial"
	if host == "" {
		return nil, edgeerr.Configuration(op, "host is empty")
	}
	if port <= 0 || port > 65535 {
		return nil, edgeerr.Configuration(op, "invalid port %d", port)
	}

	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if _, err := resolver.LookupHost(ctx, host); err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindResolution, op, fmt.Errorf("resolve %s: %w", host, err))
	}

	var creds credentials.TransportCredentials
	if d.TLS != nil {
		creds = credentials.NewTLS(d.TLS)
	} else {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if d.Metrics != nil {
		opts = append(opts, grpc.WithChainUnaryInterceptor(d.Metrics.UnaryClientInterceptor()))
	}
	opts = append(opts, d.Options...)

	target := "passthrough:///" + net.JoinHostPort(host, strconv.Itoa(port))
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindTransport, op, err)
	}
	d.logger.Debug().Str("target", target).Bool("tls", d.TLS != nil).Msg("DME channel created")
	return &Conn{Client: NewClient(cc), cc: cc, Target: target}, nil
}

// DialEdgeEvents dials a channel for the edge event stream.
func (d *Dialer) DialEdgeEvents(ctx context.Context, host string, port int) (EdgeEventChannel, error) {
	conn, err := d.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
