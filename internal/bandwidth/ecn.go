package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/ChuLiYu/edge-session/internal/logging"
)

const ecnMask = 0x3

// ECNSource yields the ECN codepoint of each received packet.
type ECNSource interface {
	ReadECN() (int, error)
	Close() error
}

// IPv6Source reads the traffic class of incoming datagrams from control
// messages.
type IPv6Source struct {
	conn *ipv6.PacketConn
	buf  []byte
}

// NewIPv6Source enables traffic class delivery on c.
func NewIPv6Source(c net.PacketConn) (*IPv6Source, error) {
	p := ipv6.NewPacketConn(c)
	if err := p.SetControlMessage(ipv6.FlagTrafficClass, true); err != nil {
		return nil, fmt.Errorf("enable traffic class control messages: %w", err)
	}
	return &IPv6Source{conn: p, buf: make([]byte, 64*1024)}, nil
}

// ReadECN blocks for the next datagram. A missing control message counts as
// Not-ECT.
func (s *IPv6Source) ReadECN() (int, error) {
	_, cm, _, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		return 0, err
	}
	if cm == nil {
		return NotECT, nil
	}
	return cm.TrafficClass & ecnMask, nil
}

// Close closes the underlying connection.
func (s *IPv6Source) Close() error {
	return s.conn.Close()
}

// IPv4RawSource reads the TOS byte from raw IPv4 headers. It needs a raw
// socket (CAP_NET_RAW).
type IPv4RawSource struct {
	conn *ipv4.RawConn
	buf  []byte
}

// NewIPv4RawSource wraps a raw IP packet connection, e.g. from
// net.ListenPacket("ip4:udp", addr).
func NewIPv4RawSource(c net.PacketConn) (*IPv4RawSource, error) {
	rc, err := ipv4.NewRawConn(c)
	if err != nil {
		return nil, fmt.Errorf("open raw ipv4 conn: %w", err)
	}
	return &IPv4RawSource{conn: rc, buf: make([]byte, 64*1024)}, nil
}

// ReadECN blocks for the next packet.
func (s *IPv4RawSource) ReadECN() (int, error) {
	h, _, _, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		return 0, err
	}
	return h.TOS & ecnMask, nil
}

// Close closes the underlying connection.
func (s *IPv4RawSource) Close() error {
	return s.conn.Close()
}

// Monitor feeds an Estimator from an ECNSource and reports a status at most
// once per send interval.
type Monitor struct {
	est      *Estimator
	src      ECNSource
	onStatus func(*Status)
	log      zerolog.Logger
}

// NewMonitor creates a monitor. onStatus may be nil.
func NewMonitor(est *Estimator, src ECNSource, onStatus func(*Status)) *Monitor {
	return &Monitor{est: est, src: src, onStatus: onStatus, log: logging.For("ecn-monitor")}
}

// Run reads until ctx ends or the source fails. The source is closed on
// return.
func (m *Monitor) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.src.Close()
		case <-done:
		}
	}()
	defer m.src.Close()

	for {
		bits, err := m.src.ReadECN()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("read ecn: %w", err)
		}

		st := m.est.Update(bits)
		if st == nil || !m.est.ShouldSend() {
			continue
		}
		m.log.Debug().Float64("bandwidth", st.Bandwidth).Int64("ce", st.NumCE).Int64("packets", st.NumPackets).Msg("bandwidth status")
		if m.onStatus != nil {
			m.onStatus(st)
		}
		m.est.ResetSendTimer()
	}
}
