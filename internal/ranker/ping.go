package ranker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var errNoAddress = errors.New("ping: host has no usable address")

// ICMPPinger sends unprivileged ICMP echo requests (datagram ICMP sockets).
type ICMPPinger struct {
	id  int
	seq atomic.Uint32
}

// NewICMPPinger creates a pinger identified by the current process id.
func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{id: os.Getpid() & 0xffff}
}

// Ping resolves host and measures one echo round trip.
func (p *ICMPPinger) Ping(ctx context.Context, host string) (time.Duration, error) {
	ip, err := resolveIP(ctx, host)
	if err != nil {
		return 0, err
	}

	network, listenAddr, proto := "udp4", "0.0.0.0", protocolICMP
	var echoType icmp.Type = ipv4.ICMPTypeEcho
	if ip.To4() == nil {
		network, listenAddr, proto = "udp6", "::", protocolIPv6ICMP
		echoType = ipv6.ICMPTypeEchoRequest
	}

	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", host, err)
	}
	defer conn.Close()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("edge-session")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: ip}); err != nil {
		return 0, fmt.Errorf("ping %s: %w", host, err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return 0, fmt.Errorf("ping %s: %w", host, err)
		}
		reply, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply && reply.Type != ipv6.ICMPTypeEchoReply {
			continue
		}
		// The kernel rewrites the echo ID on datagram sockets; match on sequence only.
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return time.Since(start), nil
		}
	}
}

func resolveIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", host, err)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, errNoAddress
}
