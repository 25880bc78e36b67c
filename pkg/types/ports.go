package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// 埠查詢錯誤
var (
	ErrPortNotListed  = errors.New("port is not published by the instance")
	ErrPortOutOfRange = errors.New("internal port outside the published range")
	ErrPortProto      = errors.New("port protocol does not fit the request")
)

// Contains 判斷內部埠是否落在此埠（或埠範圍）內
func (p AppPort) Contains(internal int32) bool {
	end := p.EndPort
	if end == 0 {
		end = p.InternalPort
	}
	return internal >= p.InternalPort && internal <= end
}

// PortsByProto 以內部埠為鍵列出指定協定的埠；沒有 FQDN 時回傳 nil
func (i Instance) PortsByProto(proto LProto) map[int32]AppPort {
	if i.FQDN == "" {
		return nil
	}
	m := make(map[int32]AppPort)
	for _, p := range i.Ports {
		if p.Proto == proto {
			m[p.InternalPort] = p
		}
	}
	return m
}

func (i Instance) TCPPorts() map[int32]AppPort  { return i.PortsByProto(ProtoTCP) }
func (i Instance) UDPPorts() map[int32]AppPort  { return i.PortsByProto(ProtoUDP) }
func (i Instance) HTTPPorts() map[int32]AppPort { return i.PortsByProto(ProtoHTTP) }

func (i Instance) listed(port AppPort) bool {
	for _, p := range i.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// PublicPort maps an internal port of a published port (range) onto the
// public side. Zero selects the port's own public port.
func (i Instance) PublicPort(port AppPort, internal int32) (int32, error) {
	if !i.listed(port) {
		return 0, fmt.Errorf("%w: %s %d", ErrPortNotListed, port.Proto, port.InternalPort)
	}
	if internal == 0 {
		return port.PublicPort, nil
	}
	if !port.Contains(internal) {
		return 0, fmt.Errorf("%w: %d", ErrPortOutOfRange, internal)
	}
	return port.PublicPort + (internal - port.InternalPort), nil
}

// Address returns host:port for dialing the given internal port.
func (i Instance) Address(port AppPort, internal int32) (string, error) {
	pub, err := i.PublicPort(port, internal)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(i.Host(port), strconv.Itoa(int(pub))), nil
}

// URL builds scheme://prefix+fqdn:port/pathprefix+path for a TCP or HTTP port.
func (i Instance) URL(port AppPort, internal int32, scheme, path string) (string, error) {
	if port.Proto != ProtoTCP && port.Proto != ProtoHTTP {
		return "", fmt.Errorf("%w: %s", ErrPortProto, port.Proto)
	}
	addr, err := i.Address(port, internal)
	if err != nil {
		return "", err
	}
	return scheme + "://" + addr + port.PathPrefix + path, nil
}
