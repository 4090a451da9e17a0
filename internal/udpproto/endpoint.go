package udpproto

import (
	"net"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/netsockd/netsockd/internal/errno"
)

// Endpoint is the UDP protocol's per-handle data payload (spec.md §3's
// "protocol-specific per-handle data (e.g., remote endpoint for UDP)").
// The zero value is the unspecified endpoint.
type Endpoint struct {
	Addr tcpip.Address
	Port uint16
}

// IsSpecified reports whether e names an actual remote, mirroring the
// Rust origin's IpEndpoint::is_specified (port 0 means "none").
func (e Endpoint) IsSpecified() bool { return e.Port != 0 }

// FullAddress converts e into the gvisor tcpip.Endpoint Connect/Bind
// argument shape.
func (e Endpoint) FullAddress() tcpip.FullAddress {
	return tcpip.FullAddress{Addr: e.Addr, Port: e.Port}
}

func (e Endpoint) String() string {
	if e.Addr.Len() == 0 {
		return "0.0.0.0:" + strconv.Itoa(int(e.Port))
	}
	return net.IP(e.Addr.AsSlice()).String() + ":" + strconv.Itoa(int(e.Port))
}

// parseEndpoint parses one "ADDR:PORT" path segment, or the empty
// string for the unspecified endpoint, matching spec.md §4.6.1's path
// grammar ("each endpoint is ADDR:PORT or empty").
func parseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, errno.New(errno.Invalid)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, errno.New(errno.Invalid)
	}
	if host == "" {
		return Endpoint{Port: uint16(port)}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, errno.New(errno.Invalid)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Endpoint{Addr: tcpip.AddrFromSlice(ip), Port: uint16(port)}, nil
}

// splitPath implements spec.md §4.6.1's "REMOTE[/LOCAL]" grammar: at
// most one '/' separates the remote and local endpoint segments: either
// half may be empty or omitted entirely.
func splitPath(path string) (remote, local string) {
	parts := strings.SplitN(path, "/", 2)
	remote = parts[0]
	if len(parts) == 2 {
		local = parts[1]
	}
	return remote, local
}
