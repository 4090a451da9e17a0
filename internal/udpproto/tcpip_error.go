package udpproto

import (
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/netsockd/netsockd/internal/errno"
)

// tcpipError translates a gvisor tcpip.Error into one of our wire-level
// errno.Err values. gvisor's own Error type does not implement the
// standard error interface, so every call site crossing into
// scheme.Protocol territory must convert at the boundary.
func tcpipError(err tcpip.Error) error {
	switch err.(type) {
	case *tcpip.ErrWouldBlock:
		return errno.New(errno.WouldBlock)
	case *tcpip.ErrConnectionRefused, *tcpip.ErrNoRoute, *tcpip.ErrNetworkUnreachable:
		return errno.New(errno.NotAvailable)
	case *tcpip.ErrPortInUse:
		return errno.New(errno.InUse)
	case *tcpip.ErrInvalidEndpointState, *tcpip.ErrBadLocalAddress, *tcpip.ErrInvalidOptionValue:
		return errno.New(errno.Invalid)
	default:
		return errno.New(errno.IO)
	}
}
