package udpproto

import "github.com/netsockd/netsockd/internal/errno"

// ephemeralLo/ephemeralHi bound the locally assignable UDP port range
// spec.md §4.6.1 and §11 call out: [49152, 65535], the same range the
// Rust origin's port_set collaborator used (49_152u16, 65_535u16).
const (
	ephemeralLo uint16 = 49152
	ephemeralHi uint16 = 65535
)

// PortSet is the ephemeral-port bookkeeping collaborator of spec.md
// §4.6.1. It is not present in original_source's filtered snapshot
// (only udp.rs/socket.rs/logger.rs were kept), so its field layout is
// our own design: a claimed-port set plus a round-robin cursor, built
// to satisfy the get/claim/release contract udp.rs calls.
//
// udp.rs also pairs acquire_port with every dup, keeping a per-port
// refcount so the port survives as long as any cloned handle does. Here
// the handle table already tracks exactly that (handle.Table.RefersTo),
// and RemoveSocket is only ever called once the table confirms no
// handle anywhere still references the socket's key — so a second,
// independent refcount on the port itself would only ever agree with
// the table's answer, never override it. Release frees the port
// outright rather than decrementing a count nothing else would consult.
type PortSet struct {
	claimed map[uint16]bool
	cursor  uint16
}

// NewPortSet returns an empty port set over the ephemeral range.
func NewPortSet() *PortSet {
	return &PortSet{claimed: make(map[uint16]bool), cursor: ephemeralLo}
}

// Get allocates the next free ephemeral port, wrapping around the range
// once. It fails with EINVAL once every port in range is claimed,
// matching spec.md §8's boundary behavior for port exhaustion.
func (p *PortSet) Get() (uint16, error) {
	start := p.cursor
	for {
		port := p.cursor
		p.advance()
		if !p.claimed[port] {
			p.claimed[port] = true
			return port, nil
		}
		if p.cursor == start {
			return 0, errno.New(errno.Invalid)
		}
	}
}

func (p *PortSet) advance() {
	if p.cursor == ephemeralHi {
		p.cursor = ephemeralLo
	} else {
		p.cursor++
	}
}

// Claim reserves an explicitly-named port (out of the ephemeral range or
// not — a caller can bind any port number, it just isn't handed out by
// Get). It reports false if the port is already held, the caller for
// EADDRINUSE.
func (p *PortSet) Claim(port uint16) bool {
	if p.claimed[port] {
		return false
	}
	p.claimed[port] = true
	return true
}

// Release frees port, making it available to a future Get/Claim.
func (p *PortSet) Release(port uint16) {
	delete(p.claimed, port)
}
