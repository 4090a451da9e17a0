// Package packetloop implements spec.md §4.1: draining a transport of
// wire packets, dispatching each to the scheme engine, writing replies,
// and parking would-block requests. It also drives the event-notifier
// and wait-queue-replay steps of the tick spec.md §5 describes.
package packetloop

import (
	"io"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/netsockd/netsockd/internal/errno"
	"github.com/netsockd/netsockd/internal/handle"
	"github.com/netsockd/netsockd/internal/scheme"
	"github.com/netsockd/netsockd/internal/sclock"
	"github.com/netsockd/netsockd/internal/wire"
)

// badEncoding distinguishes "the client sent non-UTF-8 bytes for a path
// or dup name" (a reply-worthy EINVAL, spec.md §6's verb table) from a
// genuine transport I/O error, which is fatal to the loop per §4.1.
type badEncoding struct{}

func (badEncoding) Error() string { return "invalid utf-8 in path/name" }

// Loop owns one transport connection's worth of scheme-engine state:
// the engine itself, its wait queue, and its event notifier.
type Loop struct {
	conn     io.ReadWriter
	engine   *scheme.Engine
	queue    *scheme.WaitQueue
	notifier *scheme.Notifier
	clock    sclock.Clock
}

// New wires a fresh Loop around conn and proto's engine.
func New(conn io.ReadWriter, engine *scheme.Engine, clock sclock.Clock) *Loop {
	return &Loop{
		conn:     conn,
		engine:   engine,
		queue:    scheme.NewWaitQueue(),
		notifier: scheme.NewNotifier(),
		clock:    clock,
	}
}

// Drain reads and dispatches every currently-available request packet.
// It returns io.EOF once the transport signals a clean close (a
// zero-length read, spec.md §4.1), or the first I/O error encountered —
// fatal to this loop iteration per spec.md §7's propagation policy.
func (l *Loop) Drain() error {
	for {
		if err := l.Step(); err != nil {
			return err
		}
	}
}

// Step reads and dispatches exactly one request packet. It returns
// io.EOF on a clean close, and otherwise whatever error the transport's
// Read returned unchanged — including a read deadline expiring, which
// the daemon's connection loop uses to interleave reads with ticks
// without a second goroutine touching this Loop's state.
func (l *Loop) Step() error {
	pkt, err := wire.ReadPacket(l.conn)
	if err != nil {
		return err
	}
	return l.handleOne(pkt)
}

// Tick runs one cycle of spec.md §5's tick ordering steps 3-4 (event
// notification, wait-queue replay); stack polling (step 2) happens
// inside the protocol adapter's own gvisor endpoint calls, which are
// synchronous from the engine's point of view.
func (l *Loop) Tick() error {
	for _, ev := range l.notifier.Tick(l.engine) {
		if err := l.writeEvent(ev); err != nil {
			return err
		}
	}
	for _, r := range l.queue.Tick(l.engine, l.clock) {
		if err := l.writeReply(r.Packet, r.Packet.A, r.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) handleOne(pkt wire.Packet) error {
	req, err := l.decode(pkt)
	if _, bad := err.(badEncoding); bad {
		return l.writeReply(pkt, wire.Negative(int(errno.Invalid)), nil)
	}
	if err != nil {
		return err
	}

	outcome, blockErr := l.engine.Dispatch(req)
	if blockErr == scheme.ErrBlock {
		d, _ := l.engine.Table().Get(req.FD)
		deadline := scheme.Deadline(l.clock, req.Verb, d.Socket)
		l.queue.Push(scheme.Parked{FD: req.FD, Req: req, Packet: pkt, Deadline: deadline})
		glog.V(2).Infof("packetloop: parked id=%d verb=%d fd=%d", pkt.ID, req.Verb, req.FD)
		return nil
	}

	if req.Verb == wire.SysClose {
		// Evict any still-parked requests against this fd (spec.md §3
		// Lifecycles) before they can be re-dispatched against a handle
		// that no longer exists.
		l.queue.EvictFD(req.FD)
	}

	switch req.Verb {
	case wire.SysRead, wire.SysFpath:
		var payload []byte
		if outcome.Err == nil {
			payload = req.Buf[:outcome.Value]
		}
		return l.writeReply(pkt, scheme.EncodeOutcome(outcome), payload)
	default:
		return l.writeReply(pkt, scheme.EncodeOutcome(outcome), nil)
	}
}

func (l *Loop) writeReply(pkt wire.Packet, a uint64, payload []byte) error {
	pkt.A = a
	if err := wire.WritePacket(l.conn, pkt); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := l.conn.Write(payload)
	return err
}

func (l *Loop) writeEvent(ev scheme.Event) error {
	p := wire.Packet{A: uint64(wire.SysFevent), B: uint64(ev.FD), C: ev.Bits, D: 1}
	return wire.WritePacket(l.conn, p)
}

// decode translates one wire.Packet header plus its out-of-band payload
// into an engine Request. B always carries the fd; C/D carry
// verb-specific operands, per spec.md §6. Write/dup payloads (the bytes
// to send, or the dup name) travel immediately after the header;
// read/fpath pre-allocate the caller's requested buffer length.
func (l *Loop) decode(pkt wire.Packet) (scheme.Request, error) {
	req := scheme.Request{
		Verb: wire.Verb(pkt.A),
		FD:   handle.ID(pkt.B),
		UID:  pkt.UID,
		GID:  pkt.GID,
	}
	switch req.Verb {
	case wire.SysOpen:
		req.Flags = pkt.C
		path, err := l.readString(pkt.D)
		if err != nil {
			return req, err
		}
		req.Path = path
	case wire.SysWrite:
		buf := make([]byte, pkt.C)
		if _, err := io.ReadFull(l.conn, buf); err != nil {
			return req, err
		}
		req.Buf = buf
	case wire.SysRead, wire.SysFpath:
		req.Buf = make([]byte, pkt.C)
	case wire.SysDup:
		name, err := l.readString(pkt.C)
		if err != nil {
			return req, err
		}
		req.Path = name
	case wire.SysFevent:
		req.Mask = pkt.C
	case wire.SysFcntl:
		req.Cmd = pkt.C
		req.Arg = pkt.D
	case wire.SysClose, wire.SysFsync:
		// fd only
	}
	return req, nil
}

// readString reads n bytes as the payload for a path/dup-name operand,
// rejecting non-UTF-8 content with badEncoding (spec.md §6's "EINVAL
// (bad utf-8)" dup error, generalized to open's path too).
func (l *Loop) readString(n uint64) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.conn, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", badEncoding{}
	}
	return string(buf), nil
}
