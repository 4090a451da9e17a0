package udpproto

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/netsockd/netsockd/internal/errno"
	"github.com/netsockd/netsockd/internal/handle"
	"github.com/netsockd/netsockd/internal/nettcpip"
	"github.com/netsockd/netsockd/internal/scheme"
	"github.com/netsockd/netsockd/internal/sclock"
	"github.com/netsockd/netsockd/internal/wire"
)

// newLoopbackStack brings up a real gvisor stack plus the self-delivery
// pump, torn down when the test ends.
func newLoopbackStack(t *testing.T) *nettcpip.Stack {
	t.Helper()
	st, err := nettcpip.New(nettcpip.Config{
		Addr: tcpip.AddrFromSlice([]byte{10, 0, 0, 1}),
		MTU:  1500,
	})
	if err != nil {
		t.Fatalf("nettcpip.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go st.Loopback(ctx)
	t.Cleanup(cancel)
	return st
}

func dispatchOpen(t *testing.T, e *scheme.Engine, path string, uid uint64) handle.ID {
	t.Helper()
	out, err := e.Dispatch(scheme.Request{Verb: wire.SysOpen, Path: path, UID: uid})
	if err != nil {
		t.Fatalf("open blocked unexpectedly: %v", err)
	}
	if out.Err != nil {
		t.Fatalf("open(%q) failed: %v", path, out.Err)
	}
	return handle.ID(out.Value)
}

// pollRead retries a non-blocking SysRead until it completes or
// deadline passes, standing in for the packet loop's wait-queue replay
// (spec.md §8 scenario 1: "a peer sends, the parked read completes").
func pollRead(t *testing.T, e *scheme.Engine, fd handle.ID, buf []byte, timeout time.Duration) scheme.Outcome {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		out, err := e.Dispatch(scheme.Request{Verb: wire.SysRead, FD: fd, Buf: buf})
		if err != scheme.ErrBlock {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("read on fd %d never became ready within %s", fd, timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestUDPEchoBlockingReadCompletesAfterPeerSends exercises spec.md §8
// scenario 1 end to end against the real stack: a write from one socket
// parks a read on another until the datagram is delivered.
func TestUDPEchoBlockingReadCompletesAfterPeerSends(t *testing.T) {
	st := newLoopbackStack(t)
	adapter := New(st)
	recvEngine := scheme.New(adapter)
	sendEngine := scheme.New(adapter)

	recvFD := dispatchOpen(t, recvEngine, "/10.0.0.1:9000", 0)
	sendFD := dispatchOpen(t, sendEngine, "10.0.0.1:9000/10.0.0.1:9001", 0)

	out, err := sendEngine.Dispatch(scheme.Request{Verb: wire.SysWrite, FD: sendFD, Buf: []byte("ping")})
	if err != nil || out.Err != nil {
		t.Fatalf("write failed: %+v, %v", out, err)
	}
	if out.Value != 4 {
		t.Fatalf("expected 4 bytes written, got %d", out.Value)
	}

	buf := make([]byte, 64)
	out = pollRead(t, recvEngine, recvFD, buf, 2*time.Second)
	if out.Err != nil {
		t.Fatalf("read failed: %v", out.Err)
	}
	if got := string(buf[:out.Value]); got != "ping" {
		t.Fatalf("expected to read %q, got %q", "ping", got)
	}
}

// TestReadTimeoutExpiresWithNoPeer exercises spec.md §8 scenario 2: a
// read with a configured timeout and no data ever arriving is replied
// ETIMEDOUT by the wait queue, not left parked forever.
func TestReadTimeoutExpiresWithNoPeer(t *testing.T) {
	st := newLoopbackStack(t)
	adapter := New(st)
	e := scheme.New(adapter)
	fd := dispatchOpen(t, e, "/10.0.0.1:9100", 0)

	out, err := e.Dispatch(scheme.Request{Verb: wire.SysDup, FD: fd, Path: "read_timeout"})
	if err != nil || out.Err != nil {
		t.Fatalf("dup(read_timeout) failed: %+v, %v", out, err)
	}
	settingFD := handle.ID(out.Value)
	in := make([]byte, wire.TimespecSize)
	wire.EncodeTimespec(unix.NsecToTimespec(int64(50_000_000)), in)
	if out, err := e.Dispatch(scheme.Request{Verb: wire.SysWrite, FD: settingFD, Buf: in}); err != nil || out.Err != nil {
		t.Fatalf("write(read_timeout) failed: %+v, %v", out, err)
	}

	d, _ := e.Table().Get(fd)
	clock := sclock.NewFake()
	queue := scheme.NewWaitQueue()

	req := scheme.Request{Verb: wire.SysRead, FD: fd, Buf: make([]byte, 16)}
	if _, err := e.Dispatch(req); err != scheme.ErrBlock {
		t.Fatalf("expected read to block with no peer, got %v", err)
	}
	deadline := scheme.Deadline(clock, wire.SysRead, d.Socket)
	if deadline == nil {
		t.Fatalf("expected a configured read deadline")
	}
	queue.Push(scheme.Parked{FD: fd, Req: req, Packet: wire.Packet{ID: 1, B: uint64(fd)}, Deadline: deadline})

	clock.Advance(100 * time.Millisecond)
	replies := queue.Tick(e, clock)
	if len(replies) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(replies))
	}
	if replies[0].Packet.A != wire.Negative(int(errno.TimedOut)) {
		t.Fatalf("expected ETIMEDOUT, got %#x", replies[0].Packet.A)
	}
}

// TestEdgeTriggeredNotifyFiresOnceOnRealReadiness exercises spec.md §8
// scenario 3 against the real adapter: fevent reports POLLIN only on the
// tick where a datagram actually becomes available, not on every tick
// it stays unread.
func TestEdgeTriggeredNotifyFiresOnceOnRealReadiness(t *testing.T) {
	st := newLoopbackStack(t)
	adapter := New(st)
	recvEngine := scheme.New(adapter)
	sendEngine := scheme.New(adapter)
	notifier := scheme.NewNotifier()

	recvFD := dispatchOpen(t, recvEngine, "/10.0.0.1:9200", 0)
	sendFD := dispatchOpen(t, sendEngine, "10.0.0.1:9200/10.0.0.1:9201", 0)

	out, _ := recvEngine.Dispatch(scheme.Request{Verb: wire.SysFevent, FD: recvFD, Mask: unix.POLLIN})
	if out.Value&unix.POLLIN != 0 {
		t.Fatalf("expected no readiness before any datagram arrives, got %#x", out.Value)
	}
	if evs := notifier.Tick(recvEngine); len(evs) != 0 {
		t.Fatalf("expected no events before any datagram arrives, got %+v", evs)
	}

	if out, err := sendEngine.Dispatch(scheme.Request{Verb: wire.SysWrite, FD: sendFD, Buf: []byte("hi")}); err != nil || out.Err != nil {
		t.Fatalf("write failed: %+v, %v", out, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var events []scheme.Event
	for {
		events = notifier.Tick(recvEngine)
		if len(events) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notifier never fired after the peer sent data")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if events[0].FD != recvFD || events[0].Bits&unix.POLLIN == 0 {
		t.Fatalf("expected a POLLIN event for fd %d, got %+v", recvFD, events)
	}

	if evs := notifier.Tick(recvEngine); len(evs) != 0 {
		t.Fatalf("expected the edge to have been consumed, got %+v", evs)
	}
}

// TestDupRebindsRemoteOnSharedSocket exercises spec.md §8 scenario 4: a
// dup onto a new remote name reuses the parent's bound port but talks to
// a different peer.
func TestDupRebindsRemoteOnSharedSocket(t *testing.T) {
	st := newLoopbackStack(t)
	adapter := New(st)
	e := scheme.New(adapter)
	recvEngine := scheme.New(adapter)

	fd := dispatchOpen(t, e, "10.0.0.1:9300/10.0.0.1:9301", 0)
	recvFD := dispatchOpen(t, recvEngine, "/10.0.0.1:9302", 0)

	out, err := e.Dispatch(scheme.Request{Verb: wire.SysDup, FD: fd, Path: "10.0.0.1:9302"})
	if err != nil || out.Err != nil {
		t.Fatalf("dup(remote) failed: %+v, %v", out, err)
	}
	dupFD := handle.ID(out.Value)

	if out, err := e.Dispatch(scheme.Request{Verb: wire.SysWrite, FD: dupFD, Buf: []byte("rebound")}); err != nil || out.Err != nil {
		t.Fatalf("write on dup'd handle failed: %+v, %v", out, err)
	}

	buf := make([]byte, 32)
	out = pollRead(t, recvEngine, recvFD, buf, 2*time.Second)
	if out.Err != nil {
		t.Fatalf("read failed: %v", out.Err)
	}
	if got := string(buf[:out.Value]); got != "rebound" {
		t.Fatalf("expected %q, got %q", "rebound", got)
	}
}

// TestCloseReleasesPortForReuseOnlyWhenUnreferenced exercises spec.md §8
// scenario 5 against the real port set: the ephemeral/explicit port a
// socket claimed cannot be reclaimed by a new open while a dup'd handle
// still references it, and becomes available again once that handle
// closes too.
func TestCloseReleasesPortForReuseOnlyWhenUnreferenced(t *testing.T) {
	st := newLoopbackStack(t)
	adapter := New(st)
	e := scheme.New(adapter)

	fd := dispatchOpen(t, e, "/10.0.0.1:9400", 0)
	out, err := e.Dispatch(scheme.Request{Verb: wire.SysDup, FD: fd, Path: ""})
	if err != nil || out.Err != nil {
		t.Fatalf("dup(\"\") failed: %+v, %v", out, err)
	}
	fd2 := handle.ID(out.Value)

	e.Dispatch(scheme.Request{Verb: wire.SysClose, FD: fd})
	if _, _, err := adapter.NewSocket("/10.0.0.1:9400", 0); err == nil {
		t.Fatalf("expected EADDRINUSE while the dup'd handle still references port 9400")
	}

	e.Dispatch(scheme.Request{Verb: wire.SysClose, FD: fd2})
	key, _, err := adapter.NewSocket("/10.0.0.1:9400", 0)
	if err != nil {
		t.Fatalf("expected port 9400 to be reclaimable once unreferenced: %v", err)
	}
	adapter.RemoveSocket(key)
}

// TestPrivilegedPortRequiresRoot exercises spec.md §8 scenario 6 against
// the real adapter's own privileged-port check.
func TestPrivilegedPortRequiresRoot(t *testing.T) {
	st := newLoopbackStack(t)
	adapter := New(st)

	if _, _, err := adapter.NewSocket("/10.0.0.1:80", 1000); err == nil {
		t.Fatalf("expected a permission error binding port 80 as a non-root uid")
	}
	key, _, err := adapter.NewSocket("/10.0.0.1:80", 0)
	if err != nil {
		t.Fatalf("uid 0 should be allowed to bind port 80: %v", err)
	}
	adapter.RemoveSocket(key)
}
