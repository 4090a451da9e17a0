// Command netsockd runs the socket-scheme multiplexer: it brings up an
// in-process TCP/IP stack, a UDP protocol adapter over it, and serves
// client requests over a single Unix-domain socket using the fixed
// packet protocol of spec.md §6.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/netsockd/netsockd/internal/nettcpip"
	"github.com/netsockd/netsockd/internal/packetloop"
	"github.com/netsockd/netsockd/internal/scheme"
	"github.com/netsockd/netsockd/internal/sclock"
	"github.com/netsockd/netsockd/internal/udpproto"
)

// tickInterval bounds how stale a wait-queue replay or event notification
// can be: the connection loop blocks on Step for at most this long before
// giving Tick a chance to run, per spec.md §5's tick-driven model.
const tickInterval = 20 * time.Millisecond

var (
	nicAddr = flag.String("nic-addr", "10.0.0.1", "IPv4 address assigned to the virtual NIC")
	nicMTU  = flag.Uint("nic-mtu", 1500, "MTU of the virtual NIC")
	listen  = flag.String("listen", "/tmp/netsockd.sock", "Unix-domain socket to serve the scheme protocol on")
)

func main() {
	flag.Parse()

	ip := net.ParseIP(*nicAddr).To4()
	if ip == nil {
		glog.Fatalf("netsockd: invalid -nic-addr %q", *nicAddr)
	}

	st, err := nettcpip.New(nettcpip.Config{
		Addr: tcpip.AddrFromSlice(ip),
		MTU:  uint32(*nicMTU),
	})
	if err != nil {
		glog.Fatalf("netsockd: bringing up stack: %s", err)
	}

	adapter := udpproto.New(st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go st.Loopback(ctx)

	if err := os.Remove(*listen); err != nil && !os.IsNotExist(err) {
		glog.Fatalf("netsockd: clearing stale socket %s: %s", *listen, err)
	}
	ln, err := net.Listen("unix", *listen)
	if err != nil {
		glog.Fatalf("netsockd: listening on %s: %s", *listen, err)
	}
	defer ln.Close()
	glog.Infof("netsockd: serving %s", *listen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return serve(ctx, ln, adapter)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		glog.Fatalf("netsockd: %s", err)
	}
	glog.Infof("netsockd: shut down")
}

// serve accepts a single scheme connection at a time — the core is
// single-threaded cooperative (spec.md §5), so one live connection owns
// its engine for its lifetime. The network stack and protocol adapter
// outlive every connection; each accepted connection gets its own fresh
// engine and handle table, so a dropped client never leaks handles onto
// the next one.
func serve(ctx context.Context, ln net.Listener, adapter *udpproto.Adapter) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		glog.Infof("netsockd: accepted connection from %s", conn.RemoteAddr())

		engine := scheme.New(adapter)
		loop := packetloop.New(conn, engine, sclock.Real)
		if err := runLoop(ctx, conn, loop); err != nil {
			glog.Warningf("netsockd: connection loop ended: %s", err)
		}
		conn.Close()
	}
}

// runLoop drives one connection's Loop until its transport closes, its
// context is cancelled, or an I/O error occurs. It interleaves Step
// (read and dispatch one request) with Tick (event notification and
// wait-queue replay) by bounding each Step with a short read deadline,
// keeping the Loop's state touched from this single goroutine only, per
// spec.md §5's single-threaded cooperative core.
func runLoop(ctx context.Context, conn net.Conn, loop *packetloop.Loop) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(tickInterval)); err != nil {
			return err
		}
		err := loop.Step()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case isTimeout(err):
			// No packet arrived within tickInterval; fall through to Tick.
		case err != nil:
			return err
		}

		if err := loop.Tick(); err != nil {
			return err
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
