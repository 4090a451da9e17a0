// Package nettcpip bootstraps the in-process protocol stack netsockd
// multiplexes onto: a gvisor.dev/gvisor tcpip.Stack with one virtual NIC
// and a static route table, standing in for the teacher's
// github.com/google/netstack/tcpip-backed Netstack component and its
// real Ethernet device.
package nettcpip

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// NICID is the single virtual NIC every stack built by this package
// carries. A production netsockd would have one per configured
// interface; spec.md's scope is the socket-scheme engine, not interface
// management, so one static NIC is enough to exercise the protocol
// adapter end to end.
const NICID tcpip.NICID = 1

// Config names the NIC address and MTU to bring up at startup, the Go
// analogue of the teacher's addEth(topologicalPath, InterfaceConfig, ...).
type Config struct {
	Addr tcpip.Address
	MTU  uint32
}

// Stack wraps a gvisor tcpip.Stack plus the channel.Endpoint standing in
// for a real NIC driver (spec.md §1's "NIC polling driver" collaborator).
type Stack struct {
	*stack.Stack
	linkEP *channel.Endpoint
}

// New brings up a tcpip.Stack with IPv4+UDP support, a channel.Endpoint
// NIC carrying cfg.Addr, and a default route through that NIC — the Go
// realization of the teacher's ns.mu.stack construction plus addEth.
func New(cfg Config) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
	})

	linkEP := channel.New(256, cfg.MTU, "")
	if err := s.CreateNIC(NICID, linkEP); err != nil {
		return nil, fmt.Errorf("create nic: %s", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: cfg.Addr.WithPrefix(),
	}
	if err := s.AddProtocolAddress(NICID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("add address: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         NICID,
	}})

	glog.Infof("nettcpip: stack up, nic=%d addr=%s mtu=%d", NICID, cfg.Addr, cfg.MTU)
	return &Stack{Stack: s, linkEP: linkEP}, nil
}

// InjectInbound delivers a raw Ethernet-less IP packet into the stack's
// NIC, letting a caller simulate "a peer sent data" without a real
// network. Nothing in this repository calls it; the tests reach peers
// through Loopback instead.
func (s *Stack) InjectInbound(proto tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	s.linkEP.InjectInbound(proto, pkt)
}

// Loopback reads every packet the NIC would otherwise send out and
// reinjects it as inbound traffic on the same NIC, until ctx is done or
// the endpoint is closed. spec.md treats the NIC driver as an
// out-of-scope collaborator, so this channel.Endpoint never reaches a
// real link; Loopback is what lets two sockets bound to the one
// configured address exchange datagrams with each other, the same way
// a real stack's loopback interface would.
func (s *Stack) Loopback(ctx context.Context) {
	for {
		pkt := s.linkEP.ReadContext(ctx)
		if pkt.IsNil() {
			return
		}
		proto := pkt.NetworkProtocolNumber
		var raw []byte
		for _, v := range pkt.AsSlices() {
			raw = append(raw, v...)
		}
		pkt.DecRef()

		inbound := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(raw),
		})
		s.linkEP.InjectInbound(proto, inbound)
		inbound.DecRef()
	}
}
