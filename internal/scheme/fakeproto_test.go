package scheme

import (
	"github.com/netsockd/netsockd/internal/errno"
	"github.com/netsockd/netsockd/internal/handle"
)

// fakeSocket is the backing store for one fake protocol socket: a tiny
// unbounded byte queue, enough to exercise can_send/can_recv/hop_limit
// and the read/write would-block contract without a real network
// stack.
type fakeSocket struct {
	recvQueue   [][]byte
	sendBlocked bool
	mayRecv     bool
	hopLimit    uint8
	closed      bool
}

// fakeProto is a minimal scheme.Protocol used to unit-test the engine,
// wait queue and notifier in isolation from any real network stack.
type fakeProto struct {
	sockets map[int]*fakeSocket
	nextKey int
}

func newFakeProto() *fakeProto {
	return &fakeProto{sockets: make(map[int]*fakeSocket)}
}

func (p *fakeProto) newSocketLocked(mayRecv bool) (handle.SocketKey, *fakeSocket) {
	p.nextKey++
	s := &fakeSocket{mayRecv: mayRecv, hopLimit: 64}
	p.sockets[p.nextKey] = s
	return p.nextKey, s
}

func (p *fakeProto) NewSocket(path string, uid uint64) (handle.SocketKey, interface{}, error) {
	if path == "priv" && uid != 0 {
		return nil, nil, errno.New(errno.Permission)
	}
	key, _ := p.newSocketLocked(true)
	return key, path, nil
}

func (p *fakeProto) CloseHook(key handle.SocketKey, data interface{}) error {
	if s, ok := p.sockets[key.(int)]; ok {
		s.closed = true
	}
	return nil
}

func (p *fakeProto) RemoveSocket(key handle.SocketKey) {
	delete(p.sockets, key.(int))
}

func (p *fakeProto) CanSend(key handle.SocketKey) bool {
	return !p.sockets[key.(int)].sendBlocked
}

func (p *fakeProto) CanRecv(key handle.SocketKey) bool {
	return len(p.sockets[key.(int)].recvQueue) > 0
}

func (p *fakeProto) MayRecv(key handle.SocketKey) bool {
	return p.sockets[key.(int)].mayRecv
}

func (p *fakeProto) HopLimit(key handle.SocketKey) (uint8, error) {
	return p.sockets[key.(int)].hopLimit, nil
}

func (p *fakeProto) SetHopLimit(key handle.SocketKey, limit uint8) error {
	p.sockets[key.(int)].hopLimit = limit
	return nil
}

func (p *fakeProto) WriteBuf(key handle.SocketKey, data interface{}, buf []byte) (int, bool, error) {
	s := p.sockets[key.(int)]
	if s.sendBlocked {
		return 0, false, nil
	}
	return len(buf), true, nil
}

func (p *fakeProto) ReadBuf(key handle.SocketKey, data interface{}, buf []byte) (int, bool, error) {
	s := p.sockets[key.(int)]
	if len(s.recvQueue) == 0 {
		return 0, false, nil
	}
	msg := s.recvQueue[0]
	s.recvQueue = s.recvQueue[1:]
	n := copy(buf, msg)
	return n, true, nil
}

func (p *fakeProto) FPath(key handle.SocketKey, data interface{}, buf []byte) (int, error) {
	path := "fake:" + data.(string)
	n := copy(buf, path)
	return n, nil
}

func (p *fakeProto) Dup(key handle.SocketKey, data interface{}, name string) (interface{}, *handle.SocketKey, interface{}, bool, error) {
	if name == "decline" {
		return nil, nil, nil, false, nil
	}
	if name == "migrate" {
		newKey, _ := p.newSocketLocked(true)
		return data, &newKey, "migrated", true, nil
	}
	return name, nil, nil, true, nil
}

func (p *fakeProto) GetSetting(key handle.SocketKey, data interface{}, other interface{}, buf []byte) (int, error) {
	return 0, nil
}

func (p *fakeProto) SetSetting(key handle.SocketKey, data interface{}, other interface{}, buf []byte) (int, error) {
	return 0, nil
}

// deliver pushes a received datagram onto a socket's recv queue, used
// by tests to simulate "a peer sent data".
func (p *fakeProto) deliver(key handle.SocketKey, msg []byte) {
	p.sockets[key.(int)].recvQueue = append(p.sockets[key.(int)].recvQueue, msg)
}

func (p *fakeProto) setSendBlocked(key handle.SocketKey, blocked bool) {
	p.sockets[key.(int)].sendBlocked = blocked
}

var _ Protocol = (*fakeProto)(nil)
