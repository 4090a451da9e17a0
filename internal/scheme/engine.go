// Package scheme implements the generic socket-scheme engine of
// spec.md §4.3: the verb dispatcher, the wait queue, and the
// edge-triggered event notifier, all generic over a Protocol.
package scheme

import (
	"golang.org/x/sys/unix"

	"github.com/netsockd/netsockd/internal/errno"
	"github.com/netsockd/netsockd/internal/handle"
	"github.com/netsockd/netsockd/internal/wire"
)

// Outcome is what a verb invocation produced when it didn't block.
type Outcome struct {
	Value uint64 // non-negative success value
	Err   error  // non-nil on failure; Value is ignored
}

func ok(v uint64) Outcome            { return Outcome{Value: v} }
func fail(e error) Outcome           { return Outcome{Err: e} }
func failErrno(n unix.Errno) Outcome { return Outcome{Err: errno.New(n)} }

// Request is everything a verb needs out of a wire.Packet, already
// resolved to Go types by the packet loop.
type Request struct {
	Verb  wire.Verb
	FD    handle.ID
	UID   uint64
	GID   uint64
	Flags uint64
	Buf   []byte // write payload, or the caller's read/fpath buffer, sized by the caller
	Path  string // open path / dup name, decoded from the out-of-band payload for those verbs
	Cmd   uint64 // fcntl cmd
	Arg   uint64 // fcntl arg
	Mask  uint64 // fevent mask
}

// Engine dispatches the nine scheme verbs against a handle table and a
// Protocol. It holds no transport state; the packet loop and wait queue
// own request packets.
type Engine struct {
	table *handle.Table
	proto Protocol
}

// New builds an Engine over an empty handle table.
func New(proto Protocol) *Engine {
	return &Engine{table: handle.New(), proto: proto}
}

// Table exposes the underlying handle table, e.g. for the notifier to
// walk live socket handles.
func (e *Engine) Table() *handle.Table { return e.table }

// snapshotSocketHandles exposes live socket handles to the Notifier.
func (e *Engine) snapshotSocketHandles() map[handle.ID]*handle.Socket {
	return e.table.SocketHandles()
}

// blockSignal is a distinct error type so it can never be confused with
// a real errno.Err, matching the Redox source's Ok(None) convention for
// SchemeBlockMut methods ("re-invoke me on the next tick").
type blockSignal struct{}

func (blockSignal) Error() string { return "would block" }

// ErrBlock is returned by Dispatch when the verb cannot complete yet
// and must be parked by the caller.
var ErrBlock error = blockSignal{}

// Dispatch runs one verb to completion or returns ErrBlock.
func (e *Engine) Dispatch(req Request) (Outcome, error) {
	switch req.Verb {
	case wire.SysOpen:
		return e.open(req), nil
	case wire.SysClose:
		return e.close(req), nil
	case wire.SysRead:
		return e.read(req)
	case wire.SysWrite:
		return e.write(req)
	case wire.SysDup:
		return e.dup(req)
	case wire.SysFevent:
		return e.fevent(req), nil
	case wire.SysFpath:
		return e.fpath(req), nil
	case wire.SysFcntl:
		return e.fcntl(req), nil
	case wire.SysFsync:
		return e.fsync(req), nil
	default:
		return failErrno(errno.Invalid), nil
	}
}

func (e *Engine) open(req Request) Outcome {
	if req.Path == "" {
		id := e.table.Alloc(handle.Descriptor{Null: &handle.Null{
			Flags: req.Flags, UID: req.UID, GID: req.GID,
		}})
		return ok(uint64(id))
	}
	key, data, err := e.proto.NewSocket(req.Path, req.UID)
	if err != nil {
		return fail(err)
	}
	id := e.table.Alloc(handle.Descriptor{Socket: &handle.Socket{
		SocketKey: key,
		Flags:     req.Flags,
		Data:      data,
	}})
	return ok(uint64(id))
}

func (e *Engine) close(req Request) Outcome {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle)
	}
	if d.Null != nil {
		e.table.Remove(req.FD)
		return ok(0)
	}

	key, data := descriptorSocketKeyData(d)
	if err := e.proto.CloseHook(key, data); err != nil {
		return fail(err)
	}
	e.table.Remove(req.FD)
	if !e.table.RefersTo(key, req.FD) {
		e.proto.RemoveSocket(key)
	}
	return ok(0)
}

func (e *Engine) write(req Request) (Outcome, error) {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle), nil
	}
	if d.Setting != nil {
		n, err := e.updateSetting(d.Setting, req.Buf)
		if err != nil {
			return fail(err), nil
		}
		return ok(uint64(n)), nil
	}
	s := d.Socket
	if s == nil {
		return failErrno(errno.BadHandle), nil
	}
	n, done, err := e.proto.WriteBuf(s.SocketKey, s.Data, req.Buf)
	if err != nil {
		return fail(err), nil
	}
	if done {
		return ok(uint64(n)), nil
	}
	if s.Flags&wire.ONonblock != 0 {
		return failErrno(errno.WouldBlock), nil
	}
	return Outcome{}, ErrBlock
}

func (e *Engine) read(req Request) (Outcome, error) {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle), nil
	}
	if d.Setting != nil {
		n, err := e.getSetting(d.Setting, req.Buf)
		if err != nil {
			return fail(err), nil
		}
		return ok(uint64(n)), nil
	}
	s := d.Socket
	if s == nil {
		return failErrno(errno.BadHandle), nil
	}
	n, done, err := e.proto.ReadBuf(s.SocketKey, s.Data, req.Buf)
	if err != nil {
		return fail(err), nil
	}
	if done {
		return ok(uint64(n)), nil
	}
	if s.Flags&wire.ONonblock != 0 {
		return failErrno(errno.WouldBlock), nil
	}
	return Outcome{}, ErrBlock
}

func (e *Engine) dup(req Request) (Outcome, error) {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle), nil
	}
	if d.Null != nil {
		n := d.Null
		return e.open(Request{Path: req.Path, Flags: n.Flags, UID: n.UID, GID: n.GID}), nil
	}

	switch req.Path {
	case "hop_limit", "read_timeout", "write_timeout":
		key, _ := descriptorSocketKeyData(d)
		kind := map[string]handle.SettingKind{
			"hop_limit":     handle.SettingHopLimit,
			"read_timeout":  handle.SettingReadTimeout,
			"write_timeout": handle.SettingWriteTimeout,
		}[req.Path]
		id := e.table.Alloc(handle.Descriptor{Setting: &handle.Setting{
			SocketKey: key, ParentFD: req.FD, Kind: kind,
		}})
		return ok(uint64(id)), nil
	}

	s := d.Socket
	if s == nil {
		return failErrno(errno.BadHandle), nil
	}
	newData, migrateKey, migrateData, didDup, err := e.proto.Dup(s.SocketKey, s.Data, req.Path)
	if err != nil {
		return fail(err), nil
	}
	if !didDup {
		return Outcome{}, ErrBlock
	}
	clone := s.CloneWithData(newData)
	id := e.table.Alloc(handle.Descriptor{Socket: &clone})
	if migrateKey != nil {
		s.SocketKey = *migrateKey
		s.Data = migrateData
		e.table.Set(req.FD, handle.Descriptor{Socket: s})
	}
	return ok(uint64(id)), nil
}

func (e *Engine) fevent(req Request) Outcome {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle)
	}
	s := d.Socket
	if s == nil {
		return failErrno(errno.BadHandle)
	}
	s.Events = req.Mask
	s.ReadNotified = false
	s.WriteNotified = false
	revents := e.readiness(s)
	return ok(revents)
}

func (e *Engine) fpath(req Request) Outcome {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle)
	}
	key, data := descriptorSocketKeyData(d)
	if key == nil {
		return failErrno(errno.BadHandle)
	}
	n, err := e.proto.FPath(key, data, req.Buf)
	if err != nil {
		return fail(err)
	}
	return ok(uint64(n))
}

func (e *Engine) fcntl(req Request) Outcome {
	d, found := e.table.Get(req.FD)
	if !found {
		return failErrno(errno.BadHandle)
	}
	var flagsPtr *uint64
	switch {
	case d.Null != nil:
		flagsPtr = &d.Null.Flags
	case d.Socket != nil:
		flagsPtr = &d.Socket.Flags
	default:
		return failErrno(errno.BadHandle)
	}
	switch req.Cmd {
	case wire.FGetFL:
		return ok(*flagsPtr)
	case wire.FSetFL:
		*flagsPtr = req.Arg &^ wire.OAccMode
		return ok(0)
	default:
		return failErrno(errno.Invalid)
	}
}

func (e *Engine) fsync(req Request) Outcome {
	if _, found := e.table.Get(req.FD); !found {
		return failErrno(errno.BadHandle)
	}
	return ok(0)
}

func descriptorSocketKeyData(d handle.Descriptor) (handle.SocketKey, interface{}) {
	switch {
	case d.Socket != nil:
		return d.Socket.SocketKey, d.Socket.Data
	case d.Setting != nil:
		return d.Setting.SocketKey, nil
	default:
		return nil, nil
	}
}

// readiness computes the currently-satisfied subset of s.Events,
// applying edge-triggered emission semantics: a bit is returned only
// while the corresponding notified flag transitions false->true here.
func (e *Engine) readiness(s *handle.Socket) uint64 {
	var revents uint64
	if s.Events&unix.POLLIN != 0 && (e.proto.CanRecv(s.SocketKey) || !e.proto.MayRecv(s.SocketKey)) {
		if !s.ReadNotified {
			s.ReadNotified = true
			revents |= unix.POLLIN
		}
	} else {
		s.ReadNotified = false
	}
	if s.Events&unix.POLLOUT != 0 && e.proto.CanSend(s.SocketKey) {
		if !s.WriteNotified {
			s.WriteNotified = true
			revents |= unix.POLLOUT
		}
	} else {
		s.WriteNotified = false
	}
	return revents
}
