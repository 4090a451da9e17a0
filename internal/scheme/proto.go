package scheme

import (
	"github.com/netsockd/netsockd/internal/handle"
)

// Protocol is the capability set of spec.md §4.6/§9: every operation
// the engine needs from a concrete protocol (UDP, TCP, ICMP, ...),
// dispatched generically with no engine-side knowledge of which
// protocol it is talking to. It is the Go realization of the Redox
// source's SchemeSocket trait.
type Protocol interface {
	// NewSocket parses path and allocates a new protocol socket for a
	// caller with the given uid. It returns the new socket's key and its
	// initial per-handle data payload. The privileged-port check of
	// spec.md §4.3 is the protocol's own responsibility (it alone knows
	// whether its path grammar names a local port), returning
	// errno.Permission when violated — mirrored from the Redox source,
	// where the check lives inside UdpSocket::new_socket, not the
	// generic engine.
	NewSocket(path string, uid uint64) (handle.SocketKey, interface{}, error)

	// CloseHook runs once, before the handle is removed from the table,
	// with the closing handle's socket key and per-handle data. It does
	// not decide whether the
	// underlying socket is released — RemoveSocket below does, and is
	// only called once no handle references the key any more.
	CloseHook(key handle.SocketKey, data interface{}) error

	// RemoveSocket releases a protocol socket that no handle references
	// any more.
	RemoveSocket(key handle.SocketKey)

	CanSend(key handle.SocketKey) bool
	CanRecv(key handle.SocketKey) bool
	MayRecv(key handle.SocketKey) bool

	HopLimit(key handle.SocketKey) (uint8, error)
	SetHopLimit(key handle.SocketKey, limit uint8) error

	// WriteBuf attempts a non-blocking send. ok=false means "would
	// block" (the caller decides between EAGAIN and parking); err is a
	// hard protocol error (e.g. EADDRNOTAVAIL).
	WriteBuf(key handle.SocketKey, data interface{}, buf []byte) (n int, ok bool, err error)

	// ReadBuf attempts a non-blocking receive, same ok/err convention
	// as WriteBuf.
	ReadBuf(key handle.SocketKey, data interface{}, buf []byte) (n int, ok bool, err error)

	// FPath renders the canonical path for a socket/setting handle into
	// buf, returning the number of bytes written (truncated, not
	// erroring, if buf is short — spec.md §11 supplemented behavior).
	FPath(key handle.SocketKey, data interface{}, buf []byte) (int, error)

	// Dup implements protocol-specific duplication for a name that
	// isn't one of the reserved setting names. The new handle always
	// shares key, carrying newData as its own per-handle payload
	// (case (a) of spec.md §4.3: "clone the handle with new per-handle
	// data... on the same socket"). If migrateKey is non-nil, the
	// *original* handle is additionally migrated onto migrateKey/
	// migrateData (case (b): "migrate the current handle to a new
	// socket key and new data"). ok=false means "decline" (would-block
	// result to the caller, case (c)).
	Dup(key handle.SocketKey, data interface{}, name string) (newData interface{}, migrateKey *handle.SocketKey, migrateData interface{}, ok bool, err error)

	// GetSetting/SetSetting handle protocol-specific setting keys (the
	// Setting.Other payload), reached only when the setting name did
	// not match hop_limit/read_timeout/write_timeout.
	GetSetting(key handle.SocketKey, data interface{}, other interface{}, buf []byte) (int, error)
	SetSetting(key handle.SocketKey, data interface{}, other interface{}, buf []byte) (int, error)
}
