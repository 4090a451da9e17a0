// Package handle implements the handle table of spec.md §3/§4.2: the
// mapping from handle ID to descriptor, the ID allocator, and the three
// descriptor variants (null, socket, setting).
package handle

import "time"

// ID identifies a client-held handle. IDs are strictly increasing for
// the lifetime of the table (spec.md invariant 6).
type ID uint64

// SettingKind names which per-handle attribute a setting handle aliases.
type SettingKind int

const (
	SettingHopLimit SettingKind = iota
	SettingReadTimeout
	SettingWriteTimeout
	SettingOther
)

// Null is a freshly opened empty path: only open flags and caller
// identity, kept so a later dup can be replayed as a deferred open
// (spec.md §4.3 dup).
type Null struct {
	Flags uint64
	UID   uint64
	GID   uint64
}

// Socket is bound to a protocol socket (spec.md §3 "Socket handle").
// Data is the protocol adapter's opaque per-handle payload (e.g. the
// UDP remote endpoint).
type Socket struct {
	SocketKey     SocketKey
	Events        uint64 // requested event mask (POLLIN/POLLOUT bits)
	ReadNotified  bool
	WriteNotified bool
	ReadTimeout   *time.Duration
	WriteTimeout  *time.Duration
	Flags         uint64
	Data          interface{}
}

// CloneWithData returns a copy of s with a new per-handle Data payload
// and both notified edges reset, mirroring the Redox source's
// SocketFile::clone_with_data — the new handle must still be able to
// observe a condition that was already true for the parent.
func (s Socket) CloneWithData(data interface{}) Socket {
	c := s
	c.Data = data
	c.ReadNotified = false
	c.WriteNotified = false
	return c
}

// Setting aliases a parent socket handle and names one attribute.
// SettingOther/Other exist for protocol generality (a future TCP
// adapter might add backlog-style settings) but are never constructed
// by the engine today — this mirrors the Redox source's own
// Setting::Other variant, which its UDP scheme never produces either.
type Setting struct {
	SocketKey SocketKey
	ParentFD  ID
	Kind      SettingKind
	Other     interface{}
}

// SocketKey is the opaque identifier of a live protocol socket (spec.md
// §3 "Protocol socket"). The protocol adapter chooses its concrete type;
// the handle table and scheme engine never interpret it.
type SocketKey interface{}

// Descriptor is one of Null, Socket, or Setting.
type Descriptor struct {
	Null    *Null
	Socket  *Socket
	Setting *Setting
}

// Table maps handle IDs to descriptors and allocates fresh IDs.
type Table struct {
	nextID      ID
	descriptors map[ID]Descriptor
}

// New returns an empty handle table. IDs start at 1, matching the
// Redox source's next_fd seed (fd 0 is never issued).
func New() *Table {
	return &Table{nextID: 1, descriptors: make(map[ID]Descriptor)}
}

// Alloc reserves a fresh strictly-increasing ID and stores d under it.
func (t *Table) Alloc(d Descriptor) ID {
	id := t.nextID
	t.nextID++
	t.descriptors[id] = d
	return id
}

// Get returns the descriptor for id, or ok=false if unknown.
func (t *Table) Get(id ID) (Descriptor, bool) {
	d, ok := t.descriptors[id]
	return d, ok
}

// Remove deletes id from the table, returning the descriptor it held
// (ok=false if id was unknown).
func (t *Table) Remove(id ID) (Descriptor, bool) {
	d, ok := t.descriptors[id]
	if ok {
		delete(t.descriptors, id)
	}
	return d, ok
}

// Set overwrites the descriptor stored under an existing id, used by
// dup-in-place (protocol migrating a handle onto a new socket key).
func (t *Table) Set(id ID, d Descriptor) {
	t.descriptors[id] = d
}

// SocketHandles returns every live socket handle, keyed by ID, for the
// event notifier to walk. The returned pointers alias the table's own
// storage so mutating edge flags through them is visible on the next
// call.
func (t *Table) SocketHandles() map[ID]*Socket {
	out := make(map[ID]*Socket)
	for id, d := range t.descriptors {
		if d.Socket != nil {
			out[id] = d.Socket
		}
	}
	return out
}

// RefersTo reports whether any live handle (other than except) still
// references key, used by close to decide whether the underlying socket
// can be released (spec.md invariant 2).
func (t *Table) RefersTo(key SocketKey, except ID) bool {
	for id, d := range t.descriptors {
		if id == except {
			continue
		}
		if d.Socket != nil && d.Socket.SocketKey == key {
			return true
		}
		if d.Setting != nil && d.Setting.SocketKey == key {
			return true
		}
	}
	return false
}
