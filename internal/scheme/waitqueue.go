package scheme

import (
	"time"

	"github.com/netsockd/netsockd/internal/errno"
	"github.com/netsockd/netsockd/internal/handle"
	"github.com/netsockd/netsockd/internal/sclock"
	"github.com/netsockd/netsockd/internal/wire"
)

// Parked is a request packet plus an optional absolute deadline,
// matching spec.md §3's "Wait entry".
type Parked struct {
	FD       handle.ID
	Req      Request
	Packet   wire.Packet // the original packet, echoed back on completion/timeout
	Deadline *time.Time  // nil means "no timeout, only completion removes this entry"
}

// WaitQueue parks requests the engine could not complete immediately
// and replays them on every tick, per spec.md §4.4. Entries are walked
// in FIFO insertion order and removals during the walk never skip or
// reprocess an entry, matching the Redox source's index-based removal
// loop in notify_sockets.
type WaitQueue struct {
	entries []Parked
}

// NewWaitQueue returns an empty wait queue.
func NewWaitQueue() *WaitQueue { return &WaitQueue{} }

// Len reports the number of parked entries.
func (q *WaitQueue) Len() int { return len(q.entries) }

// Push parks a new entry at the back of the queue.
func (q *WaitQueue) Push(p Parked) { q.entries = append(q.entries, p) }

// EvictFD removes every parked entry targeting fd, run when fd is
// closed (spec.md §3 "Lifecycles": "Parked requests whose originating
// handle closes are evicted from the wait queue").
func (q *WaitQueue) EvictFD(fd handle.ID) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.FD != fd {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// Deadline computes the absolute deadline for a parked read/write,
// implementing the block planner of spec.md §4.4: SYS_READ uses the
// handle's read timeout, SYS_WRITE the write timeout, anything else has
// no deadline.
func Deadline(clock sclock.Clock, verb wire.Verb, s *handle.Socket) *time.Time {
	var configured *time.Duration
	switch verb {
	case wire.SysRead:
		configured = s.ReadTimeout
	case wire.SysWrite:
		configured = s.WriteTimeout
	default:
		return nil
	}
	if configured == nil {
		return nil
	}
	d := clock.Now().Add(*configured)
	return &d
}

// Reply is how the wait queue and packet loop hand a completed or
// timed-out packet back to the transport. Payload carries the
// out-of-band bytes a completed SYS_READ/SYS_FPATH returns, mirroring
// the packet loop's own synchronous reply path; it is nil for every
// other verb and for timeouts.
type Reply struct {
	Packet  wire.Packet
	Payload []byte
}

// Tick re-invokes the engine on every parked entry once. Entries that
// now complete are replied and removed; entries whose deadline has
// passed are replied with ETIMEDOUT and removed; everything else stays
// parked for the next tick. It returns the replies to write back, in
// the order entries were resolved.
func (q *WaitQueue) Tick(e *Engine, clock sclock.Clock) []Reply {
	var replies []Reply
	now := clock.Now()
	kept := q.entries[:0]
	for _, entry := range q.entries {
		outcome, err := e.Dispatch(entry.Req)
		if err == ErrBlock {
			if entry.Deadline != nil && now.After(*entry.Deadline) {
				p := entry.Packet
				p.A = wire.Negative(int(errno.TimedOut))
				replies = append(replies, Reply{Packet: p})
				continue
			}
			kept = append(kept, entry)
			continue
		}
		p := entry.Packet
		p.A = EncodeOutcome(outcome)
		var payload []byte
		if outcome.Err == nil && (entry.Req.Verb == wire.SysRead || entry.Req.Verb == wire.SysFpath) {
			payload = entry.Req.Buf[:outcome.Value]
		}
		replies = append(replies, Reply{Packet: p, Payload: payload})
	}
	q.entries = kept
	return replies
}

// EncodeOutcome maps an Outcome onto the wire reply's `a` field: the
// success value, or the negative errno on failure, per spec.md §6.
func EncodeOutcome(o Outcome) uint64 {
	if o.Err != nil {
		if code, ok := errno.Code(o.Err); ok {
			return wire.Negative(int(code))
		}
		return wire.Negative(int(errno.IO))
	}
	return o.Value
}
