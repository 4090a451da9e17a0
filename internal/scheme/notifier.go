package scheme

import "github.com/netsockd/netsockd/internal/handle"

// Event is an asynchronous readiness notification for one handle,
// carrying the same (fd, bits) shape spec.md §6 describes for event
// packets (count=1 is implicit — one Event per ready handle per tick).
type Event struct {
	FD   handle.ID
	Bits uint64
}

// Notifier computes edge-triggered readiness for every socket handle
// with a non-empty event mask, per spec.md §4.5. It holds no state of
// its own — the edge flags live on the handle descriptor so they
// persist correctly across ticks.
type Notifier struct{}

// NewNotifier returns a Notifier. It is stateless; a value type would
// do, but a constructor keeps the component symmetric with WaitQueue
// and Engine for callers wiring up a tick.
func NewNotifier() *Notifier { return &Notifier{} }

// Tick walks every live socket handle in e's table and returns the
// events that should be posted this tick.
func (n *Notifier) Tick(e *Engine) []Event {
	var events []Event
	for id, s := range e.snapshotSocketHandles() {
		if s.Events == 0 {
			continue
		}
		bits := e.readiness(s)
		if bits != 0 {
			events = append(events, Event{FD: id, Bits: bits})
		}
	}
	return events
}
