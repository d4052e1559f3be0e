package session

import (
	"github.com/ArduPilot/MethodicConfigurator-sub006/transport"
)

// Tracker stamps outgoing requests with sequence numbers and recognizes
// session identity mismatches on inbound replies. It holds no packet
// state and is owned by exactly one transfer engine.
type Tracker struct {
	seq uint16
	id  uint8
}

// NewTracker returns a tracker starting at sequence 0, session 0.
func NewTracker() *Tracker {
	return &Tracker{}
}

// NextSequence returns the current sequence number and advances it,
// wrapping modulo 256. The wire field is 16 bits wide but the protocol
// only ever uses the low byte's range.
func (t *Tracker) NextSequence() uint16 {
	seq := t.seq
	t.seq = (t.seq + 1) % 256
	return seq
}

// Current returns the active session identifier.
func (t *Tracker) Current() uint8 {
	return t.id
}

// Advance moves to the next session identifier, wrapping modulo 256.
// Called on every transfer termination.
func (t *Tracker) Advance() {
	t.id++
}

// Belongs reports whether an inbound packet was issued against the
// active session. Packets failing this check are stale replies from a
// prior transfer and must be dropped without mutating any state.
func (t *Tracker) Belongs(p *transport.Packet) bool {
	return p.Session == t.id
}
