package gap

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Range is a missing byte span within the remote file. Size never
// exceeds the burst size in effect when the range was registered;
// larger spans are tiled at registration.
type Range struct {
	Offset uint32
	Size   uint8
}

// Policy bounds the retransmission behavior once the initial flood of
// read requests has gone out.
type Policy struct {
	// RetryTime is how long an outstanding request may go unanswered
	// before it is considered lost and becomes eligible for re-send.
	RetryTime time.Duration

	// MaxBacklog caps the number of outstanding read requests while the
	// burst stream is still discovering gaps.
	MaxBacklog uint32

	// SendInterval is the minimum spacing between consecutive read
	// request sends, regardless of tick frequency.
	SendInterval time.Duration
}

// Tracker maintains the ordered set of missing ranges together with the
// backlog accounting for outstanding read requests. It never sends
// anything itself; Tick hands ranges to a caller-supplied send function.
type Tracker struct {
	ranges   []Range
	attempts map[Range]time.Time
	backlog  uint32
	lastSend time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		attempts: make(map[Range]time.Time),
	}
}

// Register records [offset, offset+length) as missing. Spans longer than
// burstSize are tiled into consecutive ranges of at most burstSize bytes
// so that each can be satisfied by a single read reply.
func (t *Tracker) Register(offset, length uint32, burstSize uint8) {
	if length == 0 || burstSize == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"offset":   offset,
		"length":   length,
	}).Debug("Registering missing range")

	for length > uint32(burstSize) {
		t.append(Range{Offset: offset, Size: burstSize})
		offset += uint32(burstSize)
		length -= uint32(burstSize)
	}
	t.append(Range{Offset: offset, Size: uint8(length)})
}

func (t *Tracker) append(g Range) {
	t.ranges = append(t.ranges, g)
	t.attempts[g] = time.Time{}
}

// Resolve removes the range matching (offset, size) exactly and reports
// whether it was found. A near-miss leaves the set unchanged; the caller
// treats the data as an unexpected duplicate. Resolving a range with an
// outstanding request decrements the backlog.
func (t *Tracker) Resolve(offset uint32, size uint8) bool {
	g := Range{Offset: offset, Size: size}
	for i, r := range t.ranges {
		if r != g {
			continue
		}
		t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
		if !t.attempts[g].IsZero() && t.backlog > 0 {
			t.backlog--
		}
		delete(t.attempts, g)
		return true
	}
	return false
}

// Tick runs one pass of the retry policy. Before EOF every range that
// has never been attempted is sent immediately, ignoring backlog and
// spacing limits: the burst stream is still running and no reply is
// going to shrink the set faster than a request can. After EOF the
// oldest range is retried under the policy's rate and backlog bounds.
func (t *Tracker) Tick(now time.Time, eof bool, pol Policy, send func(Range)) {
	if len(t.ranges) == 0 {
		return
	}

	if !eof {
		fresh := make([]Range, 0, len(t.ranges))
		for _, g := range t.ranges {
			if t.attempts[g].IsZero() {
				fresh = append(fresh, g)
			}
		}
		for _, g := range fresh {
			t.sendRange(now, g, send)
		}
		return
	}

	oldest := t.ranges[0]
	if at := t.attempts[oldest]; !at.IsZero() && now.Sub(at) > pol.RetryTime {
		// The outstanding request for this range timed out.
		if t.backlog > 0 {
			t.backlog--
		}
		t.attempts[oldest] = time.Time{}
		logrus.WithFields(logrus.Fields{
			"function": "Tick",
			"offset":   oldest.Offset,
			"size":     oldest.Size,
		}).Debug("Read request timed out, range eligible for re-send")
	}

	if !t.attempts[oldest].IsZero() {
		// Still awaiting a reply for the oldest range.
		return
	}

	if !eof && t.backlog >= pol.MaxBacklog {
		// Keep the request queue shallow while data is still arriving.
		return
	}

	if !t.lastSend.IsZero() && now.Sub(t.lastSend) < pol.SendInterval {
		return
	}

	t.sendRange(now, oldest, send)
}

// sendRange hands the range to the caller's send function, moves it to
// the back of the set, stamps its attempt time, and counts it against
// the backlog.
func (t *Tracker) sendRange(now time.Time, g Range, send func(Range)) {
	send(g)

	for i, r := range t.ranges {
		if r == g {
			t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
			break
		}
	}
	t.ranges = append(t.ranges, g)
	t.attempts[g] = now
	t.lastSend = now
	t.backlog++
}

// Len returns the number of tracked ranges.
func (t *Tracker) Len() int {
	return len(t.ranges)
}

// Backlog returns the count of read requests believed to be in flight.
func (t *Tracker) Backlog() uint32 {
	return t.backlog
}

// Oldest returns the range next in line for retransmission.
func (t *Tracker) Oldest() (Range, bool) {
	if len(t.ranges) == 0 {
		return Range{}, false
	}
	return t.ranges[0], true
}

// Clear drops all tracked ranges and resets the backlog. Called on
// transfer termination; gaps never persist across transfers.
func (t *Tracker) Clear() {
	t.ranges = nil
	t.attempts = make(map[Range]time.Time)
	t.backlog = 0
	t.lastSend = time.Time{}
}
