package gap

import (
	"testing"
	"time"
)

var testPolicy = Policy{
	RetryTime:    500 * time.Millisecond,
	MaxBacklog:   4,
	SendInterval: 50 * time.Millisecond,
}

func collect(sent *[]Range) func(Range) {
	return func(g Range) { *sent = append(*sent, g) }
}

func TestRegisterTiling(t *testing.T) {
	cases := []struct {
		name      string
		offset    uint32
		length    uint32
		burstSize uint8
	}{
		{"single", 100, 50, 80},
		{"exact multiple", 0, 240, 80},
		{"remainder", 239, 500, 239},
		{"one byte over", 10, 81, 80},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker()
			tr.Register(tc.offset, tc.length, tc.burstSize)

			var total uint32
			next := tc.offset
			for _, g := range tr.ranges {
				if g.Offset != next {
					t.Fatalf("range at %d, want contiguous start %d", g.Offset, next)
				}
				if g.Size == 0 || g.Size > tc.burstSize {
					t.Fatalf("range size %d outside 1..%d", g.Size, tc.burstSize)
				}
				next = g.Offset + uint32(g.Size)
				total += uint32(g.Size)
			}

			if total != tc.length {
				t.Errorf("tiled ranges cover %d bytes, want %d", total, tc.length)
			}
		})
	}
}

func TestRegisterZeroLength(t *testing.T) {
	tr := NewTracker()
	tr.Register(100, 0, 80)
	if tr.Len() != 0 {
		t.Errorf("zero-length register created %d ranges", tr.Len())
	}
}

func TestResolveExactMatchOnly(t *testing.T) {
	tr := NewTracker()
	tr.Register(239, 239, 239)

	if tr.Resolve(239, 100) {
		t.Error("resolved a range with mismatched size")
	}
	if tr.Len() != 1 {
		t.Fatalf("near-miss changed the set: %d ranges", tr.Len())
	}

	if !tr.Resolve(239, 239) {
		t.Error("failed to resolve exact match")
	}
	if tr.Len() != 0 {
		t.Errorf("resolved range still tracked, %d remaining", tr.Len())
	}

	// Replaying the same resolve must not underflow anything.
	if tr.Resolve(239, 239) {
		t.Error("resolved an already-removed range")
	}
	if tr.Backlog() != 0 {
		t.Errorf("backlog went to %d on replayed resolve", tr.Backlog())
	}
}

func TestResolveDecrementsBacklogForOutstandingRequest(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 80, 80)

	now := time.Unix(1000, 0)
	var sent []Range
	tr.Tick(now, false, testPolicy, collect(&sent))

	if tr.Backlog() != 1 {
		t.Fatalf("backlog %d after send, want 1", tr.Backlog())
	}

	if !tr.Resolve(0, 80) {
		t.Fatal("failed to resolve requested range")
	}
	if tr.Backlog() != 0 {
		t.Errorf("backlog %d after resolve, want 0", tr.Backlog())
	}
}

func TestTickFloodsFreshGapsBeforeEOF(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 80, 80)
	tr.Register(160, 160, 80)

	now := time.Unix(1000, 0)
	var sent []Range
	tr.Tick(now, false, testPolicy, collect(&sent))

	// All three tiled ranges go out in one tick, ignoring backlog and
	// spacing limits.
	if len(sent) != 3 {
		t.Fatalf("flood sent %d requests, want 3", len(sent))
	}
	if tr.Backlog() != 3 {
		t.Errorf("backlog %d after flood, want 3", tr.Backlog())
	}

	// A second pre-EOF tick sends nothing: every range is now pending.
	sent = nil
	tr.Tick(now.Add(time.Second), false, testPolicy, collect(&sent))
	if len(sent) != 0 {
		t.Errorf("re-sent %d pending requests before timeout handling", len(sent))
	}
}

func TestTickHoldsWhilePending(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 80, 80)

	now := time.Unix(1000, 0)
	var sent []Range
	tr.Tick(now, false, testPolicy, collect(&sent))
	sent = nil

	// After EOF, the oldest range is still within its retry window.
	tr.Tick(now.Add(100*time.Millisecond), true, testPolicy, collect(&sent))
	if len(sent) != 0 {
		t.Errorf("sent %d requests while oldest still pending", len(sent))
	}
}

func TestTickRetryAfterTimeout(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 80, 80)

	now := time.Unix(1000, 0)
	var sent []Range
	tr.Tick(now, false, testPolicy, collect(&sent))
	sent = nil

	// The timed-out request is reset and re-sent within the same tick,
	// since the send spacing has long elapsed.
	later := now.Add(testPolicy.RetryTime + time.Millisecond)
	tr.Tick(later, true, testPolicy, collect(&sent))
	if len(sent) != 1 {
		t.Fatalf("expected 1 re-send, got %d", len(sent))
	}
	if sent[0] != (Range{Offset: 0, Size: 80}) {
		t.Errorf("re-sent wrong range %+v", sent[0])
	}
	if tr.Backlog() != 1 {
		t.Errorf("backlog %d after re-send, want 1", tr.Backlog())
	}
}

func TestTickEnforcesSendSpacing(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 160, 80)

	now := time.Unix(1000, 0)
	var sent []Range
	tr.Tick(now, false, testPolicy, collect(&sent))
	if len(sent) != 2 {
		t.Fatalf("flood sent %d, want 2", len(sent))
	}

	// Let both requests time out, then tick in rapid succession: the
	// first range re-sends immediately, the second must wait out the
	// minimum inter-send spacing.
	t1 := now.Add(testPolicy.RetryTime + time.Millisecond)
	sent = nil
	tr.Tick(t1, true, testPolicy, collect(&sent))
	if len(sent) != 1 || sent[0] != (Range{Offset: 0, Size: 80}) {
		t.Fatalf("expected first range re-sent, got %v", sent)
	}

	sent = nil
	tr.Tick(t1.Add(10*time.Millisecond), true, testPolicy, collect(&sent))
	if len(sent) != 0 {
		t.Fatalf("send spacing not enforced: %d sends", len(sent))
	}

	sent = nil
	tr.Tick(t1.Add(testPolicy.SendInterval), true, testPolicy, collect(&sent))
	if len(sent) != 1 || sent[0] != (Range{Offset: 80, Size: 80}) {
		t.Errorf("expected second range sent after spacing, got %v", sent)
	}
}

func TestSendMovesRangeToBack(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 80, 80)
	tr.Register(80, 80, 80)

	now := time.Unix(1000, 0)
	tr.Tick(now, false, testPolicy, func(Range) {})

	oldest, ok := tr.Oldest()
	if !ok {
		t.Fatal("tracker unexpectedly empty")
	}
	// The flood sends in order and rotates each to the back, so the
	// original first range ends up oldest again.
	if oldest.Offset != 0 {
		t.Errorf("oldest range at %d after rotation, want 0", oldest.Offset)
	}
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Register(0, 400, 80)
	tr.Tick(time.Unix(1000, 0), false, testPolicy, func(Range) {})

	tr.Clear()

	if tr.Len() != 0 || tr.Backlog() != 0 {
		t.Errorf("clear left %d ranges, backlog %d", tr.Len(), tr.Backlog())
	}
}
