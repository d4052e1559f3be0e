package ftp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ArduPilot/MethodicConfigurator-sub006/sink"
	"github.com/ArduPilot/MethodicConfigurator-sub006/transport"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockTimeProvider) Now() time.Time          { return m.currentTime }
func (m *mockTimeProvider) advance(d time.Duration) { m.currentTime = m.currentTime.Add(d) }

// wireLog captures every frame the engine sends.
type wireLog struct {
	frames [][]byte
}

func (w *wireLog) send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	w.frames = append(w.frames, cp)
	return nil
}

// packets decodes every captured frame.
func (w *wireLog) packets(t *testing.T) []*transport.Packet {
	t.Helper()
	out := make([]*transport.Packet, 0, len(w.frames))
	for _, f := range w.frames {
		p, err := transport.ParseFrame(f)
		if err != nil {
			t.Fatalf("engine sent undecodable frame: %v", err)
		}
		out = append(out, p)
	}
	return out
}

// last returns the most recently sent request.
func (w *wireLog) last(t *testing.T) *transport.Packet {
	t.Helper()
	if len(w.frames) == 0 {
		t.Fatal("engine sent no frames")
	}
	p, err := transport.ParseFrame(w.frames[len(w.frames)-1])
	if err != nil {
		t.Fatalf("engine sent undecodable frame: %v", err)
	}
	return p
}

// lastOfOpcode returns the most recent request with the given opcode.
func (w *wireLog) lastOfOpcode(t *testing.T, op transport.Opcode) *transport.Packet {
	t.Helper()
	pkts := w.packets(t)
	for i := len(pkts) - 1; i >= 0; i-- {
		if pkts[i].Opcode == op {
			return pkts[i]
		}
	}
	t.Fatalf("no %s request sent", op)
	return nil
}

// countOpcode counts sent requests with the given opcode.
func (w *wireLog) countOpcode(t *testing.T, op transport.Opcode) int {
	t.Helper()
	n := 0
	for _, p := range w.packets(t) {
		if p.Opcode == op {
			n++
		}
	}
	return n
}

// result captures the completion callback outcome.
type result struct {
	called bool
	sink   sink.Sink
	err    error
}

func (r *result) callback() CompleteFunc {
	return func(s sink.Sink, err error) {
		r.called = true
		r.sink = s
		r.err = err
	}
}

// sizePayload encodes a remote file size the way an open ack carries it.
func sizePayload(size uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, size)
	return buf
}

// deliver hands a reply packet to the engine as a transport frame.
func deliver(c *Client, p *transport.Packet) {
	c.HandleFrame(p.MarshalFrame())
}

// newTestClient builds an engine with a mock clock and captured wire.
func newTestClient(settings Settings) (*Client, *wireLog, *mockTimeProvider) {
	wire := &wireLog{}
	c := New(settings, wire.send)
	clock := newMockTimeProvider()
	c.SetTimeProvider(clock)
	return c, wire, clock
}

// chunk returns n bytes of deterministic test data starting at seed.
func chunk(seed byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}
