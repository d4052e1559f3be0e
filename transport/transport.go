package transport

// SendFunc delivers a single encoded frame to the remote. The engine is
// handed one of these at construction; it never owns or manages the
// underlying link. Implementations are expected to be non-blocking or
// fire-and-forget.
type SendFunc func(frame []byte) error

// Ack builds a positive reply to the given request, carrying data at the
// given offset. Used by tests and by simulated remotes; a real client
// only ever receives these.
func Ack(req *Packet, offset uint32, payload []byte, burstComplete bool) *Packet {
	return &Packet{
		Sequence:      req.Sequence + 1,
		Session:       req.Session,
		Opcode:        OpAck,
		Size:          uint8(len(payload)),
		RequestOpcode: req.Opcode,
		BurstComplete: burstComplete,
		Offset:        offset,
		Payload:       payload,
	}
}

// Nack builds a negative reply to the given request with the given error
// code at the given offset.
func Nack(req *Packet, offset uint32, code ErrorCode) *Packet {
	return &Packet{
		Sequence:      req.Sequence + 1,
		Session:       req.Session,
		Opcode:        OpNack,
		Size:          1,
		RequestOpcode: req.Opcode,
		Offset:        offset,
		Payload:       []byte{uint8(code)},
	}
}
