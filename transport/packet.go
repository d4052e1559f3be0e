package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed length of the packet header in bytes.
	HeaderSize = 12

	// MaxPayload is the largest payload a single packet can carry.
	MaxPayload = 239

	// FrameSize is the constant transport frame length. Frames shorter
	// than this are zero-padded on send; trailing bytes beyond the Size
	// field are ignored on receive.
	FrameSize = HeaderSize + MaxPayload
)

// ErrFrameTooShort indicates an inbound frame smaller than the header.
// Given fixed transport framing this is a caller bug, not a recoverable
// protocol condition.
var ErrFrameTooShort = errors.New("frame shorter than packet header")

// ErrSizeMismatch indicates a header Size field that exceeds the bytes
// actually present in the frame.
var ErrSizeMismatch = errors.New("payload size exceeds frame contents")

// Opcode identifies a protocol operation.
type Opcode uint8

const (
	OpNone Opcode = iota
	OpTerminateSession
	OpResetSessions
	OpListDirectory
	OpOpenFileRO
	OpReadFile
	OpCreateFile
	OpWriteFile
	OpRemoveFile
	OpCreateDirectory
	OpRemoveDirectory
	OpOpenFileWO
	OpTruncateFile
	OpRename
	OpCalcFileCRC32
	OpBurstReadFile

	OpAck  Opcode = 128
	OpNack Opcode = 129
)

var opcodeNames = map[Opcode]string{
	OpNone:             "None",
	OpTerminateSession: "TerminateSession",
	OpResetSessions:    "ResetSessions",
	OpListDirectory:    "ListDirectory",
	OpOpenFileRO:       "OpenFileRO",
	OpReadFile:         "ReadFile",
	OpCreateFile:       "CreateFile",
	OpWriteFile:        "WriteFile",
	OpRemoveFile:       "RemoveFile",
	OpCreateDirectory:  "CreateDirectory",
	OpRemoveDirectory:  "RemoveDirectory",
	OpOpenFileWO:       "OpenFileWO",
	OpTruncateFile:     "TruncateFile",
	OpRename:           "Rename",
	OpCalcFileCRC32:    "CalcFileCRC32",
	OpBurstReadFile:    "BurstReadFile",
	OpAck:              "Ack",
	OpNack:             "Nack",
}

// String returns the protocol name of the opcode.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// ErrorCode is the remote failure reason carried in the first payload
// byte of a Nack.
type ErrorCode uint8

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeFail
	ErrCodeFailErrno
	ErrCodeInvalidDataSize
	ErrCodeInvalidSession
	ErrCodeNoSessionsAvailable
	ErrCodeEndOfFile
	ErrCodeUnknownCommand
	ErrCodeFileExists
	ErrCodeFileProtected
	ErrCodeFileNotFound
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNone:                "None",
	ErrCodeFail:                "Fail",
	ErrCodeFailErrno:           "FailErrno",
	ErrCodeInvalidDataSize:     "InvalidDataSize",
	ErrCodeInvalidSession:      "InvalidSession",
	ErrCodeNoSessionsAvailable: "NoSessionsAvailable",
	ErrCodeEndOfFile:           "EndOfFile",
	ErrCodeUnknownCommand:      "UnknownCommand",
	ErrCodeFileExists:          "FileExists",
	ErrCodeFileProtected:       "FileProtected",
	ErrCodeFileNotFound:        "FileNotFound",
}

// String returns the protocol name of the error code.
func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(e))
}

// Packet is a single protocol exchange unit.
//
// Size is carried explicitly rather than derived from the payload:
// data-bearing replies satisfy Size == len(Payload), but read requests
// use Size as the byte-count hint with an empty payload.
type Packet struct {
	Sequence      uint16
	Session       uint8
	Opcode        Opcode
	Size          uint8
	RequestOpcode Opcode
	BurstComplete bool
	Offset        uint32
	Payload       []byte
}

// Marshal encodes the header and payload without frame padding.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], p.Sequence)
	buf[2] = p.Session
	buf[3] = uint8(p.Opcode)
	buf[4] = p.Size
	buf[5] = uint8(p.RequestOpcode)
	if p.BurstComplete {
		buf[6] = 1
	}
	// buf[7] is the reserved byte, always zero
	binary.LittleEndian.PutUint32(buf[8:12], p.Offset)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// MarshalFrame encodes the packet and zero-pads it to the constant
// transport frame size.
func (p *Packet) MarshalFrame() []byte {
	frame := make([]byte, FrameSize)
	copy(frame, p.Marshal())
	return frame
}

// ParseFrame decodes a transport frame into a Packet. The payload is
// truncated to exactly the header's Size field; padding bytes beyond it
// are discarded.
func ParseFrame(frame []byte) (*Packet, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrFrameTooShort, len(frame))
	}

	size := frame[4]
	if int(size) > len(frame)-HeaderSize {
		return nil, fmt.Errorf("%w: size %d in %d-byte frame", ErrSizeMismatch, size, len(frame))
	}

	p := &Packet{
		Sequence:      binary.LittleEndian.Uint16(frame[0:2]),
		Session:       frame[2],
		Opcode:        Opcode(frame[3]),
		Size:          size,
		RequestOpcode: Opcode(frame[5]),
		BurstComplete: frame[6] != 0,
		Offset:        binary.LittleEndian.Uint32(frame[8:12]),
		Payload:       make([]byte, size),
	}
	copy(p.Payload, frame[HeaderSize:HeaderSize+int(size)])

	return p, nil
}

// IsAck reports whether the packet is a positive reply.
func (p *Packet) IsAck() bool { return p.Opcode == OpAck }

// IsNack reports whether the packet is a negative reply.
func (p *Packet) IsNack() bool { return p.Opcode == OpNack }

// NackCode extracts the error code from a Nack payload. A Nack with an
// empty payload reports ErrCodeNone; the two-byte FailErrno form carries
// the remote errno in the second byte, which callers may log separately.
func (p *Packet) NackCode() ErrorCode {
	if len(p.Payload) == 0 {
		return ErrCodeNone
	}
	return ErrorCode(p.Payload[0])
}
