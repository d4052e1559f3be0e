// Package transport defines the wire format of the file-transfer protocol
// and the contract with the underlying telemetry link.
//
// Every exchange is a single fixed-size frame: a 12-byte little-endian
// header followed by up to 239 payload bytes, zero-padded to 251 bytes on
// send. The package provides a bijective mapping between Packet values and
// frames; it holds no protocol state.
//
// Example:
//
//	pkt := &transport.Packet{
//	    Opcode:  transport.OpOpenFileRO,
//	    Size:    uint8(len(path)),
//	    Payload: []byte(path),
//	}
//	err := send(pkt.MarshalFrame())
package transport
