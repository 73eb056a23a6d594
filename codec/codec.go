// Package codec packs and unpacks the three wire frame shapes exchanged
// with DEAN nodes: bare control frames, ack frames, and fixed-size data
// chunks. All multi-byte fields are little-endian; unpack never panics.
package codec

import (
	"encoding/binary"
	"fmt"
)

// ChunkSize is the fixed payload size of a Data frame. Shorter payloads
// are right-padded with 0xFF.
const ChunkSize = 128

// MACLen is the length in bytes of a canonical DEAN MAC.
const MACLen = 6

// Command codes. File and Model streams share the same numeric scheme;
// Model additionally defines feature-collection control codes.
const (
	CmdStart  = 1
	CmdData   = 2
	CmdEnd    = 3
	CmdRemove = 4
	CmdFail   = 11

	CmdFeatureStart  = 5
	CmdFeatureData   = 6
	CmdFeatureFinish = 7
	CmdFeatureEnd    = 8
)

// Control is the 1-byte command-only frame: START / END / FAIL / REMOVE
// and feature-collection control codes.
type Control struct {
	Cmd byte
}

// Pack returns the 1-byte wire form.
func (c Control) Pack() []byte {
	return []byte{c.Cmd}
}

// UnpackControl parses a 1-byte control frame.
func UnpackControl(b []byte) (Control, error) {
	if len(b) < 1 {
		return Control{}, fmt.Errorf("control frame too short: %d bytes", len(b))
	}
	return Control{Cmd: b[0]}, nil
}

// Ack is the per-chunk acknowledgement frame.
type Ack struct {
	Cmd byte
	Seq uint16
}

// Pack returns the 3-byte wire form.
func (a Ack) Pack() []byte {
	out := make([]byte, 3)
	out[0] = a.Cmd
	binary.LittleEndian.PutUint16(out[1:3], a.Seq)
	return out
}

// UnpackAck parses a 3-byte ack frame.
func UnpackAck(b []byte) (Ack, error) {
	if len(b) < 3 {
		return Ack{}, fmt.Errorf("ack frame too short: %d bytes", len(b))
	}
	return Ack{Cmd: b[0], Seq: binary.LittleEndian.Uint16(b[1:3])}, nil
}

// Data is one chunk of a chunked transfer.
type Data struct {
	Cmd     byte
	Seq     uint16
	Size    uint16
	Payload []byte // up to ChunkSize bytes
}

// Pack returns the 1+2+2+128 = 133-byte wire form, right-padding
// Payload with 0xFF up to ChunkSize.
func (d Data) Pack() []byte {
	out := make([]byte, 5+ChunkSize)
	out[0] = d.Cmd
	binary.LittleEndian.PutUint16(out[1:3], d.Seq)
	binary.LittleEndian.PutUint16(out[3:5], d.Size)
	for i := range out[5:] {
		out[5+i] = 0xFF
	}
	copy(out[5:], d.Payload)
	return out
}

// UnpackData parses a 133-byte data frame. Payload is returned as the
// full padded 128-byte slice; callers needing the logical content
// truncate to Size themselves.
func UnpackData(b []byte) (Data, error) {
	if len(b) < 5+ChunkSize {
		return Data{}, fmt.Errorf("data frame too short: %d bytes", len(b))
	}
	d := Data{
		Cmd:     b[0],
		Seq:     binary.LittleEndian.Uint16(b[1:3]),
		Size:    binary.LittleEndian.Uint16(b[3:5]),
		Payload: append([]byte(nil), b[5:5+ChunkSize]...),
	}
	return d, nil
}

// StripMAC splits a downstream or upstream framed packet into its
// 6-byte MAC prefix and remaining payload.
func StripMAC(packet []byte) (mac [MACLen]byte, rest []byte, err error) {
	if len(packet) < MACLen {
		return mac, nil, fmt.Errorf("packet shorter than MAC prefix: %d bytes", len(packet))
	}
	copy(mac[:], packet[:MACLen])
	return mac, packet[MACLen:], nil
}

// PrependMAC builds a downstream frame: 6-byte MAC followed by payload.
// Total allocation never exceeds 6+len(payload).
func PrependMAC(mac [MACLen]byte, payload []byte) []byte {
	out := make([]byte, MACLen+len(payload))
	copy(out, mac[:])
	copy(out[MACLen:], payload)
	return out
}
