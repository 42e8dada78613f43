// Package wire decodes the binary packet stream produced by the tracked
// devices on the serial link. Frames are delimited by a fixed terminator
// sequence and carry one of a small set of header markers, each with a
// fixed payload layout.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Terminator is the byte sequence that delimits frames on the wire.
var Terminator = []byte{'\t', '\r', '\n'}

// HeaderKind identifies which tracked device a packet belongs to.
type HeaderKind int

const (
	HeaderHMD HeaderKind = iota
	HeaderLeftController
	HeaderRightController

	numHeaders
)

// layout describes the fixed payload shape for a header: floats are decoded
// first (4 bytes each, little-endian), then single-byte flags.
type layout struct {
	marker []byte
	floats int
	flags  int
}

// headerLayouts is indexed by HeaderKind. Order matters: when a frame
// contains more than one marker, the first kind listed here wins.
var headerLayouts = [numHeaders]layout{
	HeaderHMD:             {marker: []byte("hmd:"), floats: 4, flags: 0},
	HeaderLeftController:  {marker: []byte("lc:"), floats: 7, flags: 5},
	HeaderRightController: {marker: []byte("rc:"), floats: 7, flags: 5},
}

// String returns the marker name without the trailing colon.
func (h HeaderKind) String() string {
	switch h {
	case HeaderHMD:
		return "hmd"
	case HeaderLeftController:
		return "lc"
	case HeaderRightController:
		return "rc"
	default:
		return fmt.Sprintf("header(%d)", int(h))
	}
}

// Marker returns the wire marker bytes for the header.
func (h HeaderKind) Marker() []byte {
	return headerLayouts[h].marker
}

// PayloadLen returns the exact number of payload bytes expected after the
// marker for this header.
func (h HeaderKind) PayloadLen() int {
	l := headerLayouts[h]
	return l.floats*4 + l.flags
}

// Packet is one decoded record from the serial stream. Floats and Flags have
// the fixed lengths dictated by the header layout.
type Packet struct {
	Header HeaderKind
	Floats []float32
	Flags  []bool
}

// decodePayload decodes a payload of at least the layout's expected length.
// The payload is truncated to the expected length before decoding.
func decodePayload(h HeaderKind, payload []byte) (Packet, bool) {
	l := headerLayouts[h]
	need := h.PayloadLen()
	if len(payload) < need {
		return Packet{}, false
	}
	payload = payload[:need]

	floats := make([]float32, l.floats)
	for i := range floats {
		bits := binary.LittleEndian.Uint32(payload[i*4:])
		floats[i] = math.Float32frombits(bits)
	}

	var flags []bool
	if l.flags > 0 {
		flags = make([]bool, l.flags)
		for i := range flags {
			flags[i] = payload[l.floats*4+i] != 0
		}
	}

	return Packet{Header: h, Floats: floats, Flags: flags}, true
}
