package wire

import (
	"bytes"
	"encoding/binary"
	"math"
)

// DefaultFixedFields is the field count used by the legacy single-stream
// firmware, which sends one flat record of float32 values per frame.
const DefaultFixedFields = 13

// FixedFramer decodes the legacy headerless stream: every frame is exactly
// N little-endian float32 fields. A frame whose length does not match is
// dropped whole; there is no partial decode.
type FixedFramer struct {
	fields     int
	terminator []byte
	buf        []byte
	latest     []float32
}

// NewFixedFramer returns a FixedFramer for the given field count. A count
// of zero or less selects DefaultFixedFields.
func NewFixedFramer(fields int) *FixedFramer {
	if fields <= 0 {
		fields = DefaultFixedFields
	}
	return &FixedFramer{fields: fields, terminator: Terminator}
}

// Feed appends data and returns one record per complete, exactly-sized
// frame found in the buffer.
func (f *FixedFramer) Feed(data []byte) [][]float32 {
	f.buf = append(f.buf, data...)

	var out [][]float32
	for {
		i := bytes.Index(f.buf, f.terminator)
		if i < 0 {
			return out
		}
		frame := f.buf[:i]
		f.buf = f.buf[i+len(f.terminator):]

		if len(frame) != f.fields*4 {
			continue
		}
		rec := make([]float32, f.fields)
		for j := range rec {
			rec[j] = math.Float32frombits(binary.LittleEndian.Uint32(frame[j*4:]))
		}
		f.latest = rec
		out = append(out, rec)
	}
}

// Latest returns the most recent record, if any frame has decoded yet.
func (f *FixedFramer) Latest() ([]float32, bool) {
	if f.latest == nil {
		return nil, false
	}
	return f.latest, true
}
