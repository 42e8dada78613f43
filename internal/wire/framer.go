package wire

import "bytes"

// Framer splits a raw byte stream into terminator-delimited frames and
// decodes each into a Packet. It also keeps a single latest-packet slot per
// header: new packets overwrite old ones rather than queueing, so a slow
// consumer always observes the most recent device state.
//
// Framer is not safe for concurrent use; callers that share one across
// goroutines must serialise access.
type Framer struct {
	buf    []byte
	latest [numHeaders]*Packet
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends data to the internal buffer and decodes every complete frame
// now available. Frames with an unknown marker or a short payload are
// dropped silently; the terminator search resynchronises the stream
// regardless of frame content.
func (f *Framer) Feed(data []byte) []Packet {
	f.buf = append(f.buf, data...)

	var out []Packet
	for {
		i := bytes.Index(f.buf, Terminator)
		if i < 0 {
			return out
		}
		frame := f.buf[:i]
		f.buf = f.buf[i+len(Terminator):]

		pkt, ok := decodeFrame(frame)
		if !ok {
			continue
		}
		p := pkt
		f.latest[pkt.Header] = &p
		out = append(out, pkt)
	}
}

// Latest returns the most recently decoded packet for the given header, if
// one has been seen since the Framer was created.
func (f *Framer) Latest(h HeaderKind) (Packet, bool) {
	if h < 0 || h >= numHeaders || f.latest[h] == nil {
		return Packet{}, false
	}
	return *f.latest[h], true
}

// decodeFrame locates a header marker within the frame and decodes the
// payload that follows it. Headers are tried in declaration order, so if a
// frame somehow contains several markers the first kind wins.
func decodeFrame(frame []byte) (Packet, bool) {
	for h := HeaderKind(0); h < numHeaders; h++ {
		idx := bytes.Index(frame, headerLayouts[h].marker)
		if idx < 0 {
			continue
		}
		payload := frame[idx+len(headerLayouts[h].marker):]
		return decodePayload(h, payload)
	}
	return Packet{}, false
}
