// Package frame implements the on-wire data frame codec: a fixed 4-byte
// magic, a little-endian sequence number and length, the payload, and a
// trailing CRC-32 (IEEE) covering seq‖len‖payload. The decoder is streaming
// and resyncs on the magic after any corruption, exactly as spec.md §4.2
// requires.
package frame

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic is the 4-byte resync anchor prefixed to every frame: "UHMR".
var Magic = [4]byte{0x55, 0x48, 0x4D, 0x52}

const headerLen = 4 + 4 + 2 // magic + seq + len
const trailerLen = 4        // crc

// DefaultMaxPayload bounds a frame's payload unless the caller configures a
// different limit; lengths above the configured maximum trigger a resync.
const DefaultMaxPayload = 4096

// DataFrame is one decoded frame.
type DataFrame struct {
	Seq     uint32
	Payload []byte
}

// Encode renders a DataFrame to its on-wire form.
func Encode(seq uint32, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload)+trailerLen)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(payload)))
	copy(buf[10:10+len(payload)], payload)
	crc := crc32.ChecksumIEEE(buf[4 : 10+len(payload)])
	binary.LittleEndian.PutUint32(buf[10+len(payload):], crc)
	return buf
}

// EventKind identifies what a decode step produced.
type EventKind int

const (
	EventFrame EventKind = iota
	EventBadCrc
	EventResync
)

// Event is one item the Decoder's Next method can emit.
type Event struct {
	Kind         EventKind
	Frame        DataFrame // valid when Kind == EventFrame
	BytesDropped int       // valid when Kind == EventResync
}

// Decoder consumes an arbitrary byte stream fed via Feed and emits framing
// events via Next. It is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder creates a Decoder with the given payload cap. A zero or
// negative maxPayload selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next decodable event, or ok=false if more bytes are
// needed before anything can be decided.
func (d *Decoder) Next() (Event, bool) {
	for {
		idx := indexMagic(d.buf)
		if idx < 0 {
			// No magic anywhere in the buffer. Keep at most 3 trailing
			// bytes (a partial magic might be forming) and report the rest
			// as dropped, once.
			if len(d.buf) > 3 {
				dropped := len(d.buf) - 3
				d.buf = d.buf[len(d.buf)-3:]
				return Event{Kind: EventResync, BytesDropped: dropped}, true
			}
			return Event{}, false
		}
		if idx > 0 {
			d.buf = d.buf[idx:]
			return Event{Kind: EventResync, BytesDropped: idx}, true
		}

		if len(d.buf) < headerLen {
			return Event{}, false // need more bytes for the header
		}
		seq := binary.LittleEndian.Uint32(d.buf[4:8])
		length := int(binary.LittleEndian.Uint16(d.buf[8:10]))
		if length > d.maxPayload {
			// Oversized length: this magic was a false positive. Drop it
			// and keep scanning from the next byte.
			d.buf = d.buf[1:]
			return Event{Kind: EventResync, BytesDropped: 1}, true
		}
		total := headerLen + length + trailerLen
		if len(d.buf) < total {
			return Event{}, false // need more bytes for payload + crc
		}

		payload := make([]byte, length)
		copy(payload, d.buf[10:10+length])
		gotCRC := binary.LittleEndian.Uint32(d.buf[10+length : total])
		wantCRC := crc32.ChecksumIEEE(d.buf[4 : 10+length])
		d.buf = d.buf[total:]

		if gotCRC != wantCRC {
			return Event{Kind: EventBadCrc}, true
		}
		return Event{Kind: EventFrame, Frame: DataFrame{Seq: seq, Payload: payload}}, true
	}
}

// indexMagic returns the offset of Magic in buf, or -1 if absent.
func indexMagic(buf []byte) int {
	if len(buf) < 4 {
		return -1
	}
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == Magic[0] && buf[i+1] == Magic[1] && buf[i+2] == Magic[2] && buf[i+3] == Magic[3] {
			return i
		}
	}
	return -1
}

// Reset drops any buffered partial frame, so stale bytes decoded under an
// old bit rate can't leak into a new one. The test runners create a fresh
// Decoder for every test and do not call it.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
