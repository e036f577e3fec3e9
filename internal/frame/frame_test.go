package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		seq     uint32
		payload []byte
	}{
		{name: "empty payload", seq: 0, payload: []byte{}},
		{name: "small payload", seq: 42, payload: []byte{1, 2, 3, 4, 5}},
		{name: "max seq", seq: 0xFFFFFFFF, payload: bytes.Repeat([]byte{0xAA}, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.seq, tt.payload)

			dec := NewDecoder(DefaultMaxPayload)
			dec.Feed(encoded)
			ev, ok := dec.Next()
			if !ok {
				t.Fatal("Next() returned no event for a complete frame")
			}
			if ev.Kind != EventFrame {
				t.Fatalf("Kind = %v, want EventFrame", ev.Kind)
			}
			if ev.Frame.Seq != tt.seq {
				t.Errorf("Seq = %v, want %v", ev.Frame.Seq, tt.seq)
			}
			if !bytes.Equal(ev.Frame.Payload, tt.payload) && len(tt.payload) > 0 {
				t.Errorf("Payload mismatch: got %v want %v", ev.Frame.Payload, tt.payload)
			}
			if _, ok := dec.Next(); ok {
				t.Fatal("Next() produced a second event from one frame")
			}
		})
	}
}

func TestDecoderBadCrc(t *testing.T) {
	encoded := Encode(7, []byte{1, 2, 3})
	encoded[len(encoded)-1] ^= 0xFF // flip a CRC byte

	dec := NewDecoder(DefaultMaxPayload)
	dec.Feed(encoded)
	ev, ok := dec.Next()
	if !ok {
		t.Fatal("Next() returned no event")
	}
	if ev.Kind != EventBadCrc {
		t.Fatalf("Kind = %v, want EventBadCrc", ev.Kind)
	}
}

func TestDecoderResyncOnGarbagePrefix(t *testing.T) {
	good := Encode(3, []byte{9, 9})
	garbage := []byte{0x00, 0x01, 0x02, 0x55, 0x48} // includes a partial magic
	dec := NewDecoder(DefaultMaxPayload)
	dec.Feed(append(garbage, good...))

	var gotFrame bool
	for {
		ev, ok := dec.Next()
		if !ok {
			break
		}
		if ev.Kind == EventFrame {
			gotFrame = true
			if ev.Frame.Seq != 3 {
				t.Errorf("Seq = %v, want 3", ev.Frame.Seq)
			}
		}
	}
	if !gotFrame {
		t.Fatal("decoder never resynced to the trailing good frame")
	}
}

func TestDecoderStreamedAcrossFeeds(t *testing.T) {
	encoded := Encode(1, []byte{1, 2, 3, 4})
	dec := NewDecoder(DefaultMaxPayload)

	mid := len(encoded) / 2
	dec.Feed(encoded[:mid])
	if _, ok := dec.Next(); ok {
		t.Fatal("Next() produced an event from a partial frame")
	}
	dec.Feed(encoded[mid:])
	ev, ok := dec.Next()
	if !ok {
		t.Fatal("Next() returned no event once the frame completed")
	}
	if ev.Kind != EventFrame || ev.Frame.Seq != 1 {
		t.Errorf("got %+v, want a complete Seq=1 frame", ev)
	}
}

func TestDecoderOversizedLengthResyncs(t *testing.T) {
	dec := NewDecoder(16)
	good := Encode(5, []byte{1, 2, 3})

	// A frame claiming a length far beyond maxPayload, followed by a real one.
	bogus := append([]byte{}, Magic[:]...)
	bogus = append(bogus, 0, 0, 0, 0) // seq
	bogus = append(bogus, 0xFF, 0xFF) // len = 65535
	dec.Feed(append(bogus, good...))

	var sawResync, sawFrame bool
	for {
		ev, ok := dec.Next()
		if !ok {
			break
		}
		switch ev.Kind {
		case EventResync:
			sawResync = true
		case EventFrame:
			sawFrame = true
			if ev.Frame.Seq != 5 {
				t.Errorf("Seq = %v, want 5", ev.Frame.Seq)
			}
		}
	}
	if !sawResync {
		t.Error("expected a Resync event for the oversized length")
	}
	if !sawFrame {
		t.Error("expected the trailing good frame to still decode")
	}
}
