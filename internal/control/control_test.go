package control

import "testing"

func TestParseVerbSubverbAndID(t *testing.T) {
	tests := []struct {
		name string
		line string
		verb Verb
		sub  Subverb
	}{
		{name: "hello", line: "HELLO id=abc123", verb: VerbHello, sub: SubNone},
		{name: "ack with caps", line: "ACK id=abc123 caps=max_baud:115200,bits:8", verb: VerbAck, sub: SubNone},
		{name: "config set ack", line: "CONFIG SET ACK id=abc123 baud=9600", verb: VerbConfig, sub: SubSetAck},
		{name: "test begin", line: "TEST BEGIN id=abc123 name=max-rate frames=200", verb: VerbTest, sub: SubBegin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if msg.Verb != tt.verb {
				t.Errorf("Verb = %q, want %q", msg.Verb, tt.verb)
			}
			if msg.Subverb != tt.sub {
				t.Errorf("Subverb = %q, want %q", msg.Subverb, tt.sub)
			}
			if msg.ID() != "abc123" {
				t.Errorf("ID() = %q, want abc123", msg.ID())
			}
		})
	}
}

func TestParseUnknownVerb(t *testing.T) {
	_, err := Parse("BOGUS id=abc123")
	if err == nil {
		t.Fatal("Parse() error = nil, want ProtocolUnknownVerb")
	}
}

func TestParseMissingID(t *testing.T) {
	_, err := Parse("HELLO")
	if err == nil {
		t.Fatal("Parse() error = nil, want ProtocolMalformed for missing id")
	}
}

func TestParseUnknownKeysIgnored(t *testing.T) {
	msg, err := Parse("HELLO id=abc123 bogus=value notakeyvalue")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := msg.Get("bogus"); !ok {
		t.Error("known-shaped unknown key should still be stored, just unrecognized by callers")
	}
	if len(msg.Fields) != 2 {
		t.Errorf("Fields = %v, want 2 entries (id, bogus)", msg.Fields)
	}
}

func TestParseLineTooLong(t *testing.T) {
	long := make([]byte, MaxLineLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Parse(string(long))
	if err == nil {
		t.Fatal("Parse() error = nil, want malformed for oversized line")
	}
}

func TestFormatSortsFields(t *testing.T) {
	line := Format(VerbConfig, SubSet, map[string]string{
		"id":   "xyz",
		"baud": "9600",
		"bits": "8",
	})
	want := "CONFIG SET baud=9600 bits=8 id=xyz"
	if line != want {
		t.Errorf("Format() = %q, want %q", line, want)
	}
}

func TestEncodeDecodeCapsRoundTrip(t *testing.T) {
	tokens := map[string]string{
		"max_baud": "115200",
		"parity":   "none/even",
		"bits":     "7/8",
	}
	caplist := EncodeCaps(tokens)
	got := DecodeCaps(caplist)
	for k, v := range tokens {
		if got[k] != v {
			t.Errorf("DecodeCaps()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestRequireUint(t *testing.T) {
	msg, err := Parse("TEST BEGIN id=abc123 frames=200")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	n, err := msg.RequireUint("frames")
	if err != nil {
		t.Fatalf("RequireUint() error = %v", err)
	}
	if n != 200 {
		t.Errorf("RequireUint() = %v, want 200", n)
	}
	if _, err := msg.RequireUint("missing"); err == nil {
		t.Fatal("RequireUint() error = nil, want malformed for missing key")
	}
}
