// Package control implements the newline-delimited, key=value control
// protocol used for discovery, capability exchange, retune synchronization,
// and test begin/done/result signaling (spec.md §4.3).
package control

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shaunagostinho/uartharness/internal/harnesserr"
)

// MaxLineLen is the line-length cap; overflowing lines resync to the next
// newline instead of being parsed.
const MaxLineLen = 512

// Verb identifies the message kind. Verb + Subverb together select one of
// the message shapes in spec.md's table.
type Verb string

const (
	VerbHello      Verb = "HELLO"
	VerbAck        Verb = "ACK"
	VerbCaps       Verb = "CAPS"
	VerbConfig     Verb = "CONFIG"
	VerbTest       Verb = "TEST"
	VerbTerminate  Verb = "TERMINATE"
)

// Subverb qualifies a Verb where spec.md's table shows two tokens.
type Subverb string

const (
	SubNone      Subverb = ""
	SubSet       Subverb = "SET"
	SubSetAck    Subverb = "SET ACK"
	SubBegin     Subverb = "BEGIN"
	SubBeginAck  Subverb = "BEGIN ACK"
	SubDone      Subverb = "DONE"
	SubDoneAck   Subverb = "DONE ACK"
	SubResult    Subverb = "RESULT"
	SubAck       Subverb = "ACK"
)

// Message is a parsed control line.
type Message struct {
	Verb    Verb
	Subverb Subverb
	Fields  map[string]string
}

// ID returns the message's id field, the value every message must carry.
func (m Message) ID() string { return m.Fields["id"] }

// Get returns a field value and whether it was present.
func (m Message) Get(key string) (string, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// Require returns a field value, or a malformed-protocol error if absent.
func (m Message) Require(key string) (string, error) {
	v, ok := m.Fields[key]
	if !ok {
		return "", fmt.Errorf("%w: missing key %q", harnesserr.ErrProtocolMalformed, key)
	}
	return v, nil
}

// RequireUint parses a required field as an unsigned integer.
func (m Message) RequireUint(key string) (uint64, error) {
	v, err := m.Require(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", harnesserr.ErrProtocolMalformed, key, err)
	}
	return n, nil
}

var validVerbs = map[Verb]bool{
	VerbHello: true, VerbAck: true, VerbCaps: true, VerbConfig: true,
	VerbTest: true, VerbTerminate: true,
}

// Parse decodes a single line (without its trailing newline) into a Message.
func Parse(line string) (Message, error) {
	if len(line) > MaxLineLen {
		return Message{}, fmt.Errorf("%w: line exceeds %d bytes", harnesserr.ErrProtocolMalformed, MaxLineLen)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", harnesserr.ErrProtocolMalformed)
	}

	verb := Verb(fields[0])
	if !validVerbs[verb] {
		return Message{}, fmt.Errorf("%w: %q", harnesserr.ErrProtocolUnknownVerb, fields[0])
	}

	rest := fields[1:]
	sub := SubNone
	// Consume up to two more bare tokens (no '=') as the subverb, matching
	// shapes like "CONFIG SET ACK" and "TEST BEGIN".
	subTokens := []string{}
	for len(rest) > 0 && !strings.Contains(rest[0], "=") {
		subTokens = append(subTokens, rest[0])
		rest = rest[1:]
		if len(subTokens) == 2 {
			break
		}
	}
	if len(subTokens) > 0 {
		sub = Subverb(strings.Join(subTokens, " "))
	}

	m := Message{Verb: verb, Subverb: sub, Fields: map[string]string{}}
	for _, tok := range rest {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue // unknown/malformed token: ignore per "unknown keys ignored"
		}
		if !validValue(kv[1]) {
			continue
		}
		m.Fields[kv[0]] = kv[1]
	}
	if _, ok := m.Fields["id"]; !ok {
		return Message{}, fmt.Errorf("%w: missing id", harnesserr.ErrProtocolMalformed)
	}
	return m, nil
}

func validValue(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == ':' || r == ',' || r == '/' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Format renders a Message back to its wire line, without the trailing
// newline. Fields are emitted in sorted key order for determinism.
func Format(verb Verb, sub Subverb, fields map[string]string) string {
	var b strings.Builder
	b.WriteString(string(verb))
	if sub != SubNone {
		b.WriteByte(' ')
		b.WriteString(string(sub))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// EncodeCaps joins capability tokens into the comma-separated caplist value.
func EncodeCaps(tokens map[string]string) string {
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+tokens[k])
	}
	return strings.Join(parts, ",")
}

// DecodeCaps splits a caplist value into its key:value tokens. Unknown
// tokens are kept as-is; the caller decides what it recognizes.
func DecodeCaps(caplist string) map[string]string {
	out := map[string]string{}
	if caplist == "" {
		return out
	}
	for _, tok := range strings.Split(caplist, ",") {
		kv := strings.SplitN(tok, ":", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}
