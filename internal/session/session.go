// Package session implements peer identity tracking, the stray-message
// filter, and the send/request/await primitives the role state machines are
// built on (spec.md §4.4).
package session

import (
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/uartharness/internal/control"
	"github.com/shaunagostinho/uartharness/internal/harnesserr"
	"github.com/shaunagostinho/uartharness/internal/identity"
	"github.com/shaunagostinho/uartharness/internal/portio"
)

// DefaultRetryInterval is how often Request retransmits while waiting.
const DefaultRetryInterval = 250 * time.Millisecond

// malformedStormCount/malformedStormWindow implement spec.md §7's
// "10 malformed messages in a row within 5s => session reset" rule.
const (
	malformedStormCount  = 10
	malformedStormWindow = 5 * time.Second
)

// Session owns one peer's identity and the line-level I/O to reach it.
type Session struct {
	tag  string // log prefix, e.g. "orchestrator" or "responder"
	port portio.Port
	rd   *control.LineReader

	selfID  identity.RunId
	peerID  identity.RunId
	latched bool

	retryInterval time.Duration

	malformedSeen  int
	malformedSince time.Time
}

// New creates a Session bound to an already-open control-config Port.
func New(tag string, port portio.Port, selfID identity.RunId) *Session {
	return &Session{
		tag:           tag,
		port:          port,
		rd:            control.NewLineReader(port),
		selfID:        selfID,
		retryInterval: DefaultRetryInterval,
	}
}

// SelfID returns this process's own run id.
func (s *Session) SelfID() identity.RunId { return s.selfID }

// PeerID returns the latched peer id, if any.
func (s *Session) PeerID() identity.RunId { return s.peerID }

// PeerLatched reports whether a peer id has been observed and pinned.
func (s *Session) PeerLatched() bool { return s.latched }

// ResetPeer forgets the latched peer, e.g. after TERMINATE or an idle
// timeout returns the Responder to discovery.
func (s *Session) ResetPeer() {
	s.latched = false
	s.peerID = identity.RunId{}
	s.malformedSeen = 0
}

// LatchPeer pins the peer id explicitly, e.g. from the Orchestrator's side
// after it first observes HELLO.
func (s *Session) LatchPeer(id identity.RunId) {
	s.peerID = id
	s.latched = true
}

// Send formats and writes a single message with this session's id field,
// no retry.
func (s *Session) Send(verb control.Verb, sub control.Subverb, fields map[string]string) error {
	f := cloneFields(fields)
	f["id"] = s.selfID.String()
	line := control.Format(verb, sub, f)
	deadline := time.Now().Add(2 * time.Second)
	return control.WriteLine(s.port, line, deadline)
}

// Matcher decides whether a parsed Message satisfies a wait condition.
type Matcher func(control.Message) bool

// MatchVerb accepts any message with the given verb.
func MatchVerb(v control.Verb) Matcher {
	return func(m control.Message) bool { return m.Verb == v }
}

// MatchVerbSub accepts messages with an exact verb+subverb pair.
func MatchVerbSub(v control.Verb, sub control.Subverb) Matcher {
	return func(m control.Message) bool { return m.Verb == v && m.Subverb == sub }
}

// Await passively waits for a message satisfying match, applying the stray
// filter and malformed-message accounting along the way.
func (s *Session) Await(match Matcher, timeout time.Duration) (control.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return control.Message{}, harnesserr.ErrPeerUnresponsive
		}
		line, err := s.rd.ReadLine(deadline)
		if err != nil {
			if err == harnesserr.ErrTimeout {
				return control.Message{}, harnesserr.ErrPeerUnresponsive
			}
			return control.Message{}, err
		}
		msg, admitted, resetErr := s.admit(line)
		if resetErr != nil {
			return control.Message{}, resetErr
		}
		if !admitted {
			continue
		}
		if match(msg) {
			return msg, nil
		}
		// Valid, non-stray, but not what we're waiting for: ignore and
		// keep waiting (no pipelining, spec.md §5).
	}
}

// Request sends msg once, then retransmits every retryInterval until a
// matching reply arrives or timeout elapses.
func (s *Session) Request(verb control.Verb, sub control.Subverb, fields map[string]string, match Matcher, timeout time.Duration) (control.Message, error) {
	deadline := time.Now().Add(timeout)
	if err := s.Send(verb, sub, fields); err != nil {
		return control.Message{}, err
	}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return control.Message{}, harnesserr.ErrPeerUnresponsive
		}
		waitFor := s.retryInterval
		if waitFor > remaining {
			waitFor = remaining
		}
		msg, err := s.Await(match, waitFor)
		if err == nil {
			return msg, nil
		}
		if err != harnesserr.ErrPeerUnresponsive {
			return control.Message{}, err // protocol/session-reset error, not a plain timeout
		}
		if time.Now().After(deadline) {
			return control.Message{}, harnesserr.ErrPeerUnresponsive
		}
		if err := s.Send(verb, sub, fields); err != nil {
			return control.Message{}, err
		}
	}
}

// admit parses one line, applies the stray filter and malformed-message
// accounting, and reports whether the caller should act on it.
func (s *Session) admit(line string) (control.Message, bool, error) {
	msg, err := control.Parse(line)
	if err != nil {
		return s.noteMalformed(err)
	}

	id, err := identity.Parse(msg.ID())
	if err != nil {
		return s.noteMalformed(fmt.Errorf("%w: bad id %q", harnesserr.ErrProtocolMalformed, msg.ID()))
	}

	if s.latched {
		if id != s.peerID {
			log.Printf("[%s] %v: id=%s, want peer_id=%s", s.tag, harnesserr.ErrStrayId, id, s.peerID)
			return control.Message{}, false, nil // stray: dropped, not fatal
		}
		s.malformedSeen = 0
		return msg, true, nil
	}

	if msg.Verb == control.VerbHello || msg.Verb == control.VerbAck {
		s.LatchPeer(id)
		s.malformedSeen = 0
		log.Printf("[%s] latched peer id=%s", s.tag, id)
		return msg, true, nil
	}
	return control.Message{}, false, nil // unset peer id, not HELLO/ACK: dropped
}

func (s *Session) noteMalformed(cause error) (control.Message, bool, error) {
	now := time.Now()
	if s.malformedSince.IsZero() || now.Sub(s.malformedSince) > malformedStormWindow {
		s.malformedSince = now
		s.malformedSeen = 0
	}
	s.malformedSeen++
	log.Printf("[%s] dropping malformed control message: %v (count=%d)", s.tag, cause, s.malformedSeen)
	if s.malformedSeen >= malformedStormCount {
		return control.Message{}, false, harnesserr.ErrSessionReset
	}
	return control.Message{}, false, nil
}

func cloneFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
