// Package role implements the Orchestrator and Responder state machines
// that sit on top of Session, driving capability handshake, plan execution,
// and per-case result exchange (spec.md §4.7).
package role

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/uartharness/internal/control"
	"github.com/shaunagostinho/uartharness/internal/harnesserr"
	"github.com/shaunagostinho/uartharness/internal/identity"
	"github.com/shaunagostinho/uartharness/internal/planner"
	"github.com/shaunagostinho/uartharness/internal/portio"
	"github.com/shaunagostinho/uartharness/internal/session"
	"github.com/shaunagostinho/uartharness/internal/testrunner"
)

const (
	helloAwaitTimeout  = 30 * time.Second
	requestTimeout     = 5 * time.Second
	idleTimeout        = 60 * time.Second
	helloInitialPeriod = 500 * time.Millisecond
	helloMaxPeriod     = 4 * time.Second
)

// CaseOutcome is one executed TestCase plus its resolved result, or the
// error that aborted it.
type CaseOutcome struct {
	Case   planner.TestCase
	Result testrunner.TestResult
	Err    error
}

// ResultSink receives each case's outcome as it completes, e.g. for local
// logging and the optional live monitor broadcast.
type ResultSink interface {
	CaseResult(CaseOutcome)
}

// nopSink discards outcomes; used when the caller doesn't need one.
type nopSink struct{}

func (nopSink) CaseResult(CaseOutcome) {}

// directionRunners picks the TX/RX pair for a test name by its registered
// wire shape (planner.KindOf), not by the name itself: a registry-loaded
// custom test runs as whichever builtin kind it declared. A name with no
// registered kind (KindOf returns "") runs as max-rate.
func directionRunners(name string) (tx, rx runnerFn) {
	if planner.KindOf(name) == "fifo-residue" {
		return testrunner.RunFifoResidueTx, testrunner.RunFifoResidueRx
	}
	return testrunner.RunMaxRateTx, testrunner.RunMaxRateRx
}

type runnerFn func(portio.Port, planner.TestCase, <-chan struct{}) (testrunner.TestResult, error)

// invert swaps tx/rx for the Responder's local perspective; both is
// unchanged since both sides run both halves.
func invert(d planner.Direction) planner.Direction {
	switch d {
	case planner.DirTx:
		return planner.DirRx
	case planner.DirRx:
		return planner.DirTx
	default:
		return planner.DirBoth
	}
}

func configFields(id identity.RunId, tc planner.TestCase, orchestratorDir planner.Direction) map[string]string {
	return map[string]string{
		"id":     id.String(),
		"baud":   strconv.FormatUint(uint64(tc.PortConfig.Baud), 10),
		"parity": tc.PortConfig.Parity.String(),
		"bits":   strconv.Itoa(tc.PortConfig.Bits),
		"flow":   tc.PortConfig.Flow.String(),
		"dir":    orchestratorDir.String(),
	}
}

func testBeginFields(id identity.RunId, tc planner.TestCase) map[string]string {
	f := map[string]string{
		"id":      id.String(),
		"name":    tc.Name,
		"payload": strconv.Itoa(tc.Payload),
	}
	if tc.Frames > 0 {
		f["frames"] = strconv.FormatUint(tc.Frames, 10)
	} else {
		f["duration_ms"] = strconv.FormatUint(tc.DurationMs, 10)
	}
	return f
}

func resultFields(id identity.RunId, r testrunner.TestResult) map[string]string {
	result := "fail"
	if r.Pass {
		result = "pass"
	}
	f := map[string]string{
		"id":         id.String(),
		"result":     result,
		"rx_frames":  strconv.FormatUint(r.RxFrames, 10),
		"rx_bytes":   strconv.FormatUint(r.RxBytes, 10),
		"bad_crc":    strconv.FormatUint(r.BadCrc, 10),
		"seq_gaps":   strconv.FormatUint(r.SeqGaps, 10),
		"overruns":   strconv.FormatUint(r.Overruns, 10),
		"errors":     fmt.Sprintf("0x%x", r.DriverErrors),
		"rate_bps":   strconv.FormatFloat(r.RateBps, 'f', 1, 64),
	}
	if r.Reason != "" {
		f["reason"] = r.Reason
	}
	return f
}

func parseResult(m control.Message) testrunner.TestResult {
	var r testrunner.TestResult
	if v, ok := m.Get("result"); ok {
		r.Pass = v == "pass"
	}
	if v, ok := m.Get("rx_frames"); ok {
		r.RxFrames, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m.Get("rx_bytes"); ok {
		r.RxBytes, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m.Get("bad_crc"); ok {
		r.BadCrc, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m.Get("seq_gaps"); ok {
		r.SeqGaps, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m.Get("overruns"); ok {
		r.Overruns, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m.Get("errors"); ok {
		v = strings.TrimPrefix(v, "0x")
		n, _ := strconv.ParseUint(v, 16, 32)
		r.DriverErrors = uint32(n)
	}
	if v, ok := m.Get("rate_bps"); ok {
		r.RateBps, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m.Get("reason"); ok {
		r.Reason = v
	}
	return r
}

// runLocalHalf executes this process's half of one TestCase given its own
// (already-inverted-if-Responder) direction, and returns the authoritative
// TestResult: its own measurement if it ran an RX half, or the peer's
// TEST RESULT otherwise.
func runLocalHalf(sess *session.Session, port portio.Port, id identity.RunId, tc planner.TestCase, localDir planner.Direction, isMaster bool) (testrunner.TestResult, error) {
	tx, rx := directionRunners(tc.Name)
	stop := make(chan struct{})

	var local testrunner.TestResult
	var err error
	switch localDir {
	case planner.DirTx:
		local, err = tx(port, tc, stop)
	case planner.DirRx:
		local, err = rx(port, tc, stop)
	default:
		local, err = testrunner.RunBoth(port, tc, tx, rx, stop)
	}
	if err != nil {
		return testrunner.TestResult{}, err
	}

	if isMaster {
		if _, err := sess.Request(control.VerbTest, control.SubDone, map[string]string{"result": passWord(local.Pass)}, session.MatchVerbSub(control.VerbTest, control.SubDoneAck), requestTimeout); err != nil {
			return testrunner.TestResult{}, err
		}
	} else {
		if _, err := sess.Await(session.MatchVerbSub(control.VerbTest, control.SubDone), requestTimeout); err != nil {
			return testrunner.TestResult{}, err
		}
		if err := sess.Send(control.VerbTest, control.SubDoneAck, nil); err != nil {
			return testrunner.TestResult{}, err
		}
	}

	if err := sess.Send(control.VerbTest, control.SubResult, resultFields(id, local)); err != nil {
		return testrunner.TestResult{}, err
	}

	if localDir == planner.DirRx || localDir == planner.DirBoth {
		return local, nil
	}
	// TX-only: the RX side holds the authoritative pass/fail, so wait for
	// its TEST RESULT instead of trusting our own trivial "sent ok" result.
	msg, err := sess.Await(session.MatchVerbSub(control.VerbTest, control.SubResult), requestTimeout)
	if err != nil {
		return testrunner.TestResult{}, err
	}
	return parseResult(msg), nil
}

func passWord(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// RunOrchestrator drives the full Orchestrator state machine: Init →
// Discover → HandshakeCaps → PlanBuild → RunningTest(i) → EmitResults →
// Terminating → Exit. It returns whether every executed case passed.
func RunOrchestrator(port portio.Port, filters planner.Filters, maxBaud uint32, sink ResultSink) (allPass bool, err error) {
	if sink == nil {
		sink = nopSink{}
	}
	selfID := identity.New()
	sess := session.New("orchestrator", port, selfID)
	log.Printf("[orchestrator] self_id=%s waiting for HELLO", selfID)

	if _, err := sess.Await(session.MatchVerb(control.VerbHello), helloAwaitTimeout); err != nil {
		return false, fmt.Errorf("discover: %w", err)
	}
	log.Printf("[orchestrator] latched peer_id=%s", sess.PeerID())

	local := LocalCapabilities(maxBaud)
	if err := sess.Send(control.VerbAck, control.SubNone, map[string]string{"caps": EncodeCaps(local)}); err != nil {
		return false, fmt.Errorf("ack: %w", err)
	}

	capsMsg, err := sess.Request(control.VerbCaps, control.SubNone, nil, session.MatchVerb(control.VerbCaps), requestTimeout)
	if err != nil {
		return false, fmt.Errorf("handshake caps: %w", err)
	}
	capsValue, _ := capsMsg.Get("caps")
	peerCaps := DecodeCaps(capsValue)

	plan := planner.Build(filters, local, peerCaps)
	if len(plan) == 0 {
		log.Printf("[orchestrator] empty plan, terminating")
		terminate(sess)
		return true, nil
	}
	log.Printf("[orchestrator] plan has %d case(s)", len(plan))

	allPass = true
	for i, tc := range plan {
		log.Printf("[orchestrator] case %d/%d: %s %s dir=%s", i+1, len(plan), tc.Name, tc.PortConfig, tc.Direction)
		result, err := runOrchestratorCase(sess, port, selfID, tc)
		outcome := CaseOutcome{Case: tc, Result: result, Err: err}
		if err != nil {
			outcome.Result.Pass = false
			outcome.Result.Reason = err.Error()
			allPass = false
		} else if !result.Pass {
			allPass = false
		}
		sink.CaseResult(outcome)
	}

	terminate(sess)
	return allPass, nil
}

func runOrchestratorCase(sess *session.Session, port portio.Port, selfID identity.RunId, tc planner.TestCase) (testrunner.TestResult, error) {
	if _, err := sess.Request(control.VerbConfig, control.SubSet, configFields(selfID, tc, tc.Direction), session.MatchVerbSub(control.VerbConfig, control.SubSetAck), requestTimeout); err != nil {
		return testrunner.TestResult{}, fmt.Errorf("config set: %w", err)
	}
	if err := port.Reconfigure(tc.PortConfig); err != nil {
		return testrunner.TestResult{}, fmt.Errorf("local reconfigure: %w", err)
	}

	if _, err := sess.Request(control.VerbTest, control.SubBegin, testBeginFields(selfID, tc), session.MatchVerbSub(control.VerbTest, control.SubBeginAck), requestTimeout); err != nil {
		return testrunner.TestResult{}, fmt.Errorf("test begin: %w", err)
	}

	localDir := tc.Direction
	isMaster := localDir == planner.DirTx || tc.Direction == planner.DirBoth
	result, err := runLocalHalf(sess, port, selfID, tc, localDir, isMaster)

	if rerr := port.Reconfigure(portio.ControlConfig); rerr != nil && err == nil {
		err = fmt.Errorf("restore control config: %w", rerr)
	}
	return result, err
}

func terminate(sess *session.Session) {
	if _, err := sess.Request(control.VerbTerminate, control.SubNone, nil, session.MatchVerb(control.VerbTerminate), requestTimeout); err != nil {
		log.Printf("[orchestrator] terminate: best-effort, peer did not ack: %v", err)
	}
}

// RunResponder drives the Responder state machine: Idle → Discovering →
// Session(peer_id) → [per-test sub-states] → Idle, forever, until stop is
// closed.
func RunResponder(port portio.Port, maxBaud uint32, stop <-chan struct{}) error {
	selfID := identity.New()
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		sess := session.New("responder", port, selfID)
		if err := responderDiscoverAndServe(sess, port, selfID, maxBaud, stop); err != nil {
			if err == errStopRequested {
				return nil
			}
			log.Printf("[responder] session ended: %v", err)
		}
	}
}

var errStopRequested = fmt.Errorf("stop requested")

func responderDiscoverAndServe(sess *session.Session, port portio.Port, selfID identity.RunId, maxBaud uint32, stop <-chan struct{}) error {
	period := helloInitialPeriod
	log.Printf("[responder] self_id=%s broadcasting HELLO", selfID)
	for {
		select {
		case <-stop:
			return errStopRequested
		default:
		}
		if err := sess.Send(control.VerbHello, control.SubNone, nil); err != nil {
			return fmt.Errorf("hello broadcast: %w", err)
		}
		ack, err := sess.Await(session.MatchVerb(control.VerbAck), period)
		if err == nil {
			log.Printf("[responder] latched peer_id=%s via ACK", sess.PeerID())
			capsValue, _ := ack.Get("caps")
			peerCaps := DecodeCaps(capsValue)
			return serveSession(sess, port, selfID, peerCaps, maxBaud, stop)
		}
		if err != harnesserr.ErrPeerUnresponsive {
			return fmt.Errorf("hello await: %w", err)
		}
		period *= 2
		if period > helloMaxPeriod {
			period = helloMaxPeriod
		}
	}
}

func serveSession(sess *session.Session, port portio.Port, selfID identity.RunId, peerCaps planner.Capabilities, maxBaud uint32, stop <-chan struct{}) error {
	var lastDir planner.Direction // set by CONFIG SET's dir= field, consumed by the following TEST BEGIN
	for {
		select {
		case <-stop:
			return errStopRequested
		default:
		}
		msg, err := sess.Await(func(control.Message) bool { return true }, idleTimeout)
		if err != nil {
			if err == harnesserr.ErrPeerUnresponsive {
				log.Printf("[responder] idle timeout, returning to discovery")
				sess.ResetPeer()
				return nil
			}
			return err
		}

		switch {
		case msg.Verb == control.VerbCaps && msg.Subverb == control.SubNone:
			if err := sess.Send(control.VerbCaps, control.SubNone, map[string]string{"caps": EncodeCaps(LocalCapabilities(maxBaud))}); err != nil {
				return err
			}
		case msg.Verb == control.VerbConfig && msg.Subverb == control.SubSet:
			dir, err := serveConfigSet(sess, port, msg)
			if err != nil {
				return err
			}
			lastDir = dir
		case msg.Verb == control.VerbTest && msg.Subverb == control.SubBegin:
			if err := serveTestBegin(sess, port, selfID, msg, lastDir); err != nil {
				return err
			}
		case msg.Verb == control.VerbTerminate && msg.Subverb == control.SubNone:
			if err := sess.Send(control.VerbTerminate, control.SubAck, nil); err != nil {
				return err
			}
			sess.ResetPeer()
			return nil
		default:
			log.Printf("[responder] ignoring unexpected %s %s", msg.Verb, msg.Subverb)
		}
	}
}

func serveConfigSet(sess *session.Session, port portio.Port, msg control.Message) (planner.Direction, error) {
	cfg, err := parseConfigFields(msg)
	if err != nil {
		return 0, err
	}
	dirStr, _ := msg.Get("dir")
	dir, _ := planner.ParseDirection(dirStr)
	if err := sess.Send(control.VerbConfig, control.SubSetAck, nil); err != nil {
		return dir, err
	}
	return dir, port.Reconfigure(cfg)
}

func parseConfigFields(msg control.Message) (portio.Config, error) {
	baudStr, err := msg.Require("baud")
	if err != nil {
		return portio.Config{}, err
	}
	baud, err := strconv.ParseUint(baudStr, 10, 32)
	if err != nil {
		return portio.Config{}, fmt.Errorf("%w: baud %q", harnesserr.ErrProtocolMalformed, baudStr)
	}
	parityStr, err := msg.Require("parity")
	if err != nil {
		return portio.Config{}, err
	}
	parity, ok := portio.ParseParity(parityStr)
	if !ok {
		return portio.Config{}, fmt.Errorf("%w: parity %q", harnesserr.ErrProtocolMalformed, parityStr)
	}
	bitsStr, err := msg.Require("bits")
	if err != nil {
		return portio.Config{}, err
	}
	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		return portio.Config{}, fmt.Errorf("%w: bits %q", harnesserr.ErrProtocolMalformed, bitsStr)
	}
	flowStr, err := msg.Require("flow")
	if err != nil {
		return portio.Config{}, err
	}
	flow, ok := portio.ParseFlow(flowStr)
	if !ok {
		return portio.Config{}, fmt.Errorf("%w: flow %q", harnesserr.ErrProtocolMalformed, flowStr)
	}
	return portio.Config{Baud: uint32(baud), Parity: parity, Bits: bits, Flow: flow}, nil
}

func serveTestBegin(sess *session.Session, port portio.Port, selfID identity.RunId, msg control.Message, orchestratorDir planner.Direction) error {
	name, err := msg.Require("name")
	if err != nil {
		return err
	}
	payloadStr, err := msg.Require("payload")
	if err != nil {
		return err
	}
	payload, err := strconv.Atoi(payloadStr)
	if err != nil {
		return fmt.Errorf("%w: payload %q", harnesserr.ErrProtocolMalformed, payloadStr)
	}
	tc := planner.TestCase{Name: name, PortConfig: port.Config(), Payload: payload}
	if v, ok := msg.Get("frames"); ok {
		tc.Frames, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := msg.Get("duration_ms"); ok {
		tc.DurationMs, _ = strconv.ParseUint(v, 10, 64)
	}
	localDir := invert(orchestratorDir)

	if err := sess.Send(control.VerbTest, control.SubBeginAck, nil); err != nil {
		return err
	}

	isMaster := localDir == planner.DirTx
	res, err := runLocalHalf(sess, port, selfID, tc, localDir, isMaster)
	if err == nil {
		log.Printf("[responder] %s %s dir=%s -> %s rx_frames=%d bad_crc=%d seq_gaps=%d rate_bps=%.1f",
			tc.Name, tc.PortConfig, localDir, passWord(res.Pass), res.RxFrames, res.BadCrc, res.SeqGaps, res.RateBps)
	}
	if rerr := port.Reconfigure(portio.ControlConfig); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
