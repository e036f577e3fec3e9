// Package testrunner implements the two data tests, max-rate and
// fifo-residue, and the TestResult accumulator they both feed (spec.md
// §4.5). Each test runs on top of internal/frame and internal/portio once
// the role driver has reconfigured the Port and exchanged TEST BEGIN/ACK.
package testrunner

import (
	"sync"
	"time"

	"github.com/shaunagostinho/uartharness/internal/frame"
	"github.com/shaunagostinho/uartharness/internal/harnesserr"
	"github.com/shaunagostinho/uartharness/internal/planner"
	"github.com/shaunagostinho/uartharness/internal/portio"
)

// DefaultTestDurationMs is the wall-clock bound of any test whose DurationMs
// is zero, frame-count-bound tests included, and of every fifo-residue RX.
const DefaultTestDurationMs = 20_000

// DefaultDelayUs is the fifo-residue inter-frame spacing used when a
// TestCase doesn't specify one.
const DefaultDelayUs = 1_000

// driver error bitmask bits for TestResult.DriverErrors, matching the
// ordering of portio.ErrorFlags.
const (
	errBitOverrun = 1 << iota
	errBitFraming
	errBitParity
	errBitBreak
)

// TestResult is one case's outcome, as exchanged in the TEST RESULT message
// and reported locally.
type TestResult struct {
	Pass          bool
	RxFrames      uint64
	RxBytes       uint64
	BadCrc        uint64
	SeqGaps       uint64
	Overruns      uint64
	DriverErrors  uint32
	RateBps       float64
	Reason        string
	DurationMicro uint64
}

// stats accumulates RX-side counters across a test run, mirroring the
// source harness's run-level stats object.
type stats struct {
	ok, bad, lost, total, bytes uint64
	overruns                    uint64
	driverErrors                uint32
	firstGood, lastGood         time.Time
}

func (s *stats) addBytes(n int) { s.bytes += uint64(n) }
func (s *stats) incOk() {
	now := time.Now()
	if s.firstGood.IsZero() {
		s.firstGood = now
	}
	s.lastGood = now
	s.ok++
	s.total++
}
func (s *stats) incBad() { s.bad++; s.total++ }
func (s *stats) addLost(n uint64) {
	s.lost += n
	s.total += n
}

// noteErrorFlags folds a port's driver-error snapshot into the run-level
// accumulator: overrun counts add (they're a running tally the driver never
// resets), while the sticky bitmask just accumulates any bit ever observed.
func (s *stats) noteErrorFlags(f portio.ErrorFlags) {
	s.overruns += uint64(f.Overruns)
	s.driverErrors |= errorBitmask(f)
}

func (s *stats) rateBps() float64 {
	if s.firstGood.IsZero() || !s.lastGood.After(s.firstGood) {
		return 0
	}
	elapsed := s.lastGood.Sub(s.firstGood).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.bytes) * 8 / elapsed
}

func errorBitmask(f portio.ErrorFlags) uint32 {
	var m uint32
	if f.Overruns > 0 {
		m |= errBitOverrun
	}
	if f.FramingErrors > 0 {
		m |= errBitFraming
	}
	if f.ParityErrors > 0 {
		m |= errBitParity
	}
	if f.BreakCount > 0 {
		m |= errBitBreak
	}
	return m
}

// testDeadline returns the test's wall-clock ceiling: DurationMs if set,
// otherwise a generous safety bound so a frame-count-bound test can't hang
// forever if frames stop arriving.
func testDeadline(tc planner.TestCase) time.Time {
	ms := tc.DurationMs
	if ms == 0 {
		ms = DefaultTestDurationMs
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// payloadFor fills buf[:n] with the deterministic max-rate pattern
// payload[i] = (seq + i) mod 256.
func payloadFor(buf []byte, seq uint32) {
	for i := range buf {
		buf[i] = byte((uint32(i) + seq) & 0xff)
	}
}

func checkPayload(payload []byte, seq uint32) bool {
	for i, b := range payload {
		if b != byte((uint32(i)+seq)&0xff) {
			return false
		}
	}
	return true
}

// RunMaxRateTx transmits back-to-back fixed-size frames until Frames or
// DurationMs (whichever the TestCase specifies) is exhausted.
func RunMaxRateTx(port portio.Port, tc planner.TestCase, stop <-chan struct{}) (TestResult, error) {
	deadline := testDeadline(tc)
	payload := make([]byte, tc.Payload)
	var seq uint32
	var sent uint64
	start := time.Now()
	for {
		select {
		case <-stop:
			return finishTx(sent, start), nil
		default:
		}
		if time.Now().After(deadline) {
			return finishTx(sent, start), nil
		}
		if tc.Frames > 0 && sent >= tc.Frames {
			return finishTx(sent, start), nil
		}
		payloadFor(payload, seq)
		frameBytes := frame.Encode(seq, payload)
		if _, err := port.Write(frameBytes, time.Now().Add(2*time.Second)); err != nil {
			return TestResult{}, err
		}
		sent++
		seq++
	}
}

func finishTx(sent uint64, start time.Time) TestResult {
	return TestResult{
		Pass:          true,
		RxFrames:      sent,
		DurationMicro: uint64(time.Since(start).Microseconds()),
	}
}

// RunMaxRateRx drains data frames from port until Frames/DurationMs is
// exhausted, verifying the deterministic payload and tracking gaps.
func RunMaxRateRx(port portio.Port, tc planner.TestCase, stop <-chan struct{}) (TestResult, error) {
	deadline := testDeadline(tc)
	dec := frame.NewDecoder(frame.DefaultMaxPayload)
	var st stats
	var expect uint32
	haveExpect := false
	buf := make([]byte, 4096)

	for {
		select {
		case <-stop:
			return buildResult(st, tc), nil
		default:
		}
		if time.Now().After(deadline) {
			return buildResult(st, tc), nil
		}
		if tc.Frames > 0 && st.total >= tc.Frames {
			return buildResult(st, tc), nil
		}
		n, err := port.Read(buf, time.Now().Add(250*time.Millisecond))
		st.noteErrorFlags(port.ReadErrorFlags())
		if err != nil {
			if err == harnesserr.ErrTimeout {
				continue
			}
			return TestResult{}, err
		}
		if n == 0 {
			continue
		}
		st.addBytes(n)
		dec.Feed(buf[:n])
		for {
			ev, ok := dec.Next()
			if !ok {
				break
			}
			switch ev.Kind {
			case frame.EventFrame:
				if !checkPayload(ev.Frame.Payload, ev.Frame.Seq) {
					st.incBad()
					continue
				}
				st.incOk()
				if haveExpect && ev.Frame.Seq != expect {
					gap := uint64(1)
					if ev.Frame.Seq > expect {
						gap = uint64(ev.Frame.Seq - expect)
					}
					st.addLost(gap)
				}
				expect = ev.Frame.Seq + 1
				haveExpect = true
			case frame.EventBadCrc:
				st.incBad()
			case frame.EventResync:
				// dropped bytes, not a frame: no stats counter to bump.
			}
		}
	}
}

func buildResult(st stats, tc planner.TestCase) TestResult {
	var expected uint64
	if tc.Frames > 0 {
		expected = tc.Frames
	} else {
		expected = st.ok
	}
	res := TestResult{
		RxFrames:      st.ok,
		RxBytes:       st.bytes,
		BadCrc:        st.bad,
		SeqGaps:       st.lost,
		Overruns:      st.overruns,
		DriverErrors:  st.driverErrors,
		RateBps:       st.rateBps(),
		DurationMicro: uint64(st.lastGood.Sub(st.firstGood).Microseconds()),
	}
	res.Pass = res.RxFrames == expected && res.BadCrc == 0 && res.SeqGaps == 0 && res.DriverErrors == 0
	if !res.Pass {
		res.Reason = "max-rate: rx_frames/bad_crc/seq_gaps/driver_errors mismatch"
	}
	return res
}

// RunFifoResidueTx transmits frames with payload lengths ramping 1..Payload,
// each spaced DelayUs microseconds apart.
func RunFifoResidueTx(port portio.Port, tc planner.TestCase, stop <-chan struct{}) (TestResult, error) {
	delay := tc.DelayUs
	if delay == 0 {
		delay = DefaultDelayUs
	}
	maxLen := tc.Payload
	if maxLen < 1 {
		maxLen = 1
	}
	start := time.Now()
	var seq uint32
	for l := 1; l <= maxLen; l++ {
		select {
		case <-stop:
			return finishTx(uint64(seq), start), nil
		default:
		}
		payload := make([]byte, l)
		payloadFor(payload, seq)
		frameBytes := frame.Encode(seq, payload)
		if _, err := port.Write(frameBytes, time.Now().Add(2*time.Second)); err != nil {
			return TestResult{}, err
		}
		seq++
		if l != maxLen {
			time.Sleep(time.Duration(delay) * time.Microsecond)
		}
	}
	return finishTx(uint64(seq), start), nil
}

// RunFifoResidueRx drains the ramping-length frames, requiring in-order,
// gap-free arrival.
func RunFifoResidueRx(port portio.Port, tc planner.TestCase, stop <-chan struct{}) (TestResult, error) {
	maxLen := tc.Payload
	if maxLen < 1 {
		maxLen = 1
	}
	dec := frame.NewDecoder(frame.DefaultMaxPayload)
	var st stats
	var expect uint32
	haveExpect := false
	buf := make([]byte, 4096)
	deadline := time.Now().Add(time.Duration(DefaultTestDurationMs) * time.Millisecond)

	for uint64(maxLen) > st.ok {
		select {
		case <-stop:
			return buildFifoResult(st, maxLen), nil
		default:
		}
		if time.Now().After(deadline) {
			return buildFifoResult(st, maxLen), nil
		}
		n, err := port.Read(buf, time.Now().Add(250*time.Millisecond))
		st.noteErrorFlags(port.ReadErrorFlags())
		if err != nil {
			if err == harnesserr.ErrTimeout {
				continue
			}
			return TestResult{}, err
		}
		if n == 0 {
			continue
		}
		st.addBytes(n)
		dec.Feed(buf[:n])
		for {
			ev, ok := dec.Next()
			if !ok {
				break
			}
			switch ev.Kind {
			case frame.EventFrame:
				if !checkPayload(ev.Frame.Payload, ev.Frame.Seq) {
					st.incBad()
					continue
				}
				st.incOk()
				if haveExpect && ev.Frame.Seq != expect {
					gap := uint64(1)
					if ev.Frame.Seq > expect {
						gap = uint64(ev.Frame.Seq - expect)
					}
					st.addLost(gap)
				}
				expect = ev.Frame.Seq + 1
				haveExpect = true
			case frame.EventBadCrc:
				st.incBad()
			case frame.EventResync:
			}
		}
	}
	return buildFifoResult(st, maxLen), nil
}

func buildFifoResult(st stats, maxLen int) TestResult {
	res := TestResult{
		RxFrames:     st.ok,
		RxBytes:      st.bytes,
		BadCrc:       st.bad,
		SeqGaps:      st.lost,
		Overruns:     st.overruns,
		DriverErrors: st.driverErrors,
		RateBps:      st.rateBps(),
	}
	res.Pass = res.RxFrames == uint64(maxLen) && res.BadCrc == 0 && res.SeqGaps == 0 && res.DriverErrors == 0
	if !res.Pass {
		res.Reason = "fifo-residue: out-of-order/dropped frame or driver error"
	}
	return res
}

// RunBoth runs a TX pump and an RX drain concurrently on the same Port, one
// goroutine each, per the at-most-two-threads-during-data-tests model. The
// returned TestResult is the local side's RX view, per spec.md §4.5's
// both-direction semantics.
func RunBoth(port portio.Port, tc planner.TestCase, txFn func(portio.Port, planner.TestCase, <-chan struct{}) (TestResult, error), rxFn func(portio.Port, planner.TestCase, <-chan struct{}) (TestResult, error), stop <-chan struct{}) (TestResult, error) {
	var wg sync.WaitGroup
	var rxResult TestResult
	var rxErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		rxResult, rxErr = rxFn(port, tc, stop)
	}()

	_, txErr := txFn(port, tc, stop)
	wg.Wait()

	if txErr != nil {
		return TestResult{}, txErr
	}
	if rxErr != nil {
		return TestResult{}, rxErr
	}
	return rxResult, nil
}
