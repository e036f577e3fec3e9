// Package planner intersects user filters with both peers' capabilities
// and produces the ordered test matrix the Role driver executes
// (spec.md §4.6).
package planner

import (
	"sort"

	"github.com/shaunagostinho/uartharness/internal/portio"
)

// Direction selects which side(s) transmit during a TestCase.
type Direction int

const (
	DirTx Direction = iota
	DirRx
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirTx:
		return "tx"
	case DirRx:
		return "rx"
	default:
		return "both"
	}
}

// ParseDirection converts a wire token into a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "tx":
		return DirTx, true
	case "rx":
		return DirRx, true
	case "both":
		return DirBoth, true
	default:
		return 0, false
	}
}

// Capabilities is what each peer advertises at handshake.
type Capabilities struct {
	MaxBaud            uint32
	SupportedParities  []portio.Parity
	SupportedBits      []int
	SupportedFlow      []portio.Flow
	SupportsFullDuplex bool
}

// Filters is the user-supplied selection, typically built from CLI flags by
// the (out-of-scope) command-line front end.
type Filters struct {
	Tests          []string
	Bauds          []uint32
	Parities       []portio.Parity
	Bits           []int
	Dirs           []Direction
	Flows          []portio.Flow
	PayloadSize    int
	Frames         uint64
	DurationMs     uint64 // 0 means "use Frames"
	DelayUs        uint32 // fifo-residue inter-frame spacing
	FifoAllConfigs bool
}

// TestCase is one fully-resolved unit of work: a port configuration, test
// name, direction, and frame/duration/payload parameters.
type TestCase struct {
	Name       string
	PortConfig portio.Config
	Direction  Direction
	Frames     uint64 // 0 means "use DurationMs"
	DurationMs uint64
	Payload    int    // fixed frame size for max-rate, ramp ceiling for fifo-residue
	DelayUs    uint32 // fifo-residue inter-frame spacing
}

// Plan is the ordered sequence of cases the Orchestrator will drive.
type Plan []TestCase

// builtinTests names the tests this repo implements; Build rejects any
// filter test name outside this set plus whatever the registry (internal/
// planner's RegisterTest) has added.
var builtinTests = map[string]bool{
	"max-rate":     true,
	"fifo-residue": true,
}

// testKinds maps a plannable test name to the wire shape (one of the two
// builtin kinds) the test runner should execute for it. Builtin tests map
// to themselves; registry-loaded names map to whichever kind their
// TestCaseTemplate declared.
var testKinds = map[string]string{
	"max-rate":     "max-rate",
	"fifo-residue": "fifo-residue",
}

// RegisterTest lets the test case registry (SPEC_FULL.md §4.9) extend the
// set of plannable test names at startup, before Build is called. kind must
// be one of the two builtin wire shapes ("max-rate" or "fifo-residue");
// the registry package is responsible for rejecting anything else before
// calling this.
func RegisterTest(name, kind string) {
	builtinTests[name] = true
	testKinds[name] = kind
}

// KindOf reports which builtin wire shape a plannable test name runs as.
// Unregistered names report "" (the role driver then falls back to its own
// default); this should never happen for a name that appeared in a Plan.
func KindOf(name string) string {
	return testKinds[name]
}

// Build computes the Cartesian product of filters ∩ local ∩ peer
// capabilities, ordered baud→parity→bits→flow outer, test-name middle,
// direction inner, per spec.md §4.6. fifo-residue is restricted to the
// control PortConfig unless filters.FifoAllConfigs is set.
func Build(filters Filters, local, peer Capabilities) Plan {
	bauds := intersectBauds(filters.Bauds, local.MaxBaud, peer.MaxBaud)
	parities := intersectParities(filters.Parities, local.SupportedParities, peer.SupportedParities)
	bits := intersectBits(filters.Bits, local.SupportedBits, peer.SupportedBits)
	flows := intersectFlows(filters.Flows, local.SupportedFlow, peer.SupportedFlow)

	var tests []string
	for _, t := range filters.Tests {
		if builtinTests[t] {
			tests = append(tests, t)
		}
	}

	var plan Plan
	for _, baud := range bauds {
		for _, parity := range parities {
			for _, bits := range bits {
				for _, flow := range flows {
					cfg := portio.Config{Baud: baud, Parity: parity, Bits: bits, Flow: flow}
					for _, name := range tests {
						if name == "fifo-residue" && !filters.FifoAllConfigs && cfg != portio.ControlConfig {
							continue
						}
						for _, dir := range filters.Dirs {
							plan = append(plan, TestCase{
								Name:       name,
								PortConfig: cfg,
								Direction:  dir,
								Frames:     filters.Frames,
								DurationMs: filters.DurationMs,
								Payload:    filters.PayloadSize,
								DelayUs:    filters.DelayUs,
							})
						}
					}
				}
			}
		}
	}
	return plan
}

func intersectBauds(requested []uint32, localMax, peerMax uint32) []uint32 {
	limit := localMax
	if peerMax < limit {
		limit = peerMax
	}
	out := make([]uint32, 0, len(requested))
	for _, b := range requested {
		if b <= limit {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func intersectParities(requested, localSet, peerSet []portio.Parity) []portio.Parity {
	peerOK := toParitySet(peerSet)
	localOK := toParitySet(localSet)
	var out []portio.Parity
	for _, p := range requested {
		if localOK[p] && peerOK[p] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func toParitySet(s []portio.Parity) map[portio.Parity]bool {
	m := make(map[portio.Parity]bool, len(s))
	for _, p := range s {
		m[p] = true
	}
	return m
}

func intersectBits(requested, localSet, peerSet []int) []int {
	localOK := toIntSet(localSet)
	peerOK := toIntSet(peerSet)
	var out []int
	for _, b := range requested {
		if localOK[b] && peerOK[b] {
			out = append(out, b)
		}
	}
	sort.Ints(out)
	return out
}

func toIntSet(s []int) map[int]bool {
	m := make(map[int]bool, len(s))
	for _, v := range s {
		m[v] = true
	}
	return m
}

func intersectFlows(requested, localSet, peerSet []portio.Flow) []portio.Flow {
	localOK := toFlowSet(localSet)
	peerOK := toFlowSet(peerSet)
	var out []portio.Flow
	for _, f := range requested {
		if localOK[f] && peerOK[f] {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func toFlowSet(s []portio.Flow) map[portio.Flow]bool {
	m := make(map[portio.Flow]bool, len(s))
	for _, f := range s {
		m[f] = true
	}
	return m
}
