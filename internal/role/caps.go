package role

import (
	"strconv"
	"strings"

	"github.com/shaunagostinho/uartharness/internal/control"
	"github.com/shaunagostinho/uartharness/internal/planner"
	"github.com/shaunagostinho/uartharness/internal/portio"
)

// DefaultMaxBaud is the ceiling LocalCapabilities advertises when the
// caller doesn't override it: a realistic high-end target for the kernel
// serial drivers and links this harness exists to exercise (spec.md §1),
// not the control channel's own fixed rate (portio.ControlConfig.Baud).
const DefaultMaxBaud = 2_000_000

// LocalCapabilities is what this process advertises at handshake. It is a
// conservative, hand-maintained description of what internal/portio and
// internal/frame actually support, not a driver query. maxBaud lets the
// operator raise or lower the advertised ceiling (e.g. to match a known
// hardware limit) via the command-line front end; 0 falls back to
// DefaultMaxBaud.
func LocalCapabilities(maxBaud uint32) planner.Capabilities {
	if maxBaud == 0 {
		maxBaud = DefaultMaxBaud
	}
	return planner.Capabilities{
		MaxBaud:            maxBaud,
		SupportedParities:  []portio.Parity{portio.ParityNone, portio.ParityEven, portio.ParityOdd},
		SupportedBits:      []int{7, 8},
		SupportedFlow:      []portio.Flow{portio.FlowNone, portio.FlowRtsCts},
		SupportsFullDuplex: true,
	}
}

// EncodeCaps renders Capabilities into the caps=<caplist> field value.
func EncodeCaps(c planner.Capabilities) string {
	tokens := map[string]string{
		"max_baud":    strconv.FormatUint(uint64(c.MaxBaud), 10),
		"parity":      joinParities(c.SupportedParities),
		"bits":        joinInts(c.SupportedBits),
		"flow":        joinFlows(c.SupportedFlow),
		"full_duplex": boolToken(c.SupportsFullDuplex),
	}
	return control.EncodeCaps(tokens)
}

// DecodeCaps parses a caps=<caplist> field value back into Capabilities.
// Unparseable tokens are skipped rather than treated as fatal: a peer
// advertising an unrecognized capability is better handled by ignoring the
// capability than by failing the handshake.
func DecodeCaps(caplist string) planner.Capabilities {
	tokens := control.DecodeCaps(caplist)
	var c planner.Capabilities
	if v, ok := tokens["max_baud"]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.MaxBaud = uint32(n)
		}
	}
	if v, ok := tokens["parity"]; ok {
		for _, p := range strings.Split(v, "/") {
			if parsed, ok := portio.ParseParity(p); ok {
				c.SupportedParities = append(c.SupportedParities, parsed)
			}
		}
	}
	if v, ok := tokens["bits"]; ok {
		for _, b := range strings.Split(v, "/") {
			if n, err := strconv.Atoi(b); err == nil {
				c.SupportedBits = append(c.SupportedBits, n)
			}
		}
	}
	if v, ok := tokens["flow"]; ok {
		for _, f := range strings.Split(v, "/") {
			if parsed, ok := portio.ParseFlow(f); ok {
				c.SupportedFlow = append(c.SupportedFlow, parsed)
			}
		}
	}
	if v, ok := tokens["full_duplex"]; ok {
		c.SupportsFullDuplex = v == "1"
	}
	return c
}

func joinParities(ps []portio.Parity) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, "/")
}

func joinFlows(fs []portio.Flow) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, "/")
}

func joinInts(is []int) string {
	parts := make([]string, len(is))
	for i, v := range is {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "/")
}

func boolToken(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
