// Package portio wraps go.bug.st/serial behind the deadline-bounded,
// reconfigurable Port contract the rest of the harness depends on. It hides
// the platform quirks of opening and retuning a UART so that Session and
// the Test runner never touch the underlying library directly.
package portio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/uartharness/internal/harnesserr"
)

// Parity mirrors the three parity settings the control protocol can select.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

// Flow mirrors the two flow-control settings the control protocol can select.
type Flow int

const (
	FlowNone Flow = iota
	FlowRtsCts
)

func (f Flow) String() string {
	if f == FlowRtsCts {
		return "rtscts"
	}
	return "none"
}

// Config is an immutable serial port configuration, applied atomically to a
// Port via Reconfigure. StopBits is always 1 per spec — there is no field
// for it because there is nothing to vary.
type Config struct {
	Baud   uint32
	Parity Parity
	Bits   int // 7 or 8
	Flow   Flow
}

// ControlConfig is the fixed configuration the control channel is pinned to.
var ControlConfig = Config{Baud: 115200, Parity: ParityNone, Bits: 8, Flow: FlowNone}

func (c Config) String() string {
	return fmt.Sprintf("%d %d%s1 %s", c.Baud, c.Bits, parityLetter(c.Parity), c.Flow)
}

// ParseParity converts a wire token ("none"/"even"/"odd") to a Parity.
func ParseParity(s string) (Parity, bool) {
	switch s {
	case "none":
		return ParityNone, true
	case "even":
		return ParityEven, true
	case "odd":
		return ParityOdd, true
	default:
		return 0, false
	}
}

// ParseFlow converts a wire token ("none"/"rtscts") to a Flow.
func ParseFlow(s string) (Flow, bool) {
	switch s {
	case "none":
		return FlowNone, true
	case "rtscts":
		return FlowRtsCts, true
	default:
		return 0, false
	}
}

func parityLetter(p Parity) string {
	switch p {
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	default:
		return "N"
	}
}

// ErrorFlags is a best-effort snapshot of driver error counters. go.bug.st/
// serial has no portable accessor for these, so they are read opportunistically
// from the Linux tty sysfs counter files when present (/sys/class/tty/<dev>/);
// any other platform, or a missing file, just leaves the corresponding field
// at zero — never a fatal error.
type ErrorFlags struct {
	Overruns      uint32
	FramingErrors uint32
	ParityErrors  uint32
	BreakCount    uint32
}

const sysfsTtyRoot = "/sys/class/tty"

// readSysfsErrorFlags best-effort reads driver error counters for dev (e.g.
// "/dev/ttyUSB0") from its sysfs counter files. Missing files or a platform
// without them silently yield a zero ErrorFlags.
func readSysfsErrorFlags(dev string) ErrorFlags {
	base := filepath.Join(sysfsTtyRoot, filepath.Base(dev))
	return ErrorFlags{
		Overruns:      readSysfsCounter(base, "overrun_errors"),
		FramingErrors: readSysfsCounter(base, "framing_errors"),
		ParityErrors:  readSysfsCounter(base, "parity_errors"),
		BreakCount:    readSysfsCounter(base, "break_count"),
	}
}

func readSysfsCounter(base, name string) uint32 {
	b, err := os.ReadFile(filepath.Join(base, name))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// Port is the contract the rest of the harness programs against.
type Port interface {
	// Reconfigure applies a new Config and discards in-flight bytes before
	// returning.
	Reconfigure(cfg Config) error
	// Write writes b, returning harnesserr.ErrTimeout if deadline has
	// already passed. The serial implementation checks the deadline only
	// before it starts and issues a single underlying write, so that write
	// is not cut short by the deadline and may report n < len(b).
	Write(b []byte, deadline time.Time) (int, error)
	// Read blocks until at least one byte arrives, deadline passes, or an
	// I/O error occurs.
	Read(buf []byte, deadline time.Time) (int, error)
	// ReadErrorFlags returns a best-effort driver counter snapshot.
	ReadErrorFlags() ErrorFlags
	// Config returns the currently applied configuration.
	Config() Config
	// Close releases the underlying device.
	Close() error
}

type serialPort struct {
	dev  string
	port serial.Port
	cfg  Config
}

// Open opens the device at control configuration.
func Open(dev string) (Port, error) {
	mode := toMode(ControlConfig)
	p, err := serial.Open(dev, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", harnesserr.ErrPortOpen, dev, err)
	}
	sp := &serialPort{dev: dev, port: p, cfg: ControlConfig}
	return sp, nil
}

func toMode(cfg Config) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: int(cfg.Baud),
		DataBits: cfg.Bits,
		StopBits: serial.OneStopBit,
	}
	switch cfg.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode
}

func (s *serialPort) Reconfigure(cfg Config) error {
	mode := toMode(cfg)
	if err := s.port.SetMode(mode); err != nil {
		return fmt.Errorf("%w: %s: %v", harnesserr.ErrPortConfigUnsupported, cfg, err)
	}
	if cfg.Flow == FlowRtsCts {
		// go.bug.st/serial has no direct hardware flow control setter; RTS
		// is asserted manually and treated as always-ready, matching the
		// teacher's stance on features the library doesn't expose
		// (directserial.go: SetFlowControl "ignoring").
		_ = s.port.SetRTS(true)
	}
	s.cfg = cfg
	return s.drain()
}

// drain discards in-flight bytes so a stale decode under the new config
// can't masquerade as real data (spec.md §9).
func (s *serialPort) drain() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: reset input: %v", harnesserr.ErrPortIo, err)
	}
	if err := s.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("%w: reset output: %v", harnesserr.ErrPortIo, err)
	}
	return nil
}

func (s *serialPort) Write(b []byte, deadline time.Time) (int, error) {
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, harnesserr.ErrTimeout
	}
	n, err := s.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: write: %v", harnesserr.ErrPortIo, err)
	}
	return n, nil
}

func (s *serialPort) Read(buf []byte, deadline time.Time) (int, error) {
	remaining := time.Until(deadline)
	if deadline.IsZero() {
		remaining = serial.NoTimeout // block until data arrives when no deadline is given
	} else if remaining <= 0 {
		return 0, harnesserr.ErrTimeout
	}
	if err := s.port.SetReadTimeout(remaining); err != nil {
		return 0, fmt.Errorf("%w: set read timeout: %v", harnesserr.ErrPortIo, err)
	}
	n, err := s.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("%w: read: %v", harnesserr.ErrPortIo, err)
	}
	if n == 0 && !deadline.IsZero() {
		return 0, harnesserr.ErrTimeout
	}
	return n, nil
}

func (s *serialPort) ReadErrorFlags() ErrorFlags {
	return readSysfsErrorFlags(s.dev)
}

func (s *serialPort) Config() Config { return s.cfg }

func (s *serialPort) Close() error {
	return s.port.Close()
}
