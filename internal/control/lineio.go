package control

import (
	"time"

	"github.com/shaunagostinho/uartharness/internal/harnesserr"
	"github.com/shaunagostinho/uartharness/internal/portio"
)

// LineReader accumulates bytes from a Port into newline-terminated control
// lines, resyncing to the next '\n' whenever the accumulated line exceeds
// MaxLineLen.
type LineReader struct {
	port portio.Port
	buf  []byte
	one  [256]byte
}

// NewLineReader wraps a Port for line-oriented control reads.
func NewLineReader(port portio.Port) *LineReader {
	return &LineReader{port: port}
}

// ReadLine blocks until a full line is available or the deadline passes.
// Overflowing lines are silently dropped up to and including the next '\n'.
func (r *LineReader) ReadLine(deadline time.Time) (string, error) {
	for {
		if idx := indexByte(r.buf, '\n'); idx >= 0 {
			line := string(r.buf[:idx])
			r.buf = r.buf[idx+1:]
			if len(line) > MaxLineLen {
				continue // overflowed: resync already happened at '\n', drop it
			}
			return line, nil
		}
		if len(r.buf) > MaxLineLen {
			// No newline yet but already over the cap: keep only enough
			// bytes to mark the line as overlong, so it is dropped as a
			// whole once the next '\n' arrives.
			r.buf = r.buf[:MaxLineLen+1]
		}
		n, err := r.port.Read(r.one[:], deadline)
		if err != nil {
			return "", err
		}
		r.buf = append(r.buf, r.one[:n]...)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WriteLine writes a line plus its terminating '\n'.
func WriteLine(port portio.Port, line string, deadline time.Time) error {
	b := append([]byte(line), '\n')
	n, err := port.Write(b, deadline)
	if err != nil {
		return err
	}
	if n != len(b) {
		return harnesserr.ErrPortIo
	}
	return nil
}
