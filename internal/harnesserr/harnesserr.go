// Package harnesserr defines the sentinel error kinds the harness uses to
// classify failures per the error handling design: Port errors, protocol
// errors, and session-level errors. Callers wrap these with fmt.Errorf's
// %w verb and compare with errors.Is.
package harnesserr

import "errors"

var (
	// ErrPortOpen means the serial device could not be opened.
	ErrPortOpen = errors.New("port: open failed")
	// ErrPortIo means a read or write on an open port failed.
	ErrPortIo = errors.New("port: i/o error")
	// ErrPortConfigUnsupported means the driver rejected a PortConfig.
	ErrPortConfigUnsupported = errors.New("port: config unsupported")
	// ErrTimeout means a blocking operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrPeerUnresponsive means a request's overall deadline elapsed
	// without the expected reply ever arriving.
	ErrPeerUnresponsive = errors.New("peer unresponsive")
	// ErrProtocolMalformed means a control line failed to parse.
	ErrProtocolMalformed = errors.New("protocol: malformed message")
	// ErrProtocolUnknownVerb means a control line used an unrecognized verb.
	ErrProtocolUnknownVerb = errors.New("protocol: unknown verb")
	// ErrStrayId means a message's id did not match the latched peer id.
	ErrStrayId = errors.New("protocol: stray id")
	// ErrSessionReset means 10 consecutive malformed messages arrived
	// within 5 seconds and the session must restart from discovery.
	ErrSessionReset = errors.New("session: reset (malformed message storm)")
)
