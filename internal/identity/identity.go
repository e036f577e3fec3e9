// Package identity generates and tracks the 128-bit run identifiers peers
// use to filter stray control traffic on a shared line.
package identity

import "github.com/google/uuid"

// RunId is an opaque per-process identifier latched once per session.
type RunId [16]byte

// New generates a fresh RunId. Called exactly once per process lifetime.
func New() RunId {
	return RunId(uuid.New())
}

// String renders the RunId in canonical UUID form for control lines and logs.
func (r RunId) String() string {
	return uuid.UUID(r).String()
}

// Parse decodes a RunId from its canonical string form.
func Parse(s string) (RunId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RunId{}, err
	}
	return RunId(u), nil
}

// Zero reports whether this RunId has never been assigned.
func (r RunId) Zero() bool {
	return r == RunId{}
}
