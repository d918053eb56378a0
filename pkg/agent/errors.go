package agent

import (
	"errors"
	"fmt"
)

// DelegationKind classifies delegation failures
type DelegationKind string

const (
	KindSubordinateFailed DelegationKind = "subordinate_failed"
	KindDepthExceeded     DelegationKind = "depth_exceeded"
)

var (
	// ErrSubordinateFailed matches a DelegationError of kind subordinate_failed
	ErrSubordinateFailed = errors.New("subordinate failed")
	// ErrDepthExceeded matches a DelegationError of kind depth_exceeded
	ErrDepthExceeded = errors.New("delegation depth exceeded")

	ErrContextNotFound = errors.New("agent context not found")
	ErrContextExists   = errors.New("agent context already exists")
	ErrProfileNotFound = errors.New("agent profile not found")
	ErrTerminated      = errors.New("agent terminated")
	ErrAgentBusy       = errors.New("agent is already running")
	ErrMaxIterations   = errors.New("maximum iterations reached")
)

// DelegationError is handed to a superior when a subordinate cannot be
// created or its run fails. It is always delivered as data, never thrown.
type DelegationError struct {
	Kind    DelegationKind
	AgentID string
	Depth   int
	Err     error
}

func (e *DelegationError) Error() string {
	switch e.Kind {
	case KindDepthExceeded:
		return fmt.Sprintf("delegation: depth %d exceeds limit", e.Depth)
	default:
		if e.Err != nil {
			return fmt.Sprintf("delegation: subordinate %s failed: %v", e.AgentID, e.Err)
		}
		return fmt.Sprintf("delegation: subordinate %s failed", e.AgentID)
	}
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *DelegationError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindDepthExceeded:
		sentinel = ErrDepthExceeded
	case KindSubordinateFailed:
		sentinel = ErrSubordinateFailed
	}
	out := make([]error, 0, 2)
	if sentinel != nil {
		out = append(out, sentinel)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
