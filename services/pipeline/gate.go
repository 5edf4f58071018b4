package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Decision is an operator's response to a pending approval gate.
type Decision struct {
	Kind     GateKind `json:"kind"`
	Approved bool     `json:"approved"`
	Actor    string   `json:"actor"`
	Note     string   `json:"note,omitempty"`
}

// ValidateDecision checks that a decision can be applied to the run in its
// current state. The transition function enforces this again when the event
// is applied; validating up front gives callers a clean error before any
// locking or persistence happens.
func ValidateDecision(run Run, d Decision) error {
	if d.Kind != GatePlan && d.Kind != GateDeploy {
		return fmt.Errorf("unknown gate %q", d.Kind)
	}
	if strings.TrimSpace(d.Actor) == "" {
		return fmt.Errorf("gate %s: actor is required", d.Kind)
	}
	if run.State.Terminal() {
		return ErrTerminalState
	}
	if run.PendingApproval == GateNone {
		return ErrNotPending
	}
	if run.PendingApproval != d.Kind {
		return fmt.Errorf("%w: run awaits %s approval, got %s", ErrNotPending, run.PendingApproval, d.Kind)
	}
	return nil
}

// GateExpired reports whether a pending gate has been open longer than ttl.
// A ttl of zero disables expiry.
func GateExpired(run Run, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	if run.PendingApproval == GateNone || run.GateRequestedAt == nil {
		return false
	}
	return now.Sub(*run.GateRequestedAt) > ttl
}
