package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Environment is the deployment tier a run targets. The set is closed; any
// other value is rejected at run creation.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// ParseEnvironment validates a raw environment selector.
func ParseEnvironment(raw string) (Environment, error) {
	switch env := Environment(strings.ToLower(strings.TrimSpace(raw))); env {
	case EnvDev, EnvTest, EnvProd:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment %q", raw)
	}
}

// State is a node in the pipeline state machine. It is the sole source of
// truth for where a run is.
type State string

const (
	StateOrchestrator   State = "orchestrator"
	StatePlanning       State = "planning"
	StatePlanApproval   State = "plan_approval"
	StateImplementation State = "implementation"
	StateReview         State = "review"
	StateDeployApproval State = "deploy_approval"
	StateDeployment     State = "deployment"
	StateRejected       State = "rejected"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// Stage is one of the four ordered units of work.
type Stage string

const (
	StagePlanning       Stage = "planning"
	StageImplementation Stage = "implementation"
	StageReview         Stage = "review"
	StageDeployment     Stage = "deployment"
)

// Impact is the blast-radius classification declared by a stage output.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// ParseImpact maps a raw impact string onto the closed set, collapsing
// anything unrecognised to high so an ambiguous declaration is never treated
// as harmless.
func ParseImpact(raw string) Impact {
	switch Impact(strings.ToLower(strings.TrimSpace(raw))) {
	case ImpactLow:
		return ImpactLow
	case ImpactMedium:
		return ImpactMedium
	default:
		return ImpactHigh
	}
}

// ReviewStatus is the decision of the review stage.
type ReviewStatus string

const (
	ReviewUnset         ReviewStatus = ""
	ReviewPassed        ReviewStatus = "passed"
	ReviewNeedsRevision ReviewStatus = "needs_revision"
	ReviewFailed        ReviewStatus = "failed"
)

// GateKind identifies one of the two approval checkpoints.
type GateKind string

const (
	GateNone   GateKind = ""
	GatePlan   GateKind = "plan"
	GateDeploy GateKind = "deploy"
)

// ParseGateKind validates a raw gate selector.
func ParseGateKind(raw string) (GateKind, error) {
	switch kind := GateKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case GatePlan, GateDeploy:
		return kind, nil
	default:
		return GateNone, fmt.Errorf("unknown gate kind %q", raw)
	}
}

// Finding is one reviewer observation about an implementation attempt.
type Finding struct {
	Source   string `json:"source"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	Blocking bool   `json:"blocking"`
	// Fatal marks a finding that no revision can fix; it forces the run to
	// fail rather than retry.
	Fatal bool `json:"fatal,omitempty"`
}

// StageOutput is the typed result of one stage invocation.
type StageOutput struct {
	Stage        Stage          `json:"stage"`
	Attempt      int            `json:"attempt"`
	Summary      string         `json:"summary"`
	Impact       Impact         `json:"impact,omitempty"`
	ReviewStatus ReviewStatus   `json:"review_status,omitempty"`
	Findings     []Finding      `json:"findings,omitempty"`
	// Verified is set by the deployment stage only after an independent
	// describe read confirmed the applied change. It is never inferred
	// from the apply response.
	Verified bool           `json:"verified,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration_ns,omitempty"`
}

// Run is the unit of work for one change request. Transitions operate on
// value copies: the transition function receives a snapshot and returns the
// successor, which the coordinator persists before acting on any effect.
type Run struct {
	ID          uuid.UUID   `json:"id"`
	Request     string      `json:"request"`
	Environment Environment `json:"environment"`
	DryRun      bool        `json:"dry_run"`

	State           State      `json:"state"`
	PendingApproval GateKind   `json:"pending_approval,omitempty"`
	GateRequestedAt *time.Time `json:"gate_requested_at,omitempty"`
	PlanApproved    *bool      `json:"plan_approved,omitempty"`
	DeployApproved  *bool      `json:"deploy_approved,omitempty"`

	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	ReviewStatus ReviewStatus `json:"review_status,omitempty"`

	Outputs map[Stage]StageOutput `json:"outputs,omitempty"`
	Error   string                `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a run in the orchestrator state.
func NewRun(request string, env Environment, dryRun bool, maxRetries int, now time.Time) Run {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return Run{
		ID:          uuid.New(),
		Request:     request,
		Environment: env,
		DryRun:      dryRun,
		State:       StateOrchestrator,
		MaxRetries:  maxRetries,
		Outputs:     map[Stage]StageOutput{},
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// Clone returns a deep copy of the run.
func (r Run) Clone() Run {
	out := r
	if r.Outputs != nil {
		out.Outputs = make(map[Stage]StageOutput, len(r.Outputs))
		for stage, output := range r.Outputs {
			clone := output
			if output.Findings != nil {
				clone.Findings = append([]Finding(nil), output.Findings...)
			}
			if output.Data != nil {
				clone.Data = cloneMap(output.Data)
			}
			out.Outputs[stage] = clone
		}
	}
	out.GateRequestedAt = cloneTime(r.GateRequestedAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	out.PlanApproved = cloneBool(r.PlanApproved)
	out.DeployApproved = cloneBool(r.DeployApproved)
	return out
}

// Output returns the latest output for a stage, if any.
func (r Run) Output(stage Stage) (StageOutput, bool) {
	if r.Outputs == nil {
		return StageOutput{}, false
	}
	out, ok := r.Outputs[stage]
	return out, ok
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}
