package pipeline

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestRun(state State) Run {
	run := NewRun("scale the web tier to 4 replicas", EnvDev, false, DefaultMaxRetries, testNow)
	run.State = state
	return run
}

func passedReview() StageOutput {
	return StageOutput{Stage: StageReview, Summary: "no blocking findings", ReviewStatus: ReviewPassed}
}

func revisionReview() StageOutput {
	return StageOutput{
		Stage:        StageReview,
		ReviewStatus: ReviewNeedsRevision,
		Findings:     []Finding{{Source: "compliance", Code: "POL-12", Detail: "missing change ticket", Blocking: true}},
	}
}

func TestTransitionHappyPath(t *testing.T) {
	run := newTestRun(StateOrchestrator)

	steps := []struct {
		name      string
		event     Event
		wantState State
		wantStage Stage
	}{
		{
			name:      "started enters planning",
			event:     EventStarted{},
			wantState: StatePlanning,
			wantStage: StagePlanning,
		},
		{
			name:      "plan without gate enters implementation",
			event:     EventStageCompleted{Stage: StagePlanning, Output: StageOutput{Stage: StagePlanning, Summary: "scale web tier", Impact: ImpactLow}},
			wantState: StateImplementation,
			wantStage: StageImplementation,
		},
		{
			name:      "implementation enters review",
			event:     EventStageCompleted{Stage: StageImplementation, Output: StageOutput{Stage: StageImplementation, Summary: "replicas bumped"}},
			wantState: StateReview,
			wantStage: StageReview,
		},
		{
			name:      "passed review without gate enters deployment",
			event:     EventStageCompleted{Stage: StageReview, Output: passedReview()},
			wantState: StateDeployment,
			wantStage: StageDeployment,
		},
	}

	for _, step := range steps {
		next, effects, err := Transition(run, step.event, testNow)
		if err != nil {
			t.Fatalf("%s: Transition() error = %v", step.name, err)
		}
		if next.State != step.wantState {
			t.Fatalf("%s: state = %s, want %s", step.name, next.State, step.wantState)
		}
		if len(effects) != 1 {
			t.Fatalf("%s: got %d effects, want 1", step.name, len(effects))
		}
		stage, ok := effects[0].(EffectRunStage)
		if !ok || stage.Stage != step.wantStage {
			t.Fatalf("%s: effect = %#v, want run %s", step.name, effects[0], step.wantStage)
		}
		run = next
	}

	next, effects, err := Transition(run, EventStageCompleted{
		Stage:  StageDeployment,
		Output: StageOutput{Stage: StageDeployment, Summary: "applied", Verified: true},
	}, testNow)
	if err != nil {
		t.Fatalf("deployment completion: Transition() error = %v", err)
	}
	if next.State != StateSucceeded {
		t.Fatalf("state = %s, want %s", next.State, StateSucceeded)
	}
	if next.FinishedAt == nil {
		t.Fatal("FinishedAt not set on terminal run")
	}
	if _, ok := effects[0].(EffectFinalize); !ok {
		t.Fatalf("effect = %#v, want finalize", effects[0])
	}
}

func TestTransitionApprovalGates(t *testing.T) {
	t.Run("high impact plan suspends at plan gate", func(t *testing.T) {
		run := newTestRun(StatePlanning)
		next, effects, err := Transition(run, EventStageCompleted{
			Stage:            StagePlanning,
			Output:           StageOutput{Stage: StagePlanning, Summary: "drop legacy table", Impact: ImpactHigh},
			ApprovalRequired: true,
		}, testNow)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StatePlanApproval || next.PendingApproval != GatePlan {
			t.Fatalf("state = %s pending = %s, want %s/%s", next.State, next.PendingApproval, StatePlanApproval, GatePlan)
		}
		if next.GateRequestedAt == nil {
			t.Fatal("GateRequestedAt not set")
		}
		if _, ok := effects[0].(EffectAwaitApproval); !ok {
			t.Fatalf("effect = %#v, want await approval", effects[0])
		}
	})

	t.Run("plan approval resumes implementation", func(t *testing.T) {
		run := newTestRun(StatePlanApproval)
		run.PendingApproval = GatePlan
		run.GateRequestedAt = &testNow

		next, _, err := Transition(run, EventApprovalResolved{Kind: GatePlan, Approved: true, Actor: "op"}, testNow)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StateImplementation {
			t.Fatalf("state = %s, want %s", next.State, StateImplementation)
		}
		if next.PendingApproval != GateNone || next.GateRequestedAt != nil {
			t.Fatal("gate not cleared after approval")
		}
		if next.PlanApproved == nil || !*next.PlanApproved {
			t.Fatal("plan decision not recorded")
		}
	})

	t.Run("deploy rejection terminates as rejected", func(t *testing.T) {
		run := newTestRun(StateDeployApproval)
		run.PendingApproval = GateDeploy

		next, effects, err := Transition(run, EventApprovalResolved{Kind: GateDeploy, Approved: false, Actor: "op"}, testNow)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StateRejected {
			t.Fatalf("state = %s, want %s", next.State, StateRejected)
		}
		if next.DeployApproved == nil || *next.DeployApproved {
			t.Fatal("deploy decision not recorded")
		}
		if _, ok := effects[0].(EffectFinalize); !ok {
			t.Fatalf("effect = %#v, want finalize", effects[0])
		}
	})

	t.Run("resolution without pending gate is rejected", func(t *testing.T) {
		run := newTestRun(StateImplementation)
		_, _, err := Transition(run, EventApprovalResolved{Kind: GatePlan, Approved: true, Actor: "op"}, testNow)
		if !errors.Is(err, ErrNotPending) {
			t.Fatalf("error = %v, want ErrNotPending", err)
		}
	})

	t.Run("mismatched gate kind is rejected", func(t *testing.T) {
		run := newTestRun(StatePlanApproval)
		run.PendingApproval = GatePlan
		_, _, err := Transition(run, EventApprovalResolved{Kind: GateDeploy, Approved: true, Actor: "op"}, testNow)
		if !errors.Is(err, ErrNotPending) {
			t.Fatalf("error = %v, want ErrNotPending", err)
		}
	})

	t.Run("expired gate rejects the run", func(t *testing.T) {
		run := newTestRun(StatePlanApproval)
		run.PendingApproval = GatePlan
		run.GateRequestedAt = &testNow

		next, _, err := Transition(run, EventGateExpired{Kind: GatePlan}, testNow.Add(73*time.Hour))
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StateRejected {
			t.Fatalf("state = %s, want %s", next.State, StateRejected)
		}
	})
}

func TestTransitionRetryBudget(t *testing.T) {
	run := newTestRun(StateReview)

	// First and second needs_revision re-enter implementation.
	for attempt := 1; attempt <= 2; attempt++ {
		next, effects, err := Transition(run, EventStageCompleted{Stage: StageReview, Output: revisionReview()}, testNow)
		if err != nil {
			t.Fatalf("attempt %d: Transition() error = %v", attempt, err)
		}
		if next.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count = %d, want %d", attempt, next.RetryCount, attempt)
		}
		if next.State != StateImplementation {
			t.Fatalf("attempt %d: state = %s, want %s", attempt, next.State, StateImplementation)
		}
		if stage, ok := effects[0].(EffectRunStage); !ok || stage.Stage != StageImplementation {
			t.Fatalf("attempt %d: effect = %#v, want retry implementation", attempt, effects[0])
		}
		next.State = StateReview
		run = next
	}

	// Third consecutive needs_revision exhausts the budget.
	next, _, err := Transition(run, EventStageCompleted{Stage: StageReview, Output: revisionReview()}, testNow)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if next.State != StateFailed {
		t.Fatalf("state = %s, want %s", next.State, StateFailed)
	}
	if next.RetryCount != DefaultMaxRetries {
		t.Fatalf("retry_count = %d, want %d", next.RetryCount, DefaultMaxRetries)
	}

	// Retry count never exceeds the budget even on further events.
	if _, _, err := Transition(next, EventStageCompleted{Stage: StageReview, Output: revisionReview()}, testNow); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("error = %v, want ErrTerminalState", err)
	}
}

func TestTransitionReviewFailed(t *testing.T) {
	run := newTestRun(StateReview)
	out := StageOutput{
		Stage:        StageReview,
		ReviewStatus: ReviewFailed,
		Findings:     []Finding{{Source: "secret-scan", Code: "SEC-01", Detail: "credential committed", Blocking: true, Fatal: true}},
	}

	next, _, err := Transition(run, EventStageCompleted{Stage: StageReview, Output: out}, testNow)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if next.State != StateFailed {
		t.Fatalf("state = %s, want %s", next.State, StateFailed)
	}
	if next.Error == "" {
		t.Fatal("terminal error reason not recorded")
	}
}

func TestTransitionDryRunSkipsDeployment(t *testing.T) {
	run := newTestRun(StateReview)
	run.DryRun = true

	next, effects, err := Transition(run, EventStageCompleted{Stage: StageReview, Output: passedReview()}, testNow)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if next.State != StateSucceeded {
		t.Fatalf("state = %s, want %s", next.State, StateSucceeded)
	}
	if _, ok := next.Output(StageDeployment); ok {
		t.Fatal("dry run produced a deployment output")
	}
	if _, ok := effects[0].(EffectFinalize); !ok {
		t.Fatalf("effect = %#v, want finalize", effects[0])
	}
}

func TestTransitionUnverifiedDeploymentFails(t *testing.T) {
	run := newTestRun(StateDeployment)

	next, _, err := Transition(run, EventStageCompleted{
		Stage:  StageDeployment,
		Output: StageOutput{Stage: StageDeployment, Summary: "claims success", Verified: false},
	}, testNow)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if next.State != StateFailed {
		t.Fatalf("state = %s, want %s", next.State, StateFailed)
	}
	if next.Error == "" {
		t.Fatal("unverified deployment left no error reason")
	}
}

func TestTransitionStageFailures(t *testing.T) {
	t.Run("retryable implementation failure consumes budget", func(t *testing.T) {
		run := newTestRun(StateImplementation)
		next, effects, err := Transition(run, EventStageFailed{
			Stage: StageImplementation,
			Err:   NewStageError(StageImplementation, StageTimeout, errors.New("deadline exceeded")),
		}, testNow)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StateImplementation || next.RetryCount != 1 {
			t.Fatalf("state = %s retry_count = %d, want retry with count 1", next.State, next.RetryCount)
		}
		if stage, ok := effects[0].(EffectRunStage); !ok || stage.Stage != StageImplementation {
			t.Fatalf("effect = %#v, want retry implementation", effects[0])
		}
	})

	t.Run("planning failure is terminal", func(t *testing.T) {
		run := newTestRun(StatePlanning)
		next, _, err := Transition(run, EventStageFailed{
			Stage: StagePlanning,
			Err:   NewStageError(StagePlanning, StageInvalidOutput, errors.New("empty plan")),
		}, testNow)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StateFailed {
			t.Fatalf("state = %s, want %s", next.State, StateFailed)
		}
	})

	t.Run("unverified deployment failure never retries", func(t *testing.T) {
		run := newTestRun(StateDeployment)
		next, _, err := Transition(run, EventStageFailed{
			Stage: StageDeployment,
			Err:   NewStageError(StageDeployment, StageUnverified, errors.New("describe mismatch")),
		}, testNow)
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if next.State != StateFailed {
			t.Fatalf("state = %s, want %s", next.State, StateFailed)
		}
	})
}

func TestTransitionCancellation(t *testing.T) {
	run := newTestRun(StatePlanApproval)
	run.PendingApproval = GatePlan

	next, _, err := Transition(run, EventCancelled{Reason: "superseded by incident freeze"}, testNow)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if next.State != StateFailed {
		t.Fatalf("state = %s, want %s", next.State, StateFailed)
	}
	if next.PendingApproval != GateNone {
		t.Fatal("gate not cleared on cancellation")
	}
	if next.Error != "superseded by incident freeze" {
		t.Fatalf("error = %q, want cancellation reason", next.Error)
	}
}

func TestTransitionTerminalReentry(t *testing.T) {
	for _, state := range []State{StateSucceeded, StateFailed, StateRejected} {
		run := newTestRun(state)
		prev := run.Clone()
		got, _, err := Transition(run, EventStarted{}, testNow)
		if !errors.Is(err, ErrTerminalState) {
			t.Fatalf("%s: error = %v, want ErrTerminalState", state, err)
		}
		if got.State != prev.State || got.RetryCount != prev.RetryCount {
			t.Fatalf("%s: terminal run mutated by rejected event", state)
		}
	}
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	run := newTestRun(StatePlanning)
	before := run.Clone()

	_, _, err := Transition(run, EventStageCompleted{
		Stage:  StagePlanning,
		Output: StageOutput{Stage: StagePlanning, Summary: "plan", Impact: ImpactLow},
	}, testNow)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if run.State != before.State || len(run.Outputs) != len(before.Outputs) {
		t.Fatal("Transition mutated its input run")
	}
}
