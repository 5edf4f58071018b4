package pipeline

import (
	"fmt"
	"time"
)

// Event is an external occurrence driving a run forward. Exactly one
// transition happens per event; there are no implicit self-transitions.
type Event interface{ isEvent() }

// EventStarted moves a change-classified run out of the orchestrator state.
type EventStarted struct{}

// EventStageCompleted reports a successful stage invocation. For the
// planning stage and a passed review, ApprovalRequired carries the result of
// the approval policy predicate evaluated by the coordinator.
type EventStageCompleted struct {
	Stage            Stage
	Output           StageOutput
	ApprovalRequired bool
}

// EventStageFailed reports a classified stage failure.
type EventStageFailed struct {
	Stage Stage
	Err   *StageError
}

// EventApprovalResolved carries a human decision for a gate.
type EventApprovalResolved struct {
	Kind     GateKind
	Approved bool
	Actor    string
}

// EventGateExpired reports that a gate outlived its approval window.
type EventGateExpired struct {
	Kind GateKind
}

// EventCancelled carries an operator interrupt.
type EventCancelled struct {
	Reason string
}

func (EventStarted) isEvent()          {}
func (EventStageCompleted) isEvent()   {}
func (EventStageFailed) isEvent()      {}
func (EventApprovalResolved) isEvent() {}
func (EventGateExpired) isEvent()      {}
func (EventCancelled) isEvent()        {}

// Effect is a side effect the coordinator must perform after persisting the
// successor run state.
type Effect interface{ isEffect() }

// EffectRunStage instructs the coordinator to invoke a stage executor.
type EffectRunStage struct{ Stage Stage }

// EffectAwaitApproval instructs the coordinator to suspend the run until the
// gate is resolved. No goroutine blocks on it; resumption is event-driven.
type EffectAwaitApproval struct{ Kind GateKind }

// EffectFinalize instructs the coordinator to hand the terminal run to the
// artifact store.
type EffectFinalize struct{}

func (EffectRunStage) isEffect()      {}
func (EffectAwaitApproval) isEffect() {}
func (EffectFinalize) isEffect()      {}

// Transition is the pure state-transition function of the pipeline. It maps
// a run snapshot and one event to the successor snapshot and the side
// effects to perform. It touches no external system and derives all time
// from the now argument, so any run history can be replayed.
func Transition(run Run, ev Event, now time.Time) (Run, []Effect, error) {
	if run.State.Terminal() {
		return run, nil, fmt.Errorf("%w: run %s is %s", ErrTerminalState, run.ID, run.State)
	}

	next := run.Clone()
	next.UpdatedAt = now.UTC()

	switch ev := ev.(type) {
	case EventStarted:
		if run.State != StateOrchestrator {
			return run, nil, unexpected(run, "started")
		}
		next.State = StatePlanning
		return next, []Effect{EffectRunStage{Stage: StagePlanning}}, nil

	case EventStageCompleted:
		return stageCompleted(run, next, ev, now)

	case EventStageFailed:
		return stageFailed(run, next, ev, now)

	case EventApprovalResolved:
		return approvalResolved(run, next, ev, now)

	case EventGateExpired:
		if run.PendingApproval == GateNone || run.PendingApproval != ev.Kind {
			return run, nil, fmt.Errorf("%w: run %s has no pending %s approval", ErrNotPending, run.ID, ev.Kind)
		}
		next.PendingApproval = GateNone
		return finalize(next, StateRejected, fmt.Sprintf("%s approval window expired", ev.Kind), now)

	case EventCancelled:
		reason := ev.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		next.PendingApproval = GateNone
		return finalize(next, StateFailed, reason, now)

	default:
		return run, nil, fmt.Errorf("%w: unknown event %T", ErrUnexpectedEvent, ev)
	}
}

func stageCompleted(run, next Run, ev EventStageCompleted, now time.Time) (Run, []Effect, error) {
	if stateForStage(ev.Stage) != run.State {
		return run, nil, unexpected(run, fmt.Sprintf("%s completion", ev.Stage))
	}

	if next.Outputs == nil {
		next.Outputs = map[Stage]StageOutput{}
	}
	next.Outputs[ev.Stage] = ev.Output

	switch ev.Stage {
	case StagePlanning:
		if ev.ApprovalRequired {
			return awaitGate(next, GatePlan, now)
		}
		next.State = StateImplementation
		return next, []Effect{EffectRunStage{Stage: StageImplementation}}, nil

	case StageImplementation:
		next.State = StateReview
		return next, []Effect{EffectRunStage{Stage: StageReview}}, nil

	case StageReview:
		next.ReviewStatus = ev.Output.ReviewStatus
		switch ev.Output.ReviewStatus {
		case ReviewPassed:
			if next.DryRun {
				// Deployment is skipped entirely for dry runs.
				return finalize(next, StateSucceeded, "", now)
			}
			if ev.ApprovalRequired {
				return awaitGate(next, GateDeploy, now)
			}
			next.State = StateDeployment
			return next, []Effect{EffectRunStage{Stage: StageDeployment}}, nil

		case ReviewNeedsRevision:
			if next.RetryCount >= next.MaxRetries {
				return finalize(next, StateFailed, ErrRetryBudgetExceeded.Error(), now)
			}
			next.RetryCount++
			if next.RetryCount >= next.MaxRetries {
				return finalize(next, StateFailed, fmt.Sprintf("%s (retry_count=%d)", ErrRetryBudgetExceeded.Error(), next.RetryCount), now)
			}
			next.State = StateImplementation
			return next, []Effect{EffectRunStage{Stage: StageImplementation}}, nil

		case ReviewFailed:
			return finalize(next, StateFailed, reviewFailureReason(ev.Output), now)

		default:
			return run, nil, fmt.Errorf("%w: review completed without a status", ErrUnexpectedEvent)
		}

	case StageDeployment:
		if !ev.Output.Verified {
			// Success claims without a confirming read never become
			// a succeeded run.
			stageErr := NewStageError(StageDeployment, StageUnverified, fmt.Errorf("deployment output not confirmed by system of record"))
			return finalize(next, StateFailed, stageErr.Error(), now)
		}
		return finalize(next, StateSucceeded, "", now)

	default:
		return run, nil, fmt.Errorf("%w: unknown stage %q", ErrUnexpectedEvent, ev.Stage)
	}
}

func stageFailed(run, next Run, ev EventStageFailed, now time.Time) (Run, []Effect, error) {
	if stateForStage(ev.Stage) != run.State {
		return run, nil, unexpected(run, fmt.Sprintf("%s failure", ev.Stage))
	}

	stageErr := ev.Err
	if stageErr == nil {
		stageErr = NewStageError(ev.Stage, StageExternalFailure, nil)
	}

	// Only the implementation stage has retry semantics; its recoverable
	// failures re-enter the loop on the retry budget. Everything else, and
	// any unverified deployment, goes straight to failed.
	if ev.Stage == StageImplementation && stageErr.Retryable() && next.RetryCount < next.MaxRetries {
		next.RetryCount++
		if next.RetryCount < next.MaxRetries {
			next.State = StateImplementation
			return next, []Effect{EffectRunStage{Stage: StageImplementation}}, nil
		}
	}

	return finalize(next, StateFailed, stageErr.Error(), now)
}

func approvalResolved(run, next Run, ev EventApprovalResolved, now time.Time) (Run, []Effect, error) {
	if run.PendingApproval == GateNone || run.PendingApproval != ev.Kind {
		return run, nil, fmt.Errorf("%w: run %s has no pending %s approval", ErrNotPending, run.ID, ev.Kind)
	}

	decision := ev.Approved
	next.PendingApproval = GateNone
	next.GateRequestedAt = nil

	switch ev.Kind {
	case GatePlan:
		if run.State != StatePlanApproval {
			return run, nil, unexpected(run, "plan approval")
		}
		next.PlanApproved = &decision
		if !decision {
			return finalize(next, StateRejected, "plan rejected", now)
		}
		next.State = StateImplementation
		return next, []Effect{EffectRunStage{Stage: StageImplementation}}, nil

	case GateDeploy:
		if run.State != StateDeployApproval {
			return run, nil, unexpected(run, "deploy approval")
		}
		next.DeployApproved = &decision
		if !decision {
			return finalize(next, StateRejected, "deployment rejected", now)
		}
		next.State = StateDeployment
		return next, []Effect{EffectRunStage{Stage: StageDeployment}}, nil

	default:
		return run, nil, fmt.Errorf("%w: unknown gate kind %q", ErrUnexpectedEvent, ev.Kind)
	}
}

func awaitGate(next Run, kind GateKind, now time.Time) (Run, []Effect, error) {
	requested := now.UTC()
	next.PendingApproval = kind
	next.GateRequestedAt = &requested
	if kind == GatePlan {
		next.State = StatePlanApproval
	} else {
		next.State = StateDeployApproval
	}
	return next, []Effect{EffectAwaitApproval{Kind: kind}}, nil
}

func finalize(next Run, state State, reason string, now time.Time) (Run, []Effect, error) {
	finished := now.UTC()
	next.State = state
	next.Error = reason
	next.FinishedAt = &finished
	return next, []Effect{EffectFinalize{}}, nil
}

// stateForStage maps a stage to the state in which its completion is legal.
func stateForStage(stage Stage) State {
	switch stage {
	case StagePlanning:
		return StatePlanning
	case StageImplementation:
		return StateImplementation
	case StageReview:
		return StateReview
	case StageDeployment:
		return StateDeployment
	default:
		return ""
	}
}

func reviewFailureReason(out StageOutput) string {
	for _, finding := range out.Findings {
		if finding.Fatal {
			return fmt.Sprintf("review failed: %s", finding.Detail)
		}
	}
	if out.Summary != "" {
		return fmt.Sprintf("review failed: %s", out.Summary)
	}
	return "review failed"
}

func unexpected(run Run, what string) error {
	return fmt.Errorf("%w: %s in state %s", ErrUnexpectedEvent, what, run.State)
}
