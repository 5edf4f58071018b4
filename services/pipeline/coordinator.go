package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/pkg/bus"
)

const (
	runStartedSubject          = "steward.runs.started"
	runStageFinishedSubject    = "steward.runs.stage_finished"
	runAwaitingApprovalSubject = "steward.runs.awaiting_approval"
	runApprovalResolvedSubject = "steward.runs.approval_resolved"
	runFinishedSubject         = "steward.runs.finished"
)

// Archiver receives stage outputs as they complete and the final run
// snapshot when it reaches a terminal state.
type Archiver interface {
	RecordStage(ctx context.Context, run Run, out StageOutput) error
	Finalize(ctx context.Context, run Run) error
}

// CoordinatorConfig carries the coordinator's dependencies. Store and the
// four stage executors are required; everything else is optional.
type CoordinatorConfig struct {
	Store     RunStore
	Policy    Policy
	Executors []Executor
	Bus       *bus.Bus
	Archiver  Archiver
	Metrics   *Metrics
	Logger    *log.Logger
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Coordinator owns the run lifecycle: it accepts requests, invokes stage
// executors, persists every transition before acting on its effects, and
// suspends runs at approval gates. At most one goroutine drives a given run
// at a time; a per-run mutex enforces that.
type Coordinator struct {
	store     RunStore
	policy    Policy
	executors map[Stage]Executor
	bus       *bus.Bus
	archiver  Archiver
	metrics   *Metrics
	logger    *log.Logger
	clock     func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	activeMu sync.Mutex
	active   map[uuid.UUID]*runLock
}

type runLock struct {
	mu sync.Mutex

	cancelMu     sync.Mutex
	cancelled    bool
	cancelReason string
}

func (l *runLock) requestCancel(reason string) {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	if !l.cancelled {
		l.cancelled = true
		l.cancelReason = reason
	}
}

func (l *runLock) cancelRequested() (string, bool) {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	return l.cancelReason, l.cancelled
}

// NewCoordinator validates the configuration and builds a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("run store is required")
	}

	executors := make(map[Stage]Executor, len(cfg.Executors))
	for _, exec := range cfg.Executors {
		if exec == nil {
			return nil, errors.New("nil stage executor")
		}
		executors[exec.Stage()] = exec
	}
	for _, stage := range []Stage{StagePlanning, StageImplementation, StageReview, StageDeployment} {
		if _, ok := executors[stage]; !ok {
			return nil, fmt.Errorf("missing executor for stage %s", stage)
		}
	}

	if cfg.Policy.MaxRetries <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Coordinator{
		store:     cfg.Store,
		policy:    cfg.Policy,
		executors: executors,
		bus:       cfg.Bus,
		archiver:  cfg.Archiver,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		ctx:       context.Background(),
		active:    make(map[uuid.UUID]*runLock),
	}, nil
}

// Start binds the coordinator's background work to ctx and resumes runs
// that were mid-stage when the previous process stopped. Runs suspended at
// an approval gate stay suspended; their snapshot is their whole state.
func (c *Coordinator) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	c.ctx = ctx

	runs, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list runs for resume: %w", err)
	}
	for _, run := range runs {
		if _, ok := stageForState(run.State); !ok {
			continue
		}
		c.logger.Printf("level=info msg=\"resuming run\" run_id=%s state=%s", run.ID, run.State)
		c.spawnDrive(run.ID)
	}
	return nil
}

// Close waits for in-flight run drives to settle.
func (c *Coordinator) Close() error {
	c.wg.Wait()
	return nil
}

// Submit accepts a change request, persists the new run and starts driving
// it in the background. The returned snapshot is the run as created; callers
// observe progress through Get.
func (c *Coordinator) Submit(ctx context.Context, request string, env Environment, dryRun bool) (Run, error) {
	if request == "" {
		return Run{}, errors.New("request text is required")
	}
	if _, err := ParseEnvironment(string(env)); err != nil {
		return Run{}, err
	}

	run := NewRun(request, env, dryRun, c.policy.MaxRetries, c.clock())
	if err := c.store.Create(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}

	c.metrics.RunStarted()
	c.publish(runStartedSubject, map[string]any{
		"run_id":      run.ID,
		"environment": run.Environment,
		"dry_run":     run.DryRun,
		"state":       run.State,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		lock := c.lockFor(run.ID)
		lock.mu.Lock()
		defer lock.mu.Unlock()

		if err := c.applyLocked(c.ctx, run.ID, EventStarted{}); err != nil {
			c.logger.Printf("level=error msg=\"run start failed\" run_id=%s error=%q", run.ID, err)
			return
		}
		if _, err := c.driveLocked(c.ctx, run.ID); err != nil {
			c.logger.Printf("level=error msg=\"run drive failed\" run_id=%s error=%q", run.ID, err)
		}
	}()

	return run, nil
}

// Resolve applies a human gate decision. A rejection finalizes the run
// before returning; an approval returns the resumed snapshot while the next
// stage runs in the background.
func (c *Coordinator) Resolve(ctx context.Context, id uuid.UUID, d Decision) (Run, error) {
	lock := c.lockFor(id)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	run, err := c.store.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if err := ValidateDecision(run, d); err != nil {
		return run, err
	}

	next, effects, err := Transition(run, EventApprovalResolved{Kind: d.Kind, Approved: d.Approved, Actor: d.Actor}, c.clock())
	if err != nil {
		return run, err
	}
	if err := c.store.Update(ctx, next); err != nil {
		return run, fmt.Errorf("persist approval: %w", err)
	}

	c.metrics.ApprovalRecorded(d.Kind, d.Approved)
	c.publish(runApprovalResolvedSubject, map[string]any{
		"run_id":   next.ID,
		"gate":     d.Kind,
		"approved": d.Approved,
		"actor":    d.Actor,
		"state":    next.State,
	})

	for _, effect := range effects {
		switch effect.(type) {
		case EffectFinalize:
			c.finalizeRun(ctx, next)
		case EffectRunStage:
			c.spawnDrive(id)
		}
	}
	return next, nil
}

// Cancel interrupts a run. A run idle at a gate is failed immediately; a run
// with a stage in flight is flagged and stops before its next stage, except
// that a deployment already started always runs to its verified outcome.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, reason string) (Run, error) {
	lock := c.lockFor(id)

	if !lock.mu.TryLock() {
		// A stage is executing. Flag the run; the drive loop checks the
		// flag before invoking the next stage.
		lock.requestCancel(reason)
		return c.store.Get(ctx, id)
	}
	defer lock.mu.Unlock()

	run, err := c.store.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if run.State.Terminal() {
		return run, ErrTerminalState
	}

	next, _, err := Transition(run, EventCancelled{Reason: reason}, c.clock())
	if err != nil {
		return run, err
	}
	if err := c.store.Update(ctx, next); err != nil {
		return run, fmt.Errorf("persist cancellation: %w", err)
	}
	c.finalizeRun(ctx, next)
	return next, nil
}

// ExpireGates rejects every run whose approval gate outlived the policy's
// approval window. It is called periodically by the daemon.
func (c *Coordinator) ExpireGates(ctx context.Context) error {
	waiting, err := c.store.ListAwaiting(ctx)
	if err != nil {
		return err
	}

	now := c.clock()
	for _, run := range waiting {
		if !GateExpired(run, c.policy.GateTTL, now) {
			continue
		}
		lock := c.lockFor(run.ID)
		lock.mu.Lock()
		current, err := c.store.Get(ctx, run.ID)
		if err == nil && current.PendingApproval == run.PendingApproval {
			next, _, terr := Transition(current, EventGateExpired{Kind: current.PendingApproval}, now)
			if terr == nil {
				if uerr := c.store.Update(ctx, next); uerr == nil {
					c.logger.Printf("level=info msg=\"approval window expired\" run_id=%s gate=%s", next.ID, run.PendingApproval)
					c.finalizeRun(ctx, next)
				}
			}
		}
		lock.mu.Unlock()
	}
	return nil
}

// Get returns the current snapshot of a run.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	return c.store.Get(ctx, id)
}

// List returns all runs, newest first.
func (c *Coordinator) List(ctx context.Context) ([]Run, error) {
	return c.store.List(ctx)
}

// ListAwaiting returns runs suspended at an approval gate.
func (c *Coordinator) ListAwaiting(ctx context.Context) ([]Run, error) {
	return c.store.ListAwaiting(ctx)
}

func (c *Coordinator) spawnDrive(id uuid.UUID) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		lock := c.lockFor(id)
		lock.mu.Lock()
		defer lock.mu.Unlock()
		if _, err := c.driveLocked(c.ctx, id); err != nil {
			c.logger.Printf("level=error msg=\"run drive failed\" run_id=%s error=%q", id, err)
		}
	}()
}

// applyLocked applies a single event to the persisted run. The caller holds
// the run's lock.
func (c *Coordinator) applyLocked(ctx context.Context, id uuid.UUID, ev Event) error {
	run, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	next, _, err := Transition(run, ev, c.clock())
	if err != nil {
		return err
	}
	return c.store.Update(ctx, next)
}

// driveLocked advances the run stage by stage until it suspends at a gate,
// reaches a terminal state, or an error leaves it where it stands. Every
// successor snapshot is persisted before its effects are acted on, so a
// crash at any point resumes cleanly. The caller holds the run's lock.
func (c *Coordinator) driveLocked(ctx context.Context, id uuid.UUID) (Run, error) {
	for {
		run, err := c.store.Get(ctx, id)
		if err != nil {
			return Run{}, err
		}

		stage, ok := stageForState(run.State)
		if !ok {
			return run, nil
		}

		var ev Event
		if reason, cancelled := c.cancelRequested(id); cancelled {
			ev = EventCancelled{Reason: reason}
		} else {
			ev = c.executeStage(ctx, run, stage)
			// A cancellation that arrived while the stage was in flight
			// takes effect now that the side effect's outcome is known.
			// The stage's output is still recorded on the run.
			if reason, cancelled := c.cancelRequested(id); cancelled {
				if done, ok := ev.(EventStageCompleted); ok {
					if run.Outputs == nil {
						run.Outputs = map[Stage]StageOutput{}
					}
					run.Outputs[done.Stage] = done.Output
				}
				ev = EventCancelled{Reason: reason}
			}
		}

		next, effects, err := Transition(run, ev, c.clock())
		if err != nil {
			return run, err
		}
		if err := c.store.Update(ctx, next); err != nil {
			return run, fmt.Errorf("persist transition: %w", err)
		}

		if next.RetryCount > run.RetryCount {
			c.metrics.RetryRecorded()
		}
		c.publish(runStageFinishedSubject, map[string]any{
			"run_id":  next.ID,
			"stage":   stage,
			"attempt": run.RetryCount,
			"state":   next.State,
			"error":   next.Error,
		})

		for _, effect := range effects {
			switch effect := effect.(type) {
			case EffectAwaitApproval:
				c.publish(runAwaitingApprovalSubject, map[string]any{
					"run_id":       next.ID,
					"gate":         effect.Kind,
					"requested_at": next.GateRequestedAt,
				})
				return next, nil
			case EffectFinalize:
				c.finalizeRun(ctx, next)
				return next, nil
			}
		}
	}
}

// executeStage invokes the stage executor and folds the result into the
// event the transition function expects.
func (c *Coordinator) executeStage(ctx context.Context, run Run, stage Stage) Event {
	exec := c.executors[stage]

	in := StageInput{Run: run, Attempt: run.RetryCount}
	if stage == StageImplementation && run.RetryCount > 0 {
		if review, ok := run.Output(StageReview); ok {
			in.Findings = review.Findings
		}
	}

	out, stageErr := invokeStage(ctx, exec, in, c.policy.StageTimeout)
	if stageErr != nil {
		c.logger.Printf("level=warn msg=\"stage failed\" run_id=%s stage=%s attempt=%d error=%q", run.ID, stage, in.Attempt, stageErr)
		return EventStageFailed{Stage: stage, Err: stageErr}
	}

	c.metrics.StageObserved(stage, out.Duration)
	if c.archiver != nil {
		if err := c.archiver.RecordStage(ctx, run, out); err != nil {
			c.logger.Printf("level=warn msg=\"stage record not archived\" run_id=%s stage=%s error=%q", run.ID, stage, err)
		}
	}

	var approvalRequired bool
	switch stage {
	case StagePlanning:
		approvalRequired = c.policy.ApprovalRequired(run, out)
	case StageReview:
		// The deploy gate consults the plan's declared impact, not the
		// reviewer's.
		plan, _ := run.Output(StagePlanning)
		approvalRequired = c.policy.ApprovalRequired(run, plan)
	}

	return EventStageCompleted{Stage: stage, Output: out, ApprovalRequired: approvalRequired}
}

// finalizeRun performs the terminal-state bookkeeping: archive hand-off,
// metrics, lifecycle event, lock release.
func (c *Coordinator) finalizeRun(ctx context.Context, run Run) {
	if c.archiver != nil {
		if err := c.archiver.Finalize(ctx, run); err != nil {
			c.logger.Printf("level=warn msg=\"run record not archived\" run_id=%s error=%q", run.ID, err)
		}
	}
	c.metrics.RunFinished(run.State)
	c.publish(runFinishedSubject, map[string]any{
		"run_id":      run.ID,
		"state":       run.State,
		"environment": run.Environment,
		"error":       run.Error,
		"retry_count": run.RetryCount,
	})
	c.dropLock(run.ID)
}

func (c *Coordinator) publish(subject string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.Publish(ctx, subject, payload); err != nil {
		c.logger.Printf("level=warn msg=\"event publish failed\" subject=%s error=%q", subject, err)
	}
}

func (c *Coordinator) lockFor(id uuid.UUID) *runLock {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	lock, ok := c.active[id]
	if !ok {
		lock = &runLock{}
		c.active[id] = lock
	}
	return lock
}

func (c *Coordinator) dropLock(id uuid.UUID) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	delete(c.active, id)
}

func (c *Coordinator) cancelRequested(id uuid.UUID) (string, bool) {
	c.activeMu.Lock()
	lock, ok := c.active[id]
	c.activeMu.Unlock()
	if !ok {
		return "", false
	}
	return lock.cancelRequested()
}

// stageForState maps an in-flight state to the stage that must run in it.
func stageForState(s State) (Stage, bool) {
	switch s {
	case StatePlanning:
		return StagePlanning, true
	case StateImplementation:
		return StageImplementation, true
	case StateReview:
		return StageReview, true
	case StateDeployment:
		return StageDeployment, true
	default:
		return "", false
	}
}
