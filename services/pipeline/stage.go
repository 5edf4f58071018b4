package pipeline

import (
	"context"
	"time"
)

// StageInput is the uniform input handed to a stage executor.
type StageInput struct {
	// Run is an immutable snapshot of the run at invocation time; prior
	// stage outputs are read through it.
	Run Run
	// Attempt counts implementation/review round-trips, starting at 0.
	Attempt int
	// Findings carries the previous review's findings into an
	// implementation retry.
	Findings []Finding
}

// Executor is the uniform contract all four stages implement.
//
// Obligations:
//   - Idempotent against the system of record: re-invocation after a crash
//     before the transition committed must not duplicate external side
//     effects. Executors probe the external system first.
//   - Bounded: the coordinator enforces a deadline on ctx; an executor that
//     overruns surfaces as a timeout StageError, never a partial success.
//   - Structured: outputs are schema-validated; an empty or under-length
//     result is an invalid-output StageError, not success.
type Executor interface {
	Stage() Stage
	Execute(ctx context.Context, in StageInput) (StageOutput, error)
}

// invokeStage runs the executor under the policy's stage timeout and
// normalises every failure into a classified StageError.
func invokeStage(ctx context.Context, exec Executor, in StageInput, timeout time.Duration) (StageOutput, *StageError) {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := exec.Execute(ctx, in)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return StageOutput{}, NewStageError(exec.Stage(), StageTimeout, err)
		}
		return StageOutput{}, AsStageError(exec.Stage(), err)
	}

	out.Stage = exec.Stage()
	out.Attempt = in.Attempt
	out.Duration = time.Since(start)
	return out, nil
}
