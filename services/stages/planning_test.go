package stages

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"steward/pkg/render"
	"steward/services/pipeline"
	"steward/services/reasoning"
)

type fakeEngine struct {
	out     map[string]any
	err     error
	prompts []string
	vars    []map[string]any
}

func (f *fakeEngine) Invoke(ctx context.Context, systemPrompt string, schema reasoning.Schema, vars map[string]any) (map[string]any, error) {
	f.prompts = append(f.prompts, systemPrompt)
	f.vars = append(f.vars, vars)
	if f.err != nil {
		return nil, f.err
	}
	if err := schema.Validate(f.out); err != nil {
		return nil, fmt.Errorf("%w: %v", reasoning.ErrInvalidOutput, err)
	}
	return f.out, nil
}

func testTemplates(t *testing.T) *render.Engine {
	t.Helper()
	engine, err := render.New()
	if err != nil {
		t.Fatalf("render.New() error = %v", err)
	}
	return engine
}

func testRun(t *testing.T) pipeline.Run {
	t.Helper()
	return pipeline.NewRun("scale the web tier to 4 replicas", pipeline.EnvDev, false, pipeline.DefaultMaxRetries, time.Now())
}

func validPlanOutput() map[string]any {
	return map[string]any{
		"summary": "Scale the web tier deployment from 2 to 4 replicas.",
		"impact":  "low",
		"steps":   []any{"bump replicas field to 4", "wait for rollout"},
		"resources": []any{
			map[string]any{"resource_id": "web-tier", "kind": "deployment", "desired": map[string]any{"replicas": 4}},
		},
	}
}

func TestPlannerExecute(t *testing.T) {
	engine := &fakeEngine{out: validPlanOutput()}
	planner, err := NewPlanner(engine, testTemplates(t))
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}

	out, err := planner.Execute(context.Background(), pipeline.StageInput{Run: testRun(t)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Impact != pipeline.ImpactLow {
		t.Fatalf("impact = %s, want %s", out.Impact, pipeline.ImpactLow)
	}
	if out.Summary == "" {
		t.Fatal("empty plan summary")
	}
	steps, ok := out.Data["steps"].([]string)
	if !ok || len(steps) != 2 {
		t.Fatalf("steps = %#v, want two decoded steps", out.Data["steps"])
	}
	if len(engine.prompts) != 1 {
		t.Fatalf("engine invoked %d times, want 1", len(engine.prompts))
	}
}

func TestPlannerUnknownImpactIsHigh(t *testing.T) {
	out := validPlanOutput()
	out["impact"] = "apocalyptic"
	planner, _ := NewPlanner(&fakeEngine{out: out}, testTemplates(t))

	result, err := planner.Execute(context.Background(), pipeline.StageInput{Run: testRun(t)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Impact != pipeline.ImpactHigh {
		t.Fatalf("impact = %s, want %s", result.Impact, pipeline.ImpactHigh)
	}
}

func TestPlannerInvalidOutput(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(out map[string]any)
		wantKind pipeline.StageErrorKind
	}{
		{
			name:     "missing summary",
			mutate:   func(out map[string]any) { delete(out, "summary") },
			wantKind: pipeline.StageInvalidOutput,
		},
		{
			name:     "no steps",
			mutate:   func(out map[string]any) { out["steps"] = []any{} },
			wantKind: pipeline.StageInvalidOutput,
		},
		{
			name: "resource without id",
			mutate: func(out map[string]any) {
				out["resources"] = []any{map[string]any{"kind": "deployment", "desired": map[string]any{"replicas": 4}}}
			},
			wantKind: pipeline.StageInvalidOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := validPlanOutput()
			tt.mutate(out)
			planner, _ := NewPlanner(&fakeEngine{out: out}, testTemplates(t))

			_, err := planner.Execute(context.Background(), pipeline.StageInput{Run: testRun(t)})
			stageErr := requireStageError(t, err)
			if stageErr.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", stageErr.Kind, tt.wantKind)
			}
		})
	}
}

func TestPlannerEngineFailureIsExternal(t *testing.T) {
	planner, _ := NewPlanner(&fakeEngine{err: errors.New("connection refused")}, testTemplates(t))

	_, err := planner.Execute(context.Background(), pipeline.StageInput{Run: testRun(t)})
	stageErr := requireStageError(t, err)
	if stageErr.Kind != pipeline.StageExternalFailure {
		t.Fatalf("kind = %s, want %s", stageErr.Kind, pipeline.StageExternalFailure)
	}
	if !stageErr.Retryable() {
		t.Fatal("external failure must be retryable")
	}
}

func requireStageError(t *testing.T, err error) *pipeline.StageError {
	t.Helper()
	if err == nil {
		t.Fatal("expected a stage error")
	}
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error %v is not a StageError", err)
	}
	return stageErr
}
