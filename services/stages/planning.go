package stages

import (
	"context"
	"errors"
	"fmt"

	"steward/pkg/render"
	"steward/services/pipeline"
	"steward/services/reasoning"
)

// Planner produces a change plan from the operator request. Its output
// carries the impact classification the approval policy gates on.
type Planner struct {
	engine Engine
	render *render.Engine
}

// NewPlanner creates the planning stage executor.
func NewPlanner(engine Engine, templates *render.Engine) (*Planner, error) {
	if engine == nil {
		return nil, errors.New("reasoning engine is required")
	}
	if templates == nil {
		return nil, errors.New("template engine is required")
	}
	return &Planner{engine: engine, render: templates}, nil
}

func (p *Planner) Stage() pipeline.Stage { return pipeline.StagePlanning }

// Execute asks the reasoning engine for a plan and validates its shape. The
// plan's resource list feeds the implementation stage; its impact feeds the
// approval policy.
func (p *Planner) Execute(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
	prompt, err := p.render.Render("planning.tmpl", map[string]any{
		"Request":     in.Run.Request,
		"Environment": in.Run.Environment,
		"DryRun":      in.Run.DryRun,
	})
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StagePlanning, pipeline.StageExternalFailure, err)
	}

	out, err := p.engine.Invoke(ctx, prompt, reasoning.Schema{
		Name:      "planning",
		Required:  []string{"summary", "impact", "steps", "resources"},
		MinLength: map[string]int{"summary": 20},
	}, map[string]any{
		"request":     in.Run.Request,
		"environment": in.Run.Environment,
	})
	if err != nil {
		return pipeline.StageOutput{}, classifyEngineErr(pipeline.StagePlanning, err)
	}

	steps := asStringSlice(out["steps"])
	if len(steps) == 0 {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StagePlanning, pipeline.StageInvalidOutput, errors.New("plan has no steps"))
	}
	changes, err := decodeChanges(out["resources"])
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StagePlanning, pipeline.StageInvalidOutput, err)
	}
	for i, change := range changes {
		if change.ResourceID == "" {
			return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StagePlanning, pipeline.StageInvalidOutput, fmt.Errorf("plan resource %d has no id", i))
		}
	}

	return pipeline.StageOutput{
		Summary: asString(out["summary"]),
		Impact:  pipeline.ParseImpact(asString(out["impact"])),
		Data: map[string]any{
			"steps":     steps,
			"resources": changes,
		},
	}, nil
}
