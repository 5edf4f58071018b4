package stages

import (
	"context"
	"errors"
	"fmt"

	"steward/pkg/render"
	"steward/services/cloud"
	"steward/services/pipeline"
	"steward/services/reasoning"
)

// Implementer turns the approved plan into a concrete change proposal on the
// version-control host.
type Implementer struct {
	engine Engine
	render *render.Engine
	vcs    cloud.VCS
}

// NewImplementer creates the implementation stage executor.
func NewImplementer(engine Engine, templates *render.Engine, vcs cloud.VCS) (*Implementer, error) {
	if engine == nil {
		return nil, errors.New("reasoning engine is required")
	}
	if templates == nil {
		return nil, errors.New("template engine is required")
	}
	if vcs == nil {
		return nil, errors.New("vcs is required")
	}
	return &Implementer{engine: engine, render: templates, vcs: vcs}, nil
}

func (im *Implementer) Stage() pipeline.Stage { return pipeline.StageImplementation }

// Execute produces resource changes and opens a change proposal for them. A
// proposal that already exists for this run and attempt is reused, so a
// crash between opening it and committing the transition never duplicates
// work. Reviewer findings from the previous attempt are folded into the
// prompt on retries.
func (im *Implementer) Execute(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
	plan, ok := in.Run.Output(pipeline.StagePlanning)
	if !ok {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageImplementation, pipeline.StageInvalidOutput, errors.New("no plan output on run"))
	}

	if existing, err := im.vcs.FindChange(ctx, in.Run.ID.String(), in.Attempt); err == nil {
		return proposalOutput(existing, fmt.Sprintf("reusing change proposal %s for attempt %d", existing.ID, in.Attempt), existing.Changes), nil
	} else if !errors.Is(err, cloud.ErrChangeNotFound) {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageImplementation, pipeline.StageExternalFailure, err)
	}

	prompt, err := im.render.Render("implementation.tmpl", map[string]any{
		"Request":     in.Run.Request,
		"Environment": in.Run.Environment,
		"Attempt":     in.Attempt,
		"PlanSummary": plan.Summary,
		"PlanSteps":   asStringSlice(plan.Data["steps"]),
		"Findings":    in.Findings,
	})
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageImplementation, pipeline.StageExternalFailure, err)
	}

	out, err := im.engine.Invoke(ctx, prompt, reasoning.Schema{
		Name:      "implementation",
		Required:  []string{"summary", "changes"},
		MinLength: map[string]int{"summary": 10},
	}, map[string]any{
		"request": in.Run.Request,
		"attempt": in.Attempt,
	})
	if err != nil {
		return pipeline.StageOutput{}, classifyEngineErr(pipeline.StageImplementation, err)
	}

	changes, err := decodeChanges(out["changes"])
	if err != nil || len(changes) == 0 {
		if err == nil {
			err = errors.New("implementation produced no changes")
		}
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageImplementation, pipeline.StageInvalidOutput, err)
	}

	ref, err := im.vcs.OpenChange(ctx, cloud.ChangeProposal{
		RunID:       in.Run.ID.String(),
		Attempt:     in.Attempt,
		Title:       fmt.Sprintf("steward: %s", truncateTitle(in.Run.Request)),
		Description: asString(out["summary"]),
		Changes:     changes,
	})
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageImplementation, pipeline.StageExternalFailure, err)
	}

	return proposalOutput(ref, asString(out["summary"]), changes), nil
}

func proposalOutput(ref cloud.ChangeRef, summary string, changes []cloud.ResourceChange) pipeline.StageOutput {
	data := map[string]any{
		"change_id":  ref.ID,
		"change_url": ref.URL,
		"branch":     ref.Branch,
	}
	if len(changes) > 0 {
		data["changes"] = changes
	}
	return pipeline.StageOutput{Summary: summary, Data: data}
}

// truncateTitle shortens the operator request for the proposal title,
// cutting on a rune boundary.
func truncateTitle(s string) string {
	const max = 72
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
