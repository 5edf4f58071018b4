// Package stages provides the four pipeline stage executors: planning,
// implementation, review and deployment.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"steward/services/cloud"
	"steward/services/pipeline"
	"steward/services/reasoning"
)

// Engine is the slice of the reasoning client the stages need.
type Engine interface {
	Invoke(ctx context.Context, systemPrompt string, schema reasoning.Schema, vars map[string]any) (map[string]any, error)
}

// classifyEngineErr folds a reasoning failure into the stage error taxonomy:
// malformed output is a revisable stage defect, everything else is an
// external failure.
func classifyEngineErr(stage pipeline.Stage, err error) *pipeline.StageError {
	if errors.Is(err, reasoning.ErrInvalidOutput) {
		return pipeline.NewStageError(stage, pipeline.StageInvalidOutput, err)
	}
	return pipeline.NewStageError(stage, pipeline.StageExternalFailure, err)
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// resolveChanges returns the attempt's change set: the implementation
// output's inline list when present, otherwise the plan's resource targets.
// The fallback covers outputs from hosts that do not echo a proposal's
// changes back on lookup.
func resolveChanges(run pipeline.Run, impl pipeline.StageOutput) ([]cloud.ResourceChange, error) {
	changes, err := decodeChanges(impl.Data["changes"])
	if err == nil {
		return changes, nil
	}

	plan, ok := run.Output(pipeline.StagePlanning)
	if !ok {
		return nil, err
	}
	planned, perr := decodeChanges(plan.Data["resources"])
	if perr != nil {
		return nil, err
	}
	return planned, nil
}

// decodeChanges extracts a resource-change list from loosely typed stage
// data. Outputs round-trip through JSON when runs are persisted, so the
// value may be the typed slice or its generic decoding.
func decodeChanges(v any) ([]cloud.ResourceChange, error) {
	if v == nil {
		return nil, errors.New("no resource changes present")
	}
	if typed, ok := v.([]cloud.ResourceChange); ok {
		return typed, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode resource changes: %w", err)
	}
	var changes []cloud.ResourceChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("decode resource changes: %w", err)
	}
	return changes, nil
}
