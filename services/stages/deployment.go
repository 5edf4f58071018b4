package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"steward/services/cloud"
	"steward/services/pipeline"
)

// Deployer applies the reviewed change set and independently verifies the
// result. Verified is only ever set after describe reads of the system of
// record confirm every change; the apply response alone proves nothing.
type Deployer struct {
	platform cloud.Platform
}

// NewDeployer creates the deployment stage executor.
func NewDeployer(platform cloud.Platform) (*Deployer, error) {
	if platform == nil {
		return nil, errors.New("platform is required")
	}
	return &Deployer{platform: platform}, nil
}

func (d *Deployer) Stage() pipeline.Stage { return pipeline.StageDeployment }

// Execute applies the change set and verifies it. A run that already has an
// accepted apply on the platform reuses it instead of applying twice.
func (d *Deployer) Execute(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
	if in.Run.DryRun {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageDeployment, pipeline.StageInvalidOutput, errors.New("dry run must not reach deployment"))
	}

	impl, ok := in.Run.Output(pipeline.StageImplementation)
	if !ok {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageDeployment, pipeline.StageInvalidOutput, errors.New("no implementation output on run"))
	}
	changes, err := resolveChanges(in.Run, impl)
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageDeployment, pipeline.StageInvalidOutput, err)
	}

	runID := in.Run.ID.String()

	ref, err := d.platform.FindAction(ctx, runID)
	if errors.Is(err, cloud.ErrActionNotFound) {
		ref, err = d.platform.Apply(ctx, cloud.ChangeSet{
			RunID:       runID,
			Environment: string(in.Run.Environment),
			Changes:     changes,
		})
	}
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageDeployment, pipeline.StageExternalFailure, err)
	}

	// Independent verification: read every touched resource back and
	// compare its observed state against the desired state.
	var mismatches []string
	for _, change := range changes {
		state, err := d.platform.Describe(ctx, change.ResourceID)
		if err != nil {
			return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageDeployment, pipeline.StageUnverified,
				fmt.Errorf("describe %s: %w", change.ResourceID, err))
		}
		for field, desired := range change.Desired {
			observed, ok := state.Observed[field]
			if !ok || !jsonEqual(desired, observed) {
				mismatches = append(mismatches, fmt.Sprintf("%s.%s: desired %v, observed %v", change.ResourceID, field, desired, observed))
			}
		}
	}
	if len(mismatches) > 0 {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageDeployment, pipeline.StageUnverified,
			fmt.Errorf("applied state does not match desired state: %v", mismatches))
	}

	return pipeline.StageOutput{
		Summary:  fmt.Sprintf("applied action %s; %d resources verified against the platform", ref.ID, len(changes)),
		Verified: true,
		Data: map[string]any{
			"action_id": ref.ID,
			"verified":  len(changes),
		},
	}, nil
}

// jsonEqual compares two values through a JSON round trip, so an int
// desired value equals its float64 decoding.
func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var va, vb any
	if err := json.Unmarshal(ja, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(jb, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
