package stages

import (
	"context"
	"errors"
	"fmt"

	"steward/services/pipeline"
)

// Reviewer runs the configured validators over the implementation attempt
// and folds their findings into a review decision.
type Reviewer struct {
	validators []Validator
}

// NewReviewer creates the review stage executor.
func NewReviewer(validators ...Validator) (*Reviewer, error) {
	if len(validators) == 0 {
		return nil, errors.New("at least one validator is required")
	}
	for _, v := range validators {
		if v == nil {
			return nil, errors.New("nil validator")
		}
	}
	return &Reviewer{validators: validators}, nil
}

func (r *Reviewer) Stage() pipeline.Stage { return pipeline.StageReview }

// Execute aggregates validator findings into a decision. A fatal finding
// fails the review outright; blocking findings send the run back through
// implementation; a clean pass moves it forward. A validator that cannot run
// at all fails the review: an unreviewed change never progresses.
func (r *Reviewer) Execute(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
	impl, ok := in.Run.Output(pipeline.StageImplementation)
	if !ok {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageReview, pipeline.StageInvalidOutput, errors.New("no implementation output on run"))
	}

	changes, err := resolveChanges(in.Run, impl)
	if err != nil {
		return pipeline.StageOutput{}, pipeline.NewStageError(pipeline.StageReview, pipeline.StageInvalidOutput, err)
	}

	review := ReviewInput{Run: in.Run, Summary: impl.Summary, Changes: changes}

	var all []pipeline.Finding
	fatal, blocking := false, false
	for _, validator := range r.validators {
		findings, err := validator.Validate(ctx, review)
		if err != nil {
			return pipeline.StageOutput{
				ReviewStatus: pipeline.ReviewFailed,
				Summary:      fmt.Sprintf("validator %s could not complete", validator.Name()),
				Findings: []pipeline.Finding{{
					Source:   validator.Name(),
					Code:     "REVIEW-ABORT",
					Detail:   err.Error(),
					Blocking: true,
					Fatal:    true,
				}},
			}, nil
		}
		for _, finding := range findings {
			fatal = fatal || finding.Fatal
			blocking = blocking || finding.Blocking
			all = append(all, finding)
		}
	}

	out := pipeline.StageOutput{Findings: all}
	switch {
	case fatal:
		out.ReviewStatus = pipeline.ReviewFailed
		out.Summary = fmt.Sprintf("review failed with %d findings", len(all))
	case blocking:
		out.ReviewStatus = pipeline.ReviewNeedsRevision
		out.Summary = fmt.Sprintf("revision required: %d findings", len(all))
	default:
		out.ReviewStatus = pipeline.ReviewPassed
		if len(all) > 0 {
			out.Summary = fmt.Sprintf("passed with %d advisory findings", len(all))
		} else {
			out.Summary = "passed with no findings"
		}
	}
	return out, nil
}
