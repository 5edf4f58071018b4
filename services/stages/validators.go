package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"steward/pkg/render"
	"steward/services/cloud"
	"steward/services/pipeline"
	"steward/services/reasoning"
)

// ReviewInput is what every validator inspects: the run plus the proposed
// resource changes of the current implementation attempt.
type ReviewInput struct {
	Run     pipeline.Run
	Summary string
	Changes []cloud.ResourceChange
}

// Validator is one independent check within the review stage.
type Validator interface {
	Name() string
	Validate(ctx context.Context, in ReviewInput) ([]pipeline.Finding, error)
}

// ComplianceValidator checks the changes against organisational policy via
// the reasoning engine.
type ComplianceValidator struct {
	engine Engine
	render *render.Engine
}

// NewComplianceValidator creates the policy-compliance validator.
func NewComplianceValidator(engine Engine, templates *render.Engine) (*ComplianceValidator, error) {
	if engine == nil {
		return nil, errors.New("reasoning engine is required")
	}
	if templates == nil {
		return nil, errors.New("template engine is required")
	}
	return &ComplianceValidator{engine: engine, render: templates}, nil
}

func (v *ComplianceValidator) Name() string { return "compliance" }

func (v *ComplianceValidator) Validate(ctx context.Context, in ReviewInput) ([]pipeline.Finding, error) {
	encoded, err := json.MarshalIndent(in.Changes, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}

	prompt, err := v.render.Render("compliance.tmpl", map[string]any{
		"Environment": in.Run.Environment,
		"Changes":     string(encoded),
	})
	if err != nil {
		return nil, err
	}

	// "findings" is deliberately not a required field: an empty list is
	// the compliant outcome.
	out, err := v.engine.Invoke(ctx, prompt, reasoning.Schema{Name: "compliance"}, map[string]any{
		"environment": in.Run.Environment,
	})
	if err != nil {
		return nil, err
	}

	items, ok := out["findings"].([]any)
	if !ok && out["findings"] != nil {
		return nil, errors.New("compliance findings are not a list")
	}

	findings := make([]pipeline.Finding, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		blocking, _ := entry["blocking"].(bool)
		findings = append(findings, pipeline.Finding{
			Source:   v.Name(),
			Code:     asString(entry["code"]),
			Detail:   asString(entry["detail"]),
			Blocking: blocking,
		})
	}
	return findings, nil
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)"(password|secret|api_key|access_token)"\s*:\s*"[^"]{8,}"`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
}

// SecretScanValidator rejects changes that embed credential material. Its
// findings are fatal: no revision loop can make a leaked credential safe.
type SecretScanValidator struct{}

func (SecretScanValidator) Name() string { return "secret-scan" }

func (s SecretScanValidator) Validate(ctx context.Context, in ReviewInput) ([]pipeline.Finding, error) {
	encoded, err := json.Marshal(in.Changes)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}

	var findings []pipeline.Finding
	for _, pattern := range secretPatterns {
		if pattern.Match(encoded) {
			findings = append(findings, pipeline.Finding{
				Source:   s.Name(),
				Code:     "SEC-001",
				Detail:   "proposed changes contain credential material",
				Blocking: true,
				Fatal:    true,
			})
			break
		}
	}
	return findings, nil
}

const (
	minReplicas = 1
	maxReplicas = 50
)

// LintValidator performs structural checks on the change set.
type LintValidator struct{}

func (LintValidator) Name() string { return "lint" }

func (l LintValidator) Validate(ctx context.Context, in ReviewInput) ([]pipeline.Finding, error) {
	var findings []pipeline.Finding
	seen := make(map[string]struct{}, len(in.Changes))

	for _, change := range in.Changes {
		if change.ResourceID == "" {
			findings = append(findings, pipeline.Finding{
				Source: l.Name(), Code: "LINT-001",
				Detail: "change without a resource id", Blocking: true,
			})
			continue
		}
		if _, dup := seen[change.ResourceID]; dup {
			findings = append(findings, pipeline.Finding{
				Source: l.Name(), Code: "LINT-002",
				Detail: fmt.Sprintf("resource %s changed more than once in the same set", change.ResourceID), Blocking: true,
			})
		}
		seen[change.ResourceID] = struct{}{}

		if len(change.Desired) == 0 {
			findings = append(findings, pipeline.Finding{
				Source: l.Name(), Code: "LINT-003",
				Detail: fmt.Sprintf("resource %s has an empty desired state", change.ResourceID), Blocking: true,
			})
		}
		if replicas, ok := numericField(change.Desired, "replicas"); ok && (replicas < minReplicas || replicas > maxReplicas) {
			findings = append(findings, pipeline.Finding{
				Source: l.Name(), Code: "LINT-004",
				Detail: fmt.Sprintf("resource %s replica count %d outside %d..%d", change.ResourceID, replicas, minReplicas, maxReplicas), Blocking: true,
			})
		}
	}
	return findings, nil
}

func numericField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// CostEstimator prices a change set in monthly account currency.
type CostEstimator interface {
	Estimate(ctx context.Context, changes []cloud.ResourceChange) (float64, error)
}

// CostValidator flags change sets whose estimated monthly delta exceeds the
// budget threshold. Estimation failures are findings, not review failures:
// a broken pricing service must not block every change.
type CostValidator struct {
	estimator CostEstimator
	threshold float64
}

// NewCostValidator creates the cost validator. A threshold of zero disables
// the budget check.
func NewCostValidator(estimator CostEstimator, threshold float64) (*CostValidator, error) {
	if estimator == nil {
		return nil, errors.New("cost estimator is required")
	}
	return &CostValidator{estimator: estimator, threshold: threshold}, nil
}

func (v *CostValidator) Name() string { return "cost" }

func (v *CostValidator) Validate(ctx context.Context, in ReviewInput) ([]pipeline.Finding, error) {
	if v.threshold <= 0 {
		return nil, nil
	}

	estimate, err := v.estimator.Estimate(ctx, in.Changes)
	if err != nil {
		return []pipeline.Finding{{
			Source: v.Name(), Code: "COST-000",
			Detail: fmt.Sprintf("cost estimate unavailable: %v", err),
		}}, nil
	}
	if estimate > v.threshold {
		return []pipeline.Finding{{
			Source: v.Name(), Code: "COST-001",
			Detail:   fmt.Sprintf("estimated monthly delta %.2f exceeds budget %.2f", estimate, v.threshold),
			Blocking: true,
		}}, nil
	}
	return nil, nil
}
