package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxRetries bounds the implementation/review feedback loop.
	DefaultMaxRetries = 3
	// DefaultStageTimeout bounds a single stage invocation.
	DefaultStageTimeout = 5 * time.Minute
	// DefaultGateTTL bounds how long a run may wait at an approval gate
	// before the gate resolves as a rejection.
	DefaultGateTTL = 72 * time.Hour
)

// Policy is the process-wide, read-only pipeline configuration loaded once
// at startup.
type Policy struct {
	MaxRetries   int           `yaml:"max_retries"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	GateTTL      time.Duration `yaml:"gate_ttl"`
	// HighTrustEnvironments always require human approval at both gates.
	HighTrustEnvironments []Environment `yaml:"high_trust_environments"`
	// QueryKeywords / ChangeKeywords optionally override the intent
	// classifier keyword sets.
	QueryKeywords  []string `yaml:"query_keywords"`
	ChangeKeywords []string `yaml:"change_keywords"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:            DefaultMaxRetries,
		StageTimeout:          DefaultStageTimeout,
		GateTTL:               DefaultGateTTL,
		HighTrustEnvironments: []Environment{EnvProd},
	}
}

// LoadPolicy reads a YAML policy file, filling unset fields from the
// defaults. An empty path returns the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var loaded Policy
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}

	if loaded.MaxRetries > 0 {
		policy.MaxRetries = loaded.MaxRetries
	}
	if loaded.StageTimeout > 0 {
		policy.StageTimeout = loaded.StageTimeout
	}
	if loaded.GateTTL > 0 {
		policy.GateTTL = loaded.GateTTL
	}
	if len(loaded.HighTrustEnvironments) > 0 {
		for _, env := range loaded.HighTrustEnvironments {
			if _, err := ParseEnvironment(string(env)); err != nil {
				return Policy{}, fmt.Errorf("policy high_trust_environments: %w", err)
			}
		}
		policy.HighTrustEnvironments = loaded.HighTrustEnvironments
	}
	policy.QueryKeywords = loaded.QueryKeywords
	policy.ChangeKeywords = loaded.ChangeKeywords

	return policy, nil
}

// ApprovalRequired decides whether a gate must suspend the run. It is a pure
// predicate over the run and the upstream stage output: no reasoning-engine
// or external call participates, so gating stays deterministic and
// auditable.
func (p Policy) ApprovalRequired(run Run, out StageOutput) bool {
	if p.highTrust(run.Environment) {
		return true
	}
	return out.Impact == ImpactHigh
}

func (p Policy) highTrust(env Environment) bool {
	for _, candidate := range p.HighTrustEnvironments {
		if candidate == env {
			return true
		}
	}
	return false
}
