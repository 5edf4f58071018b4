// Package artifacts preserves the audit trail of finished runs: per-stage
// records in Postgres and a signed, compressed run record in object storage.
package artifacts

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"steward/services/pipeline"
)

// recordVersion identifies the run record layout.
const recordVersion = "v1"

// Record is the durable, signed summary of one terminal run.
type Record struct {
	Version          string        `yaml:"version"`
	RunID            string        `yaml:"run_id"`
	Request          string        `yaml:"request"`
	Environment      string        `yaml:"environment"`
	DryRun           bool          `yaml:"dry_run,omitempty"`
	State            string        `yaml:"state"`
	Error            string        `yaml:"error,omitempty"`
	RetryCount       int           `yaml:"retry_count"`
	PlanApproved     *bool         `yaml:"plan_approved,omitempty"`
	DeployApproved   *bool         `yaml:"deploy_approved,omitempty"`
	CreatedAt        time.Time     `yaml:"created_at"`
	FinishedAt       *time.Time    `yaml:"finished_at,omitempty"`
	Stages           []StageRecord `yaml:"stages"`
	Signer           string        `yaml:"signer,omitempty"`
	SigningPublicKey string        `yaml:"signing_public_key,omitempty"`
	Signature        string        `yaml:"signature,omitempty"`
}

// StageRecord summarises one stage outcome inside a run record.
type StageRecord struct {
	Stage    string `yaml:"stage"`
	Attempt  int    `yaml:"attempt"`
	Summary  string `yaml:"summary,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Verified bool   `yaml:"verified,omitempty"`
	Findings int    `yaml:"findings,omitempty"`
}

// NewRecord builds an unsigned record from a terminal run snapshot.
func NewRecord(run pipeline.Run) (Record, error) {
	if !run.State.Terminal() {
		return Record{}, fmt.Errorf("run %s is not terminal (%s)", run.ID, run.State)
	}

	record := Record{
		Version:        recordVersion,
		RunID:          run.ID.String(),
		Request:        run.Request,
		Environment:    string(run.Environment),
		DryRun:         run.DryRun,
		State:          string(run.State),
		Error:          run.Error,
		RetryCount:     run.RetryCount,
		PlanApproved:   run.PlanApproved,
		DeployApproved: run.DeployApproved,
		CreatedAt:      run.CreatedAt,
		FinishedAt:     run.FinishedAt,
	}

	for _, stage := range []pipeline.Stage{pipeline.StagePlanning, pipeline.StageImplementation, pipeline.StageReview, pipeline.StageDeployment} {
		out, ok := run.Output(stage)
		if !ok {
			continue
		}
		record.Stages = append(record.Stages, StageRecord{
			Stage:    string(stage),
			Attempt:  out.Attempt,
			Summary:  out.Summary,
			Status:   string(out.ReviewStatus),
			Verified: out.Verified,
			Findings: len(out.Findings),
		})
	}
	return record, nil
}

// SigningBytes marshals the record without its signature for signing and
// verification.
func (r Record) SigningBytes() ([]byte, error) {
	clone := r
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Marshal serialises the full record including its signature.
func (r Record) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// UnmarshalRecord parses a serialised run record.
func UnmarshalRecord(data []byte) (Record, error) {
	var record Record
	if err := yaml.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("parse run record: %w", err)
	}
	return record, nil
}
