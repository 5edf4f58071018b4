package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type runModel struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Request         string         `gorm:"type:text"`
	Environment     string         `gorm:"type:text"`
	DryRun          bool           `gorm:"type:boolean"`
	State           string         `gorm:"type:text"`
	PendingApproval string         `gorm:"type:text"`
	GateRequestedAt *time.Time     `gorm:"type:timestamptz"`
	PlanApproved    *bool          `gorm:"type:boolean"`
	DeployApproved  *bool          `gorm:"type:boolean"`
	RetryCount      int            `gorm:"type:int"`
	MaxRetries      int            `gorm:"type:int"`
	ReviewStatus    string         `gorm:"type:text"`
	Outputs         datatypes.JSON `gorm:"type:jsonb"`
	Error           string         `gorm:"type:text"`
	CreatedAt       time.Time      `gorm:"type:timestamptz"`
	UpdatedAt       time.Time      `gorm:"type:timestamptz"`
	FinishedAt      *time.Time     `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

func toModel(run Run) (runModel, error) {
	outputs, err := json.Marshal(run.Outputs)
	if err != nil {
		return runModel{}, fmt.Errorf("encode stage outputs: %w", err)
	}
	return runModel{
		ID:              run.ID,
		Request:         run.Request,
		Environment:     string(run.Environment),
		DryRun:          run.DryRun,
		State:           string(run.State),
		PendingApproval: string(run.PendingApproval),
		GateRequestedAt: run.GateRequestedAt,
		PlanApproved:    run.PlanApproved,
		DeployApproved:  run.DeployApproved,
		RetryCount:      run.RetryCount,
		MaxRetries:      run.MaxRetries,
		ReviewStatus:    string(run.ReviewStatus),
		Outputs:         datatypes.JSON(outputs),
		Error:           run.Error,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
		FinishedAt:      run.FinishedAt,
	}, nil
}

func (m runModel) toRun() (Run, error) {
	run := Run{
		ID:              m.ID,
		Request:         m.Request,
		Environment:     Environment(m.Environment),
		DryRun:          m.DryRun,
		State:           State(m.State),
		PendingApproval: GateKind(m.PendingApproval),
		GateRequestedAt: m.GateRequestedAt,
		PlanApproved:    m.PlanApproved,
		DeployApproved:  m.DeployApproved,
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		ReviewStatus:    ReviewStatus(m.ReviewStatus),
		Error:           m.Error,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		FinishedAt:      m.FinishedAt,
		Outputs:         map[Stage]StageOutput{},
	}
	if len(m.Outputs) > 0 {
		if err := json.Unmarshal(m.Outputs, &run.Outputs); err != nil {
			return Run{}, fmt.Errorf("decode stage outputs: %w", err)
		}
	}
	return run, nil
}

// GormStore is the Postgres-backed RunStore.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore creates a store bound to the provided gorm handle.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

// Create inserts a new run row.
func (s *GormStore) Create(ctx context.Context, run Run) error {
	model, err := toModel(run)
	if err != nil {
		return err
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

// Get loads a run by ID.
func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	var model runModel
	err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	return model.toRun()
}

// Update replaces the stored row for the run.
func (s *GormStore) Update(ctx context.Context, run Run) error {
	model, err := toModel(run)
	if err != nil {
		return err
	}
	result := s.orm.WithContext(ctx).Model(&runModel{}).Where("id = ?", run.ID).Updates(map[string]any{
		"request":           model.Request,
		"environment":       model.Environment,
		"dry_run":           model.DryRun,
		"state":             model.State,
		"pending_approval":  model.PendingApproval,
		"gate_requested_at": model.GateRequestedAt,
		"plan_approved":     model.PlanApproved,
		"deploy_approved":   model.DeployApproved,
		"retry_count":       model.RetryCount,
		"max_retries":       model.MaxRetries,
		"review_status":     model.ReviewStatus,
		"outputs":           model.Outputs,
		"error":             model.Error,
		"updated_at":        model.UpdatedAt,
		"finished_at":       model.FinishedAt,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// List returns all runs, newest first.
func (s *GormStore) List(ctx context.Context) ([]Run, error) {
	var models []runModel
	if err := s.orm.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return toRuns(models)
}

// ListAwaiting returns runs suspended at a gate, oldest request first.
func (s *GormStore) ListAwaiting(ctx context.Context) ([]Run, error) {
	var models []runModel
	err := s.orm.WithContext(ctx).
		Where("pending_approval <> ''").
		Order("gate_requested_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toRuns(models)
}

func toRuns(models []runModel) ([]Run, error) {
	out := make([]Run, 0, len(models))
	for _, model := range models {
		run, err := model.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}
