package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"steward/pkg/s3"
	"steward/services/pipeline"
)

type stageRecordModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID         `gorm:"type:uuid"`
	Stage     string            `gorm:"type:text"`
	Attempt   int               `gorm:"type:int"`
	Output    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz"`
}

func (stageRecordModel) TableName() string { return "stage_records" }

type runRecordModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid"`
	State     string    `gorm:"type:text"`
	SHA256    string    `gorm:"type:text"`
	URL       string    `gorm:"type:text"`
	Signature string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz"`
}

func (runRecordModel) TableName() string { return "run_records" }

// Store persists stage outputs and terminal run records. It implements the
// coordinator's archiver hand-off.
type Store struct {
	orm    *gorm.DB
	s3     *s3.Client
	bucket string
	signer *Signer
	logger *log.Logger

	encoder *zstd.Encoder
}

// StoreConfig carries the store's dependencies. Object storage and the
// signer are optional; without them records stay unsigned in Postgres.
type StoreConfig struct {
	ORM    *gorm.DB
	S3     *s3.Client
	Bucket string
	Signer *Signer
	Logger *log.Logger
}

// NewStore creates an artifact store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.ORM == nil {
		return nil, errors.New("orm is required")
	}
	if cfg.S3 != nil && cfg.Bucket == "" {
		return nil, errors.New("bucket is required when object storage is configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}

	return &Store{
		orm:     cfg.ORM,
		s3:      cfg.S3,
		bucket:  cfg.Bucket,
		signer:  cfg.Signer,
		logger:  cfg.Logger,
		encoder: encoder,
	}, nil
}

// RecordStage appends one stage outcome to the run's audit trail.
func (s *Store) RecordStage(ctx context.Context, run pipeline.Run, out pipeline.StageOutput) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode stage output: %w", err)
	}
	var output map[string]any
	if err := json.Unmarshal(payload, &output); err != nil {
		return fmt.Errorf("decode stage output: %w", err)
	}

	model := stageRecordModel{
		ID:        uuid.New(),
		RunID:     run.ID,
		Stage:     string(out.Stage),
		Attempt:   out.Attempt,
		Output:    datatypes.JSONMap(output),
		CreatedAt: time.Now().UTC(),
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

// Finalize builds the signed run record for a terminal run, uploads its
// compressed form to object storage and indexes it in Postgres. Finalize is
// idempotent per run.
func (s *Store) Finalize(ctx context.Context, run pipeline.Run) error {
	record, err := NewRecord(run)
	if err != nil {
		return err
	}

	if s.signer != nil {
		record.Signer = s.signer.Recipient()
		record.SigningPublicKey = s.signer.PublicKeyBase64()
		payload, err := record.SigningBytes()
		if err != nil {
			return fmt.Errorf("serialise record for signing: %w", err)
		}
		signature, err := s.signer.Sign(payload)
		if err != nil {
			return fmt.Errorf("sign run record: %w", err)
		}
		record.Signature = signature
	}

	serialised, err := record.Marshal()
	if err != nil {
		return fmt.Errorf("serialise run record: %w", err)
	}
	compressed := s.encoder.EncodeAll(serialised, nil)

	digest := sha256.Sum256(compressed)
	digestHex := hex.EncodeToString(digest[:])

	var url string
	if s.s3 != nil {
		key := fmt.Sprintf("runs/%s/record.yaml.zst", run.ID)
		if err := s.s3.PutObject(ctx, s.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), digestHex); err != nil {
			return fmt.Errorf("upload run record: %w", err)
		}
		url = fmt.Sprintf("s3://%s/%s", s.bucket, key)
	}

	model := runRecordModel{
		ID:        uuid.New(),
		RunID:     run.ID,
		State:     string(run.State),
		SHA256:    digestHex,
		URL:       url,
		Signature: record.Signature,
	}
	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}}, DoNothing: true}).
		Create(&model).Error
}
