package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Run struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Request         string         `gorm:"type:text;not null"`
	Environment     string         `gorm:"type:text;not null;index"`
	DryRun          bool           `gorm:"type:boolean;not null;default:false"`
	State           string         `gorm:"type:text;not null;index"`
	PendingApproval string         `gorm:"type:text"`
	GateRequestedAt *time.Time     `gorm:"type:timestamptz"`
	PlanApproved    *bool          `gorm:"type:boolean"`
	DeployApproved  *bool          `gorm:"type:boolean"`
	RetryCount      int            `gorm:"type:int;not null;default:0"`
	MaxRetries      int            `gorm:"type:int;not null;default:3"`
	ReviewStatus    string         `gorm:"type:text"`
	Outputs         datatypes.JSON `gorm:"type:jsonb"`
	Error           string         `gorm:"type:text"`
	CreatedAt       time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	FinishedAt      *time.Time     `gorm:"type:timestamptz"`
}

type StageRecord struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Stage     string            `gorm:"type:text;not null"`
	Attempt   int               `gorm:"type:int;not null"`
	Output    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       Run               `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type RunRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	State     string    `gorm:"type:text;not null"`
	SHA256    string    `gorm:"type:text;not null"`
	URL       string    `gorm:"type:text"`
	Signature string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       Run       `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&StageRecord{},
		&RunRecord{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&StageRecord{}, "Run"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&RunRecord{}, "Run"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&RunRecord{},
		&StageRecord{},
		&Run{},
	); err != nil {
		return err
	}

	return nil
}
