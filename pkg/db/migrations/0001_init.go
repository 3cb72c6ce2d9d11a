package migrations

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// FS carries the migration sources so goose can match registered Go
// migrations without a migrations directory on disk.
//
//go:embed *.go
var FS embed.FS

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Evidence struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	EvidenceID       string            `gorm:"type:text;uniqueIndex;not null"`
	URL              string            `gorm:"type:text;not null"`
	Note             string            `gorm:"type:text"`
	Title            string            `gorm:"type:text"`
	FinalURL         string            `gorm:"type:text"`
	CapturedAtMs     int64             `gorm:"type:bigint;not null"`
	Status           string            `gorm:"type:text;not null"`
	PackageKey       string            `gorm:"type:text;not null"`
	PackageHash      string            `gorm:"type:text;not null"`
	PackageSize      int64             `gorm:"type:bigint;not null"`
	PackageCID       string            `gorm:"column:package_cid;type:text"`
	Signature        string            `gorm:"type:text"`
	SigningPublicKey string            `gorm:"type:text"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime;index"`
	UpdatedAt        time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (Evidence) TableName() string { return "evidence" }

type EvidenceArtifact struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	EvidenceRowID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_evidence_artifacts_path"`
	Path          string    `gorm:"type:text;not null;uniqueIndex:idx_evidence_artifacts_path"`
	Name          string    `gorm:"type:text;not null"`
	Type          string    `gorm:"type:text;not null"`
	Hash          string    `gorm:"type:text;not null"`
	Size          int64     `gorm:"type:bigint;not null"`
	MimeType      string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Evidence      Evidence  `gorm:"foreignKey:EvidenceRowID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Evidence{},
		&EvidenceArtifact{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&EvidenceArtifact{}, "Evidence") {
		if err := m.CreateConstraint(&EvidenceArtifact{}, "Evidence"); err != nil {
			return err
		}
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

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&EvidenceArtifact{},
		&Evidence{},
	)
}
