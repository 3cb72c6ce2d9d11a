package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"evidenced/services/evidence"
)

type evidenceModel struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	EvidenceID       string            `gorm:"type:text;uniqueIndex"`
	URL              string            `gorm:"type:text"`
	Note             string            `gorm:"type:text"`
	Title            string            `gorm:"type:text"`
	FinalURL         string            `gorm:"type:text"`
	CapturedAtMs     int64             `gorm:"type:bigint"`
	Status           string            `gorm:"type:text"`
	PackageKey       string            `gorm:"type:text"`
	PackageHash      string            `gorm:"type:text"`
	PackageSize      int64             `gorm:"type:bigint"`
	PackageCID       string            `gorm:"column:package_cid;type:text"`
	Signature        string            `gorm:"type:text"`
	SigningPublicKey string            `gorm:"type:text"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt        time.Time         `gorm:"type:timestamptz;autoUpdateTime"`
	Artifacts        []artifactModel   `gorm:"foreignKey:EvidenceRowID;references:ID"`
}

func (evidenceModel) TableName() string { return "evidence" }

type artifactModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	EvidenceRowID uuid.UUID `gorm:"type:uuid"`
	Path          string    `gorm:"type:text"`
	Name          string    `gorm:"type:text"`
	Type          string    `gorm:"type:text"`
	Hash          string    `gorm:"type:text"`
	Size          int64     `gorm:"type:bigint"`
	MimeType      string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (artifactModel) TableName() string { return "evidence_artifacts" }

// summaryRow is scanned by pgxscan from the listing query.
type summaryRow struct {
	EvidenceID    string    `db:"evidence_id"`
	URL           string    `db:"url"`
	Title         string    `db:"title"`
	CapturedAtMs  int64     `db:"captured_at_ms"`
	Status        string    `db:"status"`
	PackageHash   string    `db:"package_hash"`
	PackageSize   int64     `db:"package_size"`
	ArtifactCount int       `db:"artifact_count"`
	CreatedAt     time.Time `db:"created_at"`
}

func newEvidenceModel(rec *evidence.Record) evidenceModel {
	m := evidenceModel{
		ID:               uuid.New(),
		EvidenceID:       rec.EvidenceID,
		URL:              rec.SourceURL,
		Note:             rec.Note,
		Title:            rec.Title,
		FinalURL:         rec.FinalURL,
		CapturedAtMs:     rec.CapturedAtMillis,
		Status:           rec.Status,
		PackageKey:       rec.PackageKey,
		PackageHash:      rec.PackageHash,
		PackageSize:      rec.PackageSize,
		PackageCID:       rec.PackageCID,
		Signature:        rec.Signature,
		SigningPublicKey: rec.SigningPublicKey,
	}
	if rec.Metadata != nil {
		m.Metadata = datatypes.JSONMap(rec.Metadata)
	}
	return m
}

func (m evidenceModel) toRecord() *evidence.Record {
	rec := &evidence.Record{
		EvidenceID:       m.EvidenceID,
		SourceURL:        m.URL,
		Note:             m.Note,
		Title:            m.Title,
		FinalURL:         m.FinalURL,
		CapturedAtMillis: m.CapturedAtMs,
		Status:           m.Status,
		PackageKey:       m.PackageKey,
		PackageHash:      m.PackageHash,
		PackageSize:      m.PackageSize,
		PackageCID:       m.PackageCID,
		Signature:        m.Signature,
		SigningPublicKey: m.SigningPublicKey,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
		Artifacts:        make([]evidence.Artifact, 0, len(m.Artifacts)),
	}
	if m.Metadata != nil {
		rec.Metadata = map[string]any(m.Metadata)
	}
	for _, a := range m.Artifacts {
		rec.Artifacts = append(rec.Artifacts, a.toArtifact())
	}
	return rec
}

func (a artifactModel) toArtifact() evidence.Artifact {
	return evidence.Artifact{
		ID:       a.ID.String(),
		Path:     a.Path,
		Name:     a.Name,
		Type:     a.Type,
		Hash:     a.Hash,
		Size:     a.Size,
		MimeType: a.MimeType,
	}
}

func (r summaryRow) toSummary() evidence.Summary {
	return evidence.Summary{
		EvidenceID:    r.EvidenceID,
		URL:           r.URL,
		Title:         r.Title,
		Timestamp:     r.CapturedAtMs,
		Status:        r.Status,
		PackageHash:   r.PackageHash,
		PackageSize:   r.PackageSize,
		ArtifactCount: r.ArtifactCount,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}
