// Package ledger is the Postgres implementation of evidence.Ledger. Writes go
// through GORM inside one transaction; listings are raw pgx queries scanned
// with scany.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"evidenced/pkg/db"
	"evidenced/services/evidence"
)

const listQuery = `
SELECT e.evidence_id, e.url, e.title, e.captured_at_ms, e.status,
       e.package_hash, e.package_size, e.created_at,
       (SELECT count(*) FROM evidence_artifacts a WHERE a.evidence_row_id = e.id) AS artifact_count
FROM evidence e
ORDER BY e.created_at DESC, e.id DESC
OFFSET $1 LIMIT $2`

const countQuery = `SELECT count(*) FROM evidence`

// Ledger stores evidence records in Postgres.
type Ledger struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

var _ evidence.Ledger = (*Ledger)(nil)

// New returns a Ledger over an ORM session and the pool it was opened on.
func New(orm *gorm.DB, pool *pgxpool.Pool) (*Ledger, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Ledger{orm: orm, pool: pool}, nil
}

// InTx runs fn in a single database transaction.
func (l *Ledger) InTx(ctx context.Context, fn func(evidence.LedgerTx) error) error {
	return l.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx, rows: map[string]uuid.UUID{}})
	})
}

// FindEvidence loads one record with its artifacts ordered by path.
func (l *Ledger) FindEvidence(ctx context.Context, evidenceID string) (*evidence.Record, error) {
	var m evidenceModel
	err := l.orm.WithContext(ctx).
		Preload("Artifacts", func(q *gorm.DB) *gorm.DB {
			return q.Order("path ASC")
		}).
		Where("evidence_id = ?", evidenceID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, evidence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toRecord(), nil
}

// ListEvidence returns one page newest first plus the total count, both read
// from the same snapshot.
func (l *Ledger) ListEvidence(ctx context.Context, skip, take int) ([]evidence.Summary, int, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int
	if err := pgxscan.Get(ctx, tx, &total, countQuery); err != nil {
		return nil, 0, fmt.Errorf("count evidence: %w", err)
	}

	var rows []summaryRow
	if err := pgxscan.Select(ctx, tx, &rows, listQuery, skip, take); err != nil {
		return nil, 0, fmt.Errorf("list evidence: %w", err)
	}

	out := make([]evidence.Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSummary())
	}
	return out, total, tx.Commit(ctx)
}

type ledgerTx struct {
	db *gorm.DB
	// rows maps evidence ids created in this transaction to their row ids.
	rows map[string]uuid.UUID
}

func (t *ledgerTx) CreateEvidence(ctx context.Context, rec *evidence.Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	m := newEvidenceModel(rec)
	if err := t.db.WithContext(ctx).Omit("Artifacts").Create(&m).Error; err != nil {
		return err
	}
	t.rows[rec.EvidenceID] = m.ID
	rec.CreatedAt = m.CreatedAt
	rec.UpdatedAt = m.UpdatedAt
	return nil
}

func (t *ledgerTx) CreateArtifact(ctx context.Context, evidenceID string, a evidence.Artifact) error {
	rowID, ok := t.rows[evidenceID]
	if !ok {
		var m evidenceModel
		if err := t.db.WithContext(ctx).Select("id").Where("evidence_id = ?", evidenceID).First(&m).Error; err != nil {
			return fmt.Errorf("resolve %s: %w", evidenceID, err)
		}
		rowID = m.ID
		t.rows[evidenceID] = rowID
	}
	row := artifactModel{
		ID:            uuid.New(),
		EvidenceRowID: rowID,
		Path:          a.Path,
		Name:          a.Name,
		Type:          a.Type,
		Hash:          a.Hash,
		Size:          a.Size,
		MimeType:      a.MimeType,
	}
	return t.db.WithContext(ctx).Create(&row).Error
}

// Ping checks the database connection.
func (l *Ledger) Ping(ctx context.Context) error {
	return db.Ping(ctx, l.pool)
}
