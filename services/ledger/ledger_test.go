package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"evidenced/pkg/db"
	"evidenced/services/evidence"
)

func TestModelRoundTrip(t *testing.T) {
	rec := &evidence.Record{
		EvidenceID:       "ev_" + uuid.NewString(),
		SourceURL:        "https://example.com",
		Note:             "n",
		Title:            "Example",
		FinalURL:         "https://example.com/",
		CapturedAtMillis: 1714566600000,
		Status:           evidence.StatusDone,
		PackageKey:       "evidence/x/package.zip",
		PackageHash:      strings.Repeat("a", 64),
		PackageSize:      1234,
		PackageCID:       "bafkreiexample",
		Metadata:         map[string]any{"title": "Example"},
	}
	m := newEvidenceModel(rec)
	if m.ID == uuid.Nil {
		t.Fatal("row id not generated")
	}
	m.Artifacts = []artifactModel{{ID: uuid.New(), Path: "page.html", Name: "page.html", Type: "FILE", Size: 3}}

	got := m.toRecord()
	if got.EvidenceID != rec.EvidenceID || got.SourceURL != rec.SourceURL || got.PackageCID != rec.PackageCID {
		t.Fatalf("toRecord() = %+v", got)
	}
	if got.Metadata["title"] != "Example" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Path != "page.html" || got.Artifacts[0].ID == "" {
		t.Fatalf("artifacts = %+v", got.Artifacts)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("New(nil, nil) succeeded")
	}
}

// Integration tests below need a disposable Postgres in EVIDENCE_TEST_DSN.

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := os.Getenv("EVIDENCE_TEST_DSN")
	if dsn == "" {
		t.Skip("set EVIDENCE_TEST_DSN to run ledger integration tests")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("db.Migrate() error = %v", err)
	}
	if _, err := db.Exec(ctx, pool, "TRUNCATE evidence_artifacts, evidence"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		t.Fatalf("db.OpenORM() error = %v", err)
	}
	l, err := New(orm, pool)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func sampleRecord(i int) (*evidence.Record, []evidence.Artifact) {
	id := "ev_" + uuid.NewString()
	rec := &evidence.Record{
		EvidenceID:       id,
		SourceURL:        fmt.Sprintf("https://example.com/%d", i),
		CapturedAtMillis: time.Now().UnixMilli(),
		Status:           evidence.StatusDone,
		PackageKey:       "evidence/" + id + "/package.zip",
		PackageHash:      strings.Repeat("b", 64),
		PackageSize:      2048,
		Metadata:         map[string]any{"evidenceId": id},
	}
	var artifacts []evidence.Artifact
	for _, p := range []string{"screenshot-full.png", "page.html", "metadata.json", "manifest.json"} {
		artifacts = append(artifacts, evidence.Artifact{
			Path: p, Name: p, Type: evidence.ArtifactTypeFile,
			Hash: strings.Repeat("c", 64), Size: 10, MimeType: "application/octet-stream",
		})
	}
	return rec, artifacts
}

func insert(t *testing.T, l *Ledger, rec *evidence.Record, artifacts []evidence.Artifact) error {
	t.Helper()
	return l.InTx(context.Background(), func(tx evidence.LedgerTx) error {
		if err := tx.CreateEvidence(context.Background(), rec); err != nil {
			return err
		}
		for _, a := range artifacts {
			if err := tx.CreateArtifact(context.Background(), rec.EvidenceID, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestLedgerFindAndList(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 25; i++ {
		rec, artifacts := sampleRecord(i)
		if err := insert(t, l, rec, artifacts); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, rec.EvidenceID)
	}

	got, err := l.FindEvidence(ctx, ids[0])
	if err != nil {
		t.Fatalf("FindEvidence() error = %v", err)
	}
	if len(got.Artifacts) != 4 {
		t.Fatalf("artifacts = %d, want 4", len(got.Artifacts))
	}
	for i := 1; i < len(got.Artifacts); i++ {
		if got.Artifacts[i-1].Path > got.Artifacts[i].Path {
			t.Fatal("artifacts not ordered by path")
		}
	}

	page, total, err := l.ListEvidence(ctx, 0, 20)
	if err != nil {
		t.Fatalf("ListEvidence() error = %v", err)
	}
	if total != 25 || len(page) != 20 {
		t.Fatalf("page = %d, total = %d", len(page), total)
	}
	if page[0].EvidenceID != ids[24] || page[0].ArtifactCount != 4 {
		t.Fatalf("first item = %+v, want newest", page[0])
	}
	rest, _, err := l.ListEvidence(ctx, 20, 20)
	if err != nil {
		t.Fatalf("ListEvidence() error = %v", err)
	}
	if len(rest) != 5 {
		t.Fatalf("second page = %d, want 5", len(rest))
	}
}

func TestLedgerUnknownID(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.FindEvidence(context.Background(), "ev_00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, evidence.ErrNotFound) {
		t.Fatalf("FindEvidence() error = %v, want ErrNotFound", err)
	}
}

func TestLedgerTransactionRollsBack(t *testing.T) {
	l := openTestLedger(t)
	rec, artifacts := sampleRecord(0)
	// Duplicate path violates the per-evidence unique index.
	artifacts = append(artifacts, artifacts[0])
	if err := insert(t, l, rec, artifacts); err == nil {
		t.Fatal("insert with duplicate artifact path succeeded")
	}
	if _, err := l.FindEvidence(context.Background(), rec.EvidenceID); !errors.Is(err, evidence.ErrNotFound) {
		t.Fatalf("record survived rollback: %v", err)
	}
}
