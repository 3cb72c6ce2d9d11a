package evidence

import (
	"context"

	"evidenced/pkg/s3"
	"evidenced/services/renderer"
)

// Renderer captures a page.
type Renderer interface {
	Render(ctx context.Context, url string) (*renderer.Capture, error)
}

// BlobStore holds package bytes and hands out temporary links to them.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	IssueTemporaryLink(ctx context.Context, key string) (s3.Link, error)
}

// Ledger is the relational record of captures.
type Ledger interface {
	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(LedgerTx) error) error
	// FindEvidence returns the record with its artifacts sorted by path, or
	// ErrNotFound.
	FindEvidence(ctx context.Context, evidenceID string) (*Record, error)
	// ListEvidence returns records newest first together with the total count.
	ListEvidence(ctx context.Context, skip, take int) ([]Summary, int, error)
}

// LedgerTx writes inside a Ledger transaction.
type LedgerTx interface {
	CreateEvidence(ctx context.Context, rec *Record) error
	CreateArtifact(ctx context.Context, evidenceID string, a Artifact) error
}

// Publisher announces committed captures.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Signer signs package hashes.
type Signer interface {
	SignHash(packageHash string) (string, error)
	PublicKeyBase64() string
}
