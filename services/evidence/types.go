package evidence

import (
	"time"

	"evidenced/services/packager"
)

// StatusDone is the only status a persisted record can have.
const StatusDone = "DONE"

// ArtifactTypeFile is the type of every artifact row.
const ArtifactTypeFile = "FILE"

// CapturedSubject is the bus subject announced after a capture commits.
const CapturedSubject = "evidence.captured"

// Request is one capture request.
type Request struct {
	URL  string `json:"url"`
	Note string `json:"note,omitempty"`
}

// Record is the ledger row for one capture.
type Record struct {
	EvidenceID       string
	SourceURL        string
	Note             string
	Title            string
	FinalURL         string
	CapturedAtMillis int64
	Status           string
	PackageKey       string
	PackageHash      string
	PackageSize      int64
	PackageCID       string
	Signature        string
	SigningPublicKey string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Artifacts        []Artifact
}

// Artifact is one file of a package as recorded in the ledger.
type Artifact struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Path     string `json:"path" yaml:"path"`
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Hash     string `json:"hash" yaml:"hash"`
	Size     int64  `json:"size" yaml:"size"`
	MimeType string `json:"mimeType" yaml:"mimeType"`
}

func artifactFromFile(f packager.File) Artifact {
	return Artifact{
		Path:     f.Path,
		Name:     f.Name,
		Type:     ArtifactTypeFile,
		Hash:     f.Hash,
		Size:     f.Size,
		MimeType: f.MimeType,
	}
}

// Summary is one row of a listing.
type Summary struct {
	EvidenceID    string    `json:"evidenceId" yaml:"evidenceId"`
	URL           string    `json:"url" yaml:"url"`
	Title         string    `json:"title,omitempty" yaml:"title,omitempty"`
	Timestamp     int64     `json:"timestamp" yaml:"timestamp"`
	Status        string    `json:"status" yaml:"status"`
	PackageHash   string    `json:"packageHash" yaml:"packageHash"`
	PackageSize   int64     `json:"packageSize" yaml:"packageSize"`
	ArtifactCount int       `json:"artifactCount" yaml:"artifactCount"`
	CreatedAt     time.Time `json:"createdAt" yaml:"createdAt"`
}

// Hashes are the integrity hashes reported for a capture.
type Hashes struct {
	Screenshot string `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	HTML       string `json:"html,omitempty" yaml:"html,omitempty"`
	Zip        string `json:"zip" yaml:"zip"`
}

// PackageInfo locates a package and carries its current access link.
type PackageInfo struct {
	Key              string `json:"key" yaml:"key"`
	DownloadURL      string `json:"downloadUrl,omitempty" yaml:"downloadUrl,omitempty"`
	ExpiresInSeconds int    `json:"expiresInSeconds,omitempty" yaml:"expiresInSeconds,omitempty"`
	Size             int64  `json:"size" yaml:"size"`
	CID              string `json:"cid,omitempty" yaml:"cid,omitempty"`
}

// Signature is the optional signature over the package hash.
type Signature struct {
	Value     string `json:"value" yaml:"value"`
	PublicKey string `json:"publicKey" yaml:"publicKey"`
}

// CaptureResult is returned by Capture.
type CaptureResult struct {
	EvidenceID string      `json:"evidenceId" yaml:"evidenceId"`
	Status     string      `json:"status" yaml:"status"`
	URL        string      `json:"url" yaml:"url"`
	Timestamp  int64       `json:"timestamp" yaml:"timestamp"`
	Hash       Hashes      `json:"hash" yaml:"hash"`
	Package    PackageInfo `json:"package" yaml:"package"`
	Signature  *Signature  `json:"signature,omitempty" yaml:"signature,omitempty"`
	// LinkError is set when the record committed but no link could be issued.
	LinkError string `json:"linkError,omitempty" yaml:"linkError,omitempty"`
}

// Detail is the full view of one record.
type Detail struct {
	EvidenceID string         `json:"evidenceId" yaml:"evidenceId"`
	Status     string         `json:"status" yaml:"status"`
	URL        string         `json:"url" yaml:"url"`
	Note       string         `json:"note,omitempty" yaml:"note,omitempty"`
	Title      string         `json:"title,omitempty" yaml:"title,omitempty"`
	FinalURL   string         `json:"finalUrl,omitempty" yaml:"finalUrl,omitempty"`
	Timestamp  int64          `json:"timestamp" yaml:"timestamp"`
	Hash       Hashes         `json:"hash" yaml:"hash"`
	Package    PackageInfo    `json:"package" yaml:"package"`
	Signature  *Signature     `json:"signature,omitempty" yaml:"signature,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Artifacts  []Artifact     `json:"artifacts" yaml:"artifacts"`
	CreatedAt  time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt" yaml:"updatedAt"`
	LinkError  string         `json:"linkError,omitempty" yaml:"linkError,omitempty"`
}

// Pagination describes the window a Page covers.
type Pagination struct {
	Skip    int  `json:"skip" yaml:"skip"`
	Take    int  `json:"take" yaml:"take"`
	Total   int  `json:"total" yaml:"total"`
	HasMore bool `json:"hasMore" yaml:"hasMore"`
}

// Page is one slice of the listing, newest first.
type Page struct {
	Data       []Summary  `json:"data" yaml:"data"`
	Pagination Pagination `json:"pagination" yaml:"pagination"`
}

// CapturedEvent is published on CapturedSubject.
type CapturedEvent struct {
	EvidenceID  string `json:"evidence_id"`
	URL         string `json:"url"`
	PackageKey  string `json:"package_key"`
	PackageHash string `json:"package_hash"`
	PackageSize int64  `json:"package_size"`
	CapturedAt  int64  `json:"captured_at"`
}

// MessageID keys bus de-duplication on the evidence id.
func (e CapturedEvent) MessageID() string { return e.EvidenceID }
