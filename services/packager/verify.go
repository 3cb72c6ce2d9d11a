package packager

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"evidenced/pkg/digest"
)

// ErrCorrupt is returned when an archive does not hold up to its own manifest.
var ErrCorrupt = errors.New("package corrupt")

// maxEntrySize bounds how much of a single entry Verify will inflate.
const maxEntrySize = 512 << 20

// FileCheck is the outcome for one manifest entry.
type FileCheck struct {
	File       `yaml:",inline"`
	ActualHash string `json:"actualHash" yaml:"actualHash"`
	ActualSize int64  `json:"actualSize" yaml:"actualSize"`
	OK         bool   `json:"ok" yaml:"ok"`
}

// Report summarizes a verification.
type Report struct {
	PackageHash  string      `json:"packageHash" yaml:"packageHash"`
	PackageSize  int64       `json:"packageSize" yaml:"packageSize"`
	ManifestHash string      `json:"manifestHash" yaml:"manifestHash"`
	EvidenceID   string      `json:"evidenceId,omitempty" yaml:"evidenceId,omitempty"`
	SourceURL    string      `json:"url,omitempty" yaml:"url,omitempty"`
	Files        []FileCheck `json:"files" yaml:"files"`
	Problems     []string    `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// OK reports whether the archive passed every check.
func (r *Report) OK() bool {
	return r != nil && len(r.Problems) == 0
}

func (r *Report) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify re-reads an archive produced by Build and recomputes every listed
// hash and size. A readable archive always yields a report; the error wraps
// ErrCorrupt when any check failed.
func Verify(archive []byte) (*Report, error) {
	report := &Report{
		PackageHash: digest.Hex(archive),
		PackageSize: int64(len(archive)),
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %w", ErrCorrupt, err)
	}

	if len(zr.File) != len(Entries) {
		report.problem("archive has %d entries, want %d", len(zr.File), len(Entries))
	}
	contents := make(map[string][]byte, len(zr.File))
	for i, f := range zr.File {
		if i < len(Entries) && f.Name != Entries[i] {
			report.problem("entry %d is %q, want %q", i, f.Name, Entries[i])
		}
		body, err := readEntry(f)
		if err != nil {
			report.problem("read %s: %v", f.Name, err)
			continue
		}
		contents[f.Name] = body
	}

	manifestBytes, ok := contents[ManifestPath]
	if !ok {
		report.problem("missing %s", ManifestPath)
		return report, fmt.Errorf("%w: %s", ErrCorrupt, report.Problems[0])
	}
	report.ManifestHash = digest.Hex(manifestBytes)

	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		report.problem("decode manifest: %v", err)
		return report, fmt.Errorf("%w: decode manifest: %w", ErrCorrupt, err)
	}
	if len(manifest.Files) != len(Entries)-1 {
		report.problem("manifest lists %d files, want %d", len(manifest.Files), len(Entries)-1)
	}
	if _, self := manifest.Lookup(ManifestPath); self {
		report.problem("manifest lists itself")
	}

	for i, f := range manifest.Files {
		if i < len(Entries)-1 && f.Path != Entries[i] {
			report.problem("manifest entry %d is %q, want %q", i, f.Path, Entries[i])
		}
		check := FileCheck{File: f}
		body, ok := contents[f.Path]
		if !ok {
			report.problem("%s listed but not in archive", f.Path)
			report.Files = append(report.Files, check)
			continue
		}
		check.ActualHash = digest.Hex(body)
		check.ActualSize = int64(len(body))
		check.OK = check.ActualHash == f.Hash && check.ActualSize == f.Size
		if !check.OK {
			report.problem("%s does not match its manifest entry", f.Path)
		}
		report.Files = append(report.Files, check)
	}

	if meta, ok := contents[MetadataPath]; ok {
		var head struct {
			EvidenceID string `json:"evidenceId"`
			URL        string `json:"url"`
		}
		if err := json.Unmarshal(meta, &head); err != nil {
			report.problem("decode metadata: %v", err)
		}
		report.EvidenceID = head.EvidenceID
		report.SourceURL = head.URL
	}

	if !report.OK() {
		return report, fmt.Errorf("%w: %d problem(s), first: %s", ErrCorrupt, len(report.Problems), report.Problems[0])
	}
	return report, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxEntrySize {
		return nil, errors.New("entry too large")
	}
	return body, nil
}
