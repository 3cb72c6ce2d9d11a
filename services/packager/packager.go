// Package packager assembles capture artifacts into the immutable evidence
// ZIP, verifies existing packages and signs package hashes.
package packager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"evidenced/pkg/digest"
)

// ErrBuild wraps every failure to assemble a package.
var ErrBuild = errors.New("package build error")

// Input is everything that goes into one package.
type Input struct {
	Screenshot []byte
	HTML       string
	// Metadata must encode to a JSON object; its key order is preserved.
	Metadata   any
	EvidenceID string
	// ModTime stamps every entry so identical input yields identical bytes.
	ModTime time.Time
}

// Package is a built archive plus the description of its contents.
type Package struct {
	Bytes []byte
	// Files holds the four entries in archive order; the manifest is last.
	Files    []File
	Manifest Manifest
}

// Build assembles the package. It performs no I/O beyond memory.
func Build(in Input) (*Package, error) {
	if len(in.Screenshot) == 0 {
		return nil, fmt.Errorf("%w: screenshot is empty", ErrBuild)
	}
	if strings.TrimSpace(in.EvidenceID) == "" {
		return nil, fmt.Errorf("%w: evidence id is required", ErrBuild)
	}
	if in.Metadata == nil {
		return nil, fmt.Errorf("%w: metadata is required", ErrBuild)
	}

	metadata, err := metadataDocument(in.Metadata, in.EvidenceID)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %w", ErrBuild, err)
	}

	html := []byte(in.HTML)
	contents := [][]byte{in.Screenshot, html, metadata}
	files := []File{
		describe(ScreenshotPath, "image/png", in.Screenshot),
		describe(HTMLPath, "text/html", html),
		describe(MetadataPath, "application/json", metadata),
	}

	manifest := Manifest{Files: append([]File(nil), files...)}
	manifestBytes, err := canonicalJSON(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: encode manifest: %w", ErrBuild, err)
	}
	files = append(files, describe(ManifestPath, "application/json", manifestBytes))
	contents = append(contents, manifestBytes)

	archive, err := writeZip(files, contents, in.ModTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	return &Package{Bytes: archive, Files: files, Manifest: manifest}, nil
}

func describe(path, mimeType string, body []byte) File {
	return File{
		Path:     path,
		Name:     path,
		Hash:     digest.Hex(body),
		Size:     int64(len(body)),
		MimeType: mimeType,
	}
}

// dosEpoch is the earliest time the MS-DOS date fields in a zip header hold.
var dosEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

func writeZip(files []File, contents [][]byte, modTime time.Time) ([]byte, error) {
	if modTime.Before(dosEpoch) {
		modTime = dosEpoch
	}
	modTime = modTime.UTC().Truncate(time.Second)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	for i, f := range files {
		header := &zip.FileHeader{
			Name:     f.Path,
			Method:   zip.Deflate,
			Modified: modTime,
		}
		header.SetMode(0o644)
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("create entry %s: %w", f.Path, err)
		}
		if _, err := w.Write(contents[i]); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
