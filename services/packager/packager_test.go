package packager

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"evidenced/pkg/digest"
	"evidenced/services/renderer"
)

var fixedTime = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func sampleInput() Input {
	shot := []byte("\x89PNG\r\n\x1a\nfake-image-bytes")
	html := "<html><head><title>A & B</title></head><body>hi</body></html>"
	return Input{
		Screenshot: shot,
		HTML:       html,
		Metadata: renderer.Metadata{
			URL:            "https://example.com/?a=1&b=<2>",
			Timestamp:      fixedTime.UnixMilli(),
			UserAgent:      "Mozilla/5.0 test",
			Viewport:       renderer.Viewport{Width: 1920, Height: 1080},
			Title:          "A & B",
			FinalURL:       "https://example.com/",
			ScreenshotHash: digest.Hex(shot),
			HTMLHash:       digest.HexString(html),
		},
		EvidenceID: "ev_0b8e2a36-2b7c-4a57-9d53-2a8b0a3f51c4",
		ModTime:    fixedTime,
	}
}

func readArchive(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = body
	}
	return out
}

func TestBuildLayout(t *testing.T) {
	pkg, err := Build(sampleInput())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(pkg.Bytes), int64(len(pkg.Bytes)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 4 {
		t.Fatalf("archive has %d entries, want 4", len(zr.File))
	}
	for i, f := range zr.File {
		if f.Name != Entries[i] {
			t.Fatalf("entry %d = %q, want %q", i, f.Name, Entries[i])
		}
		if f.Method != zip.Deflate {
			t.Fatalf("entry %s method = %d, want deflate", f.Name, f.Method)
		}
		if !f.Modified.Equal(fixedTime) {
			t.Fatalf("entry %s modified = %s, want %s", f.Name, f.Modified, fixedTime)
		}
	}

	if len(pkg.Files) != 4 || pkg.Files[3].Path != ManifestPath {
		t.Fatalf("Files = %+v, want four with manifest last", pkg.Files)
	}
	if len(pkg.Manifest.Files) != 3 {
		t.Fatalf("manifest lists %d files, want 3", len(pkg.Manifest.Files))
	}
	if _, ok := pkg.Manifest.Lookup(ManifestPath); ok {
		t.Fatal("manifest lists itself")
	}

	wantMime := []string{"image/png", "text/html", "application/json", "application/json"}
	contents := readArchive(t, pkg.Bytes)
	for i, f := range pkg.Files {
		body := contents[f.Path]
		if f.Hash != digest.Hex(body) || f.Size != int64(len(body)) {
			t.Fatalf("%s hash/size do not match archive content", f.Path)
		}
		if f.MimeType != wantMime[i] {
			t.Fatalf("%s mime = %q, want %q", f.Path, f.MimeType, wantMime[i])
		}
		if f.Name != f.Path {
			t.Fatalf("%s name = %q", f.Path, f.Name)
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(sampleInput())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	b, err := Build(sampleInput())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !bytes.Equal(a.Bytes, b.Bytes) {
		t.Fatal("identical input produced different archives")
	}

	in := sampleInput()
	in.HTML += " "
	c, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if digest.Hex(c.Bytes) == digest.Hex(a.Bytes) {
		t.Fatal("changed HTML did not change the package hash")
	}
	if c.Files[0].Hash != a.Files[0].Hash {
		t.Fatal("unchanged screenshot hash differs")
	}
}

func TestBuildClampsModTime(t *testing.T) {
	tests := []struct {
		name    string
		modTime time.Time
	}{
		{name: "zero", modTime: time.Time{}},
		{name: "unix epoch", modTime: time.Unix(0, 0)},
		{name: "before 1980", modTime: time.Date(1975, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	// 1980-01-01 encodes as year 0, month 1, day 1.
	const wantDate = 0<<9 | 1<<5 | 1

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			in.ModTime = tt.modTime
			pkg, err := Build(in)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			zr, err := zip.NewReader(bytes.NewReader(pkg.Bytes), int64(len(pkg.Bytes)))
			if err != nil {
				t.Fatalf("open archive: %v", err)
			}
			for _, f := range zr.File {
				if f.ModifiedDate != wantDate || f.ModifiedTime != 0 {
					t.Fatalf("%s dos date/time = %d/%d, want %d/0", f.Name, f.ModifiedDate, f.ModifiedTime, wantDate)
				}
			}
		})
	}
}

func TestMetadataDocument(t *testing.T) {
	pkg, err := Build(sampleInput())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	meta := string(readArchive(t, pkg.Bytes)[MetadataPath])

	if !strings.HasPrefix(meta, "{\n  \"url\": ") {
		t.Fatalf("metadata does not start with url key:\n%s", meta)
	}
	if !strings.HasSuffix(meta, "\"evidenceId\": \"ev_0b8e2a36-2b7c-4a57-9d53-2a8b0a3f51c4\"\n}") {
		t.Fatalf("evidenceId is not the last key:\n%s", meta)
	}
	if !strings.Contains(meta, "A & B") || !strings.Contains(meta, "b=<2>") {
		t.Fatalf("metadata escaped HTML characters:\n%s", meta)
	}
	order := []string{"url", "timestamp", "userAgent", "viewport", "title", "finalUrl", "screenshotHash", "htmlHash", "evidenceId"}
	last := -1
	for _, key := range order {
		idx := strings.Index(meta, "\""+key+"\":")
		if idx <= last {
			t.Fatalf("key %q out of order:\n%s", key, meta)
		}
		last = idx
	}
}

func TestManifestDocument(t *testing.T) {
	pkg, err := Build(sampleInput())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	raw := readArchive(t, pkg.Bytes)[ManifestPath]
	if bytes.HasSuffix(raw, []byte("\n")) {
		t.Fatal("manifest has a trailing newline")
	}
	if !bytes.HasPrefix(raw, []byte("{\n  \"files\": [\n    {\n      \"path\": \"screenshot-full.png\"")) {
		t.Fatalf("unexpected manifest layout:\n%s", raw)
	}
	var decoded Manifest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	for i, f := range decoded.Files {
		if f != pkg.Files[i] {
			t.Fatalf("manifest entry %d = %+v, want %+v", i, f, pkg.Files[i])
		}
	}
	if pkg.Files[3].Hash != digest.Hex(raw) {
		t.Fatal("manifest file hash does not match manifest bytes")
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{name: "empty screenshot", mutate: func(in *Input) { in.Screenshot = nil }},
		{name: "missing id", mutate: func(in *Input) { in.EvidenceID = " " }},
		{name: "nil metadata", mutate: func(in *Input) { in.Metadata = nil }},
		{name: "metadata not an object", mutate: func(in *Input) { in.Metadata = []string{"a"} }},
		{name: "metadata not encodable", mutate: func(in *Input) { in.Metadata = map[string]any{"c": make(chan int)} }},
		{name: "metadata has evidenceId", mutate: func(in *Input) { in.Metadata = map[string]string{"evidenceId": "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			tt.mutate(&in)
			if _, err := Build(in); !errors.Is(err, ErrBuild) {
				t.Fatalf("Build() error = %v, want ErrBuild", err)
			}
		})
	}
}

func TestBuildEmptyMetadataObject(t *testing.T) {
	in := sampleInput()
	in.Metadata = struct{}{}
	pkg, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	meta := readArchive(t, pkg.Bytes)[MetadataPath]
	if string(meta) != "{\n  \"evidenceId\": \""+in.EvidenceID+"\"\n}" {
		t.Fatalf("metadata = %s", meta)
	}
}
