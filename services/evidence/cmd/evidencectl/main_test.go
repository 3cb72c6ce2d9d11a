package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evidenced/services/packager"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writePackage(t *testing.T) (string, []byte) {
	t.Helper()
	pkg, err := packager.Build(packager.Input{
		Screenshot: []byte("\x89PNG\r\n\x1a\ncli"),
		HTML:       "<html></html>",
		Metadata:   map[string]any{"url": "https://example.com/"},
		EvidenceID: "ev_0b8e2a36-2b7c-4a57-9d53-2a8b0a3f51c4",
		ModTime:    time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	path := filepath.Join(t.TempDir(), "package.zip")
	if err := os.WriteFile(path, pkg.Bytes, 0o600); err != nil {
		t.Fatalf("write package: %v", err)
	}
	return path, pkg.Bytes
}

func TestVerifyFile(t *testing.T) {
	path, _ := writePackage(t)

	out, err := run(t, "verify", path)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "result    verified") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	out, err = run(t, "verify", "-o", "json", path)
	if err != nil {
		t.Fatalf("verify json: %v", err)
	}
	var rep packager.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.EvidenceID == "" || len(rep.Files) != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestVerifyTruncatedFile(t *testing.T) {
	path, archive := writePackage(t)
	if err := os.WriteFile(path, archive[:len(archive)-10], 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := run(t, "verify", path); err == nil {
		t.Fatalf("expected truncated package to fail")
	}
}

func TestVerifyArgs(t *testing.T) {
	if _, err := run(t, "verify"); err == nil {
		t.Fatalf("expected error without file or id")
	}
	if _, err := run(t, "verify", "--id", "ev_x", "file.zip"); err == nil {
		t.Fatalf("expected error with both file and id")
	}
	if _, err := run(t, "verify", filepath.Join(t.TempDir(), "missing.zip")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.HasPrefix(out, "EVIDENCE_SIGNING_KEY=AGE-SECRET-KEY-1") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = run(t, "keygen", "-o", "yaml")
	if err != nil {
		t.Fatalf("keygen yaml: %v", err)
	}
	if !strings.Contains(out, "secretKey: AGE-SECRET-KEY-1") || !strings.Contains(out, "publicKey:") {
		t.Fatalf("unexpected yaml %q", out)
	}
}
