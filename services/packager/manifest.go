package packager

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Fixed entry names, in archive order.
const (
	ScreenshotPath = "screenshot-full.png"
	HTMLPath       = "page.html"
	MetadataPath   = "metadata.json"
	ManifestPath   = "manifest.json"
)

// Entries lists the archive entries in the only accepted order.
var Entries = []string{ScreenshotPath, HTMLPath, MetadataPath, ManifestPath}

// File describes one artifact inside a package.
type File struct {
	Path     string `json:"path" yaml:"path"`
	Name     string `json:"name" yaml:"name"`
	Hash     string `json:"hash" yaml:"hash"`
	Size     int64  `json:"size" yaml:"size"`
	MimeType string `json:"mimeType" yaml:"mimeType"`
}

// Manifest lists every artifact of a package except itself, in capture order.
type Manifest struct {
	Files []File `json:"files"`
}

// Lookup returns the manifest entry for path.
func (m Manifest) Lookup(path string) (File, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return File{}, false
}

// canonicalJSON encodes v with two-space indentation, no HTML escaping and no
// trailing newline. Key order follows struct field order.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func compactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// metadataDocument renders meta as a JSON object with evidenceId appended as
// the last key, keeping the key order meta already has.
func metadataDocument(meta any, evidenceID string) ([]byte, error) {
	body, err := compactJSON(meta)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return nil, errors.New("metadata must encode to a JSON object")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, err
	}
	if _, ok := keys["evidenceId"]; ok {
		return nil, errors.New("metadata already carries evidenceId")
	}

	id, err := compactJSON(evidenceID)
	if err != nil {
		return nil, err
	}

	joined := make([]byte, 0, len(body)+len(id)+16)
	joined = append(joined, body[:len(body)-1]...)
	if len(keys) > 0 {
		joined = append(joined, ',')
	}
	joined = append(joined, `"evidenceId":`...)
	joined = append(joined, id...)
	joined = append(joined, '}')

	var out bytes.Buffer
	if err := json.Indent(&out, joined, "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
