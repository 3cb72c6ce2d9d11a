// Package verifier re-checks stored evidence packages after capture. It
// consumes evidence.captured events, downloads each package through a fresh
// temporary link and confirms the archive still matches its manifest and its
// ledger record.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"evidenced/pkg/digest"
	"evidenced/services/evidence"
	"evidenced/services/packager"
)

const capturedDurable = "evidence-verifier"

// Result labels for evidence_verifications_total.
const (
	ResultOK          = "ok"
	ResultMismatch    = "mismatch"
	ResultUnavailable = "unavailable"
	ResultMissing     = "missing"
)

// maxPackageBytes bounds a single download.
const maxPackageBytes = 1 << 30

// Source looks up evidence records with a current download link.
type Source interface {
	GetOne(ctx context.Context, evidenceID string) (*evidence.Detail, error)
}

// Subscriber delivers bus messages to a handler. A handler error asks for
// redelivery.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Config tunes a Verifier.
type Config struct {
	HTTPClient *http.Client
	// Signer verifies package signatures; when nil, a record's own public key
	// is used.
	Signer     *packager.Signer
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// Outcome is the result of verifying one evidence record.
type Outcome struct {
	EvidenceID string           `json:"evidenceId" yaml:"evidenceId"`
	Result     string           `json:"result" yaml:"result"`
	Problems   []string         `json:"problems,omitempty" yaml:"problems,omitempty"`
	Report     *packager.Report `json:"report,omitempty" yaml:"report,omitempty"`
	CheckedAt  time.Time        `json:"checkedAt" yaml:"checkedAt"`
}

// Verifier checks packages against the ledger.
type Verifier struct {
	src    Source
	client *http.Client
	signer *packager.Signer
	log    zerolog.Logger
	checks *prometheus.CounterVec

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	subsMu sync.Mutex
	subs   []io.Closer
}

// New creates a Verifier reading records from src.
func New(src Source, cfg Config) (*Verifier, error) {
	if src == nil {
		return nil, errors.New("evidence source is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	v := &Verifier{
		src:    src,
		client: client,
		signer: cfg.Signer,
		log:    cfg.Logger,
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_verifications_total",
			Help: "Package verifications by result.",
		}, []string{"result"}),
		inflight: make(map[string]struct{}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(v.checks); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return v, nil
}

// Start subscribes to capture events and verifies each package as it lands.
func (v *Verifier) Start(ctx context.Context, sub Subscriber) error {
	if v == nil {
		return errors.New("nil verifier")
	}
	if sub == nil {
		return errors.New("subscriber is required")
	}
	closer, err := sub.Subscribe(ctx, evidence.CapturedSubject, capturedDurable, v.handleCaptured)
	if err != nil {
		return err
	}
	v.subsMu.Lock()
	v.subs = append(v.subs, closer)
	v.subsMu.Unlock()
	return nil
}

// Close tears down active subscriptions.
func (v *Verifier) Close() error {
	if v == nil {
		return nil
	}
	v.subsMu.Lock()
	defer v.subsMu.Unlock()

	var firstErr error
	for _, sub := range v.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	v.subs = nil
	return firstErr
}

func (v *Verifier) handleCaptured(ctx context.Context, data []byte) error {
	var evt evidence.CapturedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.EvidenceID == "" {
		return errors.New("evidence_id missing from captured event")
	}
	if evt.PackageHash != "" && !digest.Valid(evt.PackageHash) {
		return fmt.Errorf("malformed package_hash %q in captured event", evt.PackageHash)
	}

	// Redelivery of an event already being checked is acknowledged.
	if !v.begin(evt.EvidenceID) {
		return nil
	}
	defer v.end(evt.EvidenceID)

	out, err := v.Check(ctx, evt.EvidenceID)
	if err != nil {
		return err
	}
	if out.Result == ResultOK && evt.PackageHash != "" && out.Report.PackageHash != evt.PackageHash {
		out.Result = ResultMismatch
		out.Problems = append(out.Problems, fmt.Sprintf("package hash %s differs from announced %s", out.Report.PackageHash, evt.PackageHash))
	}
	v.record(out)
	return nil
}

// Check downloads the package for evidenceID and verifies it. Transport
// failures are returned as errors; integrity failures are reported in the
// Outcome.
func (v *Verifier) Check(ctx context.Context, evidenceID string) (*Outcome, error) {
	out := &Outcome{EvidenceID: evidenceID, CheckedAt: time.Now().UTC()}

	detail, err := v.src.GetOne(ctx, evidenceID)
	if err != nil {
		v.checks.WithLabelValues(ResultUnavailable).Inc()
		return nil, fmt.Errorf("lookup %s: %w", evidenceID, err)
	}
	if detail == nil {
		out.Result = ResultMissing
		out.Problems = []string{"no ledger record"}
		return out, nil
	}

	archive, err := v.download(ctx, detail.Package.DownloadURL)
	if err != nil {
		v.checks.WithLabelValues(ResultUnavailable).Inc()
		return nil, fmt.Errorf("download %s: %w", evidenceID, err)
	}

	report, verr := packager.Verify(archive)
	if report == nil {
		out.Result = ResultMismatch
		out.Problems = []string{verr.Error()}
		return out, nil
	}
	out.Report = report
	out.Problems = append(out.Problems, report.Problems...)
	out.Problems = append(out.Problems, compare(detail, report)...)
	if problem := v.checkSignature(detail); problem != "" {
		out.Problems = append(out.Problems, problem)
	}

	out.Result = ResultOK
	if len(out.Problems) > 0 {
		out.Result = ResultMismatch
	}
	return out, nil
}

func (v *Verifier) download(ctx context.Context, link string) ([]byte, error) {
	if link == "" {
		return nil, errors.New("no download link")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxPackageBytes {
		return nil, errors.New("package exceeds download limit")
	}
	return body, nil
}

func compare(detail *evidence.Detail, report *packager.Report) []string {
	var problems []string
	if detail.Hash.Zip != report.PackageHash {
		problems = append(problems, fmt.Sprintf("package hash %s, ledger has %s", report.PackageHash, detail.Hash.Zip))
	}
	if detail.Package.Size != report.PackageSize {
		problems = append(problems, fmt.Sprintf("package size %d, ledger has %d", report.PackageSize, detail.Package.Size))
	}
	if report.EvidenceID != "" && report.EvidenceID != detail.EvidenceID {
		problems = append(problems, fmt.Sprintf("metadata evidenceId %s, ledger has %s", report.EvidenceID, detail.EvidenceID))
	}
	for _, a := range detail.Artifacts {
		var found bool
		for _, f := range report.Files {
			if f.Path != a.Path {
				continue
			}
			found = true
			if f.ActualHash != a.Hash {
				problems = append(problems, fmt.Sprintf("%s hash %s, ledger has %s", a.Path, f.ActualHash, a.Hash))
			}
		}
		if !found {
			problems = append(problems, fmt.Sprintf("%s missing from manifest", a.Path))
		}
	}
	return problems
}

func (v *Verifier) checkSignature(detail *evidence.Detail) string {
	if detail.Signature == nil || detail.Signature.Value == "" {
		return ""
	}
	signer := v.signer
	if signer == nil {
		var err error
		if signer, err = packager.NewSigner("", detail.Signature.PublicKey); err != nil {
			return "signature key: " + err.Error()
		}
	}
	if err := signer.Verify([]byte(detail.Hash.Zip), detail.Signature.Value, detail.Signature.PublicKey); err != nil {
		return "signature: " + err.Error()
	}
	return ""
}

func (v *Verifier) record(out *Outcome) {
	v.checks.WithLabelValues(out.Result).Inc()
	if out.Result == ResultOK {
		v.log.Info().Str("evidence_id", out.EvidenceID).Str("package_hash", out.Report.PackageHash).Msg("package verified")
		return
	}
	v.log.Error().Str("evidence_id", out.EvidenceID).Str("result", out.Result).Strs("problems", out.Problems).Msg("package verification failed")
}

func (v *Verifier) begin(id string) bool {
	v.inflightMu.Lock()
	defer v.inflightMu.Unlock()
	if _, busy := v.inflight[id]; busy {
		return false
	}
	v.inflight[id] = struct{}{}
	return true
}

func (v *Verifier) end(id string) {
	v.inflightMu.Lock()
	defer v.inflightMu.Unlock()
	delete(v.inflight, id)
}
