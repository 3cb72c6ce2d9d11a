// Package evidence runs the capture pipeline (render, package, hash, upload,
// persist, link) and serves read-back of committed records.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evidenced/pkg/digest"
	"evidenced/services/packager"
	"evidenced/services/renderer"
)

// Paging limits for ListPage.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Capture stages, in order. They label spans, metrics and log lines.
const (
	stageRender        = "render"
	stageHashArtifacts = "hash_artifacts"
	stageBuildPackage  = "build_package"
	stageHashPackage   = "hash_package"
	stageUpload        = "upload"
	stagePersist       = "persist"
	stageIssueLink     = "issue_link"
)

const packageContentType = "application/zip"

// Config holds the per-process settings of a Service.
type Config struct {
	// KeyPrefix is the storage prefix; keys are <prefix>/<evidenceId>/package.zip.
	KeyPrefix string

	RenderTimeout  time.Duration // default 2m
	UploadTimeout  time.Duration // default 60s
	PersistTimeout time.Duration // default 10s, also bounds reads
	LinkTimeout    time.Duration // default 5s

	Logger    zerolog.Logger
	Signer    Signer    // optional
	Publisher Publisher // optional
	Metrics   *Metrics  // optional

	Now func() time.Time
}

func (c *Config) defaults() {
	c.KeyPrefix = strings.Trim(strings.TrimSpace(c.KeyPrefix), "/")
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 2 * time.Minute
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 60 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.LinkTimeout <= 0 {
		c.LinkTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service is the evidence orchestrator. It holds no per-capture state and is
// safe for concurrent use.
type Service struct {
	cfg      Config
	renderer Renderer
	store    BlobStore
	ledger   Ledger
	tracer   trace.Tracer
}

// New wires a Service to its collaborators.
func New(cfg Config, r Renderer, store BlobStore, ledger Ledger) (*Service, error) {
	if r == nil {
		return nil, errors.New("renderer is required")
	}
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	cfg.defaults()
	return &Service{
		cfg:      cfg,
		renderer: r,
		store:    store,
		ledger:   ledger,
		tracer:   otel.Tracer("evidenced/services/evidence"),
	}, nil
}

// PackageKey returns the storage key of an evidence package.
func (s *Service) PackageKey(evidenceID string) string {
	if s.cfg.KeyPrefix == "" {
		return evidenceID + "/package.zip"
	}
	return s.cfg.KeyPrefix + "/" + evidenceID + "/package.zip"
}

// Capture renders req.URL and stores the result as a new evidence record.
//
// Every failure before the ledger commit leaves no record. When only link
// issuance fails the record is durable: the result is returned together with
// an error wrapping ErrLinkIssuance.
func (s *Service) Capture(ctx context.Context, req Request) (result *CaptureResult, err error) {
	evidenceID := "ev_" + uuid.NewString()
	capturedAt := s.cfg.Now()
	log := s.cfg.Logger.With().Str("evidence_id", evidenceID).Str("url", req.URL).Logger()

	ctx, span := s.tracer.Start(ctx, "evidence.Capture", trace.WithAttributes(
		attribute.String("evidence.id", evidenceID),
		attribute.String("evidence.url", req.URL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	fail := func(stage string, err error) (*CaptureResult, error) {
		s.cfg.Metrics.outcome(stage + "_error")
		log.Warn().Err(err).Str("stage", stage).Msg("capture failed")
		return nil, err
	}

	var capture *renderer.Capture
	err = s.stage(ctx, stageRender, s.cfg.RenderTimeout, func(ctx context.Context) error {
		var rerr error
		capture, rerr = s.renderer.Render(ctx, req.URL)
		return rerr
	})
	if err != nil {
		return fail(stageRender, renderError(err))
	}

	screenshotHash := digest.Hex(capture.Screenshot)
	htmlHash := digest.HexString(capture.HTML)
	err = s.stage(ctx, stageHashArtifacts, 0, func(context.Context) error {
		if len(capture.Screenshot) == 0 {
			return fmt.Errorf("%w: renderer returned no screenshot", ErrRenderInternal)
		}
		if capture.Metadata.ScreenshotHash != screenshotHash || capture.Metadata.HTMLHash != htmlHash {
			return fmt.Errorf("%w: reported artifact hashes do not match content", ErrRenderInternal)
		}
		return nil
	})
	if err != nil {
		return fail(stageHashArtifacts, err)
	}

	meta := capture.Metadata
	meta.Timestamp = capturedAt.UnixMilli()

	var (
		pkg         *packager.Package
		metadataMap map[string]any
	)
	err = s.stage(ctx, stageBuildPackage, 0, func(context.Context) error {
		var berr error
		pkg, berr = packager.Build(packager.Input{
			Screenshot: capture.Screenshot,
			HTML:       capture.HTML,
			Metadata:   meta,
			EvidenceID: evidenceID,
			ModTime:    capturedAt,
		})
		if berr != nil {
			return berr
		}
		metadataMap, berr = toMap(meta, evidenceID)
		if berr != nil {
			return fmt.Errorf("%w: metadata record: %w", ErrPackageBuild, berr)
		}
		return nil
	})
	if err != nil {
		return fail(stageBuildPackage, asPackageError(err))
	}

	var (
		packageHash string
		packageCID  string
		signature   *Signature
	)
	err = s.stage(ctx, stageHashPackage, 0, func(context.Context) error {
		packageHash = digest.Hex(pkg.Bytes)
		var herr error
		packageCID, herr = digest.CID(pkg.Bytes)
		if herr != nil {
			return fmt.Errorf("%w: package cid: %w", ErrPackageBuild, herr)
		}
		if s.cfg.Signer != nil {
			sig, serr := s.cfg.Signer.SignHash(packageHash)
			if serr != nil {
				return fmt.Errorf("%w: sign package: %w", ErrPackageBuild, serr)
			}
			signature = &Signature{Value: sig, PublicKey: s.cfg.Signer.PublicKeyBase64()}
		}
		return nil
	})
	if err != nil {
		return fail(stageHashPackage, err)
	}
	s.cfg.Metrics.packageSize(len(pkg.Bytes))

	key := s.PackageKey(evidenceID)
	log = log.With().Str("key", key).Logger()

	err = s.stage(ctx, stageUpload, s.cfg.UploadTimeout, func(ctx context.Context) error {
		if uerr := s.store.Put(ctx, key, pkg.Bytes, packageContentType); uerr != nil {
			return fmt.Errorf("%w: put %s: %w", ErrStorage, key, uerr)
		}
		return nil
	})
	if err != nil {
		return fail(stageUpload, err)
	}

	rec := &Record{
		EvidenceID:       evidenceID,
		SourceURL:        req.URL,
		Note:             req.Note,
		Title:            meta.Title,
		FinalURL:         meta.FinalURL,
		CapturedAtMillis: capturedAt.UnixMilli(),
		Status:           StatusDone,
		PackageKey:       key,
		PackageHash:      packageHash,
		PackageSize:      int64(len(pkg.Bytes)),
		PackageCID:       packageCID,
		Metadata:         metadataMap,
	}
	if signature != nil {
		rec.Signature = signature.Value
		rec.SigningPublicKey = signature.PublicKey
	}

	err = s.stage(ctx, stagePersist, s.cfg.PersistTimeout, func(ctx context.Context) error {
		perr := s.ledger.InTx(ctx, func(tx LedgerTx) error {
			if err := tx.CreateEvidence(ctx, rec); err != nil {
				return fmt.Errorf("create evidence: %w", err)
			}
			for _, f := range pkg.Files {
				if err := tx.CreateArtifact(ctx, evidenceID, artifactFromFile(f)); err != nil {
					return fmt.Errorf("create artifact %s: %w", f.Path, err)
				}
			}
			return nil
		})
		if perr != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, perr)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("package uploaded but not recorded; orphaned blob left in store")
		return fail(stagePersist, err)
	}

	result = &CaptureResult{
		EvidenceID: evidenceID,
		Status:     StatusDone,
		URL:        req.URL,
		Timestamp:  rec.CapturedAtMillis,
		Hash: Hashes{
			Screenshot: screenshotHash,
			HTML:       htmlHash,
			Zip:        packageHash,
		},
		Package: PackageInfo{
			Key:  key,
			Size: rec.PackageSize,
			CID:  packageCID,
		},
		Signature: signature,
	}

	linkErr := s.stage(ctx, stageIssueLink, s.cfg.LinkTimeout, func(ctx context.Context) error {
		link, lerr := s.store.IssueTemporaryLink(ctx, key)
		if lerr != nil {
			return fmt.Errorf("%w: %s: %w", ErrLinkIssuance, key, lerr)
		}
		result.Package.DownloadURL = link.URL
		result.Package.ExpiresInSeconds = link.ExpiresInSeconds
		return nil
	})

	s.announce(ctx, log, rec)

	if linkErr != nil {
		result.LinkError = linkErr.Error()
		s.cfg.Metrics.outcome("link_error")
		log.Warn().Err(linkErr).Msg("capture recorded without download link")
		return result, linkErr
	}

	s.cfg.Metrics.outcome("done")
	log.Info().
		Str("package_hash", packageHash).
		Int64("package_size", rec.PackageSize).
		Msg("capture complete")
	return result, nil
}

// GetOne returns the record for evidenceID with a fresh download link, or nil
// when no such record exists. A link failure still returns the detail,
// together with an error wrapping ErrLinkIssuance.
func (s *Service) GetOne(ctx context.Context, evidenceID string) (*Detail, error) {
	ctx, span := s.tracer.Start(ctx, "evidence.GetOne", trace.WithAttributes(attribute.String("evidence.id", evidenceID)))
	defer span.End()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	rec, err := s.ledger.FindEvidence(readCtx, evidenceID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: find %s: %w", ErrPersistence, evidenceID, err)
	}

	detail := toDetail(rec)

	linkCtx, cancel := context.WithTimeout(ctx, s.cfg.LinkTimeout)
	defer cancel()
	link, err := s.store.IssueTemporaryLink(linkCtx, rec.PackageKey)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrLinkIssuance, rec.PackageKey, err)
		span.RecordError(err)
		detail.LinkError = err.Error()
		return detail, err
	}
	detail.Package.DownloadURL = link.URL
	detail.Package.ExpiresInSeconds = link.ExpiresInSeconds
	return detail, nil
}

// ListPage returns records newest first. A non-positive take means
// DefaultPageSize; take is capped at MaxPageSize.
func (s *Service) ListPage(ctx context.Context, skip, take int) (*Page, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = DefaultPageSize
	}
	if take > MaxPageSize {
		take = MaxPageSize
	}

	ctx, span := s.tracer.Start(ctx, "evidence.ListPage", trace.WithAttributes(
		attribute.Int("page.skip", skip),
		attribute.Int("page.take", take),
	))
	defer span.End()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	items, total, err := s.ledger.ListEvidence(readCtx, skip, take)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: list: %w", ErrPersistence, err)
	}
	if items == nil {
		items = []Summary{}
	}
	return &Page{
		Data: items,
		Pagination: Pagination{
			Skip:    skip,
			Take:    take,
			Total:   total,
			HasMore: skip+take < total,
		},
	}, nil
}

func (s *Service) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "evidence."+name)
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := time.Now()
	err := fn(ctx)
	s.cfg.Metrics.observeStage(name, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// announce publishes the captured event. Delivery is best effort: the record
// is already committed.
func (s *Service) announce(ctx context.Context, log zerolog.Logger, rec *Record) {
	if s.cfg.Publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LinkTimeout)
	defer cancel()
	evt := CapturedEvent{
		EvidenceID:  rec.EvidenceID,
		URL:         rec.SourceURL,
		PackageKey:  rec.PackageKey,
		PackageHash: rec.PackageHash,
		PackageSize: rec.PackageSize,
		CapturedAt:  rec.CapturedAtMillis,
	}
	if err := s.cfg.Publisher.Publish(pubCtx, CapturedSubject, evt); err != nil {
		log.Warn().Err(err).Msg("publish captured event")
	}
}

func renderError(err error) error {
	switch {
	case errors.Is(err, ErrRenderTimeout), errors.Is(err, ErrRenderNavigation), errors.Is(err, ErrRenderInternal):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrRenderTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrRenderInternal, err)
	}
}

func asPackageError(err error) error {
	if errors.Is(err, ErrPackageBuild) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPackageBuild, err)
}

// toMap is the jsonb form of the metadata document.
func toMap(meta renderer.Metadata, evidenceID string) (map[string]any, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	out["evidenceId"] = evidenceID
	return out, nil
}

func toDetail(rec *Record) *Detail {
	d := &Detail{
		EvidenceID: rec.EvidenceID,
		Status:     rec.Status,
		URL:        rec.SourceURL,
		Note:       rec.Note,
		Title:      rec.Title,
		FinalURL:   rec.FinalURL,
		Timestamp:  rec.CapturedAtMillis,
		Hash:       Hashes{Zip: rec.PackageHash},
		Package: PackageInfo{
			Key:  rec.PackageKey,
			Size: rec.PackageSize,
			CID:  rec.PackageCID,
		},
		Metadata:  rec.Metadata,
		Artifacts: append([]Artifact{}, rec.Artifacts...),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, a := range rec.Artifacts {
		switch a.Path {
		case packager.ScreenshotPath:
			d.Hash.Screenshot = a.Hash
		case packager.HTMLPath:
			d.Hash.HTML = a.Hash
		}
	}
	if rec.Signature != "" {
		d.Signature = &Signature{Value: rec.Signature, PublicKey: rec.SigningPublicKey}
	}
	return d
}
