// Package api is the HTTP request layer over the evidence service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"evidenced/services/evidence"
)

// EvidenceService is the part of evidence.Service the handlers need.
type EvidenceService interface {
	Capture(ctx context.Context, req evidence.Request) (*evidence.CaptureResult, error)
	GetOne(ctx context.Context, evidenceID string) (*evidence.Detail, error)
	ListPage(ctx context.Context, skip, take int) (*evidence.Page, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// CaptureRateLimit is the number of captures allowed per client IP per
	// minute. Zero disables limiting.
	CaptureRateLimit int
	// CaptureTimeout bounds one capture request end to end.
	CaptureTimeout time.Duration
	// ReadTimeout bounds list, get and download requests.
	ReadTimeout time.Duration
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
	Ready   []ReadyCheck
	Logger  zerolog.Logger
}

// API wires the evidence service and configuration for HTTP handlers.
type API struct {
	svc    EvidenceService
	config Config
}

// New initialises the API layer with defaults applied to cfg.
func New(svc EvidenceService, cfg Config) (*API, error) {
	if svc == nil {
		return nil, errors.New("evidence service is required")
	}
	if cfg.CaptureRateLimit < 0 {
		return nil, errors.New("capture rate limit must not be negative")
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 3 * time.Minute
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &API{svc: svc, config: cfg}, nil
}
