// Package wire builds the evidence service and its backing clients from a
// loaded configuration. Binaries call Open once at start and Close on exit.
package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"evidenced/pkg/bus"
	"evidenced/pkg/config"
	"evidenced/pkg/db"
	"evidenced/pkg/s3"
	"evidenced/services/evidence"
	"evidenced/services/ledger"
	"evidenced/services/packager"
	"evidenced/services/renderer"
)

// StreamName is the JetStream stream carrying evidence events.
const StreamName = "EVIDENCE"

// Options select the optional parts of the stack.
type Options struct {
	// Name identifies the process on the bus.
	Name string
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
	// Registerer receives the capture metrics; nil skips registration.
	Registerer prometheus.Registerer
}

// Stack is a fully wired evidence service plus the clients it owns.
type Stack struct {
	Config   config.Config
	Pool     *pgxpool.Pool
	ORM      *gorm.DB
	Ledger   *ledger.Ledger
	Store    *s3.Gateway
	Renderer *renderer.Renderer
	Signer   *packager.Signer
	Bus      *bus.Bus
	Service  *evidence.Service

	closers []func()
}

// Open connects to Postgres, S3 and, when configured, NATS, and builds the
// evidence service over them.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*Stack, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	if err := cfg.RequireStorage(); err != nil {
		return nil, err
	}

	st := &Stack{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	st.Pool = pool
	st.closers = append(st.closers, pool.Close)

	if opts.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	if st.ORM, err = db.OpenORM(pool); err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	if st.Ledger, err = ledger.New(st.ORM, pool); err != nil {
		return nil, err
	}

	client, err := s3.NewClient(ctx, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	if st.Store, err = s3.NewGateway(client, cfg.S3.Bucket, cfg.S3.PresignExpires); err != nil {
		return nil, err
	}
	logger.Info().
		Str("endpoint", cfg.S3.Endpoint).
		Str("bucket", st.Store.Bucket()).
		Dur("link_ttl", cfg.S3.PresignExpires).
		Msg("s3 ready")

	st.Renderer = renderer.New(renderer.Config{
		RemoteURL:         cfg.ChromeRemoteURL,
		NavigationTimeout: cfg.Render.NavigationTimeout,
		Logger:            logger.With().Str("component", "renderer").Logger(),
	})
	st.closers = append(st.closers, func() { _ = st.Renderer.Close() })

	if cfg.SigningKey != "" {
		if st.Signer, err = packager.NewSigner(cfg.SigningKey, ""); err != nil {
			return nil, fmt.Errorf("EVIDENCE_SIGNING_KEY: %w", err)
		}
	}

	svcCfg := evidence.Config{
		KeyPrefix:      cfg.S3.RawPrefix,
		RenderTimeout:  cfg.Render.Timeout,
		UploadTimeout:  cfg.UploadTimeout,
		PersistTimeout: cfg.PersistTimeout,
		LinkTimeout:    cfg.LinkTimeout,
		Logger:         logger.With().Str("component", "evidence").Logger(),
		Metrics:        evidence.NewMetrics(opts.Registerer),
	}
	if st.Signer != nil {
		svcCfg.Signer = st.Signer
	}

	if cfg.NATSURL != "" {
		name := opts.Name
		if name == "" {
			name = "evidenced"
		}
		if st.Bus, err = bus.New(cfg.NATSURL, nats.Name(name)); err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		st.closers = append(st.closers, st.Bus.Close)
		if err := st.Bus.EnsureStream(StreamName, "evidence.>"); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		svcCfg.Publisher = st.Bus
	}

	if st.Service, err = evidence.New(svcCfg, st.Renderer, st.Store, st.Ledger); err != nil {
		return nil, err
	}

	ok = true
	return st, nil
}

// Ping checks the database.
func (s *Stack) Ping(ctx context.Context) error {
	if s == nil || s.Ledger == nil {
		return errors.New("stack not open")
	}
	return s.Ledger.Ping(ctx)
}

// Close releases everything Open acquired, newest first.
func (s *Stack) Close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
