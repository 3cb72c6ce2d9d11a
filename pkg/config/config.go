package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration shared by the evidenced binaries.
type Config struct {
	Addr string `env:"ADDR,default=:8080"`

	DBDSN string `env:"DB_DSN"`

	S3 S3Config `env:", prefix=S3_"`

	NATSURL      string `env:"NATS_URL"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Render          RenderConfig `env:", prefix=RENDER_"`
	ChromeRemoteURL string       `env:"CHROME_REMOTE_URL"`

	UploadTimeout  time.Duration `env:"UPLOAD_TIMEOUT,default=60s"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT,default=10s"`
	LinkTimeout    time.Duration `env:"LINK_TIMEOUT,default=5s"`

	SigningKey string `env:"EVIDENCE_SIGNING_KEY"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	CaptureRateLimit int      `env:"CAPTURE_RATE_LIMIT,default=30"`
}

// S3Config configures the package store.
type S3Config struct {
	Endpoint       string        `env:"ENDPOINT"`
	Region         string        `env:"REGION,default=us-east-1"`
	AccessKey      string        `env:"ACCESS_KEY"`
	SecretKey      string        `env:"SECRET_KEY"`
	Bucket         string        `env:"BUCKET"`
	DisableTLS     bool          `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE,default=true"`
	RawPrefix      string        `env:"RAW_PREFIX,default=evidence"`
	PresignExpires time.Duration `env:"PRESIGN_EXPIRES,default=15m"`
}

// RenderConfig configures the headless browser.
type RenderConfig struct {
	NavigationTimeout time.Duration `env:"NAVIGATION_TIMEOUT,default=45s"`
	Timeout           time.Duration `env:"TIMEOUT,default=2m"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from the provided lookuper and normalises it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.S3.RawPrefix = NormalizePrefix(c.S3.RawPrefix)
	if c.S3.PresignExpires <= 0 {
		return fmt.Errorf("invalid S3_PRESIGN_EXPIRES: %s", c.S3.PresignExpires)
	}
	if c.S3.PresignExpires > 7*24*time.Hour {
		return errors.New("S3_PRESIGN_EXPIRES cannot exceed 7 days")
	}
	if c.Render.NavigationTimeout <= 0 {
		return fmt.Errorf("invalid RENDER_NAVIGATION_TIMEOUT: %s", c.Render.NavigationTimeout)
	}
	if c.Render.Timeout < c.Render.NavigationTimeout {
		c.Render.Timeout = c.Render.NavigationTimeout
	}
	if c.CaptureRateLimit < 0 {
		return fmt.Errorf("invalid CAPTURE_RATE_LIMIT: %d", c.CaptureRateLimit)
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	return nil
}

// RequireStorage reports an error when the S3 settings needed to upload are missing.
func (c Config) RequireStorage() error {
	if strings.TrimSpace(c.S3.Endpoint) == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if strings.TrimSpace(c.S3.Bucket) == "" {
		return errors.New("S3_BUCKET is required")
	}
	return nil
}

// RequireDatabase reports an error when no DSN is configured.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DBDSN) == "" {
		return errors.New("DB_DSN is required")
	}
	return nil
}

// NormalizePrefix trims surrounding whitespace and slashes from a key prefix.
func NormalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}
