package config

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "trailing slashes", input: "raw///", want: "raw"},
		{name: "leading and nested", input: " /evidence/raw/ ", want: "evidence/raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePrefix(tt.input); got != tt.want {
				t.Fatalf("NormalizePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadWith(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			check: func(t *testing.T, cfg Config) {
				if cfg.Addr != ":8080" {
					t.Fatalf("Addr = %q", cfg.Addr)
				}
				if cfg.S3.PresignExpires != 15*time.Minute {
					t.Fatalf("PresignExpires = %s", cfg.S3.PresignExpires)
				}
				if cfg.Render.NavigationTimeout != 45*time.Second {
					t.Fatalf("NavigationTimeout = %s", cfg.Render.NavigationTimeout)
				}
				if cfg.S3.RawPrefix != "evidence" {
					t.Fatalf("RawPrefix = %q", cfg.S3.RawPrefix)
				}
				if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
					t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
				}
			},
		},
		{
			name: "overrides",
			env: map[string]string{
				"S3_RAW_PREFIX":             "captures/raw/",
				"S3_PRESIGN_EXPIRES":        "90s",
				"RENDER_NAVIGATION_TIMEOUT": "3m",
				"RENDER_TIMEOUT":            "1m",
				"LOG_FORMAT":                "Console",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.S3.RawPrefix != "captures/raw" {
					t.Fatalf("RawPrefix = %q", cfg.S3.RawPrefix)
				}
				if cfg.S3.PresignExpires != 90*time.Second {
					t.Fatalf("PresignExpires = %s", cfg.S3.PresignExpires)
				}
				if cfg.Render.Timeout != 3*time.Minute {
					t.Fatalf("Render.Timeout = %s, want raised to navigation timeout", cfg.Render.Timeout)
				}
				if cfg.LogFormat != "console" {
					t.Fatalf("LogFormat = %q", cfg.LogFormat)
				}
			},
		},
		{
			name:    "presign too long",
			env:     map[string]string{"S3_PRESIGN_EXPIRES": "200h"},
			wantErr: true,
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"UPLOAD_TIMEOUT": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadWith() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			tt.check(t, cfg)
		})
	}
}

func TestRequireStorage(t *testing.T) {
	cfg := Config{S3: S3Config{Endpoint: "localhost:8333", AccessKey: "a", SecretKey: "b"}}
	if err := cfg.RequireStorage(); err == nil {
		t.Fatal("RequireStorage() succeeded without bucket")
	}
	cfg.S3.Bucket = "evidence"
	if err := cfg.RequireStorage(); err != nil {
		t.Fatalf("RequireStorage() error = %v", err)
	}
}
