// Package renderer drives headless Chrome through Rod to capture one URL as a
// full-page PNG screenshot, the rendered HTML and descriptive metadata.
//
// Every capture runs in its own browser context (a freshly launched Chrome, or
// an incognito context on a remote one) that is torn down on every exit path.
package renderer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"evidenced/pkg/digest"
)

// Viewport is the effective browser window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultViewport is used for the window and whenever the page cannot report its own size.
var DefaultViewport = Viewport{Width: 1920, Height: 1080}

// Metadata describes one capture. Field order is the key order of metadata.json.
type Metadata struct {
	URL            string   `json:"url"`
	Timestamp      int64    `json:"timestamp"`
	UserAgent      string   `json:"userAgent"`
	Viewport       Viewport `json:"viewport"`
	Title          string   `json:"title"`
	FinalURL       string   `json:"finalUrl"`
	ScreenshotHash string   `json:"screenshotHash"`
	HTMLHash       string   `json:"htmlHash"`
}

// Capture is the raw output of a render.
type Capture struct {
	Screenshot []byte
	HTML       string
	Metadata   Metadata
}

// Config tunes the render pipeline. Zero values take the defaults below.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local Chrome per capture.
	RemoteURL string

	NavigationTimeout time.Duration // default 45s
	IdleTimeout       time.Duration // bound on each network-idle wait, default 15s
	NetworkIdle       time.Duration // quiet period that counts as idle, default 500ms
	ScrollStep        int           // pixels, default 800
	ScrollPause       time.Duration // default 150ms
	MaxScrollSteps    int           // default 200
	SettleDelay       time.Duration // default 1s

	Viewport Viewport
	Logger   zerolog.Logger
}

func (c *Config) defaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Second
	}
	if c.NetworkIdle <= 0 {
		c.NetworkIdle = 500 * time.Millisecond
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = 800
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 150 * time.Millisecond
	}
	if c.MaxScrollSteps <= 0 {
		c.MaxScrollSteps = 200
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = DefaultViewport
	}
}

// Renderer captures pages. It is safe for concurrent use; captures share no
// browser state.
type Renderer struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	remote *rod.Browser
	conn   io.Closer // websocket under remote

	released func(*session) // observes each session after teardown
}

// New returns a Renderer with defaults applied to cfg.
func New(cfg Config) *Renderer {
	cfg.defaults()
	return &Renderer{cfg: cfg, now: time.Now}
}

// Render loads rawURL, settles lazy content and captures screenshot, HTML and metadata.
func (r *Renderer) Render(ctx context.Context, rawURL string) (*Capture, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	log := r.cfg.Logger.With().Str("url", rawURL).Logger()
	startedAt := r.now()

	sess, err := r.open(ctx)
	if err != nil {
		return nil, classify(ctx, "open browser", err)
	}
	defer r.release(sess, log)

	finalURL, err := sess.navigate(ctx, rawURL, r.cfg.NavigationTimeout)
	if err != nil {
		return nil, classify(ctx, "navigate", err)
	}
	log.Debug().Str("final_url", finalURL).Msg("renderer: page loaded")

	sess.waitNetworkIdle(ctx, r.cfg.NetworkIdle, r.cfg.IdleTimeout)

	steps, err := sess.scrollThrough(ctx, r.cfg.ScrollStep, r.cfg.ScrollPause, r.cfg.MaxScrollSteps)
	if err != nil {
		return nil, classify(ctx, "scroll", err)
	}
	log.Debug().Int("steps", steps).Msg("renderer: scrolled page")

	sess.waitNetworkIdle(ctx, r.cfg.NetworkIdle, r.cfg.IdleTimeout)
	if err := sleep(ctx, r.cfg.SettleDelay); err != nil {
		return nil, classify(ctx, "settle", err)
	}

	var (
		screenshot []byte
		html       string
		title      string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		screenshot, err = sess.page.Context(gctx).Screenshot(true, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		html, err = sess.page.Context(gctx).HTML()
		if err != nil {
			return fmt.Errorf("html: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := sess.page.Context(gctx).Eval(`() => document.title`)
		if err != nil {
			return fmt.Errorf("title: %w", err)
		}
		title = res.Value.Str()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, classify(ctx, "capture", err)
	}
	if len(screenshot) == 0 {
		return nil, fmt.Errorf("%w: empty screenshot", ErrInternal)
	}

	if current, err := sess.currentURL(ctx); err == nil && current != "" {
		finalURL = current
	}

	meta := Metadata{
		URL:            rawURL,
		Timestamp:      startedAt.UnixMilli(),
		UserAgent:      sess.userAgent(ctx),
		Viewport:       sess.viewport(ctx, r.cfg.Viewport),
		Title:          title,
		FinalURL:       finalURL,
		ScreenshotHash: digest.Hex(screenshot),
		HTMLHash:       digest.HexString(html),
	}

	log.Info().
		Int("screenshot_bytes", len(screenshot)).
		Int("html_bytes", len(html)).
		Dur("elapsed", r.now().Sub(startedAt)).
		Msg("renderer: capture complete")

	return &Capture{Screenshot: screenshot, HTML: html, Metadata: meta}, nil
}

func (r *Renderer) release(s *session, log zerolog.Logger) {
	s.close(log)
	if r.released != nil {
		r.released(s)
	}
}

// Close disconnects from a remote browser, if any. The remote Chrome itself
// keeps running.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnect()
}

// disconnect closes the websocket without sending Browser.close. Callers hold
// r.mu.
func (r *Renderer) disconnect() error {
	conn := r.conn
	r.remote, r.conn = nil, nil
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrNavigation, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrNavigation, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrNavigation)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Renderer) remoteBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote != nil {
		return r.remote, nil
	}
	ws := &cdp.WebSocket{}
	if err := ws.Connect(context.Background(), r.cfg.RemoteURL, nil); err != nil {
		return nil, fmt.Errorf("connect remote: %w", err)
	}
	b := rod.New().Client(cdp.New().Start(ws))
	if err := b.Connect(); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("connect remote: %w", err)
	}
	r.remote, r.conn = b, ws
	return b, nil
}

func (r *Renderer) dropRemote(b *rod.Browser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote == b {
		if err := r.disconnect(); err != nil {
			r.cfg.Logger.Debug().Err(err).Msg("renderer: drop remote connection")
		}
	}
}
