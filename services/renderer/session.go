package renderer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

// session is one isolated browser context plus the page inside it.
type session struct {
	base     *rod.Browser // remote connection, never closed here
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
}

func (r *Renderer) open(ctx context.Context) (*session, error) {
	s := &session{}

	if r.cfg.RemoteURL != "" {
		base, err := r.remoteBrowser()
		if err != nil {
			return nil, err
		}
		incognito, err := base.Incognito()
		if err != nil {
			// A dead websocket fails here first; reconnect on the next capture.
			r.dropRemote(base)
			return nil, fmt.Errorf("incognito context: %w", err)
		}
		s.base = base
		s.browser = incognito
	} else {
		l := launcher.New().
			Context(ctx).
			Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("hide-scrollbars")
		u, err := l.Launch()
		if err != nil {
			abandon(l)
			return nil, fmt.Errorf("launch: %w", err)
		}
		s.launcher = l

		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			s.close(r.cfg.Logger)
			return nil, fmt.Errorf("connect: %w", err)
		}
		s.browser = b
	}

	page, err := stealth.Page(s.browser)
	if err != nil {
		s.close(r.cfg.Logger)
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.page = page

	vp := r.cfg.Viewport
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		s.close(r.cfg.Logger)
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	return s, nil
}

// close releases the page, the browser context and any launched process. It
// runs on every exit path and only logs failures.
func (s *session) close(log zerolog.Logger) {
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			log.Debug().Err(err).Msg("renderer: close page")
		}
		s.page = nil
	}
	if s.browser != nil {
		// For an incognito context this disposes the context only.
		if err := s.browser.Close(); err != nil {
			log.Debug().Err(err).Msg("renderer: close browser")
		}
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
		s.launcher = nil
	}
}

// abandon releases a launcher whose Launch failed. Cleanup waits for the
// process to exit, so it is only safe once a process was started.
func abandon(l *launcher.Launcher) {
	if l.PID() != 0 {
		l.Kill()
		l.Cleanup()
		return
	}
	_ = os.RemoveAll(l.Get(flags.UserDataDir))
}

func (s *session) navigate(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := s.page.Context(navCtx)
	if err := page.Navigate(rawURL); err != nil {
		return "", err
	}
	if err := page.WaitLoad(); err != nil {
		return "", err
	}

	final, err := s.currentURL(navCtx)
	if err != nil {
		return "", err
	}
	if final == "" {
		return "", errEmptyPage
	}
	if strings.HasPrefix(final, "chrome-error://") {
		return "", &rod.NavigationError{Reason: "chrome error page"}
	}
	return final, nil
}

func (s *session) currentURL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// waitNetworkIdle blocks until no request has been in flight for idle, or
// timeout elapses. Long-lived streams are ignored. Reaching the timeout is not
// an error: idleness is a heuristic.
func (s *session) waitNetworkIdle(ctx context.Context, idle, timeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := s.page.Context(waitCtx).WaitRequestIdle(idle, nil, nil, []proto.NetworkResourceType{
		proto.NetworkResourceTypeWebSocket,
		proto.NetworkResourceTypeEventSource,
	})
	wait()
}

const scrollScript = `(step) => {
	const before = window.scrollY;
	window.scrollBy(0, step);
	return {
		before: before,
		y: window.scrollY,
		viewport: window.innerHeight,
		height: Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)
	};
}`

type scrollPosition struct {
	Before   int
	Y        int
	Viewport int
	Height   int
}

// atEnd reports whether scrolling should stop: the viewport reached the
// document bottom or the last increment did not move.
func (p scrollPosition) atEnd() bool {
	if p.Y+p.Viewport >= p.Height {
		return true
	}
	return p.Y <= p.Before
}

// scrollThrough walks the page top to bottom to trigger lazy loading, then
// returns to the top so the screenshot starts from a canonical state.
func (s *session) scrollThrough(ctx context.Context, step int, pause time.Duration, maxSteps int) (int, error) {
	page := s.page.Context(ctx)
	steps := 0
	for steps < maxSteps {
		res, err := page.Eval(scrollScript, step)
		if err != nil {
			return steps, err
		}
		steps++
		pos := scrollPosition{
			Before:   res.Value.Get("before").Int(),
			Y:        res.Value.Get("y").Int(),
			Viewport: res.Value.Get("viewport").Int(),
			Height:   res.Value.Get("height").Int(),
		}
		if pos.atEnd() {
			break
		}
		if err := sleep(ctx, pause); err != nil {
			return steps, err
		}
	}

	if _, err := page.Eval(`() => window.scrollTo(0, 0)`); err != nil {
		return steps, err
	}
	return steps, nil
}

func (s *session) userAgent(ctx context.Context) string {
	res, err := s.page.Context(ctx).Eval(`() => navigator.userAgent`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func (s *session) viewport(ctx context.Context, fallback Viewport) Viewport {
	res, err := s.page.Context(ctx).Eval(`() => ({ width: window.innerWidth, height: window.innerHeight })`)
	if err != nil {
		return effectiveViewport(Viewport{}, fallback)
	}
	return effectiveViewport(Viewport{
		Width:  res.Value.Get("width").Int(),
		Height: res.Value.Get("height").Int(),
	}, fallback)
}

func effectiveViewport(reported, fallback Viewport) Viewport {
	if reported.Width > 0 && reported.Height > 0 {
		return reported
	}
	if fallback.Width > 0 && fallback.Height > 0 {
		return fallback
	}
	return DefaultViewport
}
