package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Location"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", a.handleReady)

	metrics := a.config.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if a.config.CaptureRateLimit > 0 {
				r.Use(httprate.LimitByIP(a.config.CaptureRateLimit, time.Minute))
			}
			r.Use(middleware.Timeout(a.config.CaptureTimeout))
			r.Post("/capture", a.handleCapture)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.ReadTimeout))
			r.Get("/evidence", a.handleList)
			r.Get("/evidence/{evidenceID}", a.handleGet)
			r.Get("/evidence/{evidenceID}/download", a.handleDownload)
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	for _, check := range a.config.Ready {
		if err := check(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
