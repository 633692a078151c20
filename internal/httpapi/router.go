// Package httpapi exposes the revalidation and warming control plane over
// HTTP and hands every other path to the caching proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"revalidator/internal/cache"
	"revalidator/internal/config"
	"revalidator/internal/logging"
	"revalidator/internal/metrics"
	"revalidator/internal/ratelimit"
	"revalidator/internal/revalidate"
	"revalidator/internal/warming"
	"revalidator/internal/webhook"
)

// Warmer is the part of warming.Engine the API drives.
type Warmer interface {
	Run(ctx context.Context, mode warming.Mode) (warming.SessionResult, error)
	Targets() []warming.Target
}

// CacheStats reports proxy cache occupancy for the health endpoint.
type CacheStats interface {
	Stats() cache.Stats
}

// Deps are the collaborators behind the routes. Proxy, Cache, Warmer,
// Scheduler and Queue may be nil; the routes depending on them degrade.
type Deps struct {
	Config      config.Config
	Coordinator revalidate.Executor
	Queue       *revalidate.Queue
	Log         *revalidate.ActivityLog
	Limiter     *ratelimit.Limiter
	Webhooks    *webhook.Registry
	Warmer      Warmer
	Scheduler   *warming.Scheduler
	Proxy       http.Handler
	Cache       CacheStats
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Handler struct {
	Deps
	logger    *slog.Logger
	sigLog    *logging.RateLimited
	startedAt time.Time
	now       func() time.Time
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		Deps:      d,
		logger:    logger,
		sigLog:    logging.NewRateLimited(logger, 10*time.Second),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// NewRouter mounts the API under /api, operational endpoints at the root,
// and the proxy for everything else.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(h.logger))
	r.Use(loggingMiddleware(h.logger))

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/revalidate", h.revalidate)
		r.Get("/revalidate", h.introspect)
		r.Head("/revalidate", h.headOK)
		r.Delete("/revalidate", h.resetLogs)

		r.Post("/warm", h.warm)
		r.Get("/warm", h.warmStatus)
	})

	if h.Proxy != nil {
		r.NotFound(h.Proxy.ServeHTTP)
		r.MethodNotAllowed(h.Proxy.ServeHTTP)
	}
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// headOK answers provider callback URL checks (Trello issues HEAD before
// registering a webhook).
func (h *Handler) headOK(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
