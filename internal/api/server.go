package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mss/internal/config"
	"mss/internal/metrics"
	"mss/internal/registry"
	"mss/internal/router"
)

// Deps are what the HTTP layer is built on.
type Deps struct {
	Registry *registry.Registry
	Router   *router.Router
	Watch    Watcher
	Config   *config.Config
	Logger   *zap.Logger
}

type Server struct {
	Registry *registry.Registry
	Router   *router.Router
	Watch    Watcher

	cfg     *config.Config
	log     *zap.Logger
	timeout time.Duration
	limiter *rate.Limiter

	ready     atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a Server. It reports not ready until SetReady(true).
func NewServer(d Deps) *Server {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	watch := d.Watch
	if watch == nil {
		watch = NewHub()
	}
	s := &Server{
		Registry: d.Registry,
		Router:   d.Router,
		Watch:    watch,
		cfg:      cfg,
		log:      log.Named("http"),
		timeout:  cfg.Broker.Timeout,
		closing:  make(chan struct{}),
	}
	if cfg.HTTP.RateRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.RateRPS), cfg.HTTP.RateBurst)
	}
	return s
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/openapi.json", s.OpenAPIJSONHandler)
	r.Get("/docs", s.DocsHandler)
	r.Get("/debug/info", s.DebugJSON)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/subscriptions", s.ListSubscriptionsHandler)
		r.Get("/subscriptions/{id}", s.GetSubscriptionHandler)
		r.Get("/subscriptions/{id}/ws", s.WatchHandler)
		r.Group(func(r chi.Router) {
			r.Use(s.brokerDeadline)
			r.Put("/subscriptions/{id}", s.PutSubscriptionHandler)
			r.Delete("/subscriptions/{id}", s.DeleteSubscriptionHandler)
			r.Post("/messages", s.PostMessageHandler)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" is not supported here", r.URL.Path)
	})
	return r
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Close ends every open watch stream. Hijacked WebSocket connections are
// not covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}
