package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const defaultMaxBodyBytes = 1 << 20

// Server is the HTTP front end: session intake plus read-only views over
// profiles, session logs, alerts and triggers.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router. metricsPath mounts the Prometheus handler
// when non-empty.
func NewServer(cfg domain.ServerConfig, deps Deps, metricsPath string) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/", handler.Hello)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metricsPath != "" {
		router.Handle(metricsPath, metrics.Handler())
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	router.Route("/api", func(r chi.Router) {
		// session intake
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequestSize(maxBody))
			r.Post("/collect_behavior", handler.CollectBehavior)
			r.Post("/sessions/async", handler.SubmitAsync)
		})

		r.Get("/profiles/{userId}", handler.GetProfile)
		r.Get("/users/{userId}/sessions", handler.ListSessions)
		r.Get("/users/{userId}/alerts", handler.ListAlerts)

		r.Get("/triggers", handler.ListTriggers)
		r.Post("/triggers/validate", handler.ValidateTrigger)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
