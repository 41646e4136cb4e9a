package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the optional infrastructure backends probed by /ready. Bus is
// also required by POST /ingest.
type Deps struct {
	Repo  domain.FlagRepository
	Cache domain.Cache
	Bus   domain.EventBus
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, eng *engine.Engine, deps Deps, version string) *Server {
	handler := NewHandler(eng, deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/entities/{id}", func(r chi.Router) {
		// Signal submission
		r.Post("/events", handler.SubmitEvent)
		r.Post("/transactions", handler.SubmitTransaction)
		r.Post("/behavior", handler.SubmitBehavior)
		r.Post("/analyze", handler.AnalyzeUser)

		r.Get("/risk", handler.RiskHistory)
		r.Delete("/data", handler.ClearUserData)

		// Flags and blocks
		r.Get("/flags", handler.EntityFlags)
		r.Post("/flags", handler.CreateManualFlag)
		r.Get("/blocked", handler.IsBlocked)
		r.Delete("/block", handler.RemoveBlock)
	})

	router.Route("/flags", func(r chi.Router) {
		r.Get("/recent", handler.RecentFlags)
		r.Get("/blocks", handler.ActiveBlocks)
		r.Get("/action/{action}", handler.FlagsByAction)
		r.Post("/sweep", handler.SweepExpired)
		r.Get("/{id}", handler.GetFlag)
	})

	router.Get("/stats", handler.Statistics)
	router.Put("/detectors/{name}", handler.ConfigureDetector)
	router.Post("/ingest", handler.Ingest)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
