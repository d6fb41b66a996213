package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  Config
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Dependencies) *Server {
	handler := NewHandler(deps, cfg.Version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Terminal traffic
	router.With(ReaderMiddleware(deps.Cache, cfg.Server.ReaderRateLimit)).
		Post("/taps/validate", handler.ValidateTap)

	var limiter *rate.Limiter
	if cfg.Server.AdminRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.AdminRateLimit), max(cfg.Server.AdminBurst, 1))
	}

	// Back office
	router.Group(func(r chi.Router) {
		r.Use(AdminRateMiddleware(limiter))

		r.Get("/taps/{id}", handler.GetTap)

		r.Get("/country-rules/{code}", handler.GetCountryRule)
		r.Put("/country-rules/{code}", handler.PutCountryRule)
		r.Post("/country-rules/cache/invalidate", handler.InvalidateCountryRules)

		r.Get("/offers", handler.ListOffers)
		r.Post("/offers", handler.CreateOffer)

		r.Post("/members", handler.CreateMember)
		r.Post("/vendors", handler.CreateVendor)

		r.Post("/cards", handler.IssueCard)
		r.Post("/cards/{uid}/status", handler.ChangeCardStatus)
		r.Post("/cards/{uid}/reissue", handler.ReissueCard)

		r.Get("/fraud-events", handler.ListFraudEvents)
		r.Post("/fraud-events/{id}/resolve", handler.ResolveFraudEvent)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
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
