package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/coursewire/coursewire/internal/config"
	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/metrics"
	"github.com/coursewire/coursewire/internal/registry"
	"github.com/coursewire/coursewire/internal/storage"
)

type Server struct {
	cfg        config.ServerConfig
	store      storage.Storage
	registry   *registry.Service
	dispatcher *dispatch.Dispatcher
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, reg *registry.Service, dp *dispatch.Dispatcher, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		dispatcher: dp,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	orgHandler := NewOrganizationHandler(s.store)
	whHandler := NewWebhookHandler(s.registry, s.dispatcher)
	dlvHandler := NewDeliveryHandler(s.store, s.dispatcher)
	evtHandler := NewEventHandler(s.dispatcher)
	statsHandler := NewStatsHandler(s.store)

	// Health and metrics — no auth
	r.Get("/health", statsHandler.Health)
	metrics.Register()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Organization management — admin routes
		r.Post("/organizations", orgHandler.Create)
		r.Get("/organizations", orgHandler.List)
		r.Get("/organizations/{id}", orgHandler.Get)
		r.Delete("/organizations/{id}", orgHandler.Delete)
		r.Post("/organizations/{id}/rotate-key", orgHandler.RotateKey)

		// Routes authenticated with an organization API key
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.store))

			// Webhook subscriptions
			r.Post("/webhooks", whHandler.Create)
			r.Get("/webhooks", whHandler.List)
			r.Get("/webhooks/{id}", whHandler.Get)
			r.Put("/webhooks/{id}", whHandler.Update)
			r.Delete("/webhooks/{id}", whHandler.Delete)
			r.Patch("/webhooks/{id}/toggle", whHandler.Toggle)
			r.Post("/webhooks/{id}/rotate-secret", whHandler.RotateSecret)
			r.Post("/webhooks/{id}/test", whHandler.Test)
			r.Get("/webhooks/{id}/deliveries", dlvHandler.ListByWebhook)

			// Events
			r.Post("/events", evtHandler.Trigger)
			r.Get("/event-types", evtHandler.Catalog)

			// Delivery ledger
			r.Get("/deliveries/{id}", dlvHandler.Get)
			r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)
			r.Post("/deliveries/{id}/retry", dlvHandler.Retry)

			// Stats
			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
