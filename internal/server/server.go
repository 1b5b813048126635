// Package server exposes the administrative HTTP API for the gating
// layer: sampling strategy configuration, event threshold updates, cache
// clearing, cost stats, budget alerts, health, Prometheus metrics, and a
// WebSocket feed of dispatch decisions and budget alerts.
//
// Every mutating endpoint requires a JWT bearer token and validates its
// numeric inputs against explicit ranges; out-of-range values are rejected
// whole, never clamped.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/cache"
	"github.com/gridion/gridion-ai/internal/dispatch"
	"github.com/gridion/gridion-ai/internal/ledger"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/sampling"
	"github.com/gridion/gridion-ai/internal/store"
)

// Config carries the server's own settings.
type Config struct {
	Port           int
	JWTSecret      string
	AllowedOrigins []string

	// Default budget limits used by GET /api/v1/budget when the caller
	// does not override them. Zero disables the corresponding check.
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
}

// Components are the gating-layer collaborators the API administers.
type Components struct {
	Store      store.Store
	Responses  *cache.ResponseCache
	Prompts    *cache.PromptCache
	Sampler    *sampling.Manager
	Dispatcher *dispatch.Dispatcher
	Costs      *ledger.Ledger
}

// Server is the admin/metrics HTTP server.
type Server struct {
	cfg  Config
	comp Components
	log  *zap.Logger
	hub  *Hub

	jwtSecret      string
	allowedOrigins []string

	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// New creates a server. The dispatcher's decisions are wired onto the
// stream hub automatically.
func New(cfg Config, comp Components, log *zap.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		comp:           comp,
		log:            log,
		hub:            NewHub(log),
		jwtSecret:      cfg.JWTSecret,
		allowedOrigins: cfg.AllowedOrigins,
	}

	if comp.Dispatcher != nil {
		comp.Dispatcher.OnDecision(func(agent models.AgentType, event *models.MarketEvent, decision dispatch.Decision) {
			if event == nil {
				return
			}
			s.hub.Broadcast(StreamTypeDecision, map[string]interface{}{
				"agent":      string(agent),
				"decision":   string(decision),
				"symbol":     event.Symbol,
				"event_type": string(event.EventType),
				"priority":   string(event.Priority),
				"event_id":   event.ID,
			})
		})
	}

	return s
}

// Hub returns the stream hub for wiring broadcasts.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.log.Info("admin API listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/sampling/", s.authenticate(s.handleSampling))
	mux.HandleFunc("/api/v1/thresholds", s.authenticate(s.handleThresholds))
	mux.HandleFunc("/api/v1/cache", s.authenticate(s.handleCache))
	mux.HandleFunc("/api/v1/costs", s.authenticate(s.handleCosts))
	mux.HandleFunc("/api/v1/budget", s.authenticate(s.handleBudget))
	mux.HandleFunc("/api/v1/stream", s.authenticate(s.handleStream))
}

// handleHealth reports liveness and shared-store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	storeStatus := "ok"
	code := http.StatusOK
	if err := s.comp.Store.Ping(r.Context()); err != nil {
		// The service keeps running through a store outage; agents degrade
		// to rule-based logic. Report degraded, not dead.
		status = "degraded"
		storeStatus = "unavailable"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"store":     storeStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
