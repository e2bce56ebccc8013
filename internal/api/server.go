// Package api exposes the orchestrator over HTTP: the tenant JSON API,
// the PBX-facing XML action endpoints, the OTP validation hook and the
// per-call push websocket.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/callflux/callflux/internal/action"
	"github.com/callflux/callflux/internal/api/middleware"
	"github.com/callflux/callflux/internal/call"
	"github.com/callflux/callflux/internal/campaign"
	"github.com/callflux/callflux/internal/config"
	"github.com/callflux/callflux/internal/dial"
	"github.com/callflux/callflux/internal/push"
	"github.com/callflux/callflux/internal/trunk"
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Config    *config.Config
	Trunks    *trunk.Store
	Calls     *call.Store
	Queue     *dial.Queue
	Manager   *dial.Manager
	Engine    *action.Engine
	Validator *action.Validator
	Pushes    *push.Registry
	Catalog   *campaign.Store
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	deps       Deps
	limiter    *middleware.IPRateLimiter
	upgrader   websocket.Upgrader
	trunkProxy *http.Client
	logger     *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		limiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		upgrader: websocket.Upgrader{
			// Push subscribers are tenant tools, not browsers on our origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		trunkProxy: &http.Client{Timeout: 10 * time.Second},
		logger:     deps.Logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the HTTP layer.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(chimw.Recoverer)

	// Tenant API, rate limited per IP.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		r.Get("/health", s.handleHealth)

		r.Route("/trunks", func(r chi.Router) {
			r.Post("/assign", s.handleTrunkAssign)
			r.Post("/release", s.handleTrunkRelease)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/create", s.handleCallCreate)
			r.Post("/{id}/destroy", s.handleCallDestroy)
			r.Get("/queue/stats", s.handleQueueStats)
		})
	})

	// Trunk provisioning proxy to the tenant's SIP server agent.
	r.Route("/trunk", func(r chi.Router) {
		r.Post("/add", s.handleTrunkProxyAdd)
		r.Delete("/delete/{trunkID}", s.handleTrunkProxyDelete)
		r.Get("/list", s.handleTrunkList)
	})

	// PBX-facing action scripts. Static debug routes win over {status}.
	r.Route("/action", func(r chi.Router) {
		r.Get("/debug/campaigns", s.handleDebugCampaigns)
		r.Post("/debug/reload", s.handleDebugReload)
		r.Get("/{status}", s.handleAction)
	})

	r.Post("/otp/validate/{callID}", s.handleOTPValidate)

	r.Get("/ws", s.handleWebSocket)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"active_calls":  s.deps.Calls.Count(),
		"push_sessions": s.deps.Pushes.ActiveCount(),
	})
}
