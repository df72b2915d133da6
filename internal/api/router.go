// Package api exposes the HTTP surface of the gateway: the guarded
// chat-completions endpoints and the management routes for agents, budgets,
// and usage.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cynsta/spendguard/internal/config"
	"github.com/cynsta/spendguard/internal/ledger"
	"github.com/cynsta/spendguard/internal/metrics"
	"github.com/cynsta/spendguard/internal/orchestrate"
	"github.com/cynsta/spendguard/internal/ratelimit"
	"github.com/cynsta/spendguard/internal/usage"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Ledger          ledger.Store
	Usage           usage.Store
	Runner          *orchestrate.Runner
	Limiter         *ratelimit.Limiter
	Metrics         *metrics.Metrics
	Mode            string
	APIKeyHash      string
	DefaultProvider string
	KnownProvider   func(name string) bool
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Handlers.
	agents := newAgentsHandler(deps.Ledger, deps.Usage)
	completions := newCompletionsHandler(deps)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(vr chi.Router) {
		if deps.Mode == config.ModeHosted {
			vr.Use(hostedAuthMiddleware(deps.APIKeyHash))
		}

		// Agent and budget management.
		vr.Post("/agents", agents.CreateAgent)
		vr.Get("/agents/{agentID}", agents.GetAgent)
		vr.Post("/agents/{agentID}/runs", agents.CreateRun)
		vr.Post("/agents/{agentID}/budget", agents.SetBudget)
		vr.Get("/agents/{agentID}/budget", agents.GetBudget)
		vr.Get("/agents/{agentID}/usage", agents.GetUsage)
		vr.Get("/agents/{agentID}/reservations", agents.ListReservations)

		// Guarded completions. The header form takes identity from
		// x-cynsta-* headers; the path form spells it out.
		vr.Post("/chat/completions", completions.FromHeaders)
		vr.Post("/agents/{agentID}/runs/{runID}/{provider}/chat/completions", completions.FromPath)
	})

	return r
}
