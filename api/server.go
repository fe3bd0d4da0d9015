/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:       Unique ID per request for tracing
  2. RequestLogger:   One zap line per request
  3. Recoverer:       Panic recovery (500 instead of crash)
  4. CORS:            Cross-origin requests for the game client
  5. RequirePrincipal Caller identity on /api/me/*
  6. RateLimiter:     Per-principal token bucket on mutating /api/me/* routes

ROUTE GROUPS:
  /api/me/*        Caller balances, claims and exchanges
  /api/quotes      Exchange pricing
  /api/jackpots/*  Jackpot pools
  /api/admin/*     Reconciliation and incidents
  /metrics         Prometheus
  /healthz         Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter. Zero values are usable.
type RouterOptions struct {
	CORSOrigins []string
	Resolver    PrincipalResolver
	Limiter     *RateLimiter
	Metrics     http.Handler
	Logger      *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Resolver == nil {
		opts.Resolver = HeaderPrincipal
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(0, 1)
	}
	if opts.Logger == nil {
		opts.Logger = h.Logger
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", PrincipalHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Caller routes
		r.Route("/me", func(r chi.Router) {
			r.Use(RequirePrincipal(opts.Resolver))
			r.Get("/balances", h.GetBalances)
			r.Get("/balances/{ledger}", h.GetLedgerBalance)
			r.Get("/grants", h.ListGrants)

			r.Group(func(r chi.Router) {
				r.Use(opts.Limiter.Middleware)
				r.Post("/claims", h.ClaimReward)
				r.Post("/exchanges", h.Exchange)
			})
		})

		r.Get("/quotes", h.GetQuote)

		// Jackpot routes
		r.Route("/jackpots/{id}", func(r chi.Router) {
			r.Get("/", h.GetJackpot)
			r.Post("/increase", h.IncreaseJackpot)
			r.Post("/reset", h.ResetJackpot)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconciliation", h.GetReconciliationReport)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
			r.Get("/incidents", h.ListIncidents)
		})
	})

	return r
}
