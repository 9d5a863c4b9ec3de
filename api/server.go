/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. RealIP:      Client address from X-Forwarded-For / X-Real-IP
  3. Logger:      Structured request logging (slog)
  4. Recoverer:   Panic recovery (500 instead of crash)
  5. Metrics:     Prometheus request counters and latencies
  6. CORS:        Cross-origin requests for frontends
  7. RateLimit:   Per-client token bucket on /api (optional)

ROUTE GROUPS:
  /api/wallet(s)/*     Wallets and history
  /api/users/*         Wallet lookup by user
  /api/earn*           Earning
  /api/benefits/*      Catalog
  /api/redeem          Redemption
  /api/admin/*         Catalog management and reconciliation
  /api/scenarios/*     Demo scenarios
  /healthz             Liveness and store ping
  /metrics             Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/metrics"
)

// RouterOptions configures the middleware around the routes.
type RouterOptions struct {
	CORSOrigins []string
	RateLimiter *RateLimiter // nil disables rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger.WithComponent("http")))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Handler)
		}

		// Wallet routes
		r.Post("/wallets", h.OpenWallet)
		r.Get("/users/{userId}/wallet", h.GetUserWallet)
		r.Route("/wallet/{walletId}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/redemptions", h.GetRedemptions)
		})

		// Earning routes
		r.Post("/earn", h.Earn)
		r.Post("/earn/action", h.EarnForAction)
		r.Get("/actions", h.ListActions)

		// Catalog routes
		r.Route("/benefits", func(r chi.Router) {
			r.Get("/", h.ListBenefits)
			r.Get("/{id}", h.GetBenefit)
		})

		r.Post("/redeem", h.Redeem)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Put("/benefits/{id}", h.SaveBenefit)
			r.Post("/benefits/{id}/restock", h.RestockBenefit)
			r.Post("/wallets/{id}/reconcile", h.ReconcileWallet)
			r.Post("/reconcile", h.ReconcileAll)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
