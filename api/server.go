/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

  Webhook routes add signature verification and a per-workspace rate limit.

ROUTE GROUPS:
  /api/webhooks/*       Merchant and rail callbacks
  /api/sellers/*        Seller-facing reads and gift cards
  /api/admin/*          Operations (maturation, payouts, reconciliation)
  /api/scenarios        Demo seeding
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  Merchant webhooks are signed with the workspace secret, payout and
  startup-payment callbacks with the platform callback secret. Seller and
  admin routes expect an authenticating proxy in front of the service.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Signature verification, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configure the non-handler parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimiter    *RateLimiter
	// CallbackSecret signs payout and startup-payment callbacks. Empty
	// refuses them.
	CallbackSecret string
	// Gatherer serves /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = NewRateLimiter(50, 100)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SignatureHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		// Webhook routes
		r.Route("/webhooks", func(r chi.Router) {
			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Use(opts.RateLimiter.Handler)
				r.Use(VerifySignature(h.store))
				r.Post("/events", h.IngestEvent)
				r.Post("/refunds", h.Refund)
			})
			r.Group(func(r chi.Router) {
				r.Use(opts.RateLimiter.Handler)
				r.Use(VerifyCallbackSignature(opts.CallbackSecret))
				r.Post("/payouts/{payoutID}/confirm", h.ConfirmPayout)
				r.Post("/startup-payments/{paymentID}/confirm", h.ConfirmStartupPayment)
			})
		})

		// Seller routes
		r.Route("/sellers/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/commissions", h.ListCommissions)
			r.Get("/ledger", h.GetLedger)
			r.Post("/gift-cards", h.RequestGiftCard)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/maturation/run", h.RunMaturation)
			r.Post("/commissions/force-mature", h.ForceMature)
			r.Get("/commissions/summary", h.CommissionSummary)

			r.Get("/payouts", h.ListPayouts)
			r.Post("/payouts/run", h.RunPayouts)
			r.Post("/payouts/{id}/cancel", h.CancelPayout)

			r.Post("/gift-cards/{id}/deliver", h.DeliverGiftCard)
			r.Post("/gift-cards/{id}/reject", h.RejectGiftCard)

			r.Post("/startup-payments", h.CreateStartupPayment)

			r.Get("/reconciliation", h.Reconciliation)
			r.Get("/reconciliation/export", h.ExportReconciliation)

			r.Get("/sellers/{id}/balance/verify", h.VerifyBalance)
			r.Post("/sellers/{id}/balance/rebuild", h.RebuildBalance)
		})

		// Scenario routes
		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios", h.LoadScenario)
	})

	return r
}
