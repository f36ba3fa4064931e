/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request, echoed in the access log
  2. RealIP:        Client address behind a proxy
  3. requestLogger: zerolog access log line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the admin frontend
  6. Authenticate:  ActorContext from JWT (or dev headers), on /api/* except /health

ROUTE GROUPS:
  /api/health              Liveness + database ping (no auth)
  /api/payments/*          Payment registration and corrections
  /api/enrollments/*       Enrollment lifecycle, ledger views
  /api/reports/*           Pending-payments reconciliation report
  /api/invoices/*          Invoices
  /api/branches/*          Invoice sequence configuration
  /api/courses, /students  Catalog passthrough
  /api/scenarios/*         Demo data (only when Options.Scenarios)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Actor middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	Auth           AuthConfig
	// Scenarios mounts the demo data endpoints.
	Scenarios bool
	Log       zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderBranchID, HeaderRole},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.Auth))

			r.Route("/payments", func(r chi.Router) {
				r.Post("/", h.CreatePayment)
				r.Get("/{id}", h.GetPayment)
				r.Patch("/{id}", h.CorrectPayment)
				r.Get("/{id}/invoice", h.GetPaymentInvoice)
				r.Post("/{id}/invoice", h.EmitPaymentInvoice)
			})

			r.Route("/enrollments", func(r chi.Router) {
				r.Post("/", h.CreateEnrollment)
				r.Get("/{id}", h.GetEnrollment)
				r.Delete("/{id}", h.DeactivateEnrollment)
				r.Get("/{id}/payments", h.ListEnrollmentPayments)
				r.Get("/{id}/periods", h.ListPeriods)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/pending-payments", h.PendingPayments)
				r.Get("/pending-payments/summary", h.PendingPaymentsSummary)
			})

			r.Get("/invoices/{id}", h.GetInvoice)

			r.Route("/branches/{id}", func(r chi.Router) {
				r.Get("/invoice-sequence", h.GetInvoiceSequence)
				r.Put("/invoice-sequence", h.ConfigureInvoiceSequence)
			})

			r.Route("/courses", func(r chi.Router) {
				r.Get("/", h.ListCourses)
				r.Post("/", h.CreateCourse)
				r.Get("/{id}", h.GetCourse)
			})

			r.Route("/students", func(r chi.Router) {
				r.Get("/", h.ListStudents)
				r.Post("/", h.CreateStudent)
			})

			if opts.Scenarios {
				r.Route("/scenarios", func(r chi.Router) {
					r.Get("/", h.ListScenarios)
					r.Get("/current", h.GetCurrentScenario)
					r.Post("/load", h.LoadScenario)
				})
			}
		})
	})

	return r
}
