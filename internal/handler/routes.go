package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/ratelimit"
)

// Rate limit scopes.
const (
	scopeRegister = "register"
	scopeScan     = "scan"
)

// NewRouter builds the chi router with the global middleware stack, the
// pages and the JSON API.
func NewRouter(h *Handler, limiter *ratelimit.Limiter, limits config.RateLimitConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(h.logger))        // structured access log
	r.Use(Authenticate(h.tokens, h.logger))

	registerLimit := limiter.Middleware(scopeRegister, limits.RegisterPerWindow)
	scanLimit := limiter.Middleware(scopeScan, limits.ScanPerWindow)

	// Health and metrics
	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Pages
	r.Get("/", h.Home)
	r.Get("/login", h.LoginPage)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Post("/events", h.CreateEventForm)
	r.Get("/events/{id}", h.EventPage)
	r.With(registerLimit).Post("/events/{id}", h.RegisterForm)
	r.Get("/tickets/{uuid}", h.TicketPage)
	r.Get("/tickets/{uuid}/qr.png", h.TicketQRCode)
	r.Get("/scanner", h.ScannerPage)
	r.Get("/organizer/events/{id}", h.OrganizerEventPage)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(CORS)

		r.Get("/auth/status", h.AuthStatus)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Get("/{id}", h.GetEvent)
			r.With(registerLimit).Post("/{id}/tickets", h.RegisterTicket)
			r.Get("/{id}/tickets", h.ListEventTickets)
		})

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", h.SearchTickets)
			r.With(scanLimit).Get("/{uuid}", h.LookupTicket)
			r.With(scanLimit).Post("/{uuid}/check-in", h.CheckIn)
		})

		r.Route("/scanner", func(r chi.Router) {
			r.Use(scanLimit)
			r.Post("/validate", h.ValidateTicket)
			r.Post("/decode", h.DecodeScan)
		})
	})

	return r
}
