// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer: a JSON API under /api
// and server-rendered pages for attendees, scanning staff and organizers.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/service"
)

// Pinger reports datastore health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all HTTP handlers for the ticketing service.
type Handler struct {
	catalog *service.EventCatalog
	issuer  *service.TicketIssuer
	gate    *service.CheckInGate
	store   Pinger
	tokens  *auth.TokenManager
	logger  *zap.Logger
	pages   *template.Template
	// secureCookies marks the session cookie Secure.
	secureCookies bool
}

// New constructs a Handler and parses the page templates.
func New(svc service.Services, store Pinger, tokens *auth.TokenManager, logger *zap.Logger, secureCookies bool) (*Handler, error) {
	pages, err := parsePages()
	if err != nil {
		return nil, err
	}
	return &Handler{
		catalog:       svc.Catalog,
		issuer:        svc.Issuer,
		gate:          svc.Gate,
		store:         store,
		tokens:        tokens,
		logger:        logger,
		pages:         pages,
		secureCookies: secureCookies,
	}, nil
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.Response{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// errorStatus maps a service error to an HTTP status and a message that is
// safe to show the caller.
func errorStatus(err error) (int, string) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, model.ErrEventNotFound):
		return http.StatusNotFound, "Event not found"
	case errors.Is(err, model.ErrTicketNotFound):
		return http.StatusNotFound, "Ticket not found"
	case errors.Is(err, model.ErrTicketAlreadyUsed):
		return http.StatusConflict, "Ticket already used"
	case errors.Is(err, model.ErrEventFull):
		return http.StatusConflict, "Event is sold out"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "Authentication required"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "You are not authorized to do this"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// writeServiceError writes err as a JSON envelope. Unexpected errors are
// logged; their details never reach the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, model.Response{Error: msg})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
