// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the repository layer.
//
// Every operation that depends on who is asking takes an auth.Principal
// explicitly; services never read identity from the context.
package service

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

// Services bundles the three components the HTTP layer talks to.
type Services struct {
	Catalog *EventCatalog
	Issuer  *TicketIssuer
	Gate    *CheckInGate
}

// PolicyFromConfig returns the capacity policy selected by cfg.
func PolicyFromConfig(cfg config.TicketsConfig) model.CapacityPolicy {
	if cfg.CountPlusOnes {
		return model.CountSeats
	}
	return model.CountTickets
}

// parseEventID maps a malformed event id to ErrEventNotFound: no event can
// have it, and the caller only needs to know it does not exist.
func parseEventID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", model.ErrEventNotFound
	}
	return u.String(), nil
}

// parseTicketID is parseEventID for ticket unique ids.
func parseTicketID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, model.ErrTicketNotFound
	}
	return u, nil
}

// requireText trims s and checks it is valid UTF-8 without NUL bytes,
// non-empty and at most max runes.
func requireText(field, s string, max int) (string, error) {
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return "", model.NewValidationError(field, "contains invalid characters")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", model.NewValidationError(field, "is required")
	}
	if utf8.RuneCountInString(s) > max {
		return "", model.NewValidationError(field, "is too long")
	}
	return s, nil
}

func utcNow() time.Time { return time.Now().UTC() }
