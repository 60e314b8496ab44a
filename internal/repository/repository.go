// Package repository implements persistence for events and tickets on
// PostgreSQL (pgx, no ORM) and on an embedded SQLite database.
//
// Both implementations enforce the two invariants the rest of the system
// relies on inside the datastore itself: issuing a ticket never pushes an
// event past its capacity, and a ticket moves from unused to used at most
// once.
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// EventRepository handles persistence for events.
type EventRepository interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	// GetEventSummary returns ErrEventNotFound for an unknown id.
	GetEventSummary(ctx context.Context, id string) (*model.EventSummary, error)
	// ListEvents returns all events ordered by start time.
	ListEvents(ctx context.Context) ([]model.EventSummary, error)
}

// TicketRepository handles persistence for tickets.
type TicketRepository interface {
	// IssueTicket inserts t if the event still has capacity for it under
	// policy. The capacity read and the insert are one atomic operation.
	// On success t.ID is set.
	IssueTicket(ctx context.Context, t *model.Ticket, policy model.CapacityPolicy) error
	// CheckIn marks an unused ticket used and returns its snapshot as of
	// that write. It returns ErrTicketNotFound or ErrTicketAlreadyUsed
	// without writing anything otherwise.
	CheckIn(ctx context.Context, uniqueID uuid.UUID, at time.Time) (*model.TicketSnapshot, error)
	GetSnapshot(ctx context.Context, uniqueID uuid.UUID) (*model.TicketSnapshot, error)
	GetQRCode(ctx context.Context, uniqueID uuid.UUID) ([]byte, error)
	// ListTickets returns tickets ordered with the most recent check-ins
	// first, then by attendee name descending.
	ListTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error)
}

// Store is a complete datastore backend.
type Store interface {
	EventRepository
	TicketRepository
	Ping(ctx context.Context) error
}

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

// likePattern escapes LIKE metacharacters in q and wraps it for a
// substring match using '\' as the escape character.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}
