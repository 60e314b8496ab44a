package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/repository"
)

// eventTicketsLimit caps the organizer's per-event ticket list.
const eventTicketsLimit = 500

// EventCatalog owns events and the capacity figures derived from their
// tickets.
type EventCatalog struct {
	store  repository.Store
	policy model.CapacityPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewEventCatalog constructs an EventCatalog.
func NewEventCatalog(store repository.Store, policy model.CapacityPolicy, logger *zap.Logger) *EventCatalog {
	return &EventCatalog{store: store, policy: policy, logger: logger, now: utcNow}
}

// CreateEvent validates the request and stores a new event. Organizers only.
func (c *EventCatalog) CreateEvent(ctx context.Context, p auth.Principal, req model.CreateEventRequest) (*model.Event, error) {
	if err := p.Require(auth.RoleOrganizer); err != nil {
		return nil, err
	}

	name, err := requireText("name", req.Name, model.MaxNameLength)
	if err != nil {
		return nil, err
	}
	location, err := requireText("location", req.Location, model.MaxLocationLength)
	if err != nil {
		return nil, err
	}
	if req.DateTime.IsZero() {
		return nil, model.NewValidationError("date_time", "is required")
	}
	if req.MaxTickets <= 0 {
		return nil, model.NewValidationError("max_tickets", "must be a positive integer")
	}
	if req.MaxTickets > model.MaxEventCapacity {
		return nil, model.NewValidationError("max_tickets", fmt.Sprintf("cannot exceed %d", model.MaxEventCapacity))
	}

	e := &model.Event{
		ID:         uuid.NewString(),
		Name:       name,
		Location:   location,
		DateTime:   req.DateTime.UTC(),
		MaxTickets: req.MaxTickets,
		CreatedAt:  c.now(),
	}
	if err := c.store.CreateEvent(ctx, e); err != nil {
		c.logger.Error("create event failed", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("create event: %w", err)
	}

	c.logger.Info("event created",
		zap.String("event_id", e.ID),
		zap.String("organizer", p.Subject),
		zap.Int("max_tickets", e.MaxTickets),
	)
	return e, nil
}

// ListEvents returns every event with its counters filled in.
func (c *EventCatalog) ListEvents(ctx context.Context) ([]model.EventSummary, error) {
	events, err := c.store.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	for i := range events {
		events[i].Remaining = events[i].RemainingCapacity(c.policy)
		events[i].SoldOut = events[i].IsFull(c.policy)
	}
	return events, nil
}

// GetEvent returns a single event with its counters.
func (c *EventCatalog) GetEvent(ctx context.Context, id string) (*model.EventSummary, error) {
	eventID, err := parseEventID(id)
	if err != nil {
		return nil, err
	}
	es, err := c.store.GetEventSummary(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	es.Remaining = es.RemainingCapacity(c.policy)
	es.SoldOut = es.IsFull(c.policy)
	return es, nil
}

// TicketsSold is the number of tickets issued for the event.
func (c *EventCatalog) TicketsSold(ctx context.Context, id string) (int, error) {
	es, err := c.GetEvent(ctx, id)
	if err != nil {
		return 0, err
	}
	return es.TicketsSold, nil
}

// RemainingCapacity is the capacity left under the catalog's policy,
// never negative.
func (c *EventCatalog) RemainingCapacity(ctx context.Context, id string) (int, error) {
	es, err := c.GetEvent(ctx, id)
	if err != nil {
		return 0, err
	}
	return es.Remaining, nil
}

// EventTickets returns an event and all of its tickets, most recent
// check-ins first. Organizers only.
func (c *EventCatalog) EventTickets(ctx context.Context, p auth.Principal, id string) (*model.EventSummary, []model.Ticket, error) {
	if err := p.Require(auth.RoleOrganizer); err != nil {
		return nil, nil, err
	}
	es, err := c.GetEvent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tickets, err := c.store.ListTickets(ctx, model.TicketFilter{EventID: es.ID, Limit: eventTicketsLimit})
	if err != nil {
		return nil, nil, fmt.Errorf("list event tickets: %w", err)
	}
	return es, tickets, nil
}

// SearchTickets finds tickets by attendee name or unique id, optionally
// narrowed to one event and status. Organizers only.
func (c *EventCatalog) SearchTickets(ctx context.Context, p auth.Principal, f model.TicketFilter) ([]model.Ticket, error) {
	if err := p.Require(auth.RoleOrganizer); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.IsValid() {
		return nil, model.NewValidationError("status", fmt.Sprintf("must be %q or %q", model.StatusUnused, model.StatusUsed))
	}
	if f.EventID != "" {
		eventID, err := parseEventID(f.EventID)
		if err != nil {
			return nil, err
		}
		f.EventID = eventID
	}
	tickets, err := c.store.ListTickets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search tickets: %w", err)
	}
	return tickets, nil
}
