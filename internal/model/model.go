// Package model defines the core domain types for the ticketing system.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Field limits shared by forms and the JSON API.
const (
	MaxNameLength     = 255
	MaxLocationLength = 255
	MaxEventCapacity  = 100_000
	MaxPlusOnes       = 20
)

// TicketStatus is the check-in state of a ticket.
type TicketStatus string

const (
	StatusUnused TicketStatus = "unused"
	StatusUsed   TicketStatus = "used"
)

// IsValid reports whether s is a known status.
func (s TicketStatus) IsValid() bool {
	return s == StatusUnused || s == StatusUsed
}

// Event is something attendees register for, created by an organizer.
type Event struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	DateTime   time.Time `json:"date_time"`
	MaxTickets int       `json:"max_tickets"`
	CreatedAt  time.Time `json:"created_at"`
}

// CapacityPolicy decides how much capacity one ticket consumes.
type CapacityPolicy int

const (
	// CountTickets charges one unit per ticket; plus-ones are informational.
	CountTickets CapacityPolicy = iota
	// CountSeats charges 1+plus_ones units per ticket.
	CountSeats
)

// Cost is the capacity a ticket with the given number of guests consumes.
func (p CapacityPolicy) Cost(plusOnes int) int {
	if p == CountSeats {
		return 1 + plusOnes
	}
	return 1
}

// EventSummary is an Event together with its live counters.
type EventSummary struct {
	Event
	TicketsSold int  `json:"tickets_sold"`
	Guests      int  `json:"guests"`
	CheckedIn   int  `json:"checked_in"`
	Remaining   int  `json:"remaining"`
	SoldOut     bool `json:"sold_out"`
}

// CapacityUsed is the capacity consumed under policy p.
func (e *EventSummary) CapacityUsed(p CapacityPolicy) int {
	if p == CountSeats {
		return e.TicketsSold + e.Guests
	}
	return e.TicketsSold
}

// RemainingCapacity returns how much capacity is left under policy p,
// clamped at zero. Overbooking from before the capacity check was atomic
// would otherwise show up as a negative number.
func (e *EventSummary) RemainingCapacity(p CapacityPolicy) int {
	if r := e.MaxTickets - e.CapacityUsed(p); r > 0 {
		return r
	}
	return 0
}

// IsFull returns true when no capacity remains under policy p.
func (e *EventSummary) IsFull(p CapacityPolicy) bool {
	return e.CapacityUsed(p) >= e.MaxTickets
}

// Ticket is a single admission to an event. ID is the storage key and is
// never exposed; UniqueID is the only public reference.
type Ticket struct {
	ID           int64        `json:"-"`
	UniqueID     uuid.UUID    `json:"unique_id"`
	EventID      string       `json:"event_id"`
	AttendeeName string       `json:"attendee_name"`
	PlusOnes     int          `json:"plus_ones"`
	Status       TicketStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	CheckedInAt  *time.Time   `json:"checked_in_at"`
	QRCode       []byte       `json:"-"`
}

// IsUsed reports whether the ticket has been checked in.
func (t Ticket) IsUsed() bool {
	return t.Status == StatusUsed
}

// TicketSnapshot is what scanning staff see for a ticket: the ticket
// fields plus enough of its event to confirm the holder is at the right door.
type TicketSnapshot struct {
	UniqueID      string       `json:"unique_id"`
	AttendeeName  string       `json:"attendee_name"`
	PlusOnes      int          `json:"plus_ones"`
	Status        TicketStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	CheckedInAt   *time.Time   `json:"checked_in_at"`
	EventID       string       `json:"event_id"`
	EventName     string       `json:"event_name"`
	EventDate     time.Time    `json:"event_date"`
	EventLocation string       `json:"event_location"`
}

// NewTicketSnapshot joins a ticket with its event.
func NewTicketSnapshot(t *Ticket, e *Event) *TicketSnapshot {
	return &TicketSnapshot{
		UniqueID:      t.UniqueID.String(),
		AttendeeName:  t.AttendeeName,
		PlusOnes:      t.PlusOnes,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
		CheckedInAt:   t.CheckedInAt,
		EventID:       e.ID,
		EventName:     e.Name,
		EventDate:     e.DateTime,
		EventLocation: e.Location,
	}
}

// TicketFilter narrows a ticket search. Zero values match everything.
type TicketFilter struct {
	EventID string
	Status  TicketStatus
	// Query matches a substring of the attendee name or an exact unique id.
	Query string
	Limit int
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	DateTime   time.Time `json:"date_time"`
	MaxTickets int       `json:"max_tickets"`
}

// RegisterRequest is the payload for self-registration.
type RegisterRequest struct {
	AttendeeName string `json:"attendee_name"`
	PlusOnes     int    `json:"plus_ones"`
}

// ValidateTicketRequest is the scanner's check-in payload.
type ValidateTicketRequest struct {
	TicketUUID string `json:"ticket_uuid"`
}

// Response is the JSON envelope used by every API endpoint.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Ticket  *TicketSnapshot `json:"ticket,omitempty"`
	Data    any             `json:"data,omitempty"`
}
