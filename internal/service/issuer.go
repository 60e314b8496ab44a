package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/metrics"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/qr"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/repository"
)

// TicketIssuer creates tickets for events, enforcing capacity.
type TicketIssuer struct {
	tickets repository.TicketRepository
	policy  model.CapacityPolicy
	qrSize  int
	logger  *zap.Logger
	now     func() time.Time
	newID   func() uuid.UUID
}

// NewTicketIssuer constructs a TicketIssuer. qrSize is the edge length of
// generated QR images in pixels.
func NewTicketIssuer(tickets repository.TicketRepository, policy model.CapacityPolicy, qrSize int, logger *zap.Logger) *TicketIssuer {
	return &TicketIssuer{
		tickets: tickets,
		policy:  policy,
		qrSize:  qrSize,
		logger:  logger,
		now:     utcNow,
		newID:   uuid.New,
	}
}

// IssueTicket registers attendeeName (bringing plusOnes guests) for an
// event. The QR image is rendered from the new unique id before anything is
// written, and the ticket and image are stored in a single capacity-checked
// insert. A full event returns ErrEventFull with nothing written.
func (s *TicketIssuer) IssueTicket(ctx context.Context, p auth.Principal, eventID, attendeeName string, plusOnes int) (t *model.Ticket, err error) {
	defer func() { metrics.TrackIssue(err) }()

	if err := p.Require(auth.RoleAttendee); err != nil {
		return nil, err
	}
	name, err := requireText("attendee_name", attendeeName, model.MaxNameLength)
	if err != nil {
		return nil, err
	}
	if plusOnes < 0 {
		return nil, model.NewValidationError("plus_ones", "must be zero or more")
	}
	if plusOnes > model.MaxPlusOnes {
		return nil, model.NewValidationError("plus_ones", fmt.Sprintf("must be at most %d", model.MaxPlusOnes))
	}
	id, err := parseEventID(eventID)
	if err != nil {
		return nil, err
	}

	t = &model.Ticket{
		UniqueID:     s.newID(),
		EventID:      id,
		AttendeeName: name,
		PlusOnes:     plusOnes,
		Status:       model.StatusUnused,
		CreatedAt:    s.now(),
	}
	t.QRCode, err = qr.Encode(t.UniqueID.String(), s.qrSize)
	if err != nil {
		return nil, fmt.Errorf("issue ticket: %w", err)
	}

	if err = s.tickets.IssueTicket(ctx, t, s.policy); err != nil {
		switch {
		case errors.Is(err, model.ErrEventFull):
			s.logger.Info("registration rejected, event full", zap.String("event_id", id))
		case errors.Is(err, model.ErrEventNotFound):
			s.logger.Info("registration for unknown event", zap.String("event_id", id))
		default:
			s.logger.Error("issue ticket failed", zap.String("event_id", id), zap.Error(err))
		}
		return nil, fmt.Errorf("issue ticket: %w", err)
	}

	s.logger.Info("ticket issued",
		zap.String("event_id", id),
		zap.String("ticket", t.UniqueID.String()),
		zap.Int("plus_ones", plusOnes),
	)
	return t, nil
}

// Ticket returns the confirmation view of a ticket. Knowing the unique id is
// the capability to see it, so no role is required.
func (s *TicketIssuer) Ticket(ctx context.Context, uniqueID string) (*model.TicketSnapshot, error) {
	id, err := parseTicketID(uniqueID)
	if err != nil {
		return nil, err
	}
	snap, err := s.tickets.GetSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return snap, nil
}

// QRCode returns the PNG for a ticket. The image is derived from the unique
// id, so a missing one is rendered again rather than treated as an error.
func (s *TicketIssuer) QRCode(ctx context.Context, uniqueID string) ([]byte, error) {
	id, err := parseTicketID(uniqueID)
	if err != nil {
		return nil, err
	}
	png, err := s.tickets.GetQRCode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get qr code: %w", err)
	}
	if len(png) == 0 {
		s.logger.Warn("stored qr code empty, regenerating", zap.String("ticket", id.String()))
		return qr.Encode(id.String(), s.qrSize)
	}
	return png, nil
}
