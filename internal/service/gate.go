package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/metrics"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/repository"
)

// CheckInGate admits ticket holders at the door. A ticket goes from unused
// to used exactly once; used is terminal.
type CheckInGate struct {
	tickets repository.TicketRepository
	logger  *zap.Logger
	now     func() time.Time
}

// NewCheckInGate constructs a CheckInGate.
func NewCheckInGate(tickets repository.TicketRepository, logger *zap.Logger) *CheckInGate {
	return &CheckInGate{tickets: tickets, logger: logger, now: utcNow}
}

// CheckIn marks the ticket used and returns what staff need to see. A
// second scan returns ErrTicketAlreadyUsed and changes nothing. Scanners
// and organizers only.
func (g *CheckInGate) CheckIn(ctx context.Context, p auth.Principal, uniqueID string) (snap *model.TicketSnapshot, err error) {
	if err := p.Require(auth.RoleScanner); err != nil {
		return nil, err
	}
	defer func() { metrics.TrackCheckIn(err) }()

	id, err := parseTicketID(uniqueID)
	if err != nil {
		return nil, err
	}

	snap, err = g.tickets.CheckIn(ctx, id, g.now())
	if err != nil {
		switch {
		case errors.Is(err, model.ErrTicketAlreadyUsed):
			g.logger.Warn("ticket scanned again", zap.String("ticket", id.String()), zap.String("scanner", p.Subject))
		case errors.Is(err, model.ErrTicketNotFound):
			g.logger.Info("unknown ticket scanned", zap.String("ticket", id.String()), zap.String("scanner", p.Subject))
		default:
			g.logger.Error("check in failed", zap.String("ticket", id.String()), zap.Error(err))
		}
		return nil, fmt.Errorf("check in: %w", err)
	}
	g.logger.Info("ticket checked in",
		zap.String("ticket", id.String()),
		zap.String("event_id", snap.EventID),
		zap.String("scanner", p.Subject),
	)
	return snap, nil
}

// LookupTicket is a read-only preview of a ticket before committing the
// check-in. Scanners and organizers only.
func (g *CheckInGate) LookupTicket(ctx context.Context, p auth.Principal, uniqueID string) (*model.TicketSnapshot, error) {
	if err := p.Require(auth.RoleScanner); err != nil {
		return nil, err
	}
	id, err := parseTicketID(uniqueID)
	if err != nil {
		return nil, err
	}
	snap, err := g.tickets.GetSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup ticket: %w", err)
	}
	return snap, nil
}
