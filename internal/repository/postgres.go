package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresStore is the PostgreSQL Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return &model.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// CreateEvent inserts a new event.
func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (id, name, location, date_time, max_tickets, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Name, e.Location, e.DateTime, e.MaxTickets, e.CreatedAt,
	)
	if err != nil {
		return &model.StorageError{Op: "insert event", Err: err}
	}
	return nil
}

const pgSummarySelect = `
	SELECT e.id::text, e.name, e.location, e.date_time, e.max_tickets, e.created_at,
	       COUNT(t.id),
	       COALESCE(SUM(t.plus_ones), 0),
	       COUNT(t.id) FILTER (WHERE t.status = 'used')
	FROM events e
	LEFT JOIN tickets t ON t.event_id = e.id`

func scanSummary(row pgx.Row) (model.EventSummary, error) {
	var es model.EventSummary
	err := row.Scan(
		&es.ID, &es.Name, &es.Location, &es.DateTime, &es.MaxTickets, &es.CreatedAt,
		&es.TicketsSold, &es.Guests, &es.CheckedIn,
	)
	return es, err
}

// GetEventSummary returns an event with its ticket counters.
func (s *PostgresStore) GetEventSummary(ctx context.Context, id string) (*model.EventSummary, error) {
	es, err := scanSummary(s.db.QueryRow(ctx, pgSummarySelect+`
		WHERE e.id = $1
		GROUP BY e.id`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrEventNotFound
		}
		return nil, &model.StorageError{Op: "get event summary", Err: err}
	}
	return &es, nil
}

// ListEvents returns all events with their counters, soonest first.
func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.EventSummary, error) {
	rows, err := s.db.Query(ctx, pgSummarySelect+`
		GROUP BY e.id
		ORDER BY e.date_time ASC`)
	if err != nil {
		return nil, &model.StorageError{Op: "list events", Err: err}
	}
	defer rows.Close()

	var events []model.EventSummary
	for rows.Next() {
		es, err := scanSummary(rows)
		if err != nil {
			return nil, &model.StorageError{Op: "scan event", Err: err}
		}
		events = append(events, es)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "list events", Err: err}
	}
	return events, nil
}

// IssueTicket performs a capacity-safe insert inside one transaction.
//
// SELECT ... FOR UPDATE takes a row lock on the event, so concurrent
// issuers for the same event queue behind each other and each one counts
// the tickets committed by the ones before it. Without the lock two
// requests for the last slot could both see free capacity and both insert.
func (s *PostgresStore) IssueTicket(ctx context.Context, t *model.Ticket, policy model.CapacityPolicy) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &model.StorageError{Op: "begin transaction", Err: err}
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(ctx) }()

	var maxTickets int
	err = tx.QueryRow(ctx,
		`SELECT max_tickets FROM events WHERE id = $1 FOR UPDATE`,
		t.EventID,
	).Scan(&maxTickets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrEventNotFound
		}
		return &model.StorageError{Op: "lock event row", Err: err}
	}

	consumed := `SELECT COUNT(*) FROM tickets WHERE event_id = $1`
	if policy == model.CountSeats {
		consumed = `SELECT COALESCE(SUM(1 + plus_ones), 0) FROM tickets WHERE event_id = $1`
	}
	var used int
	if err := tx.QueryRow(ctx, consumed, t.EventID).Scan(&used); err != nil {
		return &model.StorageError{Op: "count tickets", Err: err}
	}
	if used+policy.Cost(t.PlusOnes) > maxTickets {
		return model.ErrEventFull
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO tickets (unique_id, event_id, attendee_name, plus_ones, status, created_at, checked_in_at, qr_code)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
		 RETURNING id`,
		t.UniqueID.String(), t.EventID, t.AttendeeName, t.PlusOnes, string(t.Status), t.CreatedAt, t.QRCode,
	).Scan(&t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return &model.StorageError{Op: "insert ticket", Err: fmt.Errorf("%w: %s", model.ErrDuplicateTicketID, t.UniqueID)}
		}
		return &model.StorageError{Op: "insert ticket", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &model.StorageError{Op: "commit transaction", Err: err}
	}
	return nil
}

// CheckIn flips an unused ticket to used with a single conditional UPDATE
// that returns the snapshot. Of two concurrent scans only one can match
// status = 'unused'.
func (s *PostgresStore) CheckIn(ctx context.Context, uniqueID uuid.UUID, at time.Time) (*model.TicketSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(ctx,
		`UPDATE tickets t SET status = 'used', checked_in_at = $2
		 FROM events e
		 WHERE e.id = t.event_id AND t.unique_id = $1 AND t.status = 'unused'
		 RETURNING `+pgSnapshotColumns,
		uniqueID.String(), at,
	))
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.StorageError{Op: "check in ticket", Err: err}
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM tickets WHERE unique_id = $1`, uniqueID.String()).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, &model.StorageError{Op: "classify check in", Err: err}
	}
	return nil, model.ErrTicketAlreadyUsed
}

const pgTicketColumns = `t.id, t.unique_id::text, t.event_id::text, t.attendee_name, t.plus_ones, t.status, t.created_at, t.checked_in_at`

func scanTicket(row pgx.Row) (model.Ticket, error) {
	var (
		t        model.Ticket
		uniqueID string
		status   string
	)
	if err := row.Scan(&t.ID, &uniqueID, &t.EventID, &t.AttendeeName, &t.PlusOnes, &status, &t.CreatedAt, &t.CheckedInAt); err != nil {
		return t, err
	}
	id, err := uuid.Parse(uniqueID)
	if err != nil {
		return t, fmt.Errorf("parse unique_id: %w", err)
	}
	t.UniqueID = id
	t.Status = model.TicketStatus(status)
	return t, nil
}

const pgSnapshotColumns = `t.unique_id::text, t.attendee_name, t.plus_ones, t.status, t.created_at, t.checked_in_at,
	e.id::text, e.name, e.date_time, e.location`

func scanSnapshot(row pgx.Row) (*model.TicketSnapshot, error) {
	var (
		snap   model.TicketSnapshot
		status string
	)
	err := row.Scan(
		&snap.UniqueID, &snap.AttendeeName, &snap.PlusOnes, &status, &snap.CreatedAt, &snap.CheckedInAt,
		&snap.EventID, &snap.EventName, &snap.EventDate, &snap.EventLocation,
	)
	if err != nil {
		return nil, err
	}
	snap.Status = model.TicketStatus(status)
	return &snap, nil
}

// GetSnapshot returns a ticket joined with its event.
func (s *PostgresStore) GetSnapshot(ctx context.Context, uniqueID uuid.UUID) (*model.TicketSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(ctx,
		`SELECT `+pgSnapshotColumns+`
		 FROM tickets t
		 JOIN events e ON e.id = t.event_id
		 WHERE t.unique_id = $1`,
		uniqueID.String(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, &model.StorageError{Op: "get ticket snapshot", Err: err}
	}
	return snap, nil
}

// GetQRCode returns the stored PNG for a ticket.
func (s *PostgresStore) GetQRCode(ctx context.Context, uniqueID uuid.UUID) ([]byte, error) {
	var png []byte
	err := s.db.QueryRow(ctx, `SELECT qr_code FROM tickets WHERE unique_id = $1`, uniqueID.String()).Scan(&png)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, &model.StorageError{Op: "get qr code", Err: err}
	}
	return png, nil
}

// ListTickets returns tickets matching f.
func (s *PostgresStore) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EventID != "" {
		where = append(where, "t.event_id = "+arg(f.EventID))
	}
	if f.Status != "" {
		where = append(where, "t.status = "+arg(string(f.Status)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, fmt.Sprintf("(t.attendee_name ILIKE %s ESCAPE '\\' OR t.unique_id::text = %s)",
			arg(likePattern(q)), arg(strings.ToLower(q))))
	}

	query := `SELECT ` + pgTicketColumns + ` FROM tickets t`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY t.checked_in_at DESC NULLS LAST, t.attendee_name DESC, t.created_at DESC LIMIT ` + arg(listLimit(f.Limit))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, &model.StorageError{Op: "list tickets", Err: err}
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, &model.StorageError{Op: "scan ticket", Err: err}
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "list tickets", Err: err}
	}
	return tickets, nil
}
