package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/database"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

// SQLiteStore is the embedded Store. Timestamps are stored as Unix
// nanoseconds in UTC.
type SQLiteStore struct {
	pool *database.SQLitePool
}

// NewSQLiteStore constructs a SQLiteStore.
func NewSQLiteStore(pool *database.SQLitePool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

// withConn borrows a connection for the duration of fn.
func (s *SQLiteStore) withConn(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &model.StorageError{Op: op, Err: err}
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Ping checks that a connection can be taken and used.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
			return &model.StorageError{Op: "ping", Err: err}
		}
		return nil
	})
}

// CreateEvent inserts a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.withConn(ctx, "insert event", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO events (id, name, location, date_time, max_tickets, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{e.ID, e.Name, e.Location, toUnix(e.DateTime), e.MaxTickets, toUnix(e.CreatedAt)},
			})
		if err != nil {
			return &model.StorageError{Op: "insert event", Err: err}
		}
		return nil
	})
}

func readEvent(stmt *sqlite.Stmt) model.Event {
	return model.Event{
		ID:         stmt.ColumnText(0),
		Name:       stmt.ColumnText(1),
		Location:   stmt.ColumnText(2),
		DateTime:   fromUnix(stmt.ColumnInt64(3)),
		MaxTickets: stmt.ColumnInt(4),
		CreatedAt:  fromUnix(stmt.ColumnInt64(5)),
	}
}

const sqliteSummarySelect = `
	SELECT e.id, e.name, e.location, e.date_time, e.max_tickets, e.created_at,
	       COUNT(t.id),
	       COALESCE(SUM(t.plus_ones), 0),
	       COALESCE(SUM(CASE WHEN t.status = 'used' THEN 1 ELSE 0 END), 0)
	FROM events e
	LEFT JOIN tickets t ON t.event_id = e.id`

func readSummary(stmt *sqlite.Stmt) model.EventSummary {
	return model.EventSummary{
		Event:       readEvent(stmt),
		TicketsSold: stmt.ColumnInt(6),
		Guests:      stmt.ColumnInt(7),
		CheckedIn:   stmt.ColumnInt(8),
	}
}

// GetEventSummary returns an event with its ticket counters.
func (s *SQLiteStore) GetEventSummary(ctx context.Context, id string) (*model.EventSummary, error) {
	var found *model.EventSummary
	err := s.withConn(ctx, "get event summary", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteSummarySelect+`
			WHERE e.id = ?
			GROUP BY e.id`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					es := readSummary(stmt)
					found = &es
					return nil
				},
			})
	})
	if err != nil {
		return nil, asStorage("get event summary", err)
	}
	if found == nil {
		return nil, model.ErrEventNotFound
	}
	return found, nil
}

// ListEvents returns all events with their counters, soonest first.
func (s *SQLiteStore) ListEvents(ctx context.Context) ([]model.EventSummary, error) {
	var events []model.EventSummary
	err := s.withConn(ctx, "list events", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteSummarySelect+`
			GROUP BY e.id
			ORDER BY e.date_time ASC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					events = append(events, readSummary(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, asStorage("list events", err)
	}
	return events, nil
}

// IssueTicket performs a capacity-safe insert. BEGIN IMMEDIATE takes the
// database write lock before the count is read, so concurrent issuers are
// serialized and each sees the tickets committed before it.
func (s *SQLiteStore) IssueTicket(ctx context.Context, t *model.Ticket, policy model.CapacityPolicy) error {
	return s.withConn(ctx, "issue ticket", func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return &model.StorageError{Op: "begin transaction", Err: err}
		}
		defer endFn(&err)

		maxTickets := -1
		err = sqlitex.Execute(conn, `SELECT max_tickets FROM events WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{t.EventID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				maxTickets = stmt.ColumnInt(0)
				return nil
			},
		})
		if err != nil {
			return &model.StorageError{Op: "read event capacity", Err: err}
		}
		if maxTickets < 0 {
			return model.ErrEventNotFound
		}

		consumed := `SELECT COUNT(*) FROM tickets WHERE event_id = ?`
		if policy == model.CountSeats {
			consumed = `SELECT COALESCE(SUM(1 + plus_ones), 0) FROM tickets WHERE event_id = ?`
		}
		var used int
		err = sqlitex.Execute(conn, consumed, &sqlitex.ExecOptions{
			Args: []any{t.EventID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				used = stmt.ColumnInt(0)
				return nil
			},
		})
		if err != nil {
			return &model.StorageError{Op: "count tickets", Err: err}
		}
		if used+policy.Cost(t.PlusOnes) > maxTickets {
			return model.ErrEventFull
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO tickets (unique_id, event_id, attendee_name, plus_ones, status, created_at, checked_in_at, qr_code)
			 VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{t.UniqueID.String(), t.EventID, t.AttendeeName, t.PlusOnes, string(t.Status), toUnix(t.CreatedAt), t.QRCode},
			})
		if err != nil {
			if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
				return &model.StorageError{Op: "insert ticket", Err: fmt.Errorf("%w: %s", model.ErrDuplicateTicketID, t.UniqueID)}
			}
			return &model.StorageError{Op: "insert ticket", Err: err}
		}
		t.ID = conn.LastInsertRowID()
		return nil
	})
}

// CheckIn flips an unused ticket to used with a conditional UPDATE and
// reads the snapshot back in the same transaction.
func (s *SQLiteStore) CheckIn(ctx context.Context, uniqueID uuid.UUID, at time.Time) (*model.TicketSnapshot, error) {
	var snap *model.TicketSnapshot
	err := s.withConn(ctx, "check in ticket", func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return &model.StorageError{Op: "begin transaction", Err: err}
		}
		defer endFn(&err)

		err = sqlitex.Execute(conn,
			`UPDATE tickets SET status = 'used', checked_in_at = ?
			 WHERE unique_id = ? AND status = 'unused'`,
			&sqlitex.ExecOptions{Args: []any{toUnix(at), uniqueID.String()}})
		if err != nil {
			return &model.StorageError{Op: "check in ticket", Err: err}
		}
		if conn.Changes() == 1 {
			snap, err = readSnapshot(conn, uniqueID)
			if err != nil {
				return asStorage("read checked in ticket", err)
			}
			if snap == nil {
				return &model.StorageError{Op: "read checked in ticket", Err: model.ErrTicketNotFound}
			}
			return nil
		}

		exists := false
		err = sqlitex.Execute(conn, `SELECT 1 FROM tickets WHERE unique_id = ?`, &sqlitex.ExecOptions{
			Args: []any{uniqueID.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
		if err != nil {
			return &model.StorageError{Op: "classify check in", Err: err}
		}
		if !exists {
			return model.ErrTicketNotFound
		}
		return model.ErrTicketAlreadyUsed
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

const sqliteTicketColumns = `t.id, t.unique_id, t.event_id, t.attendee_name, t.plus_ones, t.status, t.created_at, t.checked_in_at`

func readTicket(stmt *sqlite.Stmt) (model.Ticket, error) {
	id, err := uuid.Parse(stmt.ColumnText(1))
	if err != nil {
		return model.Ticket{}, fmt.Errorf("parse unique_id: %w", err)
	}
	t := model.Ticket{
		ID:           stmt.ColumnInt64(0),
		UniqueID:     id,
		EventID:      stmt.ColumnText(2),
		AttendeeName: stmt.ColumnText(3),
		PlusOnes:     stmt.ColumnInt(4),
		Status:       model.TicketStatus(stmt.ColumnText(5)),
		CreatedAt:    fromUnix(stmt.ColumnInt64(6)),
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		at := fromUnix(stmt.ColumnInt64(7))
		t.CheckedInAt = &at
	}
	return t, nil
}

// readSnapshot returns nil when no ticket has uniqueID.
func readSnapshot(conn *sqlite.Conn, uniqueID uuid.UUID) (*model.TicketSnapshot, error) {
	var found *model.TicketSnapshot
	err := sqlitex.Execute(conn,
		`SELECT `+sqliteTicketColumns+`, e.name, e.date_time, e.location
		 FROM tickets t
		 JOIN events e ON e.id = t.event_id
		 WHERE t.unique_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{uniqueID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := readTicket(stmt)
				if err != nil {
					return err
				}
				e := model.Event{
					ID:       t.EventID,
					Name:     stmt.ColumnText(8),
					DateTime: fromUnix(stmt.ColumnInt64(9)),
					Location: stmt.ColumnText(10),
				}
				found = model.NewTicketSnapshot(&t, &e)
				return nil
			},
		})
	return found, err
}

// GetSnapshot returns a ticket joined with its event.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, uniqueID uuid.UUID) (*model.TicketSnapshot, error) {
	var found *model.TicketSnapshot
	err := s.withConn(ctx, "get ticket snapshot", func(conn *sqlite.Conn) error {
		var err error
		found, err = readSnapshot(conn, uniqueID)
		return err
	})
	if err != nil {
		return nil, asStorage("get ticket snapshot", err)
	}
	if found == nil {
		return nil, model.ErrTicketNotFound
	}
	return found, nil
}

// GetQRCode returns the stored PNG for a ticket.
func (s *SQLiteStore) GetQRCode(ctx context.Context, uniqueID uuid.UUID) ([]byte, error) {
	var png []byte
	found := false
	err := s.withConn(ctx, "get qr code", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT qr_code FROM tickets WHERE unique_id = ?`, &sqlitex.ExecOptions{
			Args: []any{uniqueID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				png = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, png)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, asStorage("get qr code", err)
	}
	if !found {
		return nil, model.ErrTicketNotFound
	}
	return png, nil
}

// ListTickets returns tickets matching f.
func (s *SQLiteStore) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error) {
	var (
		where []string
		args  []any
	)
	if f.EventID != "" {
		where = append(where, "t.event_id = ?")
		args = append(args, f.EventID)
	}
	if f.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, string(f.Status))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, `(t.attendee_name LIKE ? ESCAPE '\' OR t.unique_id = ?)`)
		args = append(args, likePattern(q), strings.ToLower(q))
	}

	query := `SELECT ` + sqliteTicketColumns + ` FROM tickets t`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// NULLs sort last under DESC in SQLite.
	query += ` ORDER BY t.checked_in_at DESC, t.attendee_name DESC, t.created_at DESC LIMIT ?`
	args = append(args, listLimit(f.Limit))

	var tickets []model.Ticket
	err := s.withConn(ctx, "list tickets", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t, err := readTicket(stmt)
				if err != nil {
					return err
				}
				tickets = append(tickets, t)
				return nil
			},
		})
	})
	if err != nil {
		return nil, asStorage("list tickets", err)
	}
	return tickets, nil
}

// asStorage wraps err in a StorageError unless it already is one.
func asStorage(op string, err error) error {
	if model.IsStorage(err) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}
