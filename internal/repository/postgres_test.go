package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/database"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

// newPostgresStore connects to TEST_DATABASE_URL, skipping the test when it
// is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.MigratePostgres(ctx, pool))
	return NewPostgresStore(pool)
}

func seedPostgresEvent(t *testing.T, s *PostgresStore, maxTickets int) *model.Event {
	t.Helper()
	e := &model.Event{
		ID:         uuid.NewString(),
		Name:       "Launch Party",
		Location:   "Hall A",
		DateTime:   testNow.Add(48 * time.Hour),
		MaxTickets: maxTickets,
		CreatedAt:  testNow,
	}
	require.NoError(t, s.CreateEvent(context.Background(), e))
	return e
}

func TestPostgresStore_CapacityAndCheckIn(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	e := seedPostgresEvent(t, s, 2)

	first := newTicket(e.ID, "Ada", 1)
	require.NoError(t, s.IssueTicket(ctx, first, model.CountTickets))
	require.NoError(t, s.IssueTicket(ctx, newTicket(e.ID, "Grace", 0), model.CountTickets))
	assert.ErrorIs(t, s.IssueTicket(ctx, newTicket(e.ID, "Linus", 0), model.CountTickets), model.ErrEventFull)

	sum, err := s.GetEventSummary(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TicketsSold)
	assert.Equal(t, 1, sum.Guests)

	at := testNow.Add(time.Hour)
	checked, err := s.CheckIn(ctx, first.UniqueID, at)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUsed, checked.Status)
	assert.Equal(t, "Launch Party", checked.EventName)
	_, err = s.CheckIn(ctx, first.UniqueID, at)
	assert.ErrorIs(t, err, model.ErrTicketAlreadyUsed)
	_, err = s.CheckIn(ctx, uuid.New(), at)
	assert.ErrorIs(t, err, model.ErrTicketNotFound)

	snap, err := s.GetSnapshot(ctx, first.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUsed, snap.Status)
	require.NotNil(t, snap.CheckedInAt)
	assert.True(t, at.Equal(*snap.CheckedInAt))

	png, err := s.GetQRCode(ctx, first.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, first.QRCode, png)

	tickets, err := s.ListTickets(ctx, model.TicketFilter{EventID: e.ID})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "Ada", tickets[0].AttendeeName)
}

func TestPostgresStore_DuplicateUniqueID(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	e := seedPostgresEvent(t, s, 5)

	tk := newTicket(e.ID, "Ada", 0)
	require.NoError(t, s.IssueTicket(ctx, tk, model.CountTickets))
	dup := newTicket(e.ID, "Grace", 0)
	dup.UniqueID = tk.UniqueID

	err := s.IssueTicket(ctx, dup, model.CountTickets)
	assert.True(t, model.IsStorage(err))
	assert.ErrorIs(t, err, model.ErrDuplicateTicketID)
}

func TestPostgresStore_ConcurrentNeverOversells(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	const capacity, attempts = 4, 25
	e := seedPostgresEvent(t, s, capacity)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.IssueTicket(ctx, newTicket(e.ID, "Guest", 0), model.CountTickets)
			if err != nil && !errors.Is(err, model.ErrEventFull) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, issued)
	sum, err := s.GetEventSummary(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, sum.TicketsSold)
}
