package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/database"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/qr"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/ratelimit"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/repository"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/service"
)

type testServer struct {
	router    http.Handler
	organizer string
	scanner   string
	attendee  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	pool, err := database.OpenSQLite(config.SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "http.db"),
		PoolSize: 4,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, database.MigrateSQLite(context.Background(), pool))

	store := repository.NewSQLiteStore(pool)
	svc := service.Services{
		Catalog: service.NewEventCatalog(store, model.CountTickets, logger),
		Issuer:  service.NewTicketIssuer(store, model.CountTickets, 128, logger),
		Gate:    service.NewCheckInGate(store, logger),
	}
	tokens := auth.NewTokenManager("test-secret", "qr-ticketing-test", time.Hour)
	h, err := New(svc, store, tokens, logger, false)
	require.NoError(t, err)

	issue := func(sub string, role auth.Role) string {
		tok, _, err := tokens.Issue(sub, role)
		require.NoError(t, err)
		return tok
	}
	return &testServer{
		router:    NewRouter(h, ratelimit.New(nil, time.Minute, logger), config.RateLimitConfig{Window: time.Minute}),
		organizer: issue("olga", auth.RoleOrganizer),
		scanner:   issue("door-1", auth.RoleScanner),
		attendee:  issue("sam", auth.RoleAttendee),
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) form(t *testing.T, path, token string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Error   string                `json:"error"`
	Ticket  *model.TicketSnapshot `json:"ticket"`
	Data    json.RawMessage       `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func (s *testServer) createEvent(t *testing.T, maxTickets int) model.Event {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/events", s.organizer, model.CreateEventRequest{
		Name:       "Launch Party",
		Location:   "Hall A",
		DateTime:   time.Now().Add(48 * time.Hour).UTC(),
		MaxTickets: maxTickets,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var e model.Event
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &e))
	return e
}

func (s *testServer) register(t *testing.T, eventID, name string) (int, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/events/"+eventID+"/tickets", "", model.RegisterRequest{AttendeeName: name})
	if rec.Code != http.StatusCreated {
		return rec.Code, ""
	}
	var out issuedTicket
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &out))
	return rec.Code, out.Ticket.UniqueID.String()
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", nil)
	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "qr_ticketing_http_request_duration_seconds")
}

func TestAuthStatus(t *testing.T) {
	s := newTestServer(t)

	env := decode(t, s.do(t, http.MethodGet, "/api/auth/status", "", nil))
	var st authStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Authenticated)
	assert.Equal(t, auth.RoleAttendee, st.Role)

	env = decode(t, s.do(t, http.MethodGet, "/api/auth/status", s.scanner, nil))
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Authenticated)
	assert.Equal(t, auth.RoleScanner, st.Role)
	assert.Equal(t, "door-1", st.Subject)

	// a bad token is ignored, not rejected
	env = decode(t, s.do(t, http.MethodGet, "/api/auth/status", "garbage", nil))
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Authenticated)
}

func TestCreateEvent_Roles(t *testing.T) {
	s := newTestServer(t)
	req := model.CreateEventRequest{Name: "Gig", Location: "Club", DateTime: time.Now().Add(time.Hour), MaxTickets: 10}

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/events", "", req).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/events", s.scanner, req).Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/events", s.organizer, req).Code)

	req.MaxTickets = 0
	rec := s.do(t, http.MethodPost, "/api/events", s.organizer, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec).Error, "max_tickets")
}

func TestCreateEvent_RejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/events", s.organizer, map[string]any{"name": "x", "capacity": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndGetEvents(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decode(t, rec).Data))

	e := s.createEvent(t, 3)
	code, _ := s.register(t, e.ID, "Ada")
	require.Equal(t, http.StatusCreated, code)

	rec = s.do(t, http.MethodGet, "/api/events/"+e.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum model.EventSummary
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &sum))
	assert.Equal(t, 1, sum.TicketsSold)
	assert.Equal(t, 2, sum.Remaining)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/events/unknown", "", nil).Code)
}

func TestRegisterTicket(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 2)

	code, id := s.register(t, e.ID, "Ada")
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, id)
	code, _ = s.register(t, e.ID, "Grace")
	require.Equal(t, http.StatusCreated, code)

	rec := s.do(t, http.MethodPost, "/api/events/"+e.ID+"/tickets", "", model.RegisterRequest{AttendeeName: "Linus"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Event is sold out", decode(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/events/"+e.ID+"/tickets", "", model.RegisterRequest{AttendeeName: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/events/"+e.ID+"/tickets", "", model.RegisterRequest{AttendeeName: "Ada", PlusOnes: -2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec).Error, "plus_ones")

	rec = s.do(t, http.MethodPost, "/api/events/"+e.ID+"/tickets", "", model.RegisterRequest{AttendeeName: "Ada", PlusOnes: math.MaxInt64})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec).Error, "plus_ones")

	rec = s.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	code, _ = s.register(t, "3f8e4c1e-0000-4000-8000-000000000000", "Ada")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCheckInFlow(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 5)
	_, id := s.register(t, e.ID, "Ada")

	rec := s.do(t, http.MethodGet, "/api/tickets/"+id, s.scanner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, model.StatusUnused, env.Ticket.Status)
	assert.Equal(t, "Launch Party", env.Ticket.EventName)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/scanner/validate", "", model.ValidateTicketRequest{TicketUUID: id}).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/scanner/validate", s.attendee, model.ValidateTicketRequest{TicketUUID: id}).Code)

	rec = s.do(t, http.MethodPost, "/api/scanner/validate", s.scanner, model.ValidateTicketRequest{TicketUUID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env = decode(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "Ticket checked in", env.Message)
	assert.Equal(t, model.StatusUsed, env.Ticket.Status)
	assert.NotNil(t, env.Ticket.CheckedInAt)

	rec = s.do(t, http.MethodPost, "/api/tickets/"+id+"/check-in", s.scanner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Ticket already used", decode(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/scanner/validate", s.scanner, model.ValidateTicketRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/tickets/00000000-0000-4000-8000-000000000000/check-in", s.scanner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecodeScan(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 5)
	_, id := s.register(t, e.ID, "Ada")

	png, err := qr.Encode(id, 256)
	require.NoError(t, err)

	upload := func(token string, content []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("image", "scan.png")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/scanner/decode", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	rec := upload(s.scanner, png)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decode(t, rec)
	assert.Equal(t, id, env.Ticket.UniqueID)
	assert.Equal(t, model.StatusUnused, env.Ticket.Status)

	assert.Equal(t, http.StatusUnauthorized, upload("", png).Code)
	assert.Equal(t, http.StatusBadRequest, upload(s.scanner, []byte("not an image")).Code)
}

func TestSearchAndEventTickets(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 5)
	_, ada := s.register(t, e.ID, "Ada")
	s.register(t, e.ID, "Grace")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/tickets/"+ada+"/check-in", s.organizer, nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/tickets?q=ada", s.scanner, nil).Code)

	rec := s.do(t, http.MethodGet, "/api/tickets?status=used&event_id="+e.ID, s.organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tickets []model.Ticket
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &tickets))
	require.Len(t, tickets, 1)
	assert.Equal(t, "Ada", tickets[0].AttendeeName)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/tickets?status=bogus", s.organizer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/tickets?limit=-1", s.organizer, nil).Code)

	rec = s.do(t, http.MethodGet, "/api/events/"+e.ID+"/tickets", s.organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var et eventTickets
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &et))
	require.Len(t, et.Tickets, 2)
	assert.Equal(t, "Ada", et.Tickets[0].AttendeeName)
	assert.Equal(t, 1, et.Event.CheckedIn)
}

func TestTicketQRCode(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 5)
	_, id := s.register(t, e.ID, "Ada")

	rec := s.do(t, http.MethodGet, "/tickets/"+id+"/qr.png", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	got, err := qr.DecodeBytes(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/tickets/nope/qr.png", "", nil).Code)
}

func TestRegisterForm(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 1)

	rec := s.do(t, http.MethodGet, "/events/"+e.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Launch Party")
	assert.Contains(t, rec.Body.String(), `name="attendee_name"`)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`max="%d"`, model.MaxPlusOnes))

	rec = s.form(t, "/events/"+e.ID, "", url.Values{"attendee_name": {""}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "attendee_name: is required")

	rec = s.form(t, "/events/"+e.ID, "", url.Values{"attendee_name": {"Ada"}, "plus_ones": {"two"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `value="Ada"`)

	rec = s.form(t, "/events/"+e.ID, "", url.Values{"attendee_name": {"Ada"}, "plus_ones": {strconv.Itoa(model.MaxPlusOnes + 1)}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "plus_ones: must be at most")

	rec = s.form(t, "/events/"+e.ID, "", url.Values{"attendee_name": {"Ada"}, "plus_ones": {"1"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/tickets/"), loc)

	page := s.do(t, http.MethodGet, loc, "", nil)
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), loc+"/qr.png")
	assert.Contains(t, page.Body.String(), "Ada")

	rec = s.form(t, "/events/"+e.ID, "", url.Values{"attendee_name": {"Grace"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Event is sold out")

	rec = s.do(t, http.MethodGet, "/events/"+e.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "This event is sold out.")
	assert.NotContains(t, rec.Body.String(), `name="attendee_name"`)
}

func TestCreateEventForm(t *testing.T) {
	s := newTestServer(t)
	values := url.Values{
		"name":        {"Meetup"},
		"location":    {"Room 4"},
		"date_time":   {"2030-06-01T18:30"},
		"max_tickets": {"25"},
	}

	rec := s.form(t, "/events", "", values)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=%2Fevents", rec.Header().Get("Location"))

	rec = s.form(t, "/events", s.organizer, values)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/events/"))

	values.Set("max_tickets", "lots")
	rec = s.form(t, "/events", s.organizer, values)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScannerPage_RequiresRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/scanner", "", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=%2Fscanner", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, "/scanner", s.attendee, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/scanner", s.scanner, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/scanner/validate")
}

func TestOrganizerEventPage(t *testing.T) {
	s := newTestServer(t)
	e := s.createEvent(t, 5)
	s.register(t, e.ID, "Ada")

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/organizer/events/"+e.ID, s.scanner, nil).Code)

	rec := s.do(t, http.MethodGet, "/organizer/events/"+e.ID, s.organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ada")
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	rec := s.form(t, "/login", "", url.Values{"token": {"nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.form(t, "/login", "", url.Values{"token": {s.scanner}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/scanner", rec.Header().Get("Location"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	rec = s.form(t, "/login", "", url.Values{"token": {s.organizer}, "next": {"//evil.example"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = s.form(t, "/logout", s.scanner, nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodOptions, "/api/events", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSafeNext(t *testing.T) {
	assert.Equal(t, "/scanner", safeNext("/scanner"))
	assert.Equal(t, "", safeNext("https://evil.example"))
	assert.Equal(t, "", safeNext("//evil.example"))
	assert.Equal(t, "", safeNext(`/\evil.example`))
}
