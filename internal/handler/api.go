package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/qr"
)

// maxScanUpload bounds scanner image uploads.
const maxScanUpload = 8 << 20

type authStatus struct {
	Authenticated bool      `json:"authenticated"`
	Role          auth.Role `json:"role"`
	Subject       string    `json:"subject,omitempty"`
}

type issuedTicket struct {
	Ticket    *model.Ticket `json:"ticket"`
	TicketURL string        `json:"ticket_url"`
	QRCodeURL string        `json:"qr_code_url"`
}

type eventTickets struct {
	Event   *model.EventSummary `json:"event"`
	Tickets []model.Ticket      `json:"tickets"`
}

func ticketURL(uniqueID string) string { return "/tickets/" + uniqueID }

func qrCodeURL(uniqueID string) string { return ticketURL(uniqueID) + "/qr.png" }

// AuthStatus handles GET /api/auth/status
// Reports who the request is acting as.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, model.Response{
		Success: true,
		Data: authStatus{
			Authenticated: p.IsAuthenticated(),
			Role:          p.Role,
			Subject:       p.Subject,
		},
	})
}

// ListEvents handles GET /api/events
// Returns all events with sold and remaining counts.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.catalog.ListEvents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.EventSummary{}
	}

	writeJSON(w, http.StatusOK, model.Response{Success: true, Data: events})
}

// GetEvent handles GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.catalog.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Response{Success: true, Data: event})
}

// CreateEvent handles POST /api/events
// Organizers only.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.catalog.CreateEvent(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.Response{Success: true, Message: "Event created", Data: event})
}

// RegisterTicket handles POST /api/events/{id}/tickets
// Issues a ticket to the caller if the event has capacity left.
func (h *Handler) RegisterTicket(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := h.issuer.IssueTicket(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"), req.AttendeeName, req.PlusOnes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	id := t.UniqueID.String()
	writeJSON(w, http.StatusCreated, model.Response{
		Success: true,
		Message: "Ticket issued",
		Data:    issuedTicket{Ticket: t, TicketURL: ticketURL(id), QRCodeURL: qrCodeURL(id)},
	})
}

// ListEventTickets handles GET /api/events/{id}/tickets
// Organizers only.
func (h *Handler) ListEventTickets(w http.ResponseWriter, r *http.Request) {
	event, tickets, err := h.catalog.EventTickets(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}
	writeJSON(w, http.StatusOK, model.Response{Success: true, Data: eventTickets{Event: event, Tickets: tickets}})
}

// SearchTickets handles GET /api/tickets?event_id=&status=&q=&limit=
// Organizers only.
func (h *Handler) SearchTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TicketFilter{
		EventID: q.Get("event_id"),
		Status:  model.TicketStatus(strings.ToLower(q.Get("status"))),
		Query:   q.Get("q"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	tickets, err := h.catalog.SearchTickets(r.Context(), auth.FromContext(r.Context()), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}
	writeJSON(w, http.StatusOK, model.Response{Success: true, Data: tickets})
}

// LookupTicket handles GET /api/tickets/{uuid}
// Read-only preview for scanning staff.
func (h *Handler) LookupTicket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.gate.LookupTicket(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Response{Success: true, Ticket: snap})
}

// CheckIn handles POST /api/tickets/{uuid}/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.checkIn(w, r, chi.URLParam(r, "uuid"))
}

// ValidateTicket handles POST /api/scanner/validate
// Same as CheckIn with the id in a JSON body, which is what a QR scanner
// page posts after reading a code.
func (h *Handler) ValidateTicket(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TicketUUID) == "" {
		writeError(w, http.StatusBadRequest, "ticket_uuid is required")
		return
	}
	h.checkIn(w, r, req.TicketUUID)
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request, uniqueID string) {
	snap, err := h.gate.CheckIn(r.Context(), auth.FromContext(r.Context()), uniqueID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Response{Success: true, Message: "Ticket checked in", Ticket: snap})
}

// DecodeScan handles POST /api/scanner/decode
// Reads a QR code from an uploaded photo and returns the ticket preview.
// Nothing is checked in.
func (h *Handler) DecodeScan(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.RoleScanner); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxScanUpload)
	if err := r.ParseMultipartForm(maxScanUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()

	content, err := qr.Decode(file)
	if err != nil {
		if errors.Is(err, qr.ErrNoCode) {
			writeError(w, http.StatusBadRequest, "No QR code found in image")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read image: "+err.Error())
		return
	}

	snap, err := h.gate.LookupTicket(r.Context(), p, content)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Response{Success: true, Message: "QR code read", Ticket: snap})
}
