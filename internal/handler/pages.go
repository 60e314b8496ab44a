package handler

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// dateTimeLocal is the layout of an <input type="datetime-local"> value.
const dateTimeLocal = "2006-01-02T15:04"

func parsePages() (*template.Template, error) {
	funcs := template.FuncMap{
		"when": func(t time.Time) string { return t.Format("02.01.2006 15:04") },
		"whenPtr": func(t *time.Time) string {
			if t == nil {
				return "-"
			}
			return t.Format("02.01.2006 15:04")
		},
		"can":         func(p auth.Principal, role string) bool { return p.Can(auth.Role(role)) },
		"maxPlusOnes": func() int { return model.MaxPlusOnes },
	}
	t, err := template.New("pages").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return t, nil
}

// page is the data passed to every template.
type page struct {
	Title     string
	Principal auth.Principal
	Error     string

	Events  []model.EventSummary
	Event   *model.EventSummary
	Tickets []model.Ticket
	Ticket  *model.TicketSnapshot

	// Form values echoed back after a failed submit.
	AttendeeName string
	PlusOnes     int
	Next         string
}

func (h *Handler) newPage(r *http.Request, title string) *page {
	return &page{Title: title, Principal: auth.FromContext(r.Context())}
}

// render executes a template into a buffer first so a template error can
// still become a clean 500.
func (h *Handler) render(w http.ResponseWriter, status int, name string, data *page) {
	var buf bytes.Buffer
	if err := h.pages.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("render template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderError shows err on the error page, or sends an anonymous visitor to
// the login page when a role was required.
func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrUnauthenticated) {
		http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.Path), http.StatusSeeOther)
		return
	}
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("page failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	p := h.newPage(r, http.StatusText(status))
	p.Error = msg
	h.render(w, status, "error.html", p)
}

// Home handles GET /
// Lists upcoming events. Organizers also get the create-event form.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	events, err := h.catalog.ListEvents(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	p := h.newPage(r, "Events")
	p.Events = events
	h.render(w, http.StatusOK, "home.html", p)
}

// CreateEventForm handles POST /events
// Organizer form submit; redirects to the new event's page.
func (h *Handler) CreateEventForm(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if err := principal.Require(auth.RoleOrganizer); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, model.NewValidationError("form", "could not be read"))
		return
	}

	req := model.CreateEventRequest{
		Name:     r.PostForm.Get("name"),
		Location: r.PostForm.Get("location"),
	}
	if raw := r.PostForm.Get("date_time"); raw != "" {
		when, err := time.ParseInLocation(dateTimeLocal, raw, time.UTC)
		if err != nil {
			h.homeWithError(w, r, model.NewValidationError("date_time", "is not a valid date and time"))
			return
		}
		req.DateTime = when
	}
	maxTickets, err := strconv.Atoi(strings.TrimSpace(r.PostForm.Get("max_tickets")))
	if err != nil {
		h.homeWithError(w, r, model.NewValidationError("max_tickets", "must be a whole number"))
		return
	}
	req.MaxTickets = maxTickets

	event, err := h.catalog.CreateEvent(r.Context(), principal, req)
	if err != nil {
		h.homeWithError(w, r, err)
		return
	}
	http.Redirect(w, r, "/events/"+event.ID, http.StatusSeeOther)
}

func (h *Handler) homeWithError(w http.ResponseWriter, r *http.Request, cause error) {
	status, msg := errorStatus(cause)
	if status == http.StatusInternalServerError {
		h.renderError(w, r, cause)
		return
	}
	events, err := h.catalog.ListEvents(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	p := h.newPage(r, "Events")
	p.Events = events
	p.Error = msg
	h.render(w, status, "home.html", p)
}

// EventPage handles GET /events/{id}
// The event landing page with the registration form.
func (h *Handler) EventPage(w http.ResponseWriter, r *http.Request) {
	event, err := h.catalog.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	p := h.newPage(r, event.Name)
	p.Event = event
	h.render(w, http.StatusOK, "event.html", p)
}

// RegisterForm handles POST /events/{id}
// On success redirects to the new ticket; otherwise re-renders the form
// with the reason.
func (h *Handler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, model.NewValidationError("form", "could not be read"))
		return
	}
	name := r.PostForm.Get("attendee_name")

	plusOnes := 0
	var cause error
	if raw := strings.TrimSpace(r.PostForm.Get("plus_ones")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			cause = model.NewValidationError("plus_ones", "must be a whole number")
		}
		plusOnes = n
	}

	if cause == nil {
		t, err := h.issuer.IssueTicket(r.Context(), auth.FromContext(r.Context()), eventID, name, plusOnes)
		if err == nil {
			http.Redirect(w, r, ticketURL(t.UniqueID.String()), http.StatusSeeOther)
			return
		}
		cause = err
	}

	status, msg := errorStatus(cause)
	if status == http.StatusNotFound || status == http.StatusInternalServerError {
		h.renderError(w, r, cause)
		return
	}
	event, err := h.catalog.GetEvent(r.Context(), eventID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	p := h.newPage(r, event.Name)
	p.Event = event
	p.Error = msg
	p.AttendeeName = name
	p.PlusOnes = plusOnes
	h.render(w, status, "event.html", p)
}

// TicketPage handles GET /tickets/{uuid}
// The attendee's confirmation page showing the QR code.
func (h *Handler) TicketPage(w http.ResponseWriter, r *http.Request) {
	snap, err := h.issuer.Ticket(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	p := h.newPage(r, "Your ticket")
	p.Ticket = snap
	h.render(w, http.StatusOK, "ticket.html", p)
}

// TicketQRCode handles GET /tickets/{uuid}/qr.png
func (h *Handler) TicketQRCode(w http.ResponseWriter, r *http.Request) {
	png, err := h.issuer.QRCode(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("qr code failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		http.Error(w, msg, status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// ScannerPage handles GET /scanner
// Scanner role required.
func (h *Handler) ScannerPage(w http.ResponseWriter, r *http.Request) {
	if err := auth.FromContext(r.Context()).Require(auth.RoleScanner); err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, http.StatusOK, "scanner.html", h.newPage(r, "Scanner"))
}

// OrganizerEventPage handles GET /organizer/events/{id}
// The event's ticket list, most recent check-ins first.
func (h *Handler) OrganizerEventPage(w http.ResponseWriter, r *http.Request) {
	event, tickets, err := h.catalog.EventTickets(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	p := h.newPage(r, event.Name)
	p.Event = event
	p.Tickets = tickets
	h.render(w, http.StatusOK, "organizer_event.html", p)
}

// LoginPage handles GET /login
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	p := h.newPage(r, "Sign in")
	p.Next = safeNext(r.URL.Query().Get("next"))
	h.render(w, http.StatusOK, "login.html", p)
}

// Login handles POST /login
// Verifies a pasted capability token and stores it in the session cookie,
// then sends the user where their role belongs.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, model.NewValidationError("form", "could not be read"))
		return
	}
	token := strings.TrimSpace(r.PostForm.Get("token"))
	next := safeNext(r.PostForm.Get("next"))

	principal, err := h.tokens.Verify(token)
	if err != nil {
		h.logger.Info("login rejected", zap.Error(err))
		p := h.newPage(r, "Sign in")
		p.Error = "Invalid or expired token"
		p.Next = next
		h.render(w, http.StatusUnauthorized, "login.html", p)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Info("signed in", zap.String("subject", principal.Subject), zap.String("role", string(principal.Role)))

	if next == "" {
		switch {
		case principal.Can(auth.RoleOrganizer):
			next = "/"
		case principal.Can(auth.RoleScanner):
			next = "/scanner"
		default:
			next = "/"
		}
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// Logout handles POST /logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// safeNext only allows local absolute paths as a post-login redirect.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return ""
	}
	return next
}
