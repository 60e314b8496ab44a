// Package metrics exposes Prometheus collectors for ticket issuance,
// check-ins and HTTP traffic.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

const namespace = "qr_ticketing"

var (
	ticketsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_issued_total",
			Help:      "Tickets successfully issued",
		},
	)

	issueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_issue_rejections_total",
			Help:      "Ticket issue attempts that did not produce a ticket",
		},
		[]string{"reason"},
	)

	checkIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_ins_total",
			Help:      "Check-in attempts by outcome",
		},
		[]string{"result"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limit",
		},
		[]string{"scope"},
	)
)

// Reason maps an error to a low-cardinality label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case model.IsValidation(err):
		return "invalid"
	case errors.Is(err, model.ErrEventNotFound), errors.Is(err, model.ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, model.ErrEventFull):
		return "full"
	case errors.Is(err, model.ErrTicketAlreadyUsed):
		return "already_used"
	case model.IsStorage(err):
		return "storage"
	}
	return "other"
}

// TrackIssue records the outcome of one IssueTicket call.
func TrackIssue(err error) {
	if err == nil {
		ticketsIssued.Inc()
		return
	}
	issueRejections.WithLabelValues(Reason(err)).Inc()
}

// TrackCheckIn records the outcome of one CheckIn call.
func TrackCheckIn(err error) {
	checkIns.WithLabelValues(Reason(err)).Inc()
}

// TrackRateLimited records a request rejected under the named limit.
func TrackRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

// ObserveHTTP records the latency of a finished request. route should be
// the chi route pattern, not the raw path.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
