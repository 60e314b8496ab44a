// Package ratelimit implements fixed-window request limits backed by Redis.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/auth"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/metrics"
	"github.com/Shivanand-hulikatti/qr-ticketing/internal/model"
)

// Limiter counts requests per client in fixed windows. A nil client
// disables limiting; every request is allowed.
type Limiter struct {
	redis  *redis.Client
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Limiter. client may be nil.
func New(client *redis.Client, window time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{redis: client, window: window, logger: logger, now: time.Now}
}

// Enabled reports whether limits are enforced.
func (l *Limiter) Enabled() bool { return l.redis != nil }

func (l *Limiter) key(scope, client string) string {
	slot := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, client, slot)
}

// Allow records one request from client under scope and reports whether it
// is within limit for the current window. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, scope, client string, limit int) bool {
	if l.redis == nil || limit <= 0 {
		return true
	}
	key := l.key(scope, client)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return true
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn("rate limit expire failed", zap.String("key", key), zap.Error(err))
		}
	}
	return count <= int64(limit)
}

// ClientKey identifies the caller: the token subject when authenticated,
// otherwise the remote IP.
func ClientKey(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p.IsAuthenticated() {
		return "sub:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests over limit per window with 429.
func (l *Limiter) Middleware(scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.Allow(r.Context(), scope, ClientKey(r), limit) {
				next.ServeHTTP(w, r)
				return
			}
			metrics.TrackRateLimited(scope)
			l.logger.Info("rate limited",
				zap.String("scope", scope),
				zap.String("client", ClientKey(r)),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(model.Response{Error: "Too many requests. Please try again later."})
		})
	}
}
