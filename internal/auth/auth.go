// Package auth implements request-scoped identity as signed capability
// tokens. A token names a subject and a role; a request without one acts
// as an anonymous attendee.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	// ErrUnauthenticated is returned when an anonymous principal asks for a
	// capability it lacks.
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("insufficient role")
)

// Role is a capability level. Each role includes the capabilities of the
// ones below it: organizer > scanner > attendee.
type Role string

const (
	RoleAttendee  Role = "attendee"
	RoleScanner   Role = "scanner"
	RoleOrganizer Role = "organizer"
)

func (r Role) rank() int {
	switch r {
	case RoleAttendee:
		return 1
	case RoleScanner:
		return 2
	case RoleOrganizer:
		return 3
	}
	return 0
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool { return r.rank() > 0 }

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Principal is the identity a request acts as.
type Principal struct {
	Subject string
	Role    Role
}

// Anonymous is the principal of a request that carries no token.
var Anonymous = Principal{Role: RoleAttendee}

// IsAuthenticated reports whether the principal came from a token.
func (p Principal) IsAuthenticated() bool { return p.Subject != "" }

// Can reports whether p holds at least the given role.
func (p Principal) Can(r Role) bool { return p.Role.rank() >= r.rank() }

// Require returns nil if p holds role r, ErrUnauthenticated if p is
// anonymous, or ErrForbidden otherwise.
func (p Principal) Require(r Role) error {
	if p.Can(r) {
		return nil
	}
	if !p.IsAuthenticated() {
		return fmt.Errorf("%w: %s role needed", ErrUnauthenticated, r)
	}
	return fmt.Errorf("%w: %s role needed, have %s", ErrForbidden, r, p.Role)
}

// Claims are the JWT claims of a capability token.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager mints and verifies HS256 capability tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a TokenManager. ttl defaults to 12 hours.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for subject with the given role.
func (m *TokenManager) Issue(subject string, role Role) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if !role.IsValid() {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses a token and returns the principal it grants.
func (m *TokenManager) Verify(token string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Role.IsValid() {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Anonymous
}
