// Package auth issues and verifies the JWTs that terminals and staff present
// to the ledger server. The tenant of every request comes from its token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/golang-jwt/jwt/v5"
)

// Roles
const (
	RoleTerminal = "terminal"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identify the caller
type Claims struct {
	Tenant   string `json:"tenant"`
	Terminal string `json:"terminal,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the caller may correct or retire cards
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Manager signs and verifies HS256 tokens
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewManager creates a token manager
func NewManager(secret, issuer string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue signs a token for a tenant. terminal may be empty for staff tokens.
func (m *Manager) Issue(tenant, terminal, role string) (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("tenant is required")
	}
	switch role {
	case RoleTerminal, RoleStaff, RoleAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	subject := terminal
	if subject == "" {
		subject = role
	}
	claims := Claims{
		Tenant:   tenant,
		Terminal: terminal,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims
func (m *Manager) Verify(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Tenant == "" {
		return nil, fmt.Errorf("%w: no tenant", ErrInvalidToken)
	}
	return &claims, nil
}

// ParseUnverified reads the claims of a token without checking its
// signature. Terminals use it to learn their own identity.
func ParseUnverified(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Tenant == "" {
		return nil, fmt.Errorf("%w: no tenant", ErrInvalidToken)
	}
	return &claims, nil
}

type claimsKey struct{}

// WithClaims stores claims in a context
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the caller's claims
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// NewServerInterceptor authenticates every unary call and rejects callers
// without the admin role on the listed procedures.
func NewServerInterceptor(m *Manager, adminProcedures ...string) connect.UnaryInterceptorFunc {
	admin := make(map[string]bool, len(adminProcedures))
	for _, p := range adminProcedures {
		admin[p] = true
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			token, err := BearerToken(req.Header().Get("Authorization"))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			claims, err := m.Verify(token)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			if admin[req.Spec().Procedure] && !claims.IsAdmin() {
				return nil, connect.NewError(connect.CodePermissionDenied, fmt.Errorf("%s requires the admin role", req.Spec().Procedure))
			}
			return next(WithClaims(ctx, claims), req)
		}
	}
}

// NewClientInterceptor attaches a bearer token to outgoing calls
func NewClientInterceptor(token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				req.Header().Set("Authorization", "Bearer "+token)
			}
			return next(ctx, req)
		}
	}
}
