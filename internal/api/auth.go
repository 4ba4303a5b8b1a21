package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cinematch/chat-app/internal/ws"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("api: missing bearer token")

// RoleAdmin grants catalog writes.
const RoleAdmin = "admin"

// Claims is the token payload: sub is the user id, name the display name.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type ctxKey struct{}

type claimsKey struct{}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// IdentityFrom returns the identity the auth middleware stored on ctx.
func IdentityFrom(ctx context.Context) (ws.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(ws.Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id ws.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IssueToken signs an HS256 token for userID carrying roles.
func IssueToken(secret, userID, displayName string, ttl time.Duration, roles ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  displayName,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 token and returns its identity. A token
// without a name uses the user id as display name.
func ParseToken(secret, tokenStr string) (ws.Identity, error) {
	id, _, err := parseClaims(secret, tokenStr)
	return id, err
}

func parseClaims(secret, tokenStr string) (ws.Identity, *Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return ws.Identity{}, nil, fmt.Errorf("api: token validation failed: %w", err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return ws.Identity{}, nil, errors.New("api: token has no subject")
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = sub
	}
	return ws.Identity{UserID: sub, DisplayName: name}, &claims, nil
}

// tokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter browsers use for WebSocket upgrades.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", jwt.ErrTokenMalformed
		}
		return parts[1], nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

// hubAuthenticator hands the middleware's identity to the ws server.
var hubAuthenticator = ws.AuthenticatorFunc(func(r *http.Request) (ws.Identity, error) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		return ws.Identity{}, ErrMissingToken
	}
	return id, nil
})

// HubAuthenticator returns the Authenticator to give ws.NewServer when the
// hub is mounted behind this package's router.
func HubAuthenticator() ws.Authenticator {
	return hubAuthenticator
}
