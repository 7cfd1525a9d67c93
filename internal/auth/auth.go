package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are issued by the identity provider; Subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	Secret []byte
	Issuer string // optional; checked when set
}

func New(secret, issuer string) *Authenticator {
	return &Authenticator{Secret: []byte(secret), Issuer: issuer}
}

// UserID extracts the subject from an Authorization header value.
func (a *Authenticator) UserID(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. Used by tests and local tooling; the
// identity provider issues real tokens.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

type ctxKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the authenticated user id stored by the middleware.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
