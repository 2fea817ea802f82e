// Package identity carries the credentials a realtime connection is bound to.
// Identities are issued elsewhere; this package only reads and checks their
// token claims.
package identity

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// AnonymousID is used as the local user id when no identity is present.
const AnonymousID = "self"

var (
	ErrMissingToken  = errors.New("identity: missing token")
	ErrUserMismatch  = errors.New("identity: token subject does not match user id")
	ErrMissingUserID = errors.New("identity: token carries no user id")
)

type Identity struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Equal reports whether a and b describe the same credentials. Two nil
// identities are equal.
func Equal(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Token == b.Token
}

// SelfID returns the user id to record local actions under.
func SelfID(id *Identity) string {
	if id == nil || id.ID == "" {
		return AnonymousID
	}
	return id.ID
}

// userIDFromClaims prefers the explicit user_id claim over sub.
func userIDFromClaims(claims gojwt.MapClaims) string {
	if v, ok := claims["user_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := claims["sub"].(string); ok {
		return v
	}
	return ""
}

// FromToken builds an identity from a JWT without verifying its signature.
// The client uses this to learn its own user id; the relay verifies.
func FromToken(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims := parsed.Claims.(gojwt.MapClaims)
	userID := userIDFromClaims(claims)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return &Identity{ID: userID, Token: token}, nil
}

// Verifier checks HMAC-signed tokens presented to the relay. A Verifier with
// an empty secret accepts any token and trusts the presented user id.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify returns the user id the connection should be bound to.
func (v *Verifier) Verify(token, userID string) (string, error) {
	if !v.Enabled() {
		if userID == "" {
			return AnonymousID, nil
		}
		return userID, nil
	}
	if token == "" {
		return "", ErrMissingToken
	}

	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (interface{}, error) {
		return v.secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return "", ErrMissingUserID
	}
	subject := userIDFromClaims(claims)
	if subject == "" {
		return "", ErrMissingUserID
	}
	if userID != "" && userID != subject {
		return "", ErrUserMismatch
	}
	return subject, nil
}

// Mint signs a development token for userID. It exists for local tooling;
// production identities come from the identity provider.
func Mint(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"iat":     now.Unix(),
	}
	if ttl != 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
