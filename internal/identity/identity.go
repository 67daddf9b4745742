// Package identity verifies the access tokens the identity service issues
// to editor clients. The synchronization layer never authenticates users
// itself; it only checks that a presented token is genuine and extracts who
// it names.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// algorithm, expiry, or missing subject.
var ErrInvalidToken = errors.New("invalid access token")

// Identity is the verified principal behind a session.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token and returns the identity it carries.
// The subject claim is required; the display name falls back to the subject
// when the token carries no name.
func (v *Verifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	name := sub
	if n, ok := claims["name"].(string); ok && n != "" {
		name = n
	}
	return Identity{UserID: sub, DisplayName: name}, nil
}
