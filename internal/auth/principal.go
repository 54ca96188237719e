package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrAuthNotConfigured = errors.New("authentication not configured")
)

// Principal is the authenticated caller. ID keys all per-user state.
type Principal struct {
	ID    string
	Email string
	Name  string
}

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// Chain tries the identity provider first and falls back to HMAC tokens
// signed with Secret. Either may be unset.
type Chain struct {
	IdP    Verifier
	Secret string
}

// NewChain creates a new Chain.
func NewChain(idp Verifier, secret string) *Chain {
	return &Chain{IdP: idp, Secret: secret}
}

func (c *Chain) Verify(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if c.IdP == nil && c.Secret == "" {
		return nil, ErrAuthNotConfigured
	}

	if c.IdP != nil {
		p, err := c.IdP.Verify(token)
		if err == nil {
			return p, nil
		}
		if c.Secret == "" {
			return nil, ErrInvalidToken
		}
	}

	claims, err := ValidateLegacyToken(token, c.Secret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Principal{ID: claims.UserID, Email: claims.Email}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
