package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/songgen/internal/config"
)

const discoveryTimeout = 30 * time.Second

// idTokenClaims are the identity provider claims a Principal is built from.
type idTokenClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// OIDCVerifier verifies identity provider access tokens against the
// provider's published signing keys.
type OIDCVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewOIDCVerifier discovers the issuer's JWKS endpoint and keeps its keys
// refreshed in the background for the lifetime of ctx.
func NewOIDCVerifier(ctx context.Context, cfg *config.ZitadelConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	jwksURL, err := discoverJWKSURL(discoverCtx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover jwks: %w", err)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load jwks %s: %w", jwksURL, err)
	}
	return newOIDCVerifier(kf.Keyfunc, cfg.Issuer, cfg.ClientID), nil
}

func newOIDCVerifier(kf jwt.Keyfunc, issuer, audience string) *OIDCVerifier {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &OIDCVerifier{keyfunc: kf, parser: jwt.NewParser(opts...)}
}

// Verify implements Verifier. The subject claim becomes the principal id.
func (v *OIDCVerifier) Verify(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	var claims idTokenClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{ID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// discoverJWKSURL reads jwks_uri from the issuer's OpenID configuration.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode %s: %w", url, err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("%s has no jwks_uri", url)
	}
	return doc.JWKSURI, nil
}
