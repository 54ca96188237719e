package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifier auth.Verifier
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(verifier auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate validates the bearer token and stores the principal in locals
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		token, ok := auth.BearerToken(authHeader)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		principal, err := m.verifier.Verify(token)
		if err != nil {
			if errors.Is(err, auth.ErrAuthNotConfigured) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setPrincipal(c, principal)
		return c.Next()
	}
}

func setPrincipal(c *fiber.Ctx, p *auth.Principal) {
	c.Locals("userId", p.ID)
	c.Locals("email", p.Email)
	c.Locals("name", p.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}

// QueryToken copies a ?token= query parameter into the Authorization header
// when none is present. Browsers cannot set headers on WebSocket upgrades.
func QueryToken() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get("Authorization") == "" {
			if token := c.Query("token"); token != "" {
				c.Request().Header.Set("Authorization", "Bearer "+token)
			}
		}
		return c.Next()
	}
}
