package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songgen/internal/auth"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	verifier auth.Verifier
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(verifier auth.Verifier) *AuthHandler {
	return &AuthHandler{verifier: verifier}
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, ok := auth.BearerToken(c.Get("Authorization"))
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	principal, err := h.verifier.Verify(token)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", principal.ID)
	c.Set("X-User-Email", principal.Email)
	c.Set("X-User-Name", principal.Name)
	return c.SendStatus(fiber.StatusOK)
}
