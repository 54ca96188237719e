package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/generation"
	"github.com/makeasinger/songgen/internal/middleware"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/pkg/response"
)

type GenerationHandler struct {
	manager   *generation.Manager
	validator *validator.Validate
	cost      int64
	log       zerolog.Logger
}

func NewGenerationHandler(m *generation.Manager, v *validator.Validate, cost int64, log zerolog.Logger) *GenerationHandler {
	return &GenerationHandler{
		manager:   m,
		validator: v,
		cost:      cost,
		log:       log.With().Str("component", "generation_handler").Logger(),
	}
}

func (h *GenerationHandler) orchestrator(c *fiber.Ctx) (*generation.Orchestrator, error) {
	return h.manager.Get(c.UserContext(), middleware.GetUserID(c))
}

// Submit handles POST /api/generations
func (h *GenerationHandler) Submit(c *fiber.Ctx) error {
	var req model.GenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	o, err := h.orchestrator(c)
	if err != nil {
		return response.FromError(c, err)
	}

	if err := o.Submit(c.UserContext(), &req); err != nil {
		h.log.Debug().Err(err).Str("principal", o.Principal()).Msg("submission rejected")
		return response.FromError(c, err)
	}

	return response.Accepted(c, o.State())
}

// State handles GET /api/generations/state
func (h *GenerationHandler) State(c *fiber.Ctx) error {
	o, err := h.orchestrator(c)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, o.State())
}

// Artifacts handles GET /api/artifacts
func (h *GenerationHandler) Artifacts(c *fiber.Ctx) error {
	o, err := h.orchestrator(c)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"artifacts": o.Artifacts()})
}

// DeleteArtifact handles DELETE /api/artifacts/:id
func (h *GenerationHandler) DeleteArtifact(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Artifact ID is required", nil)
	}

	o, err := h.orchestrator(c)
	if err != nil {
		return response.FromError(c, err)
	}

	if err := o.DeleteArtifact(c.UserContext(), id); err != nil {
		return response.FromError(c, err)
	}
	return response.NoContent(c)
}

// Credits handles GET /api/credits
func (h *GenerationHandler) Credits(c *fiber.Ctx) error {
	o, err := h.orchestrator(c)
	if err != nil {
		return response.FromError(c, err)
	}

	balance, err := o.RefreshBalance(c.UserContext())
	if err != nil {
		h.log.Warn().Err(err).Str("principal", o.Principal()).Msg("balance refresh failed")
		return response.ServiceError(c, "Credit balance unavailable")
	}
	return response.OK(c, model.CreditBalanceResponse{Balance: balance, Cost: h.cost})
}

// Upgrade guards GET /ws/generations. It loads the caller's orchestrator so
// resumed tasks report to the new connection.
func (h *GenerationHandler) Upgrade(isUpgrade func(*fiber.Ctx) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !isUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if _, err := h.orchestrator(c); err != nil {
			return response.FromError(c, err)
		}
		return c.Next()
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
