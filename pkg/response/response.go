package response

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songgen/internal/model"
)

// Error codes
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeJobFailed           = "JOB_FAILED"
	CodeServiceError        = "SERVICE_ERROR"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeAlreadyInProgress   = "GENERATION_IN_PROGRESS"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// FromError maps domain errors onto the JSON error envelope.
func FromError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return ValidationError(c, "Invalid generation request", err.Error())
	case errors.Is(err, model.ErrUnauthenticated):
		return Unauthorized(c, "Authentication required")
	case errors.Is(err, model.ErrInsufficientCredits):
		return Error(c, fiber.StatusPaymentRequired, CodeInsufficientCredits, "Insufficient credits", nil)
	case errors.Is(err, model.ErrAlreadyInProgress):
		return Error(c, fiber.StatusConflict, CodeAlreadyInProgress, "A generation is already in progress", nil)
	case errors.Is(err, model.ErrSubmissionFailed):
		return Error(c, fiber.StatusBadGateway, CodeSubmissionFailed, "Generation service rejected the request", nil)
	case errors.Is(err, model.ErrNotFound):
		return NotFound(c, "Resource not found")
	case errors.Is(err, model.ErrJobFailed), errors.Is(err, model.ErrMissingMedia):
		return Error(c, fiber.StatusBadGateway, CodeJobFailed, err.Error(), nil)
	}
	return ServiceError(c, "Internal server error")
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
