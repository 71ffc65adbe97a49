package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"priority_server/core/domain"
	"priority_server/infra/middleware"
	"priority_server/pkg/apperr"
)

// GetUserID extracts the authenticated user id set by the JWT middleware.
func GetUserID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals(middleware.LocalUserID).(string)
	if !ok || userID == "" {
		return "", apperr.ErrUnauthorized
	}
	return userID, nil
}

// =============================================================================
// Standardized Response Helpers
// =============================================================================

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// SuccessResponse sends a standardized JSON success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusOK, data)
}

// AcceptedResponse is used when part of the work continues asynchronously.
func AcceptedResponse(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusAccepted, data)
}

func respond(c *fiber.Ctx, status int, data any) error {
	requestID, _ := c.Locals(middleware.LocalRequestID).(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// toAppError maps engine errors to API errors. The fiber error handler renders them.
func toAppError(err error) error {
	var verr *domain.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &verr):
		return apperr.InvalidInput(verr.Field, verr.Reason)
	case errors.Is(err, domain.ErrBudgetExceeded):
		return apperr.BudgetExceeded("")
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout("request")
	case apperr.AsAppError(err).Code != apperr.CodeInternalError:
		return err
	default:
		return apperr.InternalWithError(err)
	}
}

// parseBody decodes the request body and reports malformed JSON as a 400.
func parseBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperr.BadRequest("invalid request body").WithError(err)
	}
	return nil
}
