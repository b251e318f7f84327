package handlers

import (
	"errors"
	"strconv"

	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		validationErr *escrow.ValidationError
		transitionErr *escrow.InvalidTransitionError
		codeErr       *escrow.InvalidCodeError
		gatewayErr    *escrow.GatewayError
		notifyErr     *escrow.NotificationError
	)
	switch {
	case errors.As(err, &validationErr):
		return fiber.StatusBadRequest
	case errors.As(err, &transitionErr), errors.Is(err, escrow.ErrAmountMismatch):
		return fiber.StatusConflict
	case errors.As(err, &codeErr):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrTooManyAttempts):
		return fiber.StatusTooManyRequests
	case errors.As(err, &gatewayErr), errors.As(err, &notifyErr):
		return fiber.StatusBadGateway
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, escrow.ErrSellerNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, escrow.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidSignature):
		return fiber.StatusUnauthorized
	case errors.Is(err, escrow.ErrPaymentNotCompleted):
		return fiber.StatusPaymentRequired
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status := statusFor(err)
	resp := dto.ErrorResponse{Error: err.Error(), RequestID: middleware.GetRequestID(c)}

	var codeErr *escrow.InvalidCodeError
	if errors.As(err, &codeErr) && codeErr.Attempts > 0 {
		resp.Details = dto.CodeAttemptsDetails{Attempts: codeErr.Attempts, Remaining: codeErr.Remaining}
	}
	if status == fiber.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.String("request_id", resp.RequestID), zap.Error(err))
		resp.Error = "internal error"
	}
	return c.Status(status).JSON(resp)
}

func parseID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}

func invalidID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
}

func queryInt(c *fiber.Ctx, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
