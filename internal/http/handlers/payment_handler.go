package handlers

import (
	"errors"

	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/gateway"
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// PaymentHandler serves the unauthenticated buyer and gateway endpoints.
type PaymentHandler struct {
	escrowService EscrowService
	log           *zap.Logger
}

func NewPaymentHandler(escrowService EscrowService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{escrowService: escrowService, log: log}
}

// GetPaymentPage returns the buyer-facing summary of a link.
func (h *PaymentHandler) GetPaymentPage(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	tx, err := h.escrowService.Get(c.Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.NewPaymentPageResponse(tx)})
}

func (h *PaymentHandler) InitializePayment(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	res, err := h.escrowService.InitializePayment(c.Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.InitializePaymentResponse{
		AuthorizationURL: res.AuthorizationURL,
		Reference:        res.Reference,
	}})
}

func (h *PaymentHandler) ConfirmDelivery(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	var req dto.ConfirmDeliveryRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "code is required"})
	}

	tx, err := h.escrowService.ConfirmDelivery(c.Context(), id, req.Code)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ConfirmDeliveryResponse{
		ID:          tx.ID.String(),
		Status:      tx.Status,
		ConfirmedAt: tx.ConfirmedAt,
	}})
}

// Callback is where the gateway redirects the buyer after checkout.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	reference := c.Query("reference")
	if reference == "" {
		reference = c.Query("trxref")
	}

	tx, err := h.escrowService.ConfirmPayment(c.Context(), reference, services.GatewayActor)
	if escrow.IsInvalidTransition(err) {
		return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"reference": reference, "already_processed": true}})
	}
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.NewPaymentPageResponse(tx)})
}

// Webhook answers 2xx for anything the gateway should not redeliver.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	processed, err := h.escrowService.HandleWebhook(c.Context(), c.Body(), c.Get(gateway.SignatureHeader))
	if errors.Is(err, escrow.ErrNotFound) {
		h.log.Warn("webhook for unknown reference")
		return c.JSON(dto.SuccessResponse{OK: true})
	}
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"processed": processed}})
}
