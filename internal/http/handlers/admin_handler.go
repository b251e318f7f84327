package handlers

import (
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/middleware"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AdminHandler struct {
	escrowService EscrowService
	log           *zap.Logger
}

func NewAdminHandler(escrowService EscrowService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{escrowService: escrowService, log: log}
}

func (h *AdminHandler) Refund(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	var req dto.RefundRequest
	_ = c.BodyParser(&req)

	adminID := middleware.GetUserID(c)
	tx, err := h.escrowService.Refund(c.Context(), id, services.Actor{UserID: &adminID, Type: models.ActorTypeAdmin}, req.Reason)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *AdminHandler) ResendCode(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	if err := h.escrowService.ResendConfirmationCode(c.Context(), id); err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	n, err := h.escrowService.SweepExpired(c.Context())
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"expired": n}})
}
