package handlers

import (
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/middleware"
	"github.com/escrowlink/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type SellerHandler struct {
	escrowService EscrowService
	log           *zap.Logger
}

func NewSellerHandler(escrowService EscrowService, log *zap.Logger) *SellerHandler {
	return &SellerHandler{escrowService: escrowService, log: log}
}

func (h *SellerHandler) GetMe(c *fiber.Ctx) error {
	seller, err := h.escrowService.GetSeller(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: seller})
}

func (h *SellerHandler) UpdateMe(c *fiber.Ctx) error {
	var req dto.SellerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	seller, err := h.escrowService.SaveSeller(c.Context(), middleware.GetUserID(c), services.SellerInput{
		Phone:       req.Phone,
		BankAccount: req.BankAccount,
		BankName:    req.BankName,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: seller})
}
