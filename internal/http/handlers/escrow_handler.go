package handlers

import (
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/ledger"
	"github.com/escrowlink/backend/internal/middleware"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EscrowHandler serves the seller dashboard.
type EscrowHandler struct {
	escrowService EscrowService
	cfg           *config.Config
	log           *zap.Logger
}

func NewEscrowHandler(escrowService EscrowService, cfg *config.Config, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, cfg: cfg, log: log}
}

func (h *EscrowHandler) CreateLink(c *fiber.Ctx) error {
	var req dto.CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	price, err := parseAmountField("product_price", req.ProductPrice)
	if err != nil {
		return writeError(c, h.log, err)
	}
	fee := decimal.Zero
	if req.LogisticsFee != "" {
		if fee, err = parseAmountField("logistics_fee", req.LogisticsFee); err != nil {
			return writeError(c, h.log, err)
		}
	}

	in := services.CreateLinkInput{
		CreateInput: escrow.CreateInput{
			ProductName:  req.ProductName,
			ProductPrice: price,
			LogisticsFee: fee,
			BuyerPhone:   req.BuyerPhone,
			BuyerEmail:   req.BuyerEmail,
		},
	}
	if req.Seller != nil {
		in.Seller = &services.SellerInput{
			Phone:       req.Seller.Phone,
			BankAccount: req.Seller.BankAccount,
			BankName:    req.Seller.BankName,
		}
	}

	tx, err := h.escrowService.CreateLink(c.Context(), middleware.GetUserID(c), in)
	if err != nil {
		return writeError(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: h.view(tx)})
}

func (h *EscrowHandler) ListEscrows(c *fiber.Ctx) error {
	var status *string
	if v := c.Query("status"); v != "" {
		if _, ok := models.ValidEscrowTransitions[v]; !ok {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid status filter"})
		}
		status = &v
	}

	list, err := h.escrowService.ListForOwner(c.Context(), middleware.GetUserID(c), status, queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	if err != nil {
		return writeError(c, h.log, err)
	}

	out := make([]dto.EscrowResponse, 0, len(list))
	for i := range list {
		out = append(out, h.view(&list[i]))
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	tx, err := h.escrowService.GetForOwner(c.Context(), middleware.GetUserID(c), id, middleware.CanViewAny(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: h.view(tx)})
}

func (h *EscrowHandler) GetEscrowEvents(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	logs, err := h.escrowService.GetEvents(c.Context(), middleware.GetUserID(c), id, middleware.CanViewAny(c), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		return writeError(c, h.log, err)
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}

func (h *EscrowHandler) view(tx *models.EscrowTransaction) dto.EscrowResponse {
	return dto.NewEscrowResponse(tx, h.cfg.PaymentURL(tx.ID))
}

func parseAmountField(field, raw string) (decimal.Decimal, error) {
	v, err := ledger.ParseAmount(raw)
	if err != nil {
		return decimal.Zero, &escrow.ValidationError{Field: field, Reason: err.Error()}
	}
	return v, nil
}
