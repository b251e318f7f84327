package handlers

import (
	"context"

	"github.com/escrowlink/backend/internal/gateway"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/services"
	"github.com/google/uuid"
)

// EscrowService is the part of services.EscrowService the HTTP layer uses.
type EscrowService interface {
	CreateLink(ctx context.Context, ownerID uuid.UUID, in services.CreateLinkInput) (*models.EscrowTransaction, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetForOwner(ctx context.Context, ownerID, id uuid.UUID, isAdmin bool) (*models.EscrowTransaction, error)
	ListForOwner(ctx context.Context, ownerID uuid.UUID, status *string, limit, offset int) ([]models.EscrowTransaction, error)
	GetEvents(ctx context.Context, ownerID, id uuid.UUID, isAdmin bool, limit, offset int) ([]models.AuditLog, error)

	GetSeller(ctx context.Context, ownerID uuid.UUID) (*models.Seller, error)
	SaveSeller(ctx context.Context, ownerID uuid.UUID, in services.SellerInput) (*models.Seller, error)

	InitializePayment(ctx context.Context, id uuid.UUID) (*gateway.InitializeResult, error)
	ConfirmPayment(ctx context.Context, reference string, actor services.Actor) (*models.EscrowTransaction, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (bool, error)
	ConfirmDelivery(ctx context.Context, id uuid.UUID, code string) (*models.EscrowTransaction, error)

	Refund(ctx context.Context, id uuid.UUID, actor services.Actor, reason string) (*models.EscrowTransaction, error)
	ResendConfirmationCode(ctx context.Context, id uuid.UUID) error
	SweepExpired(ctx context.Context) (int, error)
}

var _ EscrowService = (*services.EscrowService)(nil)
