package models

import (
	"time"

	"github.com/escrowlink/backend/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow statuses
const (
	EscrowStatusPending   = "pending"
	EscrowStatusPaid      = "paid"
	EscrowStatusConfirmed = "confirmed"
	EscrowStatusRefunded  = "refunded"
	EscrowStatusExpired   = "expired"
)

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusPending:   {EscrowStatusPaid, EscrowStatusRefunded},
	EscrowStatusPaid:      {EscrowStatusConfirmed, EscrowStatusRefunded, EscrowStatusExpired},
	EscrowStatusConfirmed: {},
	EscrowStatusRefunded:  {},
	EscrowStatusExpired:   {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	allowed, ok := ValidEscrowTransitions[status]
	return ok && len(allowed) == 0
}

type EscrowTransaction struct {
	ID                uuid.UUID       `json:"id"`
	SellerID          uuid.UUID       `json:"seller_id"`
	ProductName       string          `json:"product_name"`
	ProductPrice      decimal.Decimal `json:"product_price"`
	LogisticsFee      decimal.Decimal `json:"logistics_fee"`
	BuyerPhone        string          `json:"buyer_phone,omitempty"`
	BuyerEmail        string          `json:"buyer_email,omitempty"`
	Status            string          `json:"status"`
	ConfirmationCode  string          `json:"-"`
	GatewayReference  string          `json:"gateway_reference,omitempty"`
	LogisticsReleased bool            `json:"logistics_released"`
	ProductReleased   bool            `json:"product_released"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	ConfirmedAt       *time.Time      `json:"confirmed_at,omitempty"`
	Deadline          *time.Time      `json:"deadline,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	ExpiredAt         *time.Time      `json:"expired_at,omitempty"`
	CodeNotifiedAt    *time.Time      `json:"code_notified_at,omitempty"`
	NotifyAttempts    int             `json:"notify_attempts"`
}

func (t *EscrowTransaction) TotalAmount() decimal.Decimal {
	return ledger.TotalAmount(t.ProductPrice, t.LogisticsFee)
}

func (t *EscrowTransaction) PlatformFee() decimal.Decimal {
	return ledger.PlatformFee(t.ProductPrice)
}

func (t *EscrowTransaction) SellerAmount() decimal.Decimal {
	return ledger.SellerAmount(t.ProductPrice)
}

// IsOverdue reports whether a paid transaction has passed its deadline.
func (t *EscrowTransaction) IsOverdue(now time.Time) bool {
	return t.Status == EscrowStatusPaid && t.Deadline != nil && now.After(*t.Deadline)
}

// Clone returns a deep copy so a failed transition never touches the original.
func (t *EscrowTransaction) Clone() *EscrowTransaction {
	c := *t
	c.PaidAt = cloneTime(t.PaidAt)
	c.ConfirmedAt = cloneTime(t.ConfirmedAt)
	c.Deadline = cloneTime(t.Deadline)
	c.RefundedAt = cloneTime(t.RefundedAt)
	c.ExpiredAt = cloneTime(t.ExpiredAt)
	c.CodeNotifiedAt = cloneTime(t.CodeNotifiedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
