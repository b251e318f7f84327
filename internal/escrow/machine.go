package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/escrowlink/backend/internal/confirmcode"
	"github.com/escrowlink/backend/internal/ledger"
	"github.com/escrowlink/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deadline policy: the buyer has a delivery window plus a grace day to confirm.
const (
	DeliveryWindow = 48 * time.Hour
	GracePeriod    = 24 * time.Hour
)

// Operation names used in errors, audit entries and metrics.
const (
	OpCreate     = "create"
	OpInitialize = "initialize_payment"
	OpMarkPaid   = "mark_paid"
	OpConfirm    = "confirm_delivery"
	OpExpire     = "expire"
	OpRefund     = "refund"
	OpResendCode = "resend_code"
)

// DeadlineFor derives the confirmation deadline from the payment time.
func DeadlineFor(paidAt time.Time) time.Time {
	return paidAt.Add(DeliveryWindow + GracePeriod)
}

// Machine applies escrow transitions. It never performs I/O; callers load,
// lock and persist the record around each call. Every method works on a
// clone and returns it, so a failed transition leaves the input untouched.
type Machine struct {
	codes             confirmcode.Generator
	requireBuyerEmail bool
}

type Option func(*Machine)

// WithBuyerEmailRequired makes Create reject links without a buyer email.
func WithBuyerEmailRequired(required bool) Option {
	return func(m *Machine) { m.requireBuyerEmail = required }
}

func NewMachine(codes confirmcode.Generator, opts ...Option) *Machine {
	if codes == nil {
		codes = confirmcode.CryptoGenerator{}
	}
	m := &Machine{codes: codes}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateInput struct {
	ProductName  string
	ProductPrice decimal.Decimal
	LogisticsFee decimal.Decimal
	BuyerPhone   string
	BuyerEmail   string
}

func (m *Machine) Create(seller *models.Seller, in CreateInput, now time.Time) (*models.EscrowTransaction, error) {
	if seller == nil {
		return nil, &ValidationError{Field: "seller", Reason: "is required"}
	}
	name := strings.TrimSpace(in.ProductName)
	if name == "" {
		return nil, &ValidationError{Field: "product_name", Reason: "is required"}
	}
	if err := validateAmount("product_price", in.ProductPrice); err != nil {
		return nil, err
	}
	if err := validateAmount("logistics_fee", in.LogisticsFee); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(in.BuyerEmail)
	if email != "" && !strings.Contains(email, "@") {
		return nil, &ValidationError{Field: "buyer_email", Reason: "is not a valid email address"}
	}
	if m.requireBuyerEmail && email == "" {
		return nil, &ValidationError{Field: "buyer_email", Reason: "is required by the payment gateway"}
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate escrow id: %w", err)
	}

	return &models.EscrowTransaction{
		ID:           id,
		SellerID:     seller.ID,
		ProductName:  name,
		ProductPrice: in.ProductPrice.Round(ledger.Scale),
		LogisticsFee: in.LogisticsFee.Round(ledger.Scale),
		BuyerPhone:   strings.TrimSpace(in.BuyerPhone),
		BuyerEmail:   email,
		Status:       models.EscrowStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func validateAmount(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return &ValidationError{Field: field, Reason: "must not be negative"}
	}
	if !v.Equal(v.Round(ledger.Scale)) {
		return &ValidationError{Field: field, Reason: "must have at most 2 decimal places"}
	}
	return nil
}

// MarkPaid records a verified payment. A second call for the same
// transaction is rejected so the code is never regenerated and logistics
// are never released twice.
func (m *Machine) MarkPaid(tx *models.EscrowTransaction, gatewayReference string, now time.Time) (*models.EscrowTransaction, error) {
	if err := requireTransition(tx, OpMarkPaid, models.EscrowStatusPaid); err != nil {
		return nil, err
	}

	code, err := m.codes.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate confirmation code: %w", err)
	}

	next := tx.Clone()
	paidAt := now
	deadline := DeadlineFor(paidAt)
	next.Status = models.EscrowStatusPaid
	next.ConfirmationCode = code
	next.PaidAt = &paidAt
	next.Deadline = &deadline
	next.LogisticsReleased = true
	if gatewayReference != "" {
		next.GatewayReference = gatewayReference
	}
	next.UpdatedAt = now
	return next, nil
}

// ConfirmDelivery releases the product payment when the buyer's code matches.
func (m *Machine) ConfirmDelivery(tx *models.EscrowTransaction, submittedCode string, now time.Time) (*models.EscrowTransaction, error) {
	if err := requireTransition(tx, OpConfirm, models.EscrowStatusConfirmed); err != nil {
		return nil, err
	}
	if tx.IsOverdue(now) {
		return nil, &InvalidTransitionError{ID: tx.ID, Op: OpConfirm, From: tx.Status, Reason: "confirmation deadline has passed"}
	}
	if !confirmcode.Equal(tx.ConfirmationCode, strings.TrimSpace(submittedCode)) {
		return nil, &InvalidCodeError{ID: tx.ID}
	}

	next := tx.Clone()
	confirmedAt := now
	next.Status = models.EscrowStatusConfirmed
	next.ConfirmedAt = &confirmedAt
	next.ProductReleased = true
	next.UpdatedAt = now
	return next, nil
}

// CheckExpiry moves an overdue paid transaction to expired. It reports
// whether anything changed; running it again is a no-op. A nil tx is a no-op.
func (m *Machine) CheckExpiry(tx *models.EscrowTransaction, now time.Time) (*models.EscrowTransaction, bool) {
	if tx == nil || !tx.IsOverdue(now) {
		return tx, false
	}

	next := tx.Clone()
	expiredAt := now
	next.Status = models.EscrowStatusExpired
	next.ExpiredAt = &expiredAt
	next.UpdatedAt = now
	return next, true
}

// Refund is an administrative action. Payout flags already set stay set;
// the confirmation code is voided since it can no longer release funds.
func (m *Machine) Refund(tx *models.EscrowTransaction, actor string, now time.Time) (*models.EscrowTransaction, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, &ValidationError{Field: "actor", Reason: "is required for refunds"}
	}
	if err := requireTransition(tx, OpRefund, models.EscrowStatusRefunded); err != nil {
		return nil, err
	}

	next := tx.Clone()
	refundedAt := now
	next.Status = models.EscrowStatusRefunded
	next.ConfirmationCode = ""
	next.RefundedAt = &refundedAt
	next.UpdatedAt = now
	return next, nil
}

func requireTransition(tx *models.EscrowTransaction, op, to string) error {
	if tx == nil {
		return ErrNotFound
	}
	if !models.IsValidTransition(tx.Status, to) {
		return &InvalidTransitionError{ID: tx.ID, Op: op, From: tx.Status}
	}
	return nil
}
