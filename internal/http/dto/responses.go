package dto

import (
	"time"

	"github.com/escrowlink/backend/internal/models"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// EscrowResponse is the seller/admin view of a transaction.
type EscrowResponse struct {
	*models.EscrowTransaction
	TotalAmount  string `json:"total_amount"`
	PlatformFee  string `json:"platform_fee"`
	SellerAmount string `json:"seller_amount"`
	PaymentURL   string `json:"payment_url"`
}

func NewEscrowResponse(tx *models.EscrowTransaction, paymentURL string) EscrowResponse {
	return EscrowResponse{
		EscrowTransaction: tx,
		TotalAmount:       tx.TotalAmount().StringFixed(2),
		PlatformFee:       tx.PlatformFee().StringFixed(2),
		SellerAmount:      tx.SellerAmount().StringFixed(2),
		PaymentURL:        paymentURL,
	}
}

// PaymentPageResponse is what an anonymous buyer sees on /pay/{id}.
type PaymentPageResponse struct {
	ID           string     `json:"id"`
	ProductName  string     `json:"product_name"`
	ProductPrice string     `json:"product_price"`
	LogisticsFee string     `json:"logistics_fee"`
	TotalAmount  string     `json:"total_amount"`
	Status       string     `json:"status"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

func NewPaymentPageResponse(tx *models.EscrowTransaction) PaymentPageResponse {
	return PaymentPageResponse{
		ID:           tx.ID.String(),
		ProductName:  tx.ProductName,
		ProductPrice: tx.ProductPrice.StringFixed(2),
		LogisticsFee: tx.LogisticsFee.StringFixed(2),
		TotalAmount:  tx.TotalAmount().StringFixed(2),
		Status:       tx.Status,
		Deadline:     tx.Deadline,
	}
}

type InitializePaymentResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

type ConfirmDeliveryResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type CodeAttemptsDetails struct {
	Attempts  int `json:"attempts"`
	Remaining int `json:"remaining"`
}
