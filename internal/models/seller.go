package models

import (
	"time"

	"github.com/google/uuid"
)

// Seller is the payout recipient behind a payment link. OwnerID is the
// identity subject issued by the external auth system.
type Seller struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Phone       string    `json:"phone"`
	BankAccount string    `json:"bank_account"`
	BankName    *string   `json:"bank_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
