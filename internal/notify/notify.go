package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/escrowlink/backend/internal/models"
)

var ErrNoRecipient = errors.New("escrow transaction has no buyer email")

// Notifier delivers the confirmation code to the buyer once payment lands.
type Notifier interface {
	SendConfirmationCode(ctx context.Context, tx *models.EscrowTransaction) error
}

// Message is a rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// ConfirmationMessage renders the buyer email for a paid transaction.
// confirmURL is the page where the buyer enters the code.
func ConfirmationMessage(tx *models.EscrowTransaction, confirmURL string) (*Message, error) {
	to := strings.TrimSpace(tx.BuyerEmail)
	if to == "" {
		return nil, ErrNoRecipient
	}
	if tx.ConfirmationCode == "" {
		return nil, fmt.Errorf("escrow %s has no confirmation code", tx.ID)
	}

	deadline := "-"
	if tx.Deadline != nil {
		deadline = tx.Deadline.UTC().Format(time.RFC1123)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your payment for %s.\n\n", tx.ProductName)
	fmt.Fprintf(&b, "Your confirmation code is: %s\n\n", tx.ConfirmationCode)
	fmt.Fprintf(&b, "Amount paid: %s\n", tx.TotalAmount().StringFixed(2))
	fmt.Fprintf(&b, "Confirm delivery before: %s\n\n", deadline)
	b.WriteString("Only share this code with the seller after you have received your item.\n")
	fmt.Fprintf(&b, "You can also confirm delivery here: %s\n", confirmURL)

	return &Message{
		To:      to,
		Subject: "Your Confirmation Code - " + tx.ProductName,
		Body:    b.String(),
	}, nil
}
