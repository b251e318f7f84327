package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/escrowlink/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCodes struct {
	codes []string
	calls int
}

func (f *fixedCodes) Generate() (string, error) {
	code := f.codes[f.calls%len(f.codes)]
	f.calls++
	return code, nil
}

type brokenCodes struct{}

func (brokenCodes) Generate() (string, error) { return "", errors.New("no entropy") }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSeller() *models.Seller {
	return &models.Seller{ID: uuid.New(), OwnerID: uuid.New(), Phone: "08030000000", BankAccount: "0123456789"}
}

func newPending(t *testing.T, m *Machine) *models.EscrowTransaction {
	t.Helper()
	tx, err := m.Create(testSeller(), CreateInput{
		ProductName:  "Sneakers",
		ProductPrice: decimal.RequireFromString("10000.00"),
		LogisticsFee: decimal.RequireFromString("500.00"),
		BuyerEmail:   "buyer@example.com",
	}, t0)
	require.NoError(t, err)
	return tx
}

func TestCreate(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"123456"}})
	tx := newPending(t, m)

	assert.NotEqual(t, uuid.Nil, tx.ID)
	assert.Equal(t, models.EscrowStatusPending, tx.Status)
	assert.Empty(t, tx.ConfirmationCode)
	assert.False(t, tx.LogisticsReleased)
	assert.False(t, tx.ProductReleased)
	assert.Nil(t, tx.Deadline)
	assert.Equal(t, t0, tx.CreatedAt)
	assert.Equal(t, "10500.00", tx.TotalAmount().StringFixed(2))
}

func TestCreateValidation(t *testing.T) {
	m := NewMachine(nil, WithBuyerEmailRequired(true))
	seller := testSeller()
	ok := CreateInput{
		ProductName:  "Phone",
		ProductPrice: decimal.RequireFromString("1.00"),
		LogisticsFee: decimal.Zero,
		BuyerEmail:   "b@example.com",
	}

	tests := []struct {
		name  string
		field string
		edit  func(in *CreateInput)
	}{
		{"negative price", "product_price", func(in *CreateInput) { in.ProductPrice = decimal.RequireFromString("-0.01") }},
		{"negative logistics", "logistics_fee", func(in *CreateInput) { in.LogisticsFee = decimal.RequireFromString("-5") }},
		{"three decimals", "product_price", func(in *CreateInput) { in.ProductPrice = decimal.RequireFromString("1.005") }},
		{"blank name", "product_name", func(in *CreateInput) { in.ProductName = "  " }},
		{"missing email", "buyer_email", func(in *CreateInput) { in.BuyerEmail = "" }},
		{"bad email", "buyer_email", func(in *CreateInput) { in.BuyerEmail = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := ok
			tt.edit(&in)
			_, err := m.Create(seller, in, t0)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := m.Create(seller, ok, t0)
	require.NoError(t, err)

	_, err = m.Create(nil, ok, t0)
	require.Error(t, err)
}

func TestCreateAllowsZeroAmounts(t *testing.T) {
	m := NewMachine(nil)
	tx, err := m.Create(testSeller(), CreateInput{ProductName: "Gift", ProductPrice: decimal.Zero, LogisticsFee: decimal.Zero}, t0)
	require.NoError(t, err)
	assert.True(t, tx.TotalAmount().IsZero())
}

func TestMarkPaid(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"111111", "222222"}})
	pending := newPending(t, m)

	paid, err := m.MarkPaid(pending, "ref-1", t0)
	require.NoError(t, err)

	assert.Equal(t, models.EscrowStatusPaid, paid.Status)
	assert.Equal(t, "111111", paid.ConfirmationCode)
	assert.Equal(t, "ref-1", paid.GatewayReference)
	assert.True(t, paid.LogisticsReleased)
	assert.False(t, paid.ProductReleased)
	require.NotNil(t, paid.PaidAt)
	require.NotNil(t, paid.Deadline)
	assert.Equal(t, t0, *paid.PaidAt)
	assert.Equal(t, t0.Add(72*time.Hour), *paid.Deadline)

	// input untouched
	assert.Equal(t, models.EscrowStatusPending, pending.Status)
	assert.Empty(t, pending.ConfirmationCode)
}

func TestMarkPaidTwiceIsRejected(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"111111", "222222"}})
	paid, err := m.MarkPaid(newPending(t, m), "ref-1", t0)
	require.NoError(t, err)

	again, err := m.MarkPaid(paid, "ref-1", t0.Add(time.Hour))
	assert.Nil(t, again)
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, OpMarkPaid, terr.Op)
	assert.Equal(t, models.EscrowStatusPaid, terr.From)

	assert.Equal(t, "111111", paid.ConfirmationCode)
	assert.Equal(t, t0, *paid.PaidAt)
	assert.Equal(t, t0.Add(72*time.Hour), *paid.Deadline)
}

func TestMarkPaidKeepsExistingReference(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"111111"}})
	pending := newPending(t, m)
	pending.GatewayReference = "init-ref"

	paid, err := m.MarkPaid(pending, "", t0)
	require.NoError(t, err)
	assert.Equal(t, "init-ref", paid.GatewayReference)
}

func TestMarkPaidEntropyFailure(t *testing.T) {
	m := NewMachine(brokenCodes{})
	pending := newPending(t, m)

	_, err := m.MarkPaid(pending, "ref", t0)
	require.Error(t, err)
	assert.Equal(t, models.EscrowStatusPending, pending.Status)
}

func TestConfirmDelivery(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"654321"}})
	paid, err := m.MarkPaid(newPending(t, m), "ref", t0)
	require.NoError(t, err)

	_, err = m.ConfirmDelivery(paid, "000000", t0.Add(time.Hour))
	require.True(t, IsInvalidCode(err), "got %v", err)
	assert.Equal(t, models.EscrowStatusPaid, paid.Status)
	assert.False(t, paid.ProductReleased)

	at := t0.Add(2*24*time.Hour + 23*time.Hour)
	confirmed, err := m.ConfirmDelivery(paid, " 654321 ", at)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusConfirmed, confirmed.Status)
	assert.True(t, confirmed.ProductReleased)
	assert.True(t, confirmed.LogisticsReleased)
	assert.Equal(t, at, *confirmed.ConfirmedAt)
	assert.Equal(t, "654321", confirmed.ConfirmationCode)

	_, err = m.ConfirmDelivery(confirmed, "654321", at)
	assert.True(t, IsInvalidTransition(err))
}

func TestConfirmDeliveryRequiresPaid(t *testing.T) {
	m := NewMachine(nil)
	_, err := m.ConfirmDelivery(newPending(t, m), "", t0)
	assert.True(t, IsInvalidTransition(err))
}

func TestConfirmAfterDeadlineFails(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"654321"}})
	paid, err := m.MarkPaid(newPending(t, m), "ref", t0)
	require.NoError(t, err)

	late := t0.Add(72*time.Hour + time.Minute)

	// Even before the sweep runs, an overdue transaction cannot be confirmed.
	_, err = m.ConfirmDelivery(paid, "654321", late)
	assert.True(t, IsInvalidTransition(err))

	expired, changed := m.CheckExpiry(paid, late)
	require.True(t, changed)
	_, err = m.ConfirmDelivery(expired, "654321", late)
	assert.True(t, IsInvalidTransition(err))
}

func TestCheckExpiry(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"654321"}})
	paid, err := m.MarkPaid(newPending(t, m), "ref", t0)
	require.NoError(t, err)
	deadline := *paid.Deadline

	same, changed := m.CheckExpiry(paid, deadline.Add(-time.Second))
	assert.False(t, changed)
	assert.Same(t, paid, same)

	_, changed = m.CheckExpiry(paid, deadline)
	assert.False(t, changed, "expiry is strictly after the deadline")

	expired, changed := m.CheckExpiry(paid, deadline.Add(time.Minute))
	require.True(t, changed)
	assert.Equal(t, models.EscrowStatusExpired, expired.Status)
	assert.Equal(t, "654321", expired.ConfirmationCode)
	assert.False(t, expired.ProductReleased)
	assert.Equal(t, deadline, *expired.Deadline)

	again, changed := m.CheckExpiry(expired, deadline.Add(time.Hour))
	assert.False(t, changed)
	assert.Equal(t, models.EscrowStatusExpired, again.Status)
}

func TestCheckExpiryIgnoresOtherStatuses(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"654321"}})
	far := t0.Add(365 * 24 * time.Hour)

	pending := newPending(t, m)
	_, changed := m.CheckExpiry(pending, far)
	assert.False(t, changed)

	paid, err := m.MarkPaid(newPending(t, m), "ref", t0)
	require.NoError(t, err)
	confirmed, err := m.ConfirmDelivery(paid, "654321", t0)
	require.NoError(t, err)
	_, changed = m.CheckExpiry(confirmed, far)
	assert.False(t, changed)

	refunded, err := m.Refund(paid, "admin@example.com", t0)
	require.NoError(t, err)
	_, changed = m.CheckExpiry(refunded, far)
	assert.False(t, changed)

	got, changed := m.CheckExpiry(nil, far)
	assert.False(t, changed)
	assert.Nil(t, got)
}

func TestRefund(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"654321"}})

	pending := newPending(t, m)
	refunded, err := m.Refund(pending, "ops", t0)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, refunded.Status)
	assert.False(t, refunded.LogisticsReleased)
	require.NotNil(t, refunded.RefundedAt)

	paid, err := m.MarkPaid(newPending(t, m), "ref", t0)
	require.NoError(t, err)
	refunded, err = m.Refund(paid, "ops", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, refunded.LogisticsReleased, "payout flags never reset")
	assert.Empty(t, refunded.ConfirmationCode)

	_, err = m.Refund(refunded, "ops", t0)
	assert.True(t, IsInvalidTransition(err))

	_, err = m.Refund(paid, "", t0)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRefundRejectsTerminal(t *testing.T) {
	m := NewMachine(&fixedCodes{codes: []string{"654321"}})
	paid, err := m.MarkPaid(newPending(t, m), "ref", t0)
	require.NoError(t, err)
	expired, _ := m.CheckExpiry(paid, t0.Add(100*time.Hour))

	_, err = m.Refund(expired, "ops", t0)
	assert.True(t, IsInvalidTransition(err))
}
