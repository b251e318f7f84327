package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/events"
	"github.com/escrowlink/backend/internal/gateway"
	"github.com/escrowlink/backend/internal/middleware"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/rbac"
	"github.com/escrowlink/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubService panics on any method a test did not override.
type stubService struct {
	EscrowService

	createLink      func(uuid.UUID, services.CreateLinkInput) (*models.EscrowTransaction, error)
	get             func(uuid.UUID) (*models.EscrowTransaction, error)
	getForOwner     func(owner, id uuid.UUID, isAdmin bool) (*models.EscrowTransaction, error)
	confirmPayment  func(string) (*models.EscrowTransaction, error)
	handleWebhook   func([]byte, string) (bool, error)
	confirmDelivery func(uuid.UUID, string) (*models.EscrowTransaction, error)
	refund          func(uuid.UUID, services.Actor, string) (*models.EscrowTransaction, error)
}

func (s *stubService) CreateLink(_ context.Context, owner uuid.UUID, in services.CreateLinkInput) (*models.EscrowTransaction, error) {
	return s.createLink(owner, in)
}

func (s *stubService) Get(_ context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return s.get(id)
}

func (s *stubService) GetForOwner(_ context.Context, owner, id uuid.UUID, isAdmin bool) (*models.EscrowTransaction, error) {
	return s.getForOwner(owner, id, isAdmin)
}

func (s *stubService) ConfirmPayment(_ context.Context, ref string, _ services.Actor) (*models.EscrowTransaction, error) {
	return s.confirmPayment(ref)
}

func (s *stubService) HandleWebhook(_ context.Context, payload []byte, sig string) (bool, error) {
	return s.handleWebhook(payload, sig)
}

func (s *stubService) ConfirmDelivery(_ context.Context, id uuid.UUID, code string) (*models.EscrowTransaction, error) {
	return s.confirmDelivery(id, code)
}

func (s *stubService) Refund(_ context.Context, id uuid.UUID, actor services.Actor, reason string) (*models.EscrowTransaction, error) {
	return s.refund(id, actor, reason)
}

var testCfg = &config.Config{SiteURL: "https://escrow.example.com"}

// withUser stands in for AuthMiddleware.
func withUser(id uuid.UUID, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals(middleware.CtxUserID, id)
		c.Locals(middleware.CtxRole, role)
		return c.Next()
	}
}

func sampleTx() *models.EscrowTransaction {
	return &models.EscrowTransaction{
		ID:               uuid.New(),
		SellerID:         uuid.New(),
		ProductName:      "Phone",
		ProductPrice:     decimal.RequireFromString("10000.00"),
		LogisticsFee:     decimal.RequireFromString("500.00"),
		Status:           models.EscrowStatusPending,
		ConfirmationCode: "482913",
	}
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestCreateLink(t *testing.T) {
	owner := uuid.New()
	var got services.CreateLinkInput
	svc := &stubService{createLink: func(o uuid.UUID, in services.CreateLinkInput) (*models.EscrowTransaction, error) {
		assert.Equal(t, owner, o)
		got = in
		return sampleTx(), nil
	}}
	app := fiber.New()
	app.Post("/escrows", withUser(owner, rbac.RoleSeller), NewEscrowHandler(svc, testCfg, zap.NewNop()).CreateLink)

	status, body := do(t, app, "POST", "/escrows", `{"product_name":"Phone","product_price":"10000.00","logistics_fee":"500","buyer_email":"b@example.com","seller":{"phone":"0800","bank_account":"0123456789"}}`)
	require.Equal(t, fiber.StatusCreated, status)

	assert.True(t, got.ProductPrice.Equal(decimal.RequireFromString("10000")))
	assert.True(t, got.LogisticsFee.Equal(decimal.RequireFromString("500")))
	require.NotNil(t, got.Seller)
	assert.Equal(t, "0123456789", got.Seller.BankAccount)

	data := body["data"].(map[string]any)
	assert.Equal(t, "10500.00", data["total_amount"])
	assert.Equal(t, "250.00", data["platform_fee"])
	assert.Equal(t, "9750.00", data["seller_amount"])
	assert.True(t, strings.HasPrefix(data["payment_url"].(string), "https://escrow.example.com/pay/"))
	assert.NotContains(t, data, "confirmation_code")
}

func TestCreateLinkRejectsBadAmount(t *testing.T) {
	app := fiber.New()
	app.Post("/escrows", withUser(uuid.New(), rbac.RoleSeller), NewEscrowHandler(&stubService{}, testCfg, zap.NewNop()).CreateLink)

	for _, price := range []string{"", "-5", "1.234", "abc"} {
		status, body := do(t, app, "POST", "/escrows", fmt.Sprintf(`{"product_name":"Phone","product_price":%q}`, price))
		assert.Equal(t, fiber.StatusBadRequest, status, "price %q", price)
		assert.Contains(t, body["error"], "product_price")
	}
}

func TestGetEscrowMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", escrow.ErrNotFound, fiber.StatusNotFound},
		{"forbidden", escrow.ErrForbidden, fiber.StatusForbidden},
		{"unexpected", fmt.Errorf("db down"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{getForOwner: func(uuid.UUID, uuid.UUID, bool) (*models.EscrowTransaction, error) {
				return nil, tt.err
			}}
			app := fiber.New()
			app.Get("/escrows/:id", withUser(uuid.New(), rbac.RoleSeller), NewEscrowHandler(svc, testCfg, zap.NewNop()).GetEscrow)

			status, body := do(t, app, "GET", "/escrows/"+uuid.NewString(), "")
			assert.Equal(t, tt.status, status)
			if tt.status == fiber.StatusInternalServerError {
				assert.Equal(t, "internal error", body["error"])
			}
		})
	}

	app := fiber.New()
	app.Get("/escrows/:id", NewEscrowHandler(&stubService{}, testCfg, zap.NewNop()).GetEscrow)
	status, _ := do(t, app, "GET", "/escrows/not-a-uuid", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestGetEscrowPassesAdminFlag(t *testing.T) {
	var sawAdmin bool
	svc := &stubService{getForOwner: func(_, _ uuid.UUID, isAdmin bool) (*models.EscrowTransaction, error) {
		sawAdmin = isAdmin
		return sampleTx(), nil
	}}
	app := fiber.New()
	app.Get("/escrows/:id", withUser(uuid.New(), rbac.RoleSupport), NewEscrowHandler(svc, testCfg, zap.NewNop()).GetEscrow)

	status, _ := do(t, app, "GET", "/escrows/"+uuid.NewString(), "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, sawAdmin)
}

func TestPaymentPageHidesSellerDetails(t *testing.T) {
	tx := sampleTx()
	svc := &stubService{get: func(uuid.UUID) (*models.EscrowTransaction, error) { return tx, nil }}
	app := fiber.New()
	app.Get("/pay/:id", NewPaymentHandler(svc, zap.NewNop()).GetPaymentPage)

	status, body := do(t, app, "GET", "/pay/"+tx.ID.String(), "")
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "10500.00", data["total_amount"])
	assert.NotContains(t, data, "seller_id")
	assert.NotContains(t, data, "confirmation_code")
}

func TestConfirmDelivery(t *testing.T) {
	id := uuid.New()
	svc := &stubService{confirmDelivery: func(_ uuid.UUID, code string) (*models.EscrowTransaction, error) {
		switch code {
		case "482913":
			tx := sampleTx()
			tx.ID = id
			tx.Status = models.EscrowStatusConfirmed
			return tx, nil
		case "000000":
			return nil, &escrow.InvalidCodeError{ID: id, Attempts: 2, Remaining: 3}
		default:
			return nil, escrow.ErrTooManyAttempts
		}
	}}
	app := fiber.New()
	app.Post("/confirm/:id", NewPaymentHandler(svc, zap.NewNop()).ConfirmDelivery)
	path := "/confirm/" + id.String()

	status, body := do(t, app, "POST", path, `{"code":"482913"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.EscrowStatusConfirmed, body["data"].(map[string]any)["status"])

	status, body = do(t, app, "POST", path, `{"code":"000000"}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	details := body["details"].(map[string]any)
	assert.EqualValues(t, 2, details["attempts"])
	assert.EqualValues(t, 3, details["remaining"])

	status, _ = do(t, app, "POST", path, `{"code":"111111"}`)
	assert.Equal(t, fiber.StatusTooManyRequests, status)

	status, _ = do(t, app, "POST", path, `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestCallbackReplayIsAcknowledged(t *testing.T) {
	svc := &stubService{confirmPayment: func(string) (*models.EscrowTransaction, error) {
		return nil, &escrow.InvalidTransitionError{ID: uuid.New(), Op: escrow.OpMarkPaid, From: models.EscrowStatusPaid}
	}}
	app := fiber.New()
	app.Get("/paystack/callback", NewPaymentHandler(svc, zap.NewNop()).Callback)

	status, body := do(t, app, "GET", "/paystack/callback?reference=esc_x", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]any)["already_processed"])
}

func TestCallbackPaymentNotCompleted(t *testing.T) {
	svc := &stubService{confirmPayment: func(string) (*models.EscrowTransaction, error) {
		return nil, escrow.ErrPaymentNotCompleted
	}}
	app := fiber.New()
	app.Get("/paystack/callback", NewPaymentHandler(svc, zap.NewNop()).Callback)

	status, _ := do(t, app, "GET", "/paystack/callback?trxref=esc_x", "")
	assert.Equal(t, fiber.StatusPaymentRequired, status)
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"processed", nil, fiber.StatusOK},
		{"unknown reference", escrow.ErrNotFound, fiber.StatusOK},
		{"bad signature", escrow.ErrInvalidSignature, fiber.StatusUnauthorized},
		{"gateway down", &escrow.GatewayError{Op: "verify", Retryable: true, Err: fmt.Errorf("timeout")}, fiber.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawSig string
			svc := &stubService{handleWebhook: func(_ []byte, sig string) (bool, error) {
				sawSig = sig
				return tt.err == nil, tt.err
			}}
			app := fiber.New()
			app.Post("/paystack/webhook", NewPaymentHandler(svc, zap.NewNop()).Webhook)

			req := httptest.NewRequest("POST", "/paystack/webhook", strings.NewReader(`{"event":"charge.success"}`))
			req.Header.Set(gateway.SignatureHeader, "abc")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "abc", sawSig)
		})
	}
}

func TestRefundUsesAdminActor(t *testing.T) {
	adminID := uuid.New()
	var actor services.Actor
	var reason string
	svc := &stubService{refund: func(_ uuid.UUID, a services.Actor, r string) (*models.EscrowTransaction, error) {
		actor, reason = a, r
		tx := sampleTx()
		tx.Status = models.EscrowStatusRefunded
		return tx, nil
	}}
	app := fiber.New()
	app.Post("/admin/escrows/:id/refund", withUser(adminID, rbac.RoleAdmin), NewAdminHandler(svc, zap.NewNop()).Refund)

	status, _ := do(t, app, "POST", "/admin/escrows/"+uuid.NewString()+"/refund", `{"reason":"buyer dispute"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.ActorTypeAdmin, actor.Type)
	require.NotNil(t, actor.UserID)
	assert.Equal(t, adminID, *actor.UserID)
	assert.Equal(t, "buyer dispute", reason)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, fiber.StatusBadRequest, statusFor(&escrow.ValidationError{Field: "x", Reason: "y"}))
	assert.Equal(t, fiber.StatusConflict, statusFor(fmt.Errorf("wrap: %w", escrow.ErrAmountMismatch)))
	assert.Equal(t, fiber.StatusBadGateway, statusFor(&escrow.NotificationError{ID: uuid.New(), Err: fmt.Errorf("smtp")}))
	assert.Equal(t, fiber.StatusNotFound, statusFor(escrow.ErrSellerNotFound))
}

func TestEventSellerID(t *testing.T) {
	id := uuid.New()
	got, ok := eventSellerID(events.Event{Payload: map[string]any{"seller_id": id.String()}})
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = eventSellerID(events.Event{Payload: map[string]any{"seller_id": "nope"}})
	assert.False(t, ok)
	_, ok = eventSellerID(events.Event{})
	assert.False(t, ok)
}
