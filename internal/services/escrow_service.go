package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/events"
	"github.com/escrowlink/backend/internal/gateway"
	"github.com/escrowlink/backend/internal/ledger"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/notify"
	"github.com/escrowlink/backend/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const entityEscrow = "escrow"

// EscrowStore persists transactions. Update must serialize concurrent
// callers per id and persist nothing when fn fails or returns nil.
type EscrowStore interface {
	Create(ctx context.Context, t *models.EscrowTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetByReference(ctx context.Context, reference string) (*models.EscrowTransaction, error)
	AddReference(ctx context.Context, id uuid.UUID, reference string, at time.Time) error
	Update(ctx context.Context, id uuid.UUID, fn func(*models.EscrowTransaction) (*models.EscrowTransaction, error)) (*models.EscrowTransaction, error)
	ListBySeller(ctx context.Context, f repositories.EscrowFilter) ([]models.EscrowTransaction, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListUnnotified(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error)
	ListPendingReferences(ctx context.Context, olderThan time.Time, limit int) ([]repositories.PendingReference, error)
}

type SellerStore interface {
	Upsert(ctx context.Context, s *models.Seller) error
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Seller, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// AttemptLimiter bounds confirmation code submissions per transaction.
// Reserve must count atomically: with max N, at most N concurrent callers
// get ok.
type AttemptLimiter interface {
	Reserve(ctx context.Context, id uuid.UUID) (used, remaining int, ok bool)
	Release(ctx context.Context, id uuid.UUID) error
	Reset(ctx context.Context, id uuid.UUID) error
}

// Actor identifies who triggered an operation, for the audit trail.
type Actor struct {
	UserID *uuid.UUID
	Type   string
}

var (
	SystemActor  = Actor{Type: models.ActorTypeSystem}
	GatewayActor = Actor{Type: models.ActorTypeGateway}
	BuyerActor   = Actor{Type: models.ActorTypeBuyer}
)

func (a Actor) String() string {
	if a.UserID != nil {
		return a.Type + ":" + a.UserID.String()
	}
	return a.Type
}

type SellerInput struct {
	Phone       string
	BankAccount string
	BankName    *string
}

type CreateLinkInput struct {
	escrow.CreateInput
	// Seller is required on the owner's first link and updates the profile otherwise.
	Seller *SellerInput
}

type EscrowService struct {
	escrows   EscrowStore
	sellers   SellerStore
	audit     AuditStore
	attempts  AttemptLimiter
	gateway   gateway.Gateway
	notifier  notify.Notifier
	publisher events.Publisher
	machine   *escrow.Machine
	cfg       *config.Config
	log       *zap.Logger

	now      func() time.Time
	inflight sync.WaitGroup
}

func NewEscrowService(
	escrows EscrowStore,
	sellers SellerStore,
	audit AuditStore,
	attempts AttemptLimiter,
	gw gateway.Gateway,
	notifier notify.Notifier,
	publisher events.Publisher,
	machine *escrow.Machine,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		escrows:   escrows,
		sellers:   sellers,
		audit:     audit,
		attempts:  attempts,
		gateway:   gw,
		notifier:  notifier,
		publisher: publisher,
		machine:   machine,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *EscrowService) SetClock(now func() time.Time) {
	s.now = now
}

// Wait blocks until background code deliveries have finished.
func (s *EscrowService) Wait() {
	s.inflight.Wait()
}

// ---- Sellers ----

func (s *EscrowService) GetSeller(ctx context.Context, ownerID uuid.UUID) (*models.Seller, error) {
	return s.sellers.GetByOwner(ctx, ownerID)
}

func (s *EscrowService) SaveSeller(ctx context.Context, ownerID uuid.UUID, in SellerInput) (*models.Seller, error) {
	phone := strings.TrimSpace(in.Phone)
	account := strings.TrimSpace(in.BankAccount)
	if phone == "" {
		return nil, &escrow.ValidationError{Field: "phone", Reason: "is required"}
	}
	if account == "" {
		return nil, &escrow.ValidationError{Field: "bank_account", Reason: "is required"}
	}

	seller := &models.Seller{
		OwnerID:     ownerID,
		Phone:       phone,
		BankAccount: account,
	}
	if in.BankName != nil {
		if name := strings.TrimSpace(*in.BankName); name != "" {
			seller.BankName = &name
		}
	}
	if err := s.sellers.Upsert(ctx, seller); err != nil {
		return nil, fmt.Errorf("save seller: %w", err)
	}

	s.writeAudit(ctx, Actor{UserID: &ownerID, Type: models.ActorTypeSeller}, "seller_saved", "seller", seller.ID, nil)
	return seller, nil
}

// ---- Links ----

func (s *EscrowService) CreateLink(ctx context.Context, ownerID uuid.UUID, in CreateLinkInput) (*models.EscrowTransaction, error) {
	seller, err := s.sellers.GetByOwner(ctx, ownerID)
	switch {
	case err == nil && in.Seller != nil:
		seller, err = s.SaveSeller(ctx, ownerID, *in.Seller)
	case errors.Is(err, escrow.ErrSellerNotFound):
		if in.Seller == nil {
			return nil, &escrow.ValidationError{Field: "seller", Reason: "phone and bank_account are required for the first payment link"}
		}
		seller, err = s.SaveSeller(ctx, ownerID, *in.Seller)
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.machine.Create(seller, in.CreateInput, s.now())
	if err == nil && !tx.TotalAmount().IsPositive() {
		// The gateway cannot charge a zero amount, so such a link could never be paid.
		err = &escrow.ValidationError{Field: "product_price", Reason: "total amount must be greater than zero"}
	}
	if err != nil {
		transitionsTotal.WithLabelValues(escrow.OpCreate, "rejected").Inc()
		return nil, err
	}
	if err := s.escrows.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("store escrow: %w", err)
	}
	transitionsTotal.WithLabelValues(escrow.OpCreate, "ok").Inc()

	actor := Actor{UserID: &ownerID, Type: models.ActorTypeSeller}
	s.writeAudit(ctx, actor, "escrow_created", entityEscrow, tx.ID, map[string]any{
		"product_price": tx.ProductPrice.StringFixed(2),
		"logistics_fee": tx.LogisticsFee.StringFixed(2),
	})
	s.publish(ctx, events.EventEscrowCreated, tx, nil)

	s.log.Info("payment link created",
		zap.String("escrow_id", tx.ID.String()),
		zap.String("seller_id", seller.ID.String()),
		zap.String("total", tx.TotalAmount().StringFixed(2)),
	)
	return tx, nil
}

// Get returns a transaction without any ownership check. Used by the public
// payment page, which only ever exposes the buyer-facing summary.
func (s *EscrowService) Get(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return s.escrows.GetByID(ctx, id)
}

// GetForOwner returns a transaction if ownerID is its seller or isAdmin is set.
func (s *EscrowService) GetForOwner(ctx context.Context, ownerID, id uuid.UUID, isAdmin bool) (*models.EscrowTransaction, error) {
	tx, err := s.escrows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		return tx, nil
	}
	seller, err := s.sellers.GetByOwner(ctx, ownerID)
	if errors.Is(err, escrow.ErrSellerNotFound) {
		return nil, escrow.ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if tx.SellerID != seller.ID {
		return nil, escrow.ErrForbidden
	}
	return tx, nil
}

func (s *EscrowService) ListForOwner(ctx context.Context, ownerID uuid.UUID, status *string, limit, offset int) ([]models.EscrowTransaction, error) {
	seller, err := s.sellers.GetByOwner(ctx, ownerID)
	if errors.Is(err, escrow.ErrSellerNotFound) {
		return []models.EscrowTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.escrows.ListBySeller(ctx, repositories.EscrowFilter{
		SellerID: seller.ID,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *EscrowService) GetEvents(ctx context.Context, ownerID, id uuid.UUID, isAdmin bool, limit, offset int) ([]models.AuditLog, error) {
	if _, err := s.GetForOwner(ctx, ownerID, id, isAdmin); err != nil {
		return nil, err
	}
	return s.audit.GetByEntity(ctx, entityEscrow, id, limit, offset)
}

// ---- Payment ----

// InitializePayment opens a gateway checkout for a pending transaction and
// stores the reference the gateway will report back.
func (s *EscrowService) InitializePayment(ctx context.Context, id uuid.UUID) (*gateway.InitializeResult, error) {
	tx, err := s.escrows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.EscrowStatusPending {
		return nil, &escrow.InvalidTransitionError{ID: tx.ID, Op: escrow.OpInitialize, From: tx.Status}
	}
	if tx.BuyerEmail == "" {
		return nil, &escrow.ValidationError{Field: "buyer_email", Reason: "is required to start a card payment"}
	}

	ref, err := gateway.NewReference(s.now())
	if err != nil {
		return nil, fmt.Errorf("generate payment reference: %w", err)
	}
	// Recorded before the gateway sees it. Older references stay resolvable
	// after a later initialize replaces gateway_reference.
	if err := s.escrows.AddReference(ctx, id, ref, s.now()); err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.gateway.Initialize(gctx, gateway.InitializeRequest{
		Reference:   ref,
		AmountMinor: ledger.ToMinorUnits(tx.TotalAmount()),
		Email:       tx.BuyerEmail,
		CallbackURL: s.cfg.CallbackURL(),
		Metadata: map[string]any{
			"escrow_id":     tx.ID.String(),
			"product_name":  tx.ProductName,
			"product_price": tx.ProductPrice.StringFixed(2),
			"logistics_fee": tx.LogisticsFee.StringFixed(2),
		},
	})
	gatewayRequestDuration.WithLabelValues(escrow.OpInitialize, resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Warn("payment initialize failed", zap.String("escrow_id", tx.ID.String()), zap.Error(err))
		return nil, err
	}
	if res.Reference != "" && res.Reference != ref {
		ref = res.Reference
		if err := s.escrows.AddReference(ctx, id, ref, s.now()); err != nil {
			return nil, err
		}
	}

	_, err = s.escrows.Update(ctx, id, func(cur *models.EscrowTransaction) (*models.EscrowTransaction, error) {
		if cur.Status != models.EscrowStatusPending {
			return nil, &escrow.InvalidTransitionError{ID: cur.ID, Op: escrow.OpInitialize, From: cur.Status}
		}
		cur.GatewayReference = ref
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, BuyerActor, "payment_initialized", entityEscrow, id, map[string]any{"reference": ref})
	return res, nil
}

// ConfirmPayment verifies a gateway reference and marks its transaction
// paid. Verification runs outside the row lock; a replayed reference for a
// transaction that is no longer pending fails with InvalidTransitionError
// without calling the gateway.
func (s *EscrowService) ConfirmPayment(ctx context.Context, reference string, actor Actor) (*models.EscrowTransaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, &escrow.ValidationError{Field: "reference", Reason: "is required"}
	}
	tx, err := s.escrows.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.EscrowStatusPending {
		transitionsTotal.WithLabelValues(escrow.OpMarkPaid, "replay").Inc()
		if tx.GatewayReference != reference {
			s.log.Warn("callback for another checkout of a settled escrow, check for a double charge",
				zap.String("escrow_id", tx.ID.String()),
				zap.String("reference", reference),
				zap.String("settled_reference", tx.GatewayReference),
				zap.String("status", tx.Status),
			)
		}
		return nil, &escrow.InvalidTransitionError{ID: tx.ID, Op: escrow.OpMarkPaid, From: tx.Status, Reason: "payment already processed"}
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.gateway.Verify(gctx, reference)
	gatewayRequestDuration.WithLabelValues("verify", resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if !res.Success {
		s.log.Info("payment not completed",
			zap.String("escrow_id", tx.ID.String()),
			zap.String("reference", reference),
			zap.String("gateway_status", res.RawStatus),
		)
		return nil, escrow.ErrPaymentNotCompleted
	}
	if want := ledger.ToMinorUnits(tx.TotalAmount()); res.AmountMinor != want {
		s.log.Error("paid amount mismatch",
			zap.String("escrow_id", tx.ID.String()),
			zap.Int64("expected_minor", want),
			zap.Int64("paid_minor", res.AmountMinor),
		)
		s.writeAudit(ctx, actor, "payment_amount_mismatch", entityEscrow, tx.ID, map[string]any{
			"reference":      reference,
			"expected_minor": want,
			"paid_minor":     res.AmountMinor,
		})
		return nil, escrow.ErrAmountMismatch
	}

	return s.MarkPaid(ctx, tx.ID, reference, actor)
}

// MarkPaid applies a verified payment. Callers must have verified it first.
func (s *EscrowService) MarkPaid(ctx context.Context, id uuid.UUID, reference string, actor Actor) (*models.EscrowTransaction, error) {
	tx, err := s.escrows.Update(ctx, id, func(cur *models.EscrowTransaction) (*models.EscrowTransaction, error) {
		return s.machine.MarkPaid(cur, reference, s.now())
	})
	transitionsTotal.WithLabelValues(escrow.OpMarkPaid, resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, actor, "escrow_paid", entityEscrow, tx.ID, map[string]any{
		"reference":     tx.GatewayReference,
		"deadline":      tx.Deadline,
		"logistics_fee": tx.LogisticsFee.StringFixed(2),
	})
	s.publishStatus(ctx, tx, models.EscrowStatusPending)
	s.publish(ctx, events.EventPaymentReceived, tx, map[string]any{
		"total_amount": tx.TotalAmount().StringFixed(2),
	})
	s.log.Info("escrow paid",
		zap.String("escrow_id", tx.ID.String()),
		zap.String("reference", tx.GatewayReference),
		zap.Timep("deadline", tx.Deadline),
	)

	s.deliverCodeAsync(tx)
	return tx, nil
}

// HandleWebhook authenticates and applies a gateway webhook. It reports
// whether the call changed anything; replays are acknowledged with false.
func (s *EscrowService) HandleWebhook(ctx context.Context, payload []byte, signature string) (bool, error) {
	if !gateway.VerifyWebhookSignature(payload, signature, s.cfg.PaystackWebhookSecret) {
		return false, escrow.ErrInvalidSignature
	}
	ev, err := gateway.ParseWebhookEvent(payload)
	if err != nil {
		return false, &escrow.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if ev.Event != gateway.EventChargeSuccess {
		s.log.Debug("ignoring webhook event", zap.String("event", ev.Event))
		return false, nil
	}

	_, err = s.ConfirmPayment(ctx, ev.Data.Reference, GatewayActor)
	switch {
	case err == nil:
		return true, nil
	case escrow.IsInvalidTransition(err):
		s.log.Info("webhook replay acknowledged", zap.String("reference", ev.Data.Reference))
		return false, nil
	default:
		return false, err
	}
}

// ReferenceClaimer throttles how often one reference is re-verified.
type ReferenceClaimer interface {
	TryClaim(ctx context.Context, reference string) bool
}

// ReconcilePending re-verifies every reference issued at least minAge ago
// for a transaction that is still pending, since the buyer may have paid on
// any checkout they opened. It returns how many transactions were marked paid.
func (s *EscrowService) ReconcilePending(ctx context.Context, minAge time.Duration, claims ReferenceClaimer) (int, error) {
	refs, err := s.escrows.ListPendingReferences(ctx, s.now().Add(-minAge), 100)
	if err != nil {
		return 0, fmt.Errorf("list pending references: %w", err)
	}

	paid := 0
	for _, ref := range refs {
		if claims != nil && !claims.TryClaim(ctx, ref.Reference) {
			continue
		}

		_, err := s.ConfirmPayment(ctx, ref.Reference, SystemActor)
		switch {
		case err == nil:
			paid++
			s.log.Info("reconciled missed payment", zap.String("escrow_id", ref.EscrowID.String()), zap.String("reference", ref.Reference))
		case errors.Is(err, escrow.ErrPaymentNotCompleted), escrow.IsInvalidTransition(err):
		default:
			s.log.Warn("reconcile verify failed",
				zap.String("escrow_id", ref.EscrowID.String()),
				zap.String("reference", ref.Reference),
				zap.Error(err),
			)
		}
	}
	return paid, nil
}

// ---- Delivery ----

// ConfirmDelivery checks the buyer's code and releases the product payment.
// An overdue transaction is expired first, so a late code always fails.
func (s *EscrowService) ConfirmDelivery(ctx context.Context, id uuid.UUID, code string) (*models.EscrowTransaction, error) {
	var used, remaining int
	if s.attempts != nil {
		var ok bool
		used, remaining, ok = s.attempts.Reserve(ctx, id)
		if !ok {
			transitionsTotal.WithLabelValues(escrow.OpConfirm, "throttled").Inc()
			return nil, escrow.ErrTooManyAttempts
		}
	}

	if _, _, err := s.expireIfDue(ctx, id); err != nil {
		s.releaseAttempt(ctx, id)
		return nil, err
	}

	tx, err := s.escrows.Update(ctx, id, func(cur *models.EscrowTransaction) (*models.EscrowTransaction, error) {
		return s.machine.ConfirmDelivery(cur, code, s.now())
	})
	if err != nil {
		var codeErr *escrow.InvalidCodeError
		if errors.As(err, &codeErr) {
			transitionsTotal.WithLabelValues(escrow.OpConfirm, "invalid_code").Inc()
			if s.attempts != nil {
				codeErr.Attempts, codeErr.Remaining = used, remaining
			}
			s.writeAudit(ctx, BuyerActor, "confirmation_code_rejected", entityEscrow, id, map[string]any{
				"attempts": codeErr.Attempts,
			})
			return nil, codeErr
		}
		// The code was never compared, so the attempt does not count.
		s.releaseAttempt(ctx, id)
		transitionsTotal.WithLabelValues(escrow.OpConfirm, "error").Inc()
		return nil, err
	}
	transitionsTotal.WithLabelValues(escrow.OpConfirm, "ok").Inc()

	if s.attempts != nil {
		_ = s.attempts.Reset(ctx, id)
	}
	s.writeAudit(ctx, BuyerActor, "escrow_confirmed", entityEscrow, tx.ID, map[string]any{
		"seller_amount": tx.SellerAmount().StringFixed(2),
		"platform_fee":  tx.PlatformFee().StringFixed(2),
	})
	s.publishStatus(ctx, tx, models.EscrowStatusPaid)
	s.log.Info("delivery confirmed, product payment released",
		zap.String("escrow_id", tx.ID.String()),
		zap.String("seller_amount", tx.SellerAmount().StringFixed(2)),
	)
	return tx, nil
}

func (s *EscrowService) releaseAttempt(ctx context.Context, id uuid.UUID) {
	if s.attempts == nil {
		return
	}
	if err := s.attempts.Release(ctx, id); err != nil {
		s.log.Warn("release confirm attempt failed", zap.String("escrow_id", id.String()), zap.Error(err))
	}
}

// expireIfDue runs the expiry check under the row lock.
func (s *EscrowService) expireIfDue(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, bool, error) {
	var changed bool
	tx, err := s.escrows.Update(ctx, id, func(cur *models.EscrowTransaction) (*models.EscrowTransaction, error) {
		next, ok := s.machine.CheckExpiry(cur, s.now())
		if !ok {
			return nil, nil
		}
		changed = true
		return next, nil
	})
	if err != nil || !changed {
		return tx, false, err
	}

	expiredTotal.Inc()
	transitionsTotal.WithLabelValues(escrow.OpExpire, "ok").Inc()
	s.writeAudit(ctx, SystemActor, "escrow_expired", entityEscrow, tx.ID, map[string]any{
		"deadline": tx.Deadline,
	})
	s.publishStatus(ctx, tx, models.EscrowStatusPaid)
	s.log.Warn("escrow expired without confirmation, flagged for review",
		zap.String("escrow_id", tx.ID.String()),
		zap.Timep("deadline", tx.Deadline),
	)
	return tx, true, nil
}

// SweepExpired expires every overdue paid transaction and returns how many changed.
func (s *EscrowService) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.escrows.ListOverdue(ctx, s.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	expired := 0
	for _, id := range ids {
		_, changed, err := s.expireIfDue(ctx, id)
		if err != nil {
			s.log.Error("expire failed", zap.String("escrow_id", id.String()), zap.Error(err))
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// Refund is an administrative action on a pending or paid transaction.
func (s *EscrowService) Refund(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*models.EscrowTransaction, error) {
	var from string
	tx, err := s.escrows.Update(ctx, id, func(cur *models.EscrowTransaction) (*models.EscrowTransaction, error) {
		from = cur.Status
		return s.machine.Refund(cur, actor.String(), s.now())
	})
	transitionsTotal.WithLabelValues(escrow.OpRefund, resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, actor, "escrow_refunded", entityEscrow, tx.ID, map[string]any{
		"from_status":        from,
		"reason":             reason,
		"logistics_released": tx.LogisticsReleased,
	})
	s.publishStatus(ctx, tx, from)
	s.log.Info("escrow refunded",
		zap.String("escrow_id", tx.ID.String()),
		zap.String("actor", actor.String()),
		zap.String("from_status", from),
	)
	return tx, nil
}

// ---- Notifications ----

// ResendConfirmationCode re-sends the existing code. It never generates a new one.
func (s *EscrowService) ResendConfirmationCode(ctx context.Context, id uuid.UUID) error {
	tx, err := s.escrows.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != models.EscrowStatusPaid {
		return &escrow.InvalidTransitionError{ID: tx.ID, Op: escrow.OpResendCode, From: tx.Status}
	}

	nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	return s.deliverCode(nctx, tx)
}

// RetryNotifications re-sends codes that never reached the buyer.
func (s *EscrowService) RetryNotifications(ctx context.Context) (int, error) {
	ids, err := s.escrows.ListUnnotified(ctx, s.cfg.NotifyMaxAttempts, 100)
	if err != nil {
		return 0, fmt.Errorf("list unnotified: %w", err)
	}

	sent := 0
	for _, id := range ids {
		if err := s.ResendConfirmationCode(ctx, id); err != nil {
			s.log.Warn("code retry failed", zap.String("escrow_id", id.String()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *EscrowService) deliverCodeAsync(tx *models.EscrowTransaction) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		_ = s.deliverCode(ctx, tx)
	}()
}

// deliverCode sends the code and records the outcome on the row. Failures
// are logged, audited and returned as *escrow.NotificationError; the
// transaction itself stays paid.
func (s *EscrowService) deliverCode(ctx context.Context, tx *models.EscrowTransaction) error {
	sendErr := s.notifier.SendConfirmationCode(ctx, tx)
	notificationsTotal.WithLabelValues(resultLabel(sendErr)).Inc()

	_, err := s.escrows.Update(ctx, tx.ID, func(cur *models.EscrowTransaction) (*models.EscrowTransaction, error) {
		if sendErr == nil {
			sentAt := s.now()
			cur.CodeNotifiedAt = &sentAt
		} else {
			cur.NotifyAttempts++
		}
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err != nil {
		s.log.Error("failed to record notification outcome", zap.String("escrow_id", tx.ID.String()), zap.Error(err))
	}

	if sendErr != nil {
		s.log.Warn("confirmation code delivery failed", zap.String("escrow_id", tx.ID.String()), zap.Error(sendErr))
		s.writeAudit(ctx, SystemActor, "notification_failed", entityEscrow, tx.ID, map[string]any{"error": sendErr.Error()})
		s.publish(ctx, events.EventNotificationFailed, tx, map[string]any{"error": sendErr.Error()})
		return &escrow.NotificationError{ID: tx.ID, Err: sendErr}
	}

	s.writeAudit(ctx, SystemActor, "confirmation_code_sent", entityEscrow, tx.ID, nil)
	s.publish(ctx, events.EventCodeSent, tx, nil)
	return nil
}

// ---- Helpers ----

func (s *EscrowService) writeAudit(ctx context.Context, actor Actor, action, entityType string, entityID uuid.UUID, meta map[string]any) {
	err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: actor.UserID,
		ActorType:   actor.Type,
		Action:      action,
		EntityType:  entityType,
		EntityID:    &entityID,
		Meta:        meta,
	})
	if err != nil {
		s.log.Error("audit log failed", zap.String("action", action), zap.String("entity_id", entityID.String()), zap.Error(err))
	}
}

func (s *EscrowService) publishStatus(ctx context.Context, tx *models.EscrowTransaction, oldStatus string) {
	s.publish(ctx, events.EventEscrowStatusChange, tx, map[string]any{
		"old_status": oldStatus,
		"new_status": tx.Status,
	})
}

func (s *EscrowService) publish(ctx context.Context, eventType string, tx *models.EscrowTransaction, extra map[string]any) {
	payload := map[string]any{
		"escrow_id": tx.ID.String(),
		"seller_id": tx.SellerID.String(),
		"status":    tx.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{Type: eventType, Payload: payload})
}
