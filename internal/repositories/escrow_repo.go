package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const escrowColumns = `
	id, seller_id, product_name, product_price, logistics_fee, buyer_phone, buyer_email,
	status, confirmation_code, gateway_reference, logistics_released, product_released,
	created_at, updated_at, paid_at, confirmed_at, deadline, refunded_at, expired_at,
	code_notified_at, notify_attempts`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*models.EscrowTransaction, error) {
	var (
		t   models.EscrowTransaction
		ref *string
	)
	err := row.Scan(&t.ID, &t.SellerID, &t.ProductName, &t.ProductPrice, &t.LogisticsFee, &t.BuyerPhone, &t.BuyerEmail,
		&t.Status, &t.ConfirmationCode, &ref, &t.LogisticsReleased, &t.ProductReleased,
		&t.CreatedAt, &t.UpdatedAt, &t.PaidAt, &t.ConfirmedAt, &t.Deadline, &t.RefundedAt, &t.ExpiredAt,
		&t.CodeNotifiedAt, &t.NotifyAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ref != nil {
		t.GatewayReference = *ref
	}
	return &t, nil
}

func nullableRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}

func (r *EscrowRepo) Create(ctx context.Context, t *models.EscrowTransaction) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_transactions (id, seller_id, product_name, product_price, logistics_fee,
			buyer_phone, buyer_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.SellerID, t.ProductName, t.ProductPrice, t.LogisticsFee,
		t.BuyerPhone, t.BuyerEmail, t.Status, t.CreatedAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id))
}

// AddReference records a gateway reference issued for an escrow. It must be
// called before the reference is sent to the gateway.
func (r *EscrowRepo) AddReference(ctx context.Context, id uuid.UUID, reference string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_references (reference, escrow_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (reference) DO NOTHING
	`, reference, id, at)
	if err != nil {
		return fmt.Errorf("record payment reference: %w", err)
	}
	return nil
}

// GetByReference resolves any reference ever issued for an escrow, not only
// the latest one stored on the row.
func (r *EscrowRepo) GetByReference(ctx context.Context, reference string) (*models.EscrowTransaction, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE id = (SELECT escrow_id FROM payment_references WHERE reference = $1)
			OR gateway_reference = $1
		LIMIT 1
	`, reference))
}

// Update locks the row, hands it to fn and persists what fn returns, all in
// one database transaction. A nil result from fn means nothing to write.
// Errors from fn roll back and are returned unchanged.
func (r *EscrowRepo) Update(ctx context.Context, id uuid.UUID, fn func(*models.EscrowTransaction) (*models.EscrowTransaction, error)) (*models.EscrowTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, tx.Commit(ctx)
	}

	// Write-once fields are guarded in SQL as well, so a buggy caller cannot
	// clear a release flag or move a deadline.
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions SET
			status = $2,
			confirmation_code = $3,
			gateway_reference = $4,
			logistics_released = logistics_released OR $5,
			product_released = product_released OR $6,
			paid_at = COALESCE(paid_at, $7),
			confirmed_at = COALESCE(confirmed_at, $8),
			deadline = COALESCE(deadline, $9),
			refunded_at = COALESCE(refunded_at, $10),
			expired_at = COALESCE(expired_at, $11),
			code_notified_at = $12,
			notify_attempts = $13,
			updated_at = $14
		WHERE id = $1 AND status = $15
	`, id, next.Status, next.ConfirmationCode, nullableRef(next.GatewayReference),
		next.LogisticsReleased, next.ProductReleased,
		next.PaidAt, next.ConfirmedAt, next.Deadline, next.RefundedAt, next.ExpiredAt,
		next.CodeNotifiedAt, next.NotifyAttempts, next.UpdatedAt, cur.Status)
	if err != nil {
		return nil, fmt.Errorf("update escrow %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("update escrow %s: row changed concurrently", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *EscrowRepo) ListBySeller(ctx context.Context, f EscrowFilter) ([]models.EscrowTransaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE seller_id = $1`
	args := []any{f.SellerID}
	if f.Status != nil {
		query += ` AND status = $2`
		args = append(args, *f.Status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.EscrowTransaction
	for rows.Next() {
		t, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

// ListOverdue returns paid transactions whose deadline is before now.
func (r *EscrowRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM escrow_transactions
		WHERE status = 'paid' AND deadline < $1
		ORDER BY deadline LIMIT $2
	`, now, limit)
}

// ListUnnotified returns paid transactions whose code has not been delivered yet.
func (r *EscrowRepo) ListUnnotified(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM escrow_transactions
		WHERE status = 'paid' AND code_notified_at IS NULL AND notify_attempts < $1
		ORDER BY paid_at LIMIT $2
	`, maxAttempts, limit)
}

// ListPendingReferences returns every reference issued before olderThan
// whose escrow is still pending, oldest first.
func (r *EscrowRepo) ListPendingReferences(ctx context.Context, olderThan time.Time, limit int) ([]PendingReference, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT pr.escrow_id, pr.reference
		FROM payment_references pr
		JOIN escrow_transactions e ON e.id = pr.escrow_id
		WHERE e.status = 'pending' AND pr.created_at < $1
		ORDER BY pr.created_at LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []PendingReference
	for rows.Next() {
		var p PendingReference
		if err := rows.Scan(&p.EscrowID, &p.Reference); err != nil {
			return nil, err
		}
		refs = append(refs, p)
	}
	return refs, rows.Err()
}

func (r *EscrowRepo) listIDs(ctx context.Context, query string, arg any, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type PendingReference struct {
	EscrowID  uuid.UUID
	Reference string
}

type EscrowFilter struct {
	SellerID uuid.UUID
	Status   *string
	Limit    int
	Offset   int
}
