package repositories

import (
	"context"
	"errors"

	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SellerRepo struct {
	pool *pgxpool.Pool
}

func NewSellerRepo(pool *pgxpool.Pool) *SellerRepo {
	return &SellerRepo{pool: pool}
}

// Upsert creates the owner's seller profile or updates its payout details.
func (r *SellerRepo) Upsert(ctx context.Context, s *models.Seller) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO sellers (owner_id, phone, bank_account, bank_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			bank_account = EXCLUDED.bank_account,
			bank_name = COALESCE(EXCLUDED.bank_name, sellers.bank_name),
			updated_at = now()
		RETURNING id, bank_name, created_at, updated_at
	`, s.OwnerID, s.Phone, s.BankAccount, s.BankName).Scan(&s.ID, &s.BankName, &s.CreatedAt, &s.UpdatedAt)
}

func (r *SellerRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Seller, error) {
	return r.getOne(ctx, `WHERE owner_id = $1`, ownerID)
}

func (r *SellerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Seller, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *SellerRepo) getOne(ctx context.Context, where string, arg any) (*models.Seller, error) {
	var s models.Seller
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, phone, bank_account, bank_name, created_at, updated_at
		FROM sellers `+where, arg).Scan(&s.ID, &s.OwnerID, &s.Phone, &s.BankAccount, &s.BankName, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrSellerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
