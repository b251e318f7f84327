package app

import (
	"context"
	"fmt"

	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/confirmcode"
	"github.com/escrowlink/backend/internal/db"
	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/events"
	"github.com/escrowlink/backend/internal/gateway"
	"github.com/escrowlink/backend/internal/limiter"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/notify"
	"github.com/escrowlink/backend/internal/repositories"
	"github.com/escrowlink/backend/internal/services"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps is the shared wiring of every binary.
type Deps struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Publisher *events.RedisPublisher
	Escrow    *services.EscrowService
}

// Build connects to Postgres and Redis and assembles the escrow service.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Deps, error) {
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:         int32(cfg.PostgresMaxConns),
		MinConns:         int32(cfg.PostgresMinConns),
		StatementTimeout: cfg.PostgresStatementTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	sellerRepo := repositories.NewSellerRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)
	attempts := limiter.NewConfirmAttempts(rdb, cfg.ConfirmMaxAttempts, cfg.ConfirmAttemptWindow, log)
	paystack := gateway.NewPaystackClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.GatewayTimeout, log)
	mailer := notify.NewEmailNotifier(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, func(tx *models.EscrowTransaction) string { return cfg.ConfirmURL(tx.ID) }, log)
	machine := escrow.NewMachine(confirmcode.CryptoGenerator{}, escrow.WithBuyerEmailRequired(cfg.RequireBuyerEmail))

	svc := services.NewEscrowService(escrowRepo, sellerRepo, auditRepo, attempts, paystack, mailer, publisher, machine, cfg, log)

	return &Deps{Pool: pool, Redis: rdb, Publisher: publisher, Escrow: svc}, nil
}

// Close waits for background deliveries and releases connections.
func (d *Deps) Close() {
	d.Escrow.Wait()
	_ = d.Redis.Close()
	d.Pool.Close()
}
