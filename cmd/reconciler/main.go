package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escrowlink/backend/internal/app"
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/limiter"
	"github.com/escrowlink/backend/internal/services"
	"go.uber.org/zap"
)

// The reconciler re-verifies payments whose gateway callback never arrived.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}
	defer deps.Close()

	// One claim per reference per interval, shared across replicas.
	marks := limiter.NewReconcileMarks(deps.Redis, cfg.ReconcileInterval, log)

	log.Info("reconciler started",
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("min_pending_age", cfg.ReconcileMinPendingAge),
	)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			reconcile(ctx, deps.Escrow, marks, cfg.ReconcileMinPendingAge, log)
		case <-sigCh:
			log.Info("shutting down reconciler")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func reconcile(ctx context.Context, svc *services.EscrowService, marks *limiter.ReconcileMarks, minAge time.Duration, log *zap.Logger) {
	n, err := svc.ReconcilePending(ctx, minAge, marks)
	if err != nil {
		log.Error("reconcile failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("reconciled payments", zap.Int("count", n))
	}
}
