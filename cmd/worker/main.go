package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/escrowlink/backend/internal/app"
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/services"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

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

	svc := deps.Escrow
	cronLog := cronLogger{log: log.Named("cron")}
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	if _, err := c.AddFunc(cfg.ExpirySweepSchedule, func() { runExpirySweep(ctx, svc, log) }); err != nil {
		log.Fatal("invalid EXPIRY_SWEEP_SCHEDULE", zap.String("schedule", cfg.ExpirySweepSchedule), zap.Error(err))
	}
	if _, err := c.AddFunc(cfg.NotifyRetrySchedule, func() { runNotifyRetry(ctx, svc, log) }); err != nil {
		log.Fatal("invalid NOTIFY_RETRY_SCHEDULE", zap.String("schedule", cfg.NotifyRetrySchedule), zap.Error(err))
	}

	c.Start()
	log.Info("worker started",
		zap.String("expiry_sweep", cfg.ExpirySweepSchedule),
		zap.String("notify_retry", cfg.NotifyRetrySchedule),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down worker")
	cancel()
	<-c.Stop().Done()
}

func runExpirySweep(ctx context.Context, svc *services.EscrowService, log *zap.Logger) {
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		log.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("expired overdue escrows", zap.Int("count", n))
	}
}

func runNotifyRetry(ctx context.Context, svc *services.EscrowService, log *zap.Logger) {
	n, err := svc.RetryNotifications(ctx)
	if err != nil {
		log.Error("notification retry failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("re-sent confirmation codes", zap.Int("count", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
