package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/escrowlink/backend/internal/app"
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/db"
	"github.com/escrowlink/backend/internal/events"
	apphttp "github.com/escrowlink/backend/internal/http"
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/http/handlers"
	"github.com/gofiber/fiber/v2"
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

	// Run migrations
	if err := db.RunMigrations(ctx, deps.Pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	svc := deps.Escrow
	subscriber := events.NewRedisSubscriber(deps.Redis, log)

	// Handlers
	wsHub := handlers.NewWSHub(cfg, subscriber, svc, log)
	h := apphttp.Handlers{
		Escrow:  handlers.NewEscrowHandler(svc, cfg, log),
		Seller:  handlers.NewSellerHandler(svc, log),
		Payment: handlers.NewPaymentHandler(svc, log),
		Admin:   handlers.NewAdminHandler(svc, log),
		WS:      wsHub,
	}

	// Start WS hub
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe to escrow events", zap.Error(err))
	}

	// Fiber app
	server := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(dto.ErrorResponse{Error: err.Error()})
		},
	})

	apphttp.SetupRouter(server, cfg, log, deps.Redis, h)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = server.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := server.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
