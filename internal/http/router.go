package http

import (
	"time"

	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/http/handlers"
	"github.com/escrowlink/backend/internal/middleware"
	"github.com/escrowlink/backend/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Escrow  *handlers.EscrowHandler
	Seller  *handlers.SellerHandler
	Payment *handlers.PaymentHandler
	Admin   *handlers.AdminHandler
	WS      *handlers.WSHub
}

func SetupRouter(app *fiber.App, cfg *config.Config, log *zap.Logger, rdb *redis.Client, h Handlers) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get(cfg.MetricsPath, adaptor.HTTPHandler(promhttp.Handler()))

	// Gateway callbacks. Paystack retries on non-2xx so these are not rate limited.
	app.Get("/paystack/callback", h.Payment.Callback)
	app.Post("/paystack/webhook", h.Payment.Webhook)

	// Buyer pages (public, no auth)
	buyer := app.Group("", middleware.RateLimitMiddleware(rdb, 30, time.Minute))
	buyer.Get("/pay/:id", h.Payment.GetPaymentPage)
	buyer.Post("/pay/:id", h.Payment.InitializePayment)
	buyer.Post("/confirm/:id", h.Payment.ConfirmDelivery)

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Seller profile
	protected.Get("/sellers/me", middleware.RequirePermission(rbac.PermManageProfile), h.Seller.GetMe)
	protected.Put("/sellers/me", middleware.RequirePermission(rbac.PermManageProfile), h.Seller.UpdateMe)

	// Escrows
	protected.Post("/escrows", middleware.RequirePermission(rbac.PermCreateLink), h.Escrow.CreateLink)
	protected.Get("/escrows", h.Escrow.ListEscrows)
	protected.Get("/escrows/:id", h.Escrow.GetEscrow)
	protected.Get("/escrows/:id/events", h.Escrow.GetEscrowEvents)

	// Operators
	admin := protected.Group("/admin")
	admin.Post("/escrows/:id/refund", middleware.RequirePermission(rbac.PermRefund), h.Admin.Refund)
	admin.Post("/escrows/:id/resend-code", middleware.RequirePermission(rbac.PermResendCode), h.Admin.ResendCode)
	admin.Post("/sweep", middleware.RequirePermission(rbac.PermRunSweep), h.Admin.Sweep)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WS.HandleWS))
}
