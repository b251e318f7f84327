package middleware

import (
	"strings"

	"github.com/escrowlink/backend/internal/auth"
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/http/dto"
	"github.com/escrowlink/backend/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid or expired token"})
		}

		role := claims.Role
		if role == "" {
			role = rbac.RoleSeller
		}
		// Operators listed in ADMIN_USER_IDS are admins whatever the token says.
		if cfg.IsAdmin(claims.UserID) {
			role = rbac.RoleAdmin
		}

		c.Locals(CtxUserID, claims.UserID)
		c.Locals(CtxRole, role)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxRole).(string)
	return role
}

// CanViewAny reports whether the caller may read any seller's escrows.
func CanViewAny(c *fiber.Ctx) bool {
	return rbac.HasPermission(GetRole(c), rbac.PermViewAnyLink)
}

// RequirePermission rejects callers whose role lacks perm.
func RequirePermission(perm string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetRole(c), perm) {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "permission denied: " + perm})
		}
		return c.Next()
	}
}
