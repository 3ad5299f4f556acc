// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// AdminRole is the gateway role that grants settle and payout rights.
const AdminRole = "admin"

// UserContextMiddleware extracts user identity and roles set by Gateway.
// Routes under /s/ require a user.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		path := c.Path()

		if strings.HasPrefix(path, "/s/") && userID == "" {
			log.Warn().Str("path", path).Msg("❌ [USER_CTX] X-User-ID required but missing on secured route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals("user_id", userID)
		c.Locals("user_roles", roles)
		return c.Next()
	}
}

// IsAdmin reports whether the request carries the admin role.
func IsAdmin(c *fiber.Ctx) bool {
	roles, _ := c.Locals("user_roles").([]string)
	for _, r := range roles {
		if strings.EqualFold(r, AdminRole) {
			return true
		}
	}
	return false
}

// AdminOnly rejects requests without the admin role.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsAdmin(c) {
			log.Warn().Str("path", c.Path()).Str("user_id", UserID(c)).Msg("🚫 [ADMIN] Non-admin request rejected")
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin access required"})
		}
		return c.Next()
	}
}

// UserID returns the caller set by UserContextMiddleware or SSEAuthMiddleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}
