// middleware/sse_auth.go
package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// TokenValidator is satisfied by services.AuthServiceClient.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken, deviceID string) (userID string, roles []string, err error)
}

// SSEAuthMiddleware validates `token` and `device_id` query params. Browsers
// cannot set headers on EventSource, so the gateway headers are absent here.
//
// Usage:
//
//	app.Get("/sse/ledger", middleware.SSEAuthMiddleware(authClient), stream.StreamUserLedgerSSE)
func SSEAuthMiddleware(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))

		if accessToken == "" || deviceID == "" {
			log.Warn().Str("path", c.Path()).Msg("[SSEAuth] ❌ Missing token or device_id")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing token or device_id in query",
			})
		}

		userID, roles, err := validator.Validate(c.UserContext(), accessToken, deviceID)
		if err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("[SSEAuth] ❌ Validation failed")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		c.Locals("user_id", userID)
		c.Locals("user_roles", roles)
		return c.Next()
	}
}
