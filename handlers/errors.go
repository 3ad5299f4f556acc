package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"stake-settlement/services"
)

// respondError maps core errors onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var (
		validation *services.ValidationError
		funds      *services.InsufficientFundsError
		vault      *services.KeyVaultError
	)
	switch {
	case errors.As(err, &validation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   validation.Message,
			"field":   validation.Field,
		})
	case errors.Is(err, services.ErrUnauthorized):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrSettlementInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrAlreadyJoined),
		errors.Is(err, services.ErrDuplicateSubmission),
		errors.Is(err, services.ErrStakeAlreadyUsed):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	case errors.As(err, &funds):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Insufficient escrow balance",
			"details": fiber.Map{
				"balance":  funds.Balance,
				"required": funds.Required,
				"deficit":  funds.Deficit(),
			},
		})
	case errors.As(err, &vault):
		log.Error().Err(err).Str("path", c.Path()).Msg("❌ Escrow key unavailable")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "escrow key unavailable"})
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("❌ Request failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
}
