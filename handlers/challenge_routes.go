// handlers/challenge_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"stake-settlement/metrics"
	"stake-settlement/middleware"
	"stake-settlement/services"
)

type ChallengeDeps struct {
	Stakes      *services.StakeService
	Submissions *services.SubmissionService
	Settlement  *services.SettlementService
	Payouts     *services.PayoutCoordinator
	Reconciler  *services.Reconciler
	Keyring     *services.EscrowKeyring
	Stream      *services.LedgerStream
	Auth        middleware.TokenValidator
	Metrics     *metrics.Collector
}

func actorOf(c *fiber.Ctx) services.Actor {
	return services.Actor{UserID: middleware.UserID(c), IsAdmin: middleware.IsAdmin(c)}
}

func SetupChallengeRoutes(app *fiber.App, d ChallengeDeps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if d.Metrics != nil {
		app.Get("/metrics", d.Metrics.Handler())
	}

	// 📡 SSE: browser EventSource cannot send gateway headers
	if d.Auth != nil && d.Stream != nil {
		app.Get("/sse/ledger", middleware.SSEAuthMiddleware(d.Auth), d.Stream.StreamUserLedgerSSE)
	}

	// 🔐 Authenticated routes
	secured := app.Group("/s", middleware.UserContextMiddleware())

	secured.Post("/challenges/:id/join", func(c *fiber.Ctx) error {
		var req services.JoinRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
		}
		req.UserID = middleware.UserID(c)
		req.ChallengeID = c.Params("id")

		res, err := d.Stakes.JoinChallenge(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"success": true,
			"message": "Successfully joined the challenge",
			"data":    res,
		})
	})

	secured.Post("/challenges/:id/submissions", func(c *fiber.Ctx) error {
		var in services.ProofInput
		if err := c.BodyParser(&in); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
		}
		in.UserID = middleware.UserID(c)
		in.ChallengeID = c.Params("id")

		sub, err := d.Submissions.SubmitProof(c.UserContext(), in)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"success": true,
			"message": "Proof submitted successfully and is pending review",
			"data":    sub,
		})
	})

	secured.Get("/challenges/:id/completion", func(c *fiber.Ctx) error {
		ev, err := d.Settlement.EvaluateParticipation(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "data": ev})
	})

	secured.Get("/challenges/:id/reward", func(c *fiber.Ctx) error {
		claim, err := d.Stakes.ClaimableReward(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "data": claim})
	})

	// 🔒 Admin-only routes
	admin := secured.Group("/admin", middleware.AdminOnly())

	admin.Post("/challenges", func(c *fiber.Ctx) error {
		var in services.NewChallenge
		if err := c.BodyParser(&in); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
		}
		ch, err := d.Stakes.CreateChallenge(c.UserContext(), in, actorOf(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "challenge": ch})
	})

	admin.Post("/challenges/:id/escrow", func(c *fiber.Ctx) error {
		wallet, err := d.Keyring.Provision(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "escrow_address": wallet.PublicKey})
	})

	admin.Get("/challenges/:id/escrow/balance", func(c *fiber.Ctx) error {
		balance, err := d.Stakes.EscrowBalance(c.UserContext(), c.Params("id"), actorOf(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "balance": balance})
	})

	admin.Post("/challenges/:id/settle", func(c *fiber.Ctx) error {
		res, err := d.Settlement.Settle(c.UserContext(), c.Params("id"), actorOf(c))
		if err != nil {
			return respondError(c, err)
		}
		msg := "Challenge settled successfully"
		if res.AlreadySettled {
			msg = "Challenge was already settled"
		}
		return c.JSON(fiber.Map{"success": true, "message": msg, "data": res})
	})

	admin.Post("/challenges/:id/payout", func(c *fiber.Ctx) error {
		report, err := d.Payouts.Payout(c.UserContext(), c.Params("id"), actorOf(c))
		if err != nil {
			return respondError(c, err)
		}
		status := fiber.StatusOK
		if report.Partial() {
			status = fiber.StatusMultiStatus
		}
		return c.Status(status).JSON(fiber.Map{
			"success": !report.Partial(),
			"data":    report,
		})
	})

	admin.Post("/submissions/:id/review", func(c *fiber.Ctx) error {
		var review services.Review
		if err := c.BodyParser(&review); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
		}
		res, err := d.Submissions.ReviewSubmission(c.UserContext(), c.Params("id"), review, actorOf(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "data": res})
	})

	admin.Post("/payouts/reconcile", func(c *fiber.Ctx) error {
		sum, err := d.Reconciler.Sweep(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "data": sum})
	})
}
