package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stake-settlement/chain"
	"stake-settlement/config"
	"stake-settlement/handlers"
	"stake-settlement/logger"
	"stake-settlement/metrics"
	"stake-settlement/middleware"
	"stake-settlement/services"
	"stake-settlement/store"
	"stake-settlement/utils"
	"stake-settlement/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Invalid configuration")
	}
	baseLogger := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Invalid settlement timezone")
	}

	vault, err := services.NewKeyVault(cfg.Escrow.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Escrow key vault unavailable")
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archive services.ReportArchive
	if cfg.ArchiveEnabled() {
		r2, err := utils.NewR2Client(ctx, utils.R2Config{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			AccessKeySecret: cfg.R2.AccessKeySecret,
			Bucket:          cfg.R2.Bucket,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize R2 client")
		}
		archive = r2
	} else {
		log.Warn().Msg("⚠️  R2 not configured, settlement reports will not be archived")
	}

	collector := metrics.New()
	ledger := store.NewGormLedgerStore(db)
	keyring := services.NewEscrowKeyring(ledger, vault)
	httpClient := utils.NewHTTPClient(cfg.Solana.Timeout)

	gateway, err := chain.NewSolanaGateway(chain.Config{
		RPCURL:         cfg.Solana.RPCURL,
		USDCMint:       cfg.Solana.USDCMint,
		Decimals:       services.USDCDecimals,
		RateLimit:      cfg.Solana.RateLimit,
		ConfirmTimeout: cfg.Solana.ConfirmTimeout,
	}, httpClient, keyring, baseLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize wallet gateway")
	}

	policy := services.CompletionPolicy{
		RequiredCompletionRate: cfg.Settlement.RequiredCompletionRate,
		MaxConsecutiveMisses:   cfg.Settlement.MaxConsecutiveMisses,
	}
	settlement := services.NewSettlementService(ledger, policy, loc, archive, collector)
	payouts := services.NewPayoutCoordinator(ledger, gateway, archive, collector)
	reconciler := services.NewReconciler(ledger, gateway, cfg.Reconcile.Grace, cfg.Reconcile.Expiry, collector)
	stakes := services.NewStakeService(ledger, gateway, keyring, loc, collector)
	submissions := services.NewSubmissionService(ledger, loc)

	sched, err := services.StartScheduler(reconciler, &services.EscrowMonitor{
		Store:    ledger,
		Gateway:  gateway,
		Metrics:  collector,
		Now:      time.Now,
		Lookback: 30 * 24 * time.Hour,
	}, cfg.Reconcile.Interval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	if cfg.SyncServiceURL != "" {
		syncWorker := workers.NewProfileSyncWorker(db, cfg.SyncServiceURL, "/api/v1/public/profiles", cfg.ServiceToken, utils.NewHTTPClient(30*time.Second))
		syncWorker.Start(ctx)
	} else {
		log.Warn().Msg("⚠️  SYNC_SERVICE_URL not set, payout reports will use user IDs as names")
	}

	deps := handlers.ChallengeDeps{
		Stakes:      stakes,
		Submissions: submissions,
		Settlement:  settlement,
		Payouts:     payouts,
		Reconciler:  reconciler,
		Keyring:     keyring,
		Stream:      services.NewLedgerStream(ledger),
		Metrics:     collector,
	}
	if cfg.AuthServiceURL != "" {
		deps.Auth = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.ServiceToken, utils.NewHTTPClient(10*time.Second))
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Origins(),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	handlers.SetupChallengeRoutes(app, deps)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("✅ Server running")
	log.Info().Str("origins", cfg.Origins()).Msg("✅ CORS configured")

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown")
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
}
