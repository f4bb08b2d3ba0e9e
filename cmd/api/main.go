package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tutorlink/tutorlink-backend/api/routes"
	"github.com/tutorlink/tutorlink-backend/internal/attribution"
	"github.com/tutorlink/tutorlink-backend/internal/bookings"
	"github.com/tutorlink/tutorlink-backend/internal/dlq"
	"github.com/tutorlink/tutorlink-backend/internal/ledger"
	"github.com/tutorlink/tutorlink-backend/internal/payouts"
	"github.com/tutorlink/tutorlink-backend/internal/settlement"
	stripewebhook "github.com/tutorlink/tutorlink-backend/internal/webhooks/stripe"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
	"github.com/tutorlink/tutorlink-backend/pkg/metrics"
	"github.com/tutorlink/tutorlink-backend/pkg/migrate"
	"github.com/tutorlink/tutorlink-backend/pkg/redis"
	pkgstripe "github.com/tutorlink/tutorlink-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	engineMetrics := metrics.NewEngineMetrics(prometheus.DefaultRegisterer)

	bookingsRepo := bookings.NewRepository(dbClient.DB())
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	dlqRepo := dlq.NewRepository(dbClient.DB())
	resolver := attribution.NewResolver(cfg.Settlement)

	settlementService, err := settlement.NewService(
		bookingsRepo,
		ledgerRepo,
		resolver,
		dbClient,
		cfg.Settlement,
		logg,
		engineMetrics,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create settlement service", err)
		os.Exit(1)
	}

	payoutService, err := payouts.NewService(
		ledgerRepo,
		bookingsRepo,
		stripeClient,
		dbClient,
		cfg.Payout,
		cfg.Settlement.Currency,
		logg,
		engineMetrics,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create payout service", err)
		os.Exit(1)
	}

	guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Intake.IdempotencyTTL, "stripe-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	intakeService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Settlement: settlementService,
		Payouts:    payoutService,
		DLQRepo:    dlqRepo,
		Guard:      guard,
		Config:     cfg.Intake,
		Logger:     logg,
		Metrics:    engineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create intake service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, stripeClient, intakeService, payoutService),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
