package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutorlink/tutorlink-backend/internal/attribution"
	"github.com/tutorlink/tutorlink-backend/internal/bookings"
	"github.com/tutorlink/tutorlink-backend/internal/cron"
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

const lockKeyFormat = "tutorlink:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
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

	maturityJob, err := cron.NewMaturityJob(ledgerRepo, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create maturity job", err)
		os.Exit(1)
	}

	dlqRetryJob, err := cron.NewDLQRetryJob(intakeService, cfg.Cron.DLQBatchSize, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create dlq retry job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(maturityJob, dlqRetryJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	go serveMetrics(ctx, cfg.Cron.MetricsPort, logg)

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func serveMetrics(ctx context.Context, port string, logg *logger.Logger) {
	if port == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "metrics server stopped unexpectedly", err)
	}
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
