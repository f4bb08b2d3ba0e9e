package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutorlink/tutorlink-backend/api/controllers"
	webhookcontrollers "github.com/tutorlink/tutorlink-backend/api/controllers/webhooks"
	"github.com/tutorlink/tutorlink-backend/api/middleware"
	"github.com/tutorlink/tutorlink-backend/internal/payouts"
	stripewebhook "github.com/tutorlink/tutorlink-backend/internal/webhooks/stripe"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
	"github.com/tutorlink/tutorlink-backend/pkg/redis"
	pkgstripe "github.com/tutorlink/tutorlink-backend/pkg/stripe"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbPinger db.Pinger,
	redisPinger redis.Pinger,
	stripeClient *pkgstripe.Client,
	intakeService *stripewebhook.Service,
	payoutService payouts.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbPinger, redisPinger))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(intakeService, stripeClient, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payouts", controllers.Withdraw(payoutService, logg))
		r.Get("/balances/{beneficiaryID}", controllers.Balance(payoutService, logg))
		r.Get("/payouts/dlq", controllers.ListDeadLetters(intakeService, logg))
	})

	return r
}
