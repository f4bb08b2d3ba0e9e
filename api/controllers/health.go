package controllers

import (
	"context"
	"net/http"

	"github.com/tutorlink/tutorlink-backend/api/responses"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-TutorLink-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when the database and Redis both answer.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbPinger, redisPinger pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-TutorLink-Env", cfg.App.Env)

		if dbPinger != nil {
			if err := dbPinger.Ping(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "database unreachable"))
				return
			}
		}
		if redisPinger != nil {
			if err := redisPinger.Ping(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "redis unreachable"))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
