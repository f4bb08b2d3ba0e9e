package controllers

import (
	"context"
	"net/http"

	"github.com/tutorlink/tutorlink-backend/api/responses"
	"github.com/tutorlink/tutorlink-backend/api/validators"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
)

const (
	defaultDLQPageSize = 50
	maxDLQPageSize     = 200
)

type deadLetterReader interface {
	ListFailed(ctx context.Context, limit int) ([]models.FailedEvent, error)
}

// ListDeadLetters exposes unresolved dead-lettered events for operators.
func ListDeadLetters(svc deadLetterReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "intake service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", defaultDLQPageSize, 1, maxDLQPageSize)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		events, err := svc.ListFailed(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, events)
	}
}
