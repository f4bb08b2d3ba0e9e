package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorlink/tutorlink-backend/api/responses"
	"github.com/tutorlink/tutorlink-backend/api/validators"
	"github.com/tutorlink/tutorlink-backend/internal/payouts"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
)

type withdrawRequest struct {
	BeneficiaryID      string `json:"beneficiary_id" validate:"required,uuid"`
	Amount             string `json:"amount" validate:"required"`
	DestinationAccount string `json:"destination_account" validate:"required"`
}

type withdrawResponse struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	TransferID    string `json:"transfer_id,omitempty"`
}

// Withdraw handles withdrawal requests against a beneficiary's available
// balance.
func Withdraw(svc payouts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		var req withdrawRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		beneficiaryID, err := uuid.Parse(req.BeneficiaryID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid beneficiary id"))
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid amount"))
			return
		}

		result, err := svc.Withdraw(r.Context(), payouts.WithdrawInput{
			BeneficiaryID:      beneficiaryID,
			Amount:             amount,
			DestinationAccount: req.DestinationAccount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := withdrawResponse{
			Status: result.Status.String(),
			Reason: result.Reason,
		}
		if result.TransactionID != uuid.Nil {
			resp.TransactionID = result.TransactionID.String()
		}
		resp.TransferID = result.TransferID
		responses.WriteSuccess(w, resp)
	}
}

// Balance returns a beneficiary's live available/held/lifetime position.
func Balance(svc payouts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}

		beneficiaryID, err := uuid.Parse(chi.URLParam(r, "beneficiaryID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid beneficiary id"))
			return
		}

		balance, err := svc.Balance(r.Context(), beneficiaryID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balance)
	}
}
