package attribution

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
)

// Share is one beneficiary's cut of a booking's gross amount. A nil
// BeneficiaryID means the platform itself.
type Share struct {
	BeneficiaryID *uuid.UUID
	Kind          enums.TransactionKind
	Percent       decimal.Decimal
	Amount        decimal.Decimal
}

// SplitPlan is the ordered, zero-sum-against-gross set of shares for one
// booking. Percentages always sum to exactly 100 and amounts to exactly the
// gross amount.
type SplitPlan struct {
	Gross  decimal.Decimal
	Shares []Share
}

// Resolver turns a booking into a split plan. It holds only commercial
// policy (the configured percentages) and performs no I/O.
type Resolver struct {
	platformPct decimal.Decimal
	referralPct decimal.Decimal
	agentPct    decimal.Decimal
}

// NewResolver builds a resolver from the settlement policy config.
func NewResolver(cfg config.SettlementConfig) *Resolver {
	return &Resolver{
		platformPct: cfg.PlatformFee(),
		referralPct: cfg.Referral(),
		agentPct:    cfg.Agent(),
	}
}

var hundred = decimal.NewFromInt(100)

// Resolve computes the commission split for a booking.
//
// Precedence: the platform fee always applies; the referrer earns a cut only
// when they are a distinct party from both the tutor and the agent (the same
// person is never paid twice for one booking under two roles); the agent
// earns a cut whenever present. The tutor takes the remaining percentage,
// plus any sub-cent rounding remainder so the shares reproduce the gross
// amount exactly.
func (r *Resolver) Resolve(booking *models.Booking) SplitPlan {
	gross := booking.GrossAmount

	tutorPct := hundred.Sub(r.platformPct)

	var referrerShare, agentShare *Share

	if booking.AgentID != nil {
		agentID := *booking.AgentID
		agentShare = &Share{
			BeneficiaryID: &agentID,
			Kind:          enums.TransactionKindAgentCommission,
			Percent:       r.agentPct,
			Amount:        portion(gross, r.agentPct),
		}
		tutorPct = tutorPct.Sub(r.agentPct)
	}

	if booking.ReferrerID != nil && !sameParty(*booking.ReferrerID, booking.TutorID, booking.AgentID) {
		referrerID := *booking.ReferrerID
		referrerShare = &Share{
			BeneficiaryID: &referrerID,
			Kind:          enums.TransactionKindReferralCommission,
			Percent:       r.referralPct,
			Amount:        portion(gross, r.referralPct),
		}
		tutorPct = tutorPct.Sub(r.referralPct)
	}

	platformShare := Share{
		BeneficiaryID: nil,
		Kind:          enums.TransactionKindPlatformFee,
		Percent:       r.platformPct,
		Amount:        portion(gross, r.platformPct),
	}

	// Tutor absorbs the rounding remainder so the shares sum to gross.
	tutorAmount := gross.Sub(platformShare.Amount)
	if agentShare != nil {
		tutorAmount = tutorAmount.Sub(agentShare.Amount)
	}
	if referrerShare != nil {
		tutorAmount = tutorAmount.Sub(referrerShare.Amount)
	}

	tutorID := booking.TutorID
	shares := []Share{{
		BeneficiaryID: &tutorID,
		Kind:          enums.TransactionKindTutorEarning,
		Percent:       tutorPct,
		Amount:        tutorAmount,
	}}
	if agentShare != nil {
		shares = append(shares, *agentShare)
	}
	if referrerShare != nil {
		shares = append(shares, *referrerShare)
	}
	shares = append(shares, platformShare)

	return SplitPlan{Gross: gross, Shares: shares}
}

func portion(gross, pct decimal.Decimal) decimal.Decimal {
	return gross.Mul(pct).Div(hundred).Round(2)
}

func sameParty(referrer, tutor uuid.UUID, agent *uuid.UUID) bool {
	if referrer == tutor {
		return true
	}
	return agent != nil && referrer == *agent
}
