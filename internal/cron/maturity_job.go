package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/tutorlink/tutorlink-backend/internal/ledger"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
)

// MaturityJob promotes held ledger entries whose protection window has
// elapsed to available. The underlying sweep is idempotent, so overlapping
// or repeated runs are harmless.
type MaturityJob struct {
	ledgerRepo ledger.Repository
	logg       *logger.Logger
}

// NewMaturityJob builds the maturity sweep job.
func NewMaturityJob(ledgerRepo ledger.Repository, logg *logger.Logger) (*MaturityJob, error) {
	if ledgerRepo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &MaturityJob{
		ledgerRepo: ledgerRepo,
		logg:       logg,
	}, nil
}

func (j *MaturityJob) Name() string { return "ledger-maturity-sweep" }

func (j *MaturityJob) Run(ctx context.Context) error {
	promoted, err := j.ledgerRepo.PromoteMatured(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("promote matured entries: %w", err)
	}
	if promoted > 0 && j.logg != nil {
		j.logg.Info(ctx, fmt.Sprintf("promoted %d held entries to available", promoted))
	}
	return nil
}
