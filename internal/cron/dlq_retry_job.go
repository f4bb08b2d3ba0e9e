package cron

import (
	"context"
	"fmt"

	"github.com/tutorlink/tutorlink-backend/pkg/logger"
)

// DeadLetterReplayer is the slice of the intake service the retry job needs.
type DeadLetterReplayer interface {
	RetryFailed(ctx context.Context, batchSize int) (int, error)
}

// DLQRetryJob periodically replays parked payment events through the intake
// dispatcher. Events that still fail stay parked with a bumped retry count.
type DLQRetryJob struct {
	replayer  DeadLetterReplayer
	batchSize int
	logg      *logger.Logger
}

// NewDLQRetryJob builds the dead letter replay job.
func NewDLQRetryJob(replayer DeadLetterReplayer, batchSize int, logg *logger.Logger) (*DLQRetryJob, error) {
	if replayer == nil {
		return nil, fmt.Errorf("dead letter replayer required")
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DLQRetryJob{
		replayer:  replayer,
		batchSize: batchSize,
		logg:      logg,
	}, nil
}

func (j *DLQRetryJob) Name() string { return "dlq-replay" }

func (j *DLQRetryJob) Run(ctx context.Context) error {
	resolved, err := j.replayer.RetryFailed(ctx, j.batchSize)
	if err != nil {
		return fmt.Errorf("replay dead letters: %w", err)
	}
	if resolved > 0 && j.logg != nil {
		j.logg.Info(ctx, fmt.Sprintf("resolved %d dead-lettered events", resolved))
	}
	return nil
}
