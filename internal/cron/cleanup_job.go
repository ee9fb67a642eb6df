package cron

import (
	"context"
	"errors"

	"vanityhub/ledger/internal/logger"
)

const CleanupJobName = "ledger-cleanup"

type cleaner interface {
	CleanupAll(ctx context.Context) (int, error)
}

// CleanupJob runs the batch duplicate cleanup.
type CleanupJob struct {
	cleaner cleaner
	logg    *logger.Logger
}

func NewCleanupJob(c cleaner, logg *logger.Logger) (*CleanupJob, error) {
	if c == nil {
		return nil, errors.New("cleaner required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &CleanupJob{cleaner: c, logg: logg}, nil
}

func (j *CleanupJob) Name() string { return CleanupJobName }

func (j *CleanupJob) Run(ctx context.Context) error {
	removed, err := j.cleaner.CleanupAll(ctx)
	if removed > 0 {
		j.logg.Info(j.logg.WithField(ctx, "removed", removed), "scheduled cleanup removed duplicates")
	}
	return err
}
