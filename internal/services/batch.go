package services

import (
	"context"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

const (
	batchAttempts = 3
	batchDelay    = 50 * time.Millisecond
)

// commitBatch writes ops as one all-or-nothing batch. Transient failures
// retry the whole batch; ops must therefore be idempotent (fixed ids).
func commitBatch(ctx context.Context, repo repositories.DocumentRepository, ops []models.WriteOp, logger zerolog.Logger) error {
	if len(ops) == 0 {
		return nil
	}
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = repo.Batch(ctx, ops)
			return lastErr
		},
		retry.Attempts(batchAttempts),
		retry.Delay(batchDelay),
		retry.Context(ctx),
		retry.RetryIf(repositories.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Uint("attempt", n).Int("ops", len(ops)).Err(err).Msg("retrying batch")
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("batch not committed: %w", err)
}
