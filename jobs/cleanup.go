package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/balcao-pos/balcao-pos/internal/jobs"
)

// Keys older than this can no longer collide with a live retry.
const idempotencyRetention = 30 * 24 * time.Hour

// KeyPruner removes idempotency keys past their retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// CleanupProcessor runs periodic housekeeping tasks.
type CleanupProcessor struct {
	pruner  KeyPruner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewCleanupProcessor builds the processor.
func NewCleanupProcessor(pruner KeyPruner, metrics *jobmetrics.Metrics, logger *slog.Logger) *CleanupProcessor {
	return &CleanupProcessor{pruner: pruner, metrics: metrics, logger: logger}
}

// Handle processes one TaskIdempotencyCleanup task.
func (p *CleanupProcessor) Handle(ctx context.Context, _ *asynq.Task) error {
	tracker := p.metrics.Track("idempotency_cleanup")
	if err := p.pruner.Cleanup(ctx, idempotencyRetention); err != nil {
		return tracker.End(fmt.Errorf("jobs: prune idempotency keys: %w", err))
	}
	p.logger.Debug("idempotency keys pruned", slog.Duration("retention", idempotencyRetention))
	return tracker.End(nil)
}
