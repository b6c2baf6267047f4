package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	jobmetrics "github.com/balcao-pos/balcao-pos/internal/jobs"
)

// UsageRegistrar increments the merchant's emission counter exactly once per
// document.
type UsageRegistrar interface {
	Register(ctx context.Context, documentID string, docType fiscal.DocumentType) error
}

// UsageProcessor applies usage accounting tasks.
type UsageProcessor struct {
	registrar UsageRegistrar
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewUsageProcessor builds the processor.
func NewUsageProcessor(registrar UsageRegistrar, metrics *jobmetrics.Metrics, logger *slog.Logger) *UsageProcessor {
	return &UsageProcessor{registrar: registrar, metrics: metrics, logger: logger}
}

// Handle processes one TaskUsageRegister task. The registrar's seen-guard
// makes redelivery harmless.
func (p *UsageProcessor) Handle(ctx context.Context, t *asynq.Task) error {
	var payload UsagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.DocumentID == "" {
		return asynq.SkipRetry
	}
	tracker := p.metrics.Track("usage_register")
	if err := p.registrar.Register(ctx, payload.DocumentID, payload.DocumentType); err != nil {
		return tracker.End(fmt.Errorf("jobs: register usage %s: %w", payload.DocumentID, err))
	}
	p.logger.Debug("usage registered",
		slog.String("document_id", payload.DocumentID),
		slog.String("type", string(payload.DocumentType)))
	return tracker.End(nil)
}
