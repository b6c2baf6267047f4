package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	jobmetrics "github.com/balcao-pos/balcao-pos/internal/jobs"
)

// ArtifactFetcher downloads one backup artifact from the authority.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, documentID string, kind fiscal.ArtifactKind) ([]byte, error)
}

// BackupStore is the document-side persistence the backup job needs.
type BackupStore interface {
	GetDocument(ctx context.Context, id string) (*fiscal.FiscalDocument, error)
	SetArtifact(ctx context.Context, id string, kind fiscal.ArtifactKind, ref string) error
	SetBackupStatus(ctx context.Context, id string, status fiscal.BackupStatus, detail string) error
	ListPendingBackup(ctx context.Context, limit int) ([]fiscal.FiscalDocument, error)
}

// BackupProcessor downloads the source XML, the processed XML and the
// rendered PDF of an authorized document and records them locally. A partial
// failure marks the backup failed with detail; the retry re-fetches only what
// is still missing.
type BackupProcessor struct {
	fetcher   ArtifactFetcher
	docs      BackupStore
	artifacts fiscal.ArtifactStore
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewBackupProcessor builds the processor.
func NewBackupProcessor(fetcher ArtifactFetcher, docs BackupStore, artifacts fiscal.ArtifactStore, metrics *jobmetrics.Metrics, logger *slog.Logger) *BackupProcessor {
	return &BackupProcessor{fetcher: fetcher, docs: docs, artifacts: artifacts, metrics: metrics, logger: logger}
}

// Handle processes one TaskDocumentBackup task.
func (p *BackupProcessor) Handle(ctx context.Context, t *asynq.Task) error {
	var payload BackupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.DocumentID == "" {
		return asynq.SkipRetry
	}
	tracker := p.metrics.Track("document_backup")
	return tracker.End(p.backup(ctx, payload.DocumentID))
}

func (p *BackupProcessor) backup(ctx context.Context, documentID string) error {
	doc, err := p.docs.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("jobs: load document %s: %w", documentID, err)
	}
	if doc.Status != fiscal.StatusAuthorized {
		p.logger.Info("backup skipped, document not authorized",
			slog.String("document_id", documentID),
			slog.String("status", string(doc.Status)))
		return nil
	}

	missing := missingKinds(doc)
	if len(missing) == 0 {
		return p.docs.SetBackupStatus(ctx, documentID, fiscal.BackupComplete, "")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range missing {
		kind := kind
		g.Go(func() error {
			data, err := p.fetcher.FetchArtifact(gctx, documentID, kind)
			if err != nil {
				p.metrics.AddArtifact(string(kind), "failure")
				return fmt.Errorf("fetch %s: %w", kind, err)
			}
			ref, err := p.artifacts.Save(documentID, kind, data)
			if err != nil {
				p.metrics.AddArtifact(string(kind), "failure")
				return fmt.Errorf("store %s: %w", kind, err)
			}
			if err := p.docs.SetArtifact(gctx, documentID, kind, ref); err != nil {
				return fmt.Errorf("record %s: %w", kind, err)
			}
			p.metrics.AddArtifact(string(kind), "success")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if statusErr := p.docs.SetBackupStatus(ctx, documentID, fiscal.BackupFailed, err.Error()); statusErr != nil {
			p.logger.Error("record backup failure",
				slog.String("document_id", documentID),
				slog.Any("error", statusErr))
		}
		return fmt.Errorf("jobs: backup %s: %w", documentID, err)
	}

	if err := p.docs.SetBackupStatus(ctx, documentID, fiscal.BackupComplete, ""); err != nil {
		return fmt.Errorf("jobs: finalize backup %s: %w", documentID, err)
	}
	p.logger.Info("document backup complete", slog.String("document_id", documentID))
	return nil
}

// HandleSweep re-enqueues documents whose backup is still pending or failed.
func (p *BackupProcessor) HandleSweep(client *Client) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := p.metrics.Track("backup_sweep")
		return tracker.End(p.sweep(ctx, client))
	}
}

func (p *BackupProcessor) sweep(ctx context.Context, client *Client) error {
	pending, err := p.docs.ListPendingBackup(ctx, 50)
	if err != nil {
		return fmt.Errorf("jobs: list pending backups: %w", err)
	}
	for _, doc := range pending {
		if err := client.EnqueueBackup(ctx, doc.ID); err != nil {
			p.logger.Warn("re-enqueue backup",
				slog.String("document_id", doc.ID),
				slog.Any("error", err))
		}
	}
	if len(pending) > 0 {
		p.logger.Info("backup sweep enqueued", slog.Int("count", len(pending)))
	}
	return nil
}

func missingKinds(doc *fiscal.FiscalDocument) []fiscal.ArtifactKind {
	var missing []fiscal.ArtifactKind
	for _, kind := range fiscal.AllArtifactKinds {
		if doc.Artifact(kind) == nil {
			missing = append(missing, kind)
		}
	}
	return missing
}
