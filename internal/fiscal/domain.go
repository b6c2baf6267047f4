package fiscal

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType distinguishes the two invoice kinds the authority issues.
type DocumentType string

const (
	// DocumentTypeConsumer is the consumer invoice; customer data optional.
	DocumentTypeConsumer DocumentType = "consumer"
	// DocumentTypeBusiness is the business invoice; customer identity and
	// tax id are mandatory.
	DocumentTypeBusiness DocumentType = "business"
)

// DocumentStatus is the authority-side status of a document.
type DocumentStatus string

const (
	StatusSubmitted  DocumentStatus = "submitted"
	StatusAuthorized DocumentStatus = "authorized"
	StatusRejected   DocumentStatus = "rejected"
)

// BackupStatus tracks artifact retrieval, independent of document validity.
type BackupStatus string

const (
	BackupPending  BackupStatus = "pending"
	BackupComplete BackupStatus = "complete"
	BackupFailed   BackupStatus = "failed"
)

// ArtifactKind names the three backup artifacts fetched per document.
type ArtifactKind string

const (
	ArtifactSource    ArtifactKind = "source"
	ArtifactProcessed ArtifactKind = "processed"
	ArtifactRendered  ArtifactKind = "rendered"
)

// AllArtifactKinds lists every artifact a complete backup requires.
var AllArtifactKinds = []ArtifactKind{ArtifactSource, ArtifactProcessed, ArtifactRendered}

// FiscalDocument is the locally persisted record of an authority-issued
// document. The authoritative fields come from the submission response; the
// artifact references are patched in asynchronously and stay nil until the
// backup completes.
type FiscalDocument struct {
	ID                string          `json:"id"`
	SaleID            int64           `json:"sale_id"`
	CorrelationID     string          `json:"correlation_id"`
	Type              DocumentType    `json:"type"`
	Status            DocumentStatus  `json:"status"`
	AccessKey         string          `json:"access_key"`
	Protocol          string          `json:"protocol"`
	Number            int64           `json:"number"`
	Series            int64           `json:"series"`
	Environment       string          `json:"environment"`
	Total             decimal.Decimal `json:"total"`
	IssuedAt          time.Time       `json:"issued_at"`
	SourceArtifact    *string         `json:"source_artifact,omitempty"`
	ProcessedArtifact *string         `json:"processed_artifact,omitempty"`
	RenderedArtifact  *string         `json:"rendered_artifact,omitempty"`
	BackupStatus      BackupStatus    `json:"backup_status"`
	BackupError       string          `json:"backup_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Artifact returns the stored reference for one artifact kind, nil when the
// backup has not captured it yet.
func (d *FiscalDocument) Artifact(kind ArtifactKind) *string {
	switch kind {
	case ArtifactSource:
		return d.SourceArtifact
	case ArtifactProcessed:
		return d.ProcessedArtifact
	case ArtifactRendered:
		return d.RenderedArtifact
	}
	return nil
}

// ErrorKind classifies emission failures by how the operator recovers.
type ErrorKind string

const (
	// KindValidation: fixable by the operator before resubmission.
	KindValidation ErrorKind = "validation_failed"
	// KindRejected: the authority declined; the data needs correction.
	KindRejected ErrorKind = "rejected"
	// KindTransport: the submission never reached a verdict; retryable.
	KindTransport ErrorKind = "transport_failure"
	// KindPersistence: the authority authorized the document but the local
	// record write failed; flagged for manual reconciliation.
	KindPersistence ErrorKind = "persistence_failure"
)

// EmitError is the structured failure returned by the pipeline.
type EmitError struct {
	Kind   ErrorKind
	Reason string
	Err    error
	// DocumentID is set for persistence failures, where the authority holds
	// a document the local store could not record.
	DocumentID string
}

func (e *EmitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("fiscal: emit %s: %s", e.Kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("fiscal: emit %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fiscal: emit %s", e.Kind)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same request can succeed without
// operator changes.
func (e *EmitError) Retryable() bool {
	return e.Kind == KindTransport
}

// ErrDocumentNotFound indicates a missing document record.
var ErrDocumentNotFound = errors.New("fiscal: document not found")
