package fiscal

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists fiscal documents in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const documentColumns = `id, sale_id, correlation_id, type, status, access_key, protocol,
	number, series, environment, total, issued_at, source_artifact, processed_artifact,
	rendered_artifact, backup_status, backup_error, created_at`

// InsertDocument stores a freshly authorized document.
func (r *Repository) InsertDocument(ctx context.Context, doc FiscalDocument) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO fiscal_documents
		(id, sale_id, correlation_id, type, status, access_key, protocol, number, series,
		 environment, total, issued_at, backup_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`,
		doc.ID, doc.SaleID, doc.CorrelationID, doc.Type, doc.Status, doc.AccessKey, doc.Protocol,
		doc.Number, doc.Series, doc.Environment, doc.Total, doc.IssuedAt, doc.BackupStatus)
	return err
}

// GetDocument loads a document by authority id.
func (r *Repository) GetDocument(ctx context.Context, id string) (*FiscalDocument, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM fiscal_documents WHERE id = $1`, id)
	return scanDocument(row)
}

// GetDocumentBySale loads the document linked to a sale, if any.
func (r *Repository) GetDocumentBySale(ctx context.Context, saleID int64) (*FiscalDocument, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM fiscal_documents WHERE sale_id = $1
		ORDER BY created_at DESC LIMIT 1`, saleID)
	return scanDocument(row)
}

func scanDocument(row pgx.Row) (*FiscalDocument, error) {
	var doc FiscalDocument
	err := row.Scan(&doc.ID, &doc.SaleID, &doc.CorrelationID, &doc.Type, &doc.Status, &doc.AccessKey,
		&doc.Protocol, &doc.Number, &doc.Series, &doc.Environment, &doc.Total, &doc.IssuedAt,
		&doc.SourceArtifact, &doc.ProcessedArtifact, &doc.RenderedArtifact,
		&doc.BackupStatus, &doc.BackupError, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// SetArtifact patches a single artifact reference onto the document.
func (r *Repository) SetArtifact(ctx context.Context, id string, kind ArtifactKind, ref string) error {
	var column string
	switch kind {
	case ArtifactSource:
		column = "source_artifact"
	case ArtifactProcessed:
		column = "processed_artifact"
	case ArtifactRendered:
		column = "rendered_artifact"
	default:
		return errors.New("fiscal: unknown artifact kind")
	}
	_, err := r.pool.Exec(ctx, `UPDATE fiscal_documents SET `+column+` = $2 WHERE id = $1`, id, ref)
	return err
}

// SetBackupStatus flips the backup state, keeping any captured error detail.
func (r *Repository) SetBackupStatus(ctx context.Context, id string, status BackupStatus, detail string) error {
	_, err := r.pool.Exec(ctx, `UPDATE fiscal_documents SET backup_status = $2, backup_error = $3 WHERE id = $1`,
		id, status, detail)
	return err
}

// ListPendingBackup returns documents whose backup never completed.
func (r *Repository) ListPendingBackup(ctx context.Context, limit int) ([]FiscalDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+` FROM fiscal_documents
		WHERE backup_status IN ($1, $2) ORDER BY created_at LIMIT $3`,
		BackupPending, BackupFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []FiscalDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}
