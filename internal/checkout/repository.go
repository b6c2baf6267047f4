package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	"github.com/balcao-pos/balcao-pos/internal/platform/db"
)

// Repository persists sales in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSale stores the sale and its item snapshots in one transaction and
// returns the new sale id.
func (r *Repository) CreateSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO sales
			(correlation_id, status, subtotal, discount, tax_total, total, payment_method,
			 customer_name, customer_tax_id, customer_region, sync_status, sold_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
			RETURNING id`,
			sale.CorrelationID, sale.Status, sale.Subtotal, sale.Discount, sale.TaxTotal, sale.Total,
			sale.PaymentMethod, sale.CustomerName, sale.CustomerTaxID, sale.CustomerRegion,
			sale.SyncStatus, sale.SoldAt).Scan(&id)
		if err != nil {
			return err
		}

		for i, item := range sale.Items {
			_, err = tx.Exec(ctx, `INSERT INTO sale_items
				(sale_id, product_id, name, sku, ncm, tax_code, exemption_code, origin_code,
				 quantity, unit_price, unit_cost, tax_amount, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				id, item.ProductID, item.Name, item.SKU, item.NCM, item.TaxCode, item.ExemptionCode,
				item.OriginCode, item.Quantity, item.UnitPrice, item.UnitCost, item.TaxAmount, i+1)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const saleColumns = `id, correlation_id, status, subtotal, discount, tax_total, total,
	payment_method, customer_name, customer_tax_id, customer_region, document_id,
	document_access_key, document_status, sync_status, sold_at, voided_at, void_reason, created_at`

func scanSale(row pgx.Row) (*Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.CorrelationID, &s.Status, &s.Subtotal, &s.Discount, &s.TaxTotal,
		&s.Total, &s.PaymentMethod, &s.CustomerName, &s.CustomerTaxID, &s.CustomerRegion,
		&s.DocumentID, &s.DocumentAccessKey, &s.DocumentStatus, &s.SyncStatus, &s.SoldAt,
		&s.VoidedAt, &s.VoidReason, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetSale loads a sale with its items.
func (r *Repository) GetSale(ctx context.Context, id int64) (*Sale, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT id, sale_id, product_id, name, sku, ncm, tax_code,
		exemption_code, origin_code, quantity, unit_price, unit_cost, tax_amount, position
		FROM sale_items WHERE sale_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Name, &item.SKU,
			&item.NCM, &item.TaxCode, &item.ExemptionCode, &item.OriginCode, &item.Quantity,
			&item.UnitPrice, &item.UnitCost, &item.TaxAmount, &item.Position); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	return sale, rows.Err()
}

// ListByPeriod returns sales between from and to, newest first.
func (r *Repository) ListByPeriod(ctx context.Context, from, to time.Time, limit int) ([]Sale, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales
		WHERE sold_at >= $1 AND sold_at <= $2 ORDER BY sold_at DESC LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, rows.Err()
}

// MarkVoided flips the sale to voided.
func (r *Repository) MarkVoided(ctx context.Context, id int64, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE sales SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status <> $2`, id, SaleVoided, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSaleAlreadyVoided
	}
	return nil
}

// LinkDocument appends the fiscal document reference onto the sale. It
// implements fiscal.SaleLinker.
func (r *Repository) LinkDocument(ctx context.Context, saleID int64, documentID, accessKey string, status fiscal.DocumentStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE sales SET document_id = $2, document_access_key = $3,
		document_status = $4 WHERE id = $1`, saleID, documentID, accessKey, status)
	return err
}
