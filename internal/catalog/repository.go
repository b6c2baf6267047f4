package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, id int64) (*Product, error)
	UpdateProductQuantity(ctx context.Context, id int64, qty float64) error
	ReplaceBatches(ctx context.Context, productID int64, batches []Batch) error
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const productColumns = `id, sku, barcode, name, unit_price, promo_price, unit_cost,
	quantity, min_quantity, track_stock, ncm, tax_code, exemption_code, origin_code,
	is_active, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	var promo *decimal.Decimal
	err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.UnitPrice, &promo, &p.UnitCost,
		&p.Quantity, &p.MinQuantity, &p.TrackStock, &p.NCM, &p.TaxCode, &p.ExemptionCode, &p.OriginCode,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	p.PromoPrice = promo
	return &p, nil
}

// GetProduct loads a product with its batches.
func (r *Repository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, err
	}
	batches, err := r.loadBatches(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Batches = batches
	return p, nil
}

// GetProductByBarcode loads a product by its barcode.
func (r *Repository) GetProductByBarcode(ctx context.Context, barcode string) (*Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = $1 AND is_active`, barcode)
	p, err := scanProduct(row)
	if err != nil {
		return nil, err
	}
	batches, err := r.loadBatches(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Batches = batches
	return p, nil
}

func (r *Repository) loadBatches(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, code, quantity, expires_at
		FROM product_batches WHERE product_id = $1 ORDER BY expires_at`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.Code, &b.Quantity, &b.ExpiresAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListLowStock returns active products at or below their minimum quantity.
func (r *Repository) ListLowStock(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+`
		FROM products WHERE is_active AND track_stock AND quantity <= min_quantity
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// ListBatchesNearExpiration returns future batches expiring within the window.
func (r *Repository) ListBatchesNearExpiration(ctx context.Context, within time.Duration) ([]ExpiringBatch, error) {
	now := time.Now()
	rows, err := r.pool.Query(ctx, `SELECT b.id, b.product_id, b.code, b.quantity, b.expires_at, p.name
		FROM product_batches b JOIN products p ON p.id = b.product_id
		WHERE b.quantity > 0 AND b.expires_at >= $1 AND b.expires_at <= $2
		ORDER BY b.expires_at`, now, now.Add(within))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiringBatch
	for rows.Next() {
		var e ExpiringBatch
		if err := rows.Scan(&e.Batch.ID, &e.Batch.ProductID, &e.Batch.Code, &e.Batch.Quantity, &e.Batch.ExpiresAt, &e.ProductName); err != nil {
			return nil, err
		}
		e.ProductID = e.Batch.ProductID
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txRepo) GetProductForUpdate(ctx context.Context, id int64) (*Product, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `SELECT id, product_id, code, quantity, expires_at
		FROM product_batches WHERE product_id = $1 ORDER BY expires_at FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.Code, &b.Quantity, &b.ExpiresAt); err != nil {
			return nil, err
		}
		p.Batches = append(p.Batches, b)
	}
	return p, rows.Err()
}

func (t *txRepo) UpdateProductQuantity(ctx context.Context, id int64, qty float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE products SET quantity = $2, updated_at = now() WHERE id = $1`, id, qty)
	return err
}

func (t *txRepo) ReplaceBatches(ctx context.Context, productID int64, batches []Batch) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM product_batches WHERE product_id = $1`, productID); err != nil {
		return err
	}
	for _, b := range batches {
		if _, err := t.tx.Exec(ctx, `INSERT INTO product_batches (product_id, code, quantity, expires_at)
			VALUES ($1, $2, $3, $4)`, productID, b.Code, b.Quantity, b.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO product_batches (product_id, code, quantity, expires_at)
		VALUES ($1, $2, $3, $4) RETURNING id`, batch.ProductID, batch.Code, batch.Quantity, batch.ExpiresAt).Scan(&id)
	return id, err
}
