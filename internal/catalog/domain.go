package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable catalog entry. Quantity is authoritative only for
// products without batches; batched products derive it from non-expired
// batch quantities.
type Product struct {
	ID            int64
	SKU           string
	Barcode       string
	Name          string
	UnitPrice     decimal.Decimal
	PromoPrice    *decimal.Decimal
	UnitCost      decimal.Decimal
	Quantity      float64
	MinQuantity   float64
	TrackStock    bool
	NCM           string
	TaxCode       string
	ExemptionCode string
	OriginCode    string
	Batches       []Batch
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Batch is a dated sub-quantity of a product's stock.
type Batch struct {
	ID        int64
	ProductID int64
	Code      string
	Quantity  float64
	ExpiresAt time.Time
}

// Expired reports whether the batch expired before the given instant.
func (b Batch) Expired(now time.Time) bool {
	return b.ExpiresAt.Before(now)
}

// EffectivePrice returns the promotional price when one is set.
func (p *Product) EffectivePrice() decimal.Decimal {
	if p.PromoPrice != nil && p.PromoPrice.IsPositive() {
		return *p.PromoPrice
	}
	return p.UnitPrice
}

// AvailableQuantity sums non-expired batch quantities, or falls back to the
// scalar quantity for products without batches.
func (p *Product) AvailableQuantity(now time.Time) float64 {
	if len(p.Batches) == 0 {
		return p.Quantity
	}
	var total float64
	for _, b := range p.Batches {
		if !b.Expired(now) {
			total += b.Quantity
		}
	}
	return total
}

// ExpiringBatch pairs a batch with its product for expiry reports.
type ExpiringBatch struct {
	ProductID   int64
	ProductName string
	Batch       Batch
}

var (
	// ErrProductNotFound indicates a missing product row.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrInsufficientStock indicates a requested quantity exceeds availability.
	ErrInsufficientStock = errors.New("catalog: insufficient stock")
)

// InsufficientStockError carries enough detail for the operator to correct the cart.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   float64
	Available   float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("catalog: insufficient stock for %s: requested %.3f, available %.3f", e.ProductName, e.Requested, e.Available)
}

// Unwrap allows errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
