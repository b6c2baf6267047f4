package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*Product, error)
	ListLowStock(ctx context.Context) ([]Product, error)
	ListBatchesNearExpiration(ctx context.Context, within time.Duration) ([]ExpiringBatch, error)
}

// Service owns product stock. Checks and deductions for a confirmed sale run
// inside a single transaction with the product rows locked, so the
// check-then-deduct pair cannot race another terminal.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// AllocationLine requests units of one product.
type AllocationLine struct {
	ProductID int64
	Quantity  float64
}

// Allocation is the outcome of deducting one line, with the cost and price
// snapshots the sale record captures.
type Allocation struct {
	ProductID     int64
	ProductName   string
	SKU           string
	NCM           string
	TaxCode       string
	ExemptionCode string
	OriginCode    string
	Quantity      float64
	UnitPrice     decimal.Decimal
	UnitCost      decimal.Decimal
	Consumed      []BatchConsumption
}

// CheckAvailability reads the product and reports whether the quantity can be
// allocated. The read takes no locks; the authoritative check repeats inside
// Allocate.
func (s *Service) CheckAvailability(ctx context.Context, productID int64, qty float64) (bool, AvailabilityDetail, error) {
	if qty <= 0 {
		return false, AvailabilityDetail{}, fmt.Errorf("catalog: quantity must be positive")
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return false, AvailabilityDetail{}, err
	}
	ok, detail := CheckAvailability(product, qty, s.now())
	return ok, detail, nil
}

// Allocate checks and deducts every line atomically. Either all lines are
// deducted or none are. Returns an InsufficientStockError for the first line
// that cannot be covered.
func (s *Service) Allocate(ctx context.Context, lines []AllocationLine) ([]Allocation, error) {
	if len(lines) == 0 {
		return nil, errors.New("catalog: allocation requires at least one line")
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("catalog: invalid quantity %.3f for product %d", line.Quantity, line.ProductID)
		}
	}

	var allocations []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now()
		for _, line := range lines {
			product, err := tx.GetProductForUpdate(ctx, line.ProductID)
			if err != nil {
				return err
			}
			ok, detail := CheckAvailability(product, line.Quantity, now)
			if !ok {
				return &InsufficientStockError{
					ProductID:   product.ID,
					ProductName: product.Name,
					Requested:   line.Quantity,
					Available:   detail.Available,
				}
			}

			alloc := Allocation{
				ProductID:     product.ID,
				ProductName:   product.Name,
				SKU:           product.SKU,
				NCM:           product.NCM,
				TaxCode:       product.TaxCode,
				ExemptionCode: product.ExemptionCode,
				OriginCode:    product.OriginCode,
				Quantity:      line.Quantity,
				UnitPrice:     product.EffectivePrice(),
				UnitCost:      product.UnitCost,
			}

			if product.TrackStock {
				if len(product.Batches) > 0 {
					result := Deduct(product.Batches, line.Quantity)
					if result.Remaining > 0 {
						// Unreachable while the check above holds the same lock.
						return fmt.Errorf("catalog: deduction shortfall %.3f on product %d", result.Remaining, product.ID)
					}
					if err := tx.ReplaceBatches(ctx, product.ID, result.Batches); err != nil {
						return err
					}
					if err := tx.UpdateProductQuantity(ctx, product.ID, TotalQuantity(result.Batches)); err != nil {
						return err
					}
					alloc.Consumed = result.Consumed
				} else {
					if err := tx.UpdateProductQuantity(ctx, product.ID, product.Quantity-line.Quantity); err != nil {
						return err
					}
				}
			}
			allocations = append(allocations, alloc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

// Restore re-adds quantities when a sale is voided. Batched products receive
// a synthetic return batch with a far-future expiration so the returned
// stock is consumed last.
func (s *Service) Restore(ctx context.Context, lines []AllocationLine) error {
	if len(lines) == 0 {
		return nil
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range lines {
			product, err := tx.GetProductForUpdate(ctx, line.ProductID)
			if err != nil {
				return err
			}
			if !product.TrackStock {
				continue
			}
			if len(product.Batches) > 0 {
				_, err := tx.InsertBatch(ctx, Batch{
					ProductID: product.ID,
					Code:      "RETURN",
					Quantity:  line.Quantity,
					ExpiresAt: s.now().AddDate(10, 0, 0),
				})
				if err != nil {
					return err
				}
				if err := tx.UpdateProductQuantity(ctx, product.ID, TotalQuantity(product.Batches)+line.Quantity); err != nil {
					return err
				}
			} else {
				if err := tx.UpdateProductQuantity(ctx, product.ID, product.Quantity+line.Quantity); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetProduct loads one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (*Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// GetProductByBarcode resolves a scanned barcode.
func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (*Product, error) {
	return s.repo.GetProductByBarcode(ctx, barcode)
}

// ListLowStock lists products at or below their minimum quantity.
func (s *Service) ListLowStock(ctx context.Context) ([]Product, error) {
	return s.repo.ListLowStock(ctx)
}

// ListBatchesNearExpiration lists batches expiring within the window.
func (s *Service) ListBatchesNearExpiration(ctx context.Context, days int) ([]ExpiringBatch, error) {
	if days <= 0 {
		days = 30
	}
	return s.repo.ListBatchesNearExpiration(ctx, time.Duration(days)*24*time.Hour)
}
