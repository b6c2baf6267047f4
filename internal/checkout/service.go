package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/balcao-pos/balcao-pos/internal/catalog"
	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	"github.com/balcao-pos/balcao-pos/internal/shared"
	"github.com/balcao-pos/balcao-pos/internal/tax"
)

// RepositoryPort abstracts sale persistence for the service.
type RepositoryPort interface {
	CreateSale(ctx context.Context, sale Sale) (int64, error)
	GetSale(ctx context.Context, id int64) (*Sale, error)
	ListByPeriod(ctx context.Context, from, to time.Time, limit int) ([]Sale, error)
	MarkVoided(ctx context.Context, id int64, reason string, at time.Time) error
}

// AllocatorPort is the stock side of checkout.
type AllocatorPort interface {
	Allocate(ctx context.Context, lines []catalog.AllocationLine) ([]catalog.Allocation, error)
	Restore(ctx context.Context, lines []catalog.AllocationLine) error
}

// TaxPort computes the sale's tax liability.
type TaxPort interface {
	ComputeSale(ctx context.Context, items []tax.ItemInput, destRegion string) (tax.SaleComputation, error)
}

// EmitterPort drives fiscal document emission.
type EmitterPort interface {
	Emit(ctx context.Context, req fiscal.EmitRequest) (*fiscal.FiscalDocument, *fiscal.EmitError)
}

// IdempotencyPort guards against double confirmation.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const idempotencyModule = "checkout"

// Service runs the checkout flow: allocate stock, compute tax, persist the
// sale, then emit the fiscal document. Emission failure never unwinds the
// sale; stock or validation failure blocks it before anything is written.
type Service struct {
	repo        RepositoryPort
	allocator   AllocatorPort
	taxes       TaxPort
	emitter     EmitterPort
	idempotency IdempotencyPort
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service. The idempotency store may be nil, which skips
// duplicate-confirm protection.
func NewService(repo RepositoryPort, allocator AllocatorPort, taxes TaxPort, emitter EmitterPort, idempotency IdempotencyPort, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		allocator:   allocator,
		taxes:       taxes,
		emitter:     emitter,
		idempotency: idempotency,
		validate:    validator.New(),
		logger:      logger,
		now:         time.Now,
	}
}

// ConfirmLine is one cart line at confirmation.
type ConfirmLine struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
}

// ConfirmRequest is the operator's confirm action.
type ConfirmRequest struct {
	IdempotencyKey string              `json:"idempotency_key"`
	Lines          []ConfirmLine       `json:"lines" validate:"required,min=1,dive"`
	Discount       decimal.Decimal     `json:"discount"`
	PaymentMethod  string              `json:"payment_method" validate:"required,oneof=cash credit_card debit_card pix transfer other"`
	EmitDocument   bool                `json:"emit_document"`
	DocumentType   fiscal.DocumentType `json:"document_type" validate:"omitempty,oneof=consumer business"`
	Customer       *fiscal.Customer    `json:"customer"`
	Notes          string              `json:"notes"`
}

// ConfirmResult is returned to the operator. EmitFailure is set when the
// sale completed but the fiscal document did not; the sale stands and the
// operator may retry emission.
type ConfirmResult struct {
	Sale        *Sale                  `json:"sale"`
	Tax         tax.SaleComputation    `json:"tax"`
	Document    *fiscal.FiscalDocument `json:"document,omitempty"`
	EmitFailure *fiscal.EmitError      `json:"emit_failure,omitempty"`
}

// Confirm processes a confirmed cart end to end.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrValidation, err)
	}

	keyHeld := false
	if s.idempotency != nil && req.IdempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, req.IdempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return nil, ErrDuplicateConfirm
			}
			return nil, fmt.Errorf("checkout: idempotency check: %w", err)
		}
		keyHeld = true
	}
	releaseKey := func() {
		if keyHeld && s.idempotency != nil {
			if err := s.idempotency.Delete(ctx, req.IdempotencyKey); err != nil {
				s.logger.Warn("release idempotency key failed", slog.Any("error", err))
			}
		}
	}

	lines := make([]catalog.AllocationLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, catalog.AllocationLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	allocations, err := s.allocator.Allocate(ctx, lines)
	if err != nil {
		releaseKey()
		return nil, err
	}

	region := ""
	if req.Customer != nil {
		region = req.Customer.Region
	}
	taxComp, err := s.taxes.ComputeSale(ctx, taxInputs(allocations), region)
	if err != nil {
		// Tax computation is total over business data; reaching this means
		// the allocations themselves were malformed. Put the stock back.
		s.restore(ctx, lines)
		releaseKey()
		return nil, err
	}

	correlationID := uuid.NewString()
	sale := s.buildSale(req, allocations, taxComp, correlationID)

	saleID, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		s.restore(ctx, lines)
		releaseKey()
		return nil, fmt.Errorf("checkout: persist sale: %w", err)
	}
	sale.ID = saleID
	for i := range sale.Items {
		sale.Items[i].SaleID = saleID
	}

	s.logger.Info("sale confirmed",
		slog.Int64("sale_id", saleID),
		slog.String("correlation_id", correlationID),
		slog.String("total", sale.Total.StringFixed(2)))

	result := &ConfirmResult{Sale: &sale, Tax: taxComp}
	if req.EmitDocument {
		doc, emitErr := s.emitter.Emit(ctx, s.buildEmitRequest(req, sale, taxComp, correlationID))
		if emitErr != nil {
			// The sale stands; the failure is reported alongside it.
			s.logger.Warn("fiscal emission failed",
				slog.Int64("sale_id", saleID),
				slog.String("kind", string(emitErr.Kind)),
				slog.Any("error", emitErr))
			result.EmitFailure = emitErr
		} else {
			result.Document = doc
			sale.DocumentID = &doc.ID
			sale.DocumentAccessKey = &doc.AccessKey
			status := doc.Status
			sale.DocumentStatus = &status
		}
	}
	return result, nil
}

// RetryEmission emits a document for a completed sale that has none, using
// the item snapshots captured at confirmation.
func (s *Service) RetryEmission(ctx context.Context, saleID int64, docType fiscal.DocumentType, customer *fiscal.Customer) (*fiscal.FiscalDocument, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status == SaleVoided {
		return nil, fmt.Errorf("%w: cannot emit for a voided sale", shared.ErrValidation)
	}
	if sale.DocumentID != nil {
		return nil, fmt.Errorf("%w: sale already has document %s", shared.ErrValidation, *sale.DocumentID)
	}

	inputs := make([]tax.ItemInput, 0, len(sale.Items))
	for _, item := range sale.Items {
		inputs = append(inputs, tax.ItemInput{
			Name:          item.Name,
			NCM:           item.NCM,
			TaxCode:       item.TaxCode,
			ExemptionCode: item.ExemptionCode,
			OriginCode:    item.OriginCode,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
		})
	}
	region := ""
	if customer != nil {
		region = customer.Region
	}
	taxComp, err := s.taxes.ComputeSale(ctx, inputs, region)
	if err != nil {
		return nil, err
	}

	req := ConfirmRequest{DocumentType: docType, Customer: customer, PaymentMethod: sale.PaymentMethod}
	doc, emitErr := s.emitter.Emit(ctx, s.buildEmitRequest(req, *sale, taxComp, sale.CorrelationID))
	if emitErr != nil {
		return nil, emitErr
	}
	return doc, nil
}

// Void reverses a completed sale: stock returns, the sale flips to voided.
// An authorized fiscal document is not retracted; fiscal cancellation is a
// separate flow.
func (s *Service) Void(ctx context.Context, saleID int64, reason string) (*Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status == SaleVoided {
		return nil, ErrSaleAlreadyVoided
	}

	if err := s.repo.MarkVoided(ctx, saleID, reason, s.now()); err != nil {
		return nil, err
	}

	lines := make([]catalog.AllocationLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		lines = append(lines, catalog.AllocationLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if err := s.allocator.Restore(ctx, lines); err != nil {
		s.logger.Error("restore stock after void failed",
			slog.Int64("sale_id", saleID),
			slog.Any("error", err))
		return nil, fmt.Errorf("checkout: sale voided but stock restore failed: %w", err)
	}

	return s.repo.GetSale(ctx, saleID)
}

// GetSale loads one sale.
func (s *Service) GetSale(ctx context.Context, id int64) (*Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ListByPeriod lists sales in a window.
func (s *Service) ListByPeriod(ctx context.Context, from, to time.Time, limit int) ([]Sale, error) {
	return s.repo.ListByPeriod(ctx, from, to, limit)
}

// StatsByPeriod aggregates completed sales in a window.
func (s *Service) StatsByPeriod(ctx context.Context, from, to time.Time) (Stats, error) {
	sales, err := s.repo.ListByPeriod(ctx, from, to, 1000)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		PaymentMethods: make(map[string]int),
		SalesPerDay:    make(map[string]int),
	}
	for _, sale := range sales {
		if sale.Status == SaleVoided {
			continue
		}
		stats.Count++
		stats.Total = stats.Total.Add(sale.Total)
		stats.TaxTotal = stats.TaxTotal.Add(sale.TaxTotal)
		stats.PaymentMethods[sale.PaymentMethod]++
		stats.SalesPerDay[sale.SoldAt.Format("2006-01-02")]++
	}
	if stats.Count > 0 {
		stats.AverageTicket = stats.Total.Div(decimal.NewFromInt(int64(stats.Count))).Round(2)
	}
	return stats, nil
}

func (s *Service) restore(ctx context.Context, lines []catalog.AllocationLine) {
	if err := s.allocator.Restore(ctx, lines); err != nil {
		s.logger.Error("compensating stock restore failed", slog.Any("error", err))
	}
}

func taxInputs(allocations []catalog.Allocation) []tax.ItemInput {
	inputs := make([]tax.ItemInput, 0, len(allocations))
	for _, alloc := range allocations {
		inputs = append(inputs, tax.ItemInput{
			Name:          alloc.ProductName,
			NCM:           alloc.NCM,
			TaxCode:       alloc.TaxCode,
			ExemptionCode: alloc.ExemptionCode,
			OriginCode:    alloc.OriginCode,
			Quantity:      alloc.Quantity,
			UnitPrice:     alloc.UnitPrice,
		})
	}
	return inputs
}

func (s *Service) buildSale(req ConfirmRequest, allocations []catalog.Allocation, taxComp tax.SaleComputation, correlationID string) Sale {
	sale := Sale{
		CorrelationID: correlationID,
		Status:        SaleCompleted,
		Subtotal:      taxComp.Subtotal,
		Discount:      req.Discount,
		TaxTotal:      taxComp.TaxTotal,
		Total:         taxComp.Subtotal.Sub(req.Discount),
		PaymentMethod: req.PaymentMethod,
		SyncStatus:    SyncSynced,
		SoldAt:        s.now(),
	}
	if req.Customer != nil {
		sale.CustomerName = req.Customer.Name
		sale.CustomerTaxID = req.Customer.TaxID
		sale.CustomerRegion = req.Customer.Region
	}
	for i, alloc := range allocations {
		item := SaleItem{
			ProductID:     alloc.ProductID,
			Name:          alloc.ProductName,
			SKU:           alloc.SKU,
			NCM:           alloc.NCM,
			TaxCode:       alloc.TaxCode,
			ExemptionCode: alloc.ExemptionCode,
			OriginCode:    alloc.OriginCode,
			Quantity:      alloc.Quantity,
			UnitPrice:     alloc.UnitPrice,
			UnitCost:      alloc.UnitCost,
			Position:      i + 1,
		}
		if i < len(taxComp.Items) {
			item.TaxAmount = taxComp.Items[i].Total
		}
		sale.Items = append(sale.Items, item)
	}
	return sale
}

func (s *Service) buildEmitRequest(req ConfirmRequest, sale Sale, taxComp tax.SaleComputation, correlationID string) fiscal.EmitRequest {
	docType := req.DocumentType
	if docType == "" {
		docType = fiscal.DocumentTypeConsumer
	}
	emit := fiscal.EmitRequest{
		SaleID:        sale.ID,
		CorrelationID: correlationID,
		DocumentType:  docType,
		Customer:      req.Customer,
		Subtotal:      sale.Subtotal,
		Discount:      sale.Discount,
		TaxTotal:      sale.TaxTotal,
		Total:         sale.Total,
		PaymentMethod: sale.PaymentMethod,
		Notes:         req.Notes,
	}
	for i, item := range sale.Items {
		emitItem := fiscal.EmitItem{
			Code:           item.SKU,
			Description:    item.Name,
			Classification: item.NCM,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			OriginCode:     item.OriginCode,
		}
		if i < len(taxComp.Items) {
			comp := taxComp.Items[i]
			emitItem.VAT = comp.VAT
			emitItem.PIS = comp.PIS
			emitItem.COFINS = comp.COFINS
			emitItem.Excise = comp.Excise
		}
		emit.Items = append(emit.Items, emitItem)
	}
	return emit
}
