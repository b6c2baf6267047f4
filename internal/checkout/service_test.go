package checkout

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/balcao-pos/balcao-pos/internal/catalog"
	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	"github.com/balcao-pos/balcao-pos/internal/shared"
	"github.com/balcao-pos/balcao-pos/internal/tax"
)

type memorySaleRepo struct {
	sales     map[int64]*Sale
	nextID    int64
	createErr error
}

func newMemorySaleRepo() *memorySaleRepo {
	return &memorySaleRepo{sales: make(map[int64]*Sale)}
}

func (r *memorySaleRepo) CreateSale(ctx context.Context, sale Sale) (int64, error) {
	if r.createErr != nil {
		return 0, r.createErr
	}
	r.nextID++
	sale.ID = r.nextID
	for i := range sale.Items {
		sale.Items[i].SaleID = sale.ID
	}
	r.sales[sale.ID] = &sale
	return sale.ID, nil
}

func (r *memorySaleRepo) GetSale(ctx context.Context, id int64) (*Sale, error) {
	sale, ok := r.sales[id]
	if !ok {
		return nil, ErrSaleNotFound
	}
	cp := *sale
	cp.Items = append([]SaleItem(nil), sale.Items...)
	return &cp, nil
}

func (r *memorySaleRepo) ListByPeriod(ctx context.Context, from, to time.Time, limit int) ([]Sale, error) {
	var out []Sale
	for _, sale := range r.sales {
		if !sale.SoldAt.Before(from) && !sale.SoldAt.After(to) {
			out = append(out, *sale)
		}
	}
	return out, nil
}

func (r *memorySaleRepo) MarkVoided(ctx context.Context, id int64, reason string, at time.Time) error {
	sale, ok := r.sales[id]
	if !ok {
		return ErrSaleNotFound
	}
	if sale.Status == SaleVoided {
		return ErrSaleAlreadyVoided
	}
	sale.Status = SaleVoided
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return nil
}

type stubAllocator struct {
	allocations []catalog.Allocation
	allocateErr error
	allocated   [][]catalog.AllocationLine
	restored    [][]catalog.AllocationLine
}

func (s *stubAllocator) Allocate(ctx context.Context, lines []catalog.AllocationLine) ([]catalog.Allocation, error) {
	if s.allocateErr != nil {
		return nil, s.allocateErr
	}
	s.allocated = append(s.allocated, lines)
	return s.allocations, nil
}

func (s *stubAllocator) Restore(ctx context.Context, lines []catalog.AllocationLine) error {
	s.restored = append(s.restored, lines)
	return nil
}

type stubTaxes struct {
	computeErr error
}

func (s *stubTaxes) ComputeSale(ctx context.Context, items []tax.ItemInput, destRegion string) (tax.SaleComputation, error) {
	if s.computeErr != nil {
		return tax.SaleComputation{}, s.computeErr
	}
	var comp tax.SaleComputation
	for _, item := range items {
		base := item.UnitPrice.Mul(decimal.NewFromFloat(item.Quantity))
		comp.Items = append(comp.Items, tax.ItemComputation{Name: item.Name, Base: base})
		comp.Subtotal = comp.Subtotal.Add(base)
	}
	return comp, nil
}

type stubEmitter struct {
	doc      *fiscal.FiscalDocument
	emitErr  *fiscal.EmitError
	requests []fiscal.EmitRequest
}

func (s *stubEmitter) Emit(ctx context.Context, req fiscal.EmitRequest) (*fiscal.FiscalDocument, *fiscal.EmitError) {
	s.requests = append(s.requests, req)
	if s.emitErr != nil {
		return nil, s.emitErr
	}
	return s.doc, nil
}

type memoryIdempotency struct {
	keys      map[string]bool
	checkErr  error
	deleted   []string
	conflicts int
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]bool)}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.checkErr != nil {
		return m.checkErr
	}
	if m.keys[key] {
		m.conflicts++
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func coffeeAllocation() catalog.Allocation {
	return catalog.Allocation{
		ProductID:   1,
		ProductName: "Coffee",
		SKU:         "COF-1",
		Quantity:    2,
		UnitPrice:   decimal.NewFromFloat(10.00),
		UnitCost:    decimal.NewFromFloat(6.00),
	}
}

func baseRequest() ConfirmRequest {
	return ConfirmRequest{
		IdempotencyKey: "key-1",
		Lines:          []ConfirmLine{{ProductID: 1, Quantity: 2}},
		PaymentMethod:  "cash",
	}
}

type checkoutFixture struct {
	repo        *memorySaleRepo
	allocator   *stubAllocator
	emitter     *stubEmitter
	idempotency *memoryIdempotency
	service     *Service
}

func newFixture() *checkoutFixture {
	f := &checkoutFixture{
		repo:        newMemorySaleRepo(),
		allocator:   &stubAllocator{allocations: []catalog.Allocation{coffeeAllocation()}},
		emitter:     &stubEmitter{},
		idempotency: newMemoryIdempotency(),
	}
	f.service = NewService(f.repo, f.allocator, &stubTaxes{}, f.emitter, f.idempotency, slog.Default())
	f.service.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) }
	return f
}

func TestConfirmCreatesSaleWithSnapshots(t *testing.T) {
	f := newFixture()

	result, err := f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)

	sale := result.Sale
	require.NotZero(t, sale.ID)
	require.NotEmpty(t, sale.CorrelationID)
	require.Equal(t, SaleCompleted, sale.Status)
	require.True(t, sale.Subtotal.Equal(decimal.NewFromInt(20)))
	require.True(t, sale.Total.Equal(decimal.NewFromInt(20)))
	require.Len(t, sale.Items, 1)
	require.Equal(t, "Coffee", sale.Items[0].Name)
	require.Equal(t, 1, sale.Items[0].Position)
	require.True(t, sale.Items[0].UnitCost.Equal(decimal.NewFromFloat(6.00)))

	stored, err := f.repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, sale.CorrelationID, stored.CorrelationID)
}

func TestConfirmAppliesDiscount(t *testing.T) {
	f := newFixture()
	req := baseRequest()
	req.Discount = decimal.NewFromFloat(2.50)

	result, err := f.service.Confirm(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Sale.Total.Equal(decimal.NewFromFloat(17.50)))
}

func TestConfirmRejectsDuplicateKey(t *testing.T) {
	f := newFixture()

	_, err := f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)

	_, err = f.service.Confirm(context.Background(), baseRequest())
	require.ErrorIs(t, err, ErrDuplicateConfirm)
	require.Len(t, f.allocator.allocated, 1)
}

func TestConfirmAllocationFailureReleasesKey(t *testing.T) {
	f := newFixture()
	f.allocator.allocateErr = &catalog.InsufficientStockError{ProductName: "Coffee", Requested: 2, Available: 1}

	_, err := f.service.Confirm(context.Background(), baseRequest())
	require.ErrorIs(t, err, catalog.ErrInsufficientStock)
	require.Equal(t, []string{"key-1"}, f.idempotency.deleted)

	// The key is free again for a corrected retry.
	f.allocator.allocateErr = nil
	_, err = f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)
}

func TestConfirmPersistFailureRestoresStock(t *testing.T) {
	f := newFixture()
	f.repo.createErr = errors.New("disk full")

	_, err := f.service.Confirm(context.Background(), baseRequest())
	require.Error(t, err)
	require.Len(t, f.allocator.restored, 1)
	require.Equal(t, []string{"key-1"}, f.idempotency.deleted)
}

func TestConfirmEmitsDocumentWhenRequested(t *testing.T) {
	f := newFixture()
	f.emitter.doc = &fiscal.FiscalDocument{ID: "doc-1", AccessKey: "key", Status: fiscal.StatusAuthorized}
	req := baseRequest()
	req.EmitDocument = true

	result, err := f.service.Confirm(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Document)
	require.Nil(t, result.EmitFailure)

	require.Len(t, f.emitter.requests, 1)
	emitReq := f.emitter.requests[0]
	require.Equal(t, result.Sale.ID, emitReq.SaleID)
	require.Equal(t, result.Sale.CorrelationID, emitReq.CorrelationID)
	require.Equal(t, fiscal.DocumentTypeConsumer, emitReq.DocumentType)
}

func TestConfirmEmissionFailureKeepsSale(t *testing.T) {
	f := newFixture()
	f.emitter.emitErr = &fiscal.EmitError{Kind: fiscal.KindRejected, Reason: "bad data"}
	req := baseRequest()
	req.EmitDocument = true

	result, err := f.service.Confirm(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, result.Document)
	require.NotNil(t, result.EmitFailure)
	require.Equal(t, fiscal.KindRejected, result.EmitFailure.Kind)

	// The sale and its stock deduction stand; nothing was restored.
	require.Empty(t, f.allocator.restored)
	_, err = f.repo.GetSale(context.Background(), result.Sale.ID)
	require.NoError(t, err)
}

func TestConfirmWithoutEmissionSkipsEmitter(t *testing.T) {
	f := newFixture()

	_, err := f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Empty(t, f.emitter.requests)
}

func TestConfirmValidatesRequest(t *testing.T) {
	f := newFixture()

	_, err := f.service.Confirm(context.Background(), ConfirmRequest{PaymentMethod: "cash"})
	require.ErrorIs(t, err, shared.ErrValidation)

	req := baseRequest()
	req.PaymentMethod = "barter"
	_, err = f.service.Confirm(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestVoidRestoresStockAndKeepsDocument(t *testing.T) {
	f := newFixture()
	f.emitter.doc = &fiscal.FiscalDocument{ID: "doc-1", AccessKey: "key", Status: fiscal.StatusAuthorized}
	req := baseRequest()
	req.EmitDocument = true

	result, err := f.service.Confirm(context.Background(), req)
	require.NoError(t, err)

	voided, err := f.service.Void(context.Background(), result.Sale.ID, "customer gave up")
	require.NoError(t, err)
	require.Equal(t, SaleVoided, voided.Status)
	require.Equal(t, "customer gave up", voided.VoidReason)
	require.NotNil(t, voided.VoidedAt)

	require.Len(t, f.allocator.restored, 1)
	require.Equal(t, []catalog.AllocationLine{{ProductID: 1, Quantity: 2}}, f.allocator.restored[0])
}

func TestVoidTwiceFails(t *testing.T) {
	f := newFixture()

	result, err := f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)

	_, err = f.service.Void(context.Background(), result.Sale.ID, "first")
	require.NoError(t, err)

	_, err = f.service.Void(context.Background(), result.Sale.ID, "second")
	require.ErrorIs(t, err, ErrSaleAlreadyVoided)
	require.Len(t, f.allocator.restored, 1)
}

func TestRetryEmissionRejectsVoidedAndLinkedSales(t *testing.T) {
	f := newFixture()

	result, err := f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)
	saleID := result.Sale.ID

	docID := "doc-1"
	f.repo.sales[saleID].DocumentID = &docID
	_, err = f.service.RetryEmission(context.Background(), saleID, fiscal.DocumentTypeConsumer, nil)
	require.ErrorIs(t, err, shared.ErrValidation)

	f.repo.sales[saleID].DocumentID = nil
	f.repo.sales[saleID].Status = SaleVoided
	_, err = f.service.RetryEmission(context.Background(), saleID, fiscal.DocumentTypeConsumer, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRetryEmissionUsesItemSnapshots(t *testing.T) {
	f := newFixture()
	f.emitter.doc = &fiscal.FiscalDocument{ID: "doc-1", Status: fiscal.StatusAuthorized}

	result, err := f.service.Confirm(context.Background(), baseRequest())
	require.NoError(t, err)

	doc, err := f.service.RetryEmission(context.Background(), result.Sale.ID, fiscal.DocumentTypeConsumer, nil)
	require.NoError(t, err)
	require.Equal(t, "doc-1", doc.ID)

	require.Len(t, f.emitter.requests, 1)
	emitReq := f.emitter.requests[0]
	require.Equal(t, result.Sale.CorrelationID, emitReq.CorrelationID)
	require.Len(t, emitReq.Items, 1)
	require.Equal(t, "Coffee", emitReq.Items[0].Description)
}

func TestStatsByPeriodSkipsVoided(t *testing.T) {
	f := newFixture()

	first, err := f.service.Confirm(context.Background(), ConfirmRequest{
		IdempotencyKey: "a",
		Lines:          []ConfirmLine{{ProductID: 1, Quantity: 2}},
		PaymentMethod:  "cash",
	})
	require.NoError(t, err)

	_, err = f.service.Confirm(context.Background(), ConfirmRequest{
		IdempotencyKey: "b",
		Lines:          []ConfirmLine{{ProductID: 1, Quantity: 2}},
		PaymentMethod:  "pix",
	})
	require.NoError(t, err)

	_, err = f.service.Void(context.Background(), first.Sale.ID, "mistake")
	require.NoError(t, err)

	soldAt := f.service.now()
	stats, err := f.service.StatsByPeriod(context.Background(), soldAt.Add(-time.Hour), soldAt.Add(time.Hour))
	require.NoError(t, err)

	require.Equal(t, 1, stats.Count)
	require.True(t, stats.Total.Equal(decimal.NewFromInt(20)))
	require.Equal(t, map[string]int{"pix": 1}, stats.PaymentMethods)
	require.True(t, stats.AverageTicket.Equal(decimal.NewFromInt(20)))
}
