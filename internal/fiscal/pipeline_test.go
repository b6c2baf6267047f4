package fiscal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/balcao-pos/balcao-pos/internal/tax"
)

type stubAuthority struct {
	result  SubmitResult
	err     error
	payload Payload
	calls   int
}

func (s *stubAuthority) Submit(ctx context.Context, payload Payload) (SubmitResult, error) {
	s.calls++
	s.payload = payload
	if s.err != nil {
		return SubmitResult{}, s.err
	}
	return s.result, nil
}

type memoryDocStore struct {
	docs      map[string]FiscalDocument
	insertErr error
}

func newMemoryDocStore() *memoryDocStore {
	return &memoryDocStore{docs: make(map[string]FiscalDocument)}
}

func (m *memoryDocStore) InsertDocument(ctx context.Context, doc FiscalDocument) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memoryDocStore) GetDocument(ctx context.Context, id string) (*FiscalDocument, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return &doc, nil
}

func (m *memoryDocStore) GetDocumentBySale(ctx context.Context, saleID int64) (*FiscalDocument, error) {
	for _, doc := range m.docs {
		if doc.SaleID == saleID {
			return &doc, nil
		}
	}
	return nil, ErrDocumentNotFound
}

type stubLinker struct {
	saleID     int64
	documentID string
	err        error
}

func (s *stubLinker) LinkDocument(ctx context.Context, saleID int64, documentID, accessKey string, status DocumentStatus) error {
	if s.err != nil {
		return s.err
	}
	s.saleID = saleID
	s.documentID = documentID
	return nil
}

type stubEnqueuer struct {
	backups []string
	usages  []string
	err     error
}

func (s *stubEnqueuer) EnqueueBackup(ctx context.Context, documentID string) error {
	if s.err != nil {
		return s.err
	}
	s.backups = append(s.backups, documentID)
	return nil
}

func (s *stubEnqueuer) EnqueueUsage(ctx context.Context, documentID string, docType DocumentType) error {
	if s.err != nil {
		return s.err
	}
	s.usages = append(s.usages, documentID)
	return nil
}

func testMerchant() Merchant {
	return Merchant{ID: "m1", TaxID: "11222333000181", Name: "Mercearia Central", Region: "SP"}
}

func acceptedResult() SubmitResult {
	return SubmitResult{
		Accepted:   true,
		DocumentID: "doc-1",
		AccessKey:  "35260911222333000181650010000001011000000010",
		Protocol:   "135260000001",
		Status:     "authorized",
		Number:     101,
		Series:     1,
	}
}

func validEmitRequest() EmitRequest {
	return EmitRequest{
		SaleID:        42,
		CorrelationID: "corr-1",
		DocumentType:  DocumentTypeConsumer,
		Items: []EmitItem{{
			Code:        "SKU-1",
			Description: "Coffee",
			Quantity:    2,
			UnitPrice:   decimal.NewFromFloat(10.00),
			VAT:         tax.Entry{FiscalCode: "102"},
			PIS:         tax.Entry{FiscalCode: "49"},
			COFINS:      tax.Entry{FiscalCode: "49"},
			Excise:      tax.Entry{FiscalCode: "53"},
		}},
		Subtotal:      decimal.NewFromInt(20),
		Total:         decimal.NewFromInt(20),
		PaymentMethod: "pix",
	}
}

func newTestPipeline(authority *stubAuthority, docs *memoryDocStore, linker *stubLinker, tasks *stubEnqueuer) *Pipeline {
	p := NewPipeline(authority, docs, linker, tasks, testMerchant(), slog.Default())
	p.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestEmitPersistsLinksAndEnqueues(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	docs := newMemoryDocStore()
	linker := &stubLinker{}
	tasks := &stubEnqueuer{}
	p := newTestPipeline(authority, docs, linker, tasks)

	doc, emitErr := p.Emit(context.Background(), validEmitRequest())
	require.Nil(t, emitErr)
	require.Equal(t, "doc-1", doc.ID)
	require.Equal(t, StatusAuthorized, doc.Status)
	require.Equal(t, BackupPending, doc.BackupStatus)
	require.Equal(t, "corr-1", doc.CorrelationID)

	stored, err := docs.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), stored.SaleID)

	require.Equal(t, int64(42), linker.saleID)
	require.Equal(t, "doc-1", linker.documentID)
	require.Equal(t, []string{"doc-1"}, tasks.backups)
	require.Equal(t, []string{"doc-1"}, tasks.usages)
}

func TestEmitBuildsConsumerPayload(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	p := newTestPipeline(authority, newMemoryDocStore(), &stubLinker{}, &stubEnqueuer{})

	_, emitErr := p.Emit(context.Background(), validEmitRequest())
	require.Nil(t, emitErr)

	payload := authority.payload
	require.Equal(t, 65, payload.Model)
	require.True(t, payload.ConsumerFinal)
	require.Equal(t, "17", payload.Payment.MethodCode)
	require.Equal(t, "11222333000181", payload.Issuer.TaxID)
	require.Nil(t, payload.Recipient)
	require.Len(t, payload.Items, 1)
	require.Equal(t, 1, payload.Items[0].Number)
	require.Equal(t, "UN", payload.Items[0].Unit)
	require.True(t, payload.Items[0].GrossAmount.Equal(decimal.NewFromInt(20)))
}

func TestEmitBusinessDocumentUsesModel55(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	p := newTestPipeline(authority, newMemoryDocStore(), &stubLinker{}, &stubEnqueuer{})

	req := validEmitRequest()
	req.DocumentType = DocumentTypeBusiness
	req.Customer = &Customer{Name: "Acme Ltda", TaxID: "99888777000166", Region: "RJ"}

	_, emitErr := p.Emit(context.Background(), req)
	require.Nil(t, emitErr)
	require.Equal(t, 55, authority.payload.Model)
	require.False(t, authority.payload.ConsumerFinal)
	require.NotNil(t, authority.payload.Recipient)
	require.Equal(t, "Acme Ltda", authority.payload.Recipient.Name)
}

func TestEmitBusinessRequiresCustomerIdentity(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	p := newTestPipeline(authority, newMemoryDocStore(), &stubLinker{}, &stubEnqueuer{})

	req := validEmitRequest()
	req.DocumentType = DocumentTypeBusiness

	_, emitErr := p.Emit(context.Background(), req)
	require.NotNil(t, emitErr)
	require.Equal(t, KindValidation, emitErr.Kind)
	require.Zero(t, authority.calls)
}

func TestEmitValidationFailureNeverSubmits(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	p := newTestPipeline(authority, newMemoryDocStore(), &stubLinker{}, &stubEnqueuer{})

	req := validEmitRequest()
	req.Items = nil

	_, emitErr := p.Emit(context.Background(), req)
	require.NotNil(t, emitErr)
	require.Equal(t, KindValidation, emitErr.Kind)
	require.False(t, emitErr.Retryable())
	require.Zero(t, authority.calls)
}

func TestEmitTransportFailureIsRetryable(t *testing.T) {
	authority := &stubAuthority{err: errors.New("connection refused")}
	docs := newMemoryDocStore()
	tasks := &stubEnqueuer{}
	p := newTestPipeline(authority, docs, &stubLinker{}, tasks)

	_, emitErr := p.Emit(context.Background(), validEmitRequest())
	require.NotNil(t, emitErr)
	require.Equal(t, KindTransport, emitErr.Kind)
	require.True(t, emitErr.Retryable())
	require.Empty(t, docs.docs)
	require.Empty(t, tasks.backups)
}

func TestEmitRejectionCarriesReason(t *testing.T) {
	authority := &stubAuthority{result: SubmitResult{Accepted: false, Reason: "invalid recipient tax id"}}
	docs := newMemoryDocStore()
	p := newTestPipeline(authority, docs, &stubLinker{}, &stubEnqueuer{})

	_, emitErr := p.Emit(context.Background(), validEmitRequest())
	require.NotNil(t, emitErr)
	require.Equal(t, KindRejected, emitErr.Kind)
	require.Contains(t, emitErr.Error(), "invalid recipient tax id")
	require.Empty(t, docs.docs)
}

func TestEmitPersistenceFailureCarriesDocumentID(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	docs := newMemoryDocStore()
	docs.insertErr = errors.New("connection lost")
	p := newTestPipeline(authority, docs, &stubLinker{}, &stubEnqueuer{})

	_, emitErr := p.Emit(context.Background(), validEmitRequest())
	require.NotNil(t, emitErr)
	require.Equal(t, KindPersistence, emitErr.Kind)
	require.Equal(t, "doc-1", emitErr.DocumentID)
}

func TestEmitEnqueueFailureDoesNotFailEmission(t *testing.T) {
	authority := &stubAuthority{result: acceptedResult()}
	tasks := &stubEnqueuer{err: errors.New("redis down")}
	p := newTestPipeline(authority, newMemoryDocStore(), &stubLinker{}, tasks)

	doc, emitErr := p.Emit(context.Background(), validEmitRequest())
	require.Nil(t, emitErr)
	require.NotNil(t, doc)
}

func TestPaymentCodeMapping(t *testing.T) {
	require.Equal(t, "01", paymentCode("cash"))
	require.Equal(t, "03", paymentCode("credit_card"))
	require.Equal(t, "04", paymentCode("debit_card"))
	require.Equal(t, "17", paymentCode("pix"))
	require.Equal(t, "18", paymentCode("transfer"))
	require.Equal(t, "99", paymentCode("store_credit"))
}
