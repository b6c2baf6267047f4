package fiscal

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/balcao-pos/balcao-pos/internal/tax"
)

// AuthorityPort abstracts the authority client for the pipeline.
type AuthorityPort interface {
	Submit(ctx context.Context, payload Payload) (SubmitResult, error)
}

// DocumentStore persists document records.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc FiscalDocument) error
	GetDocument(ctx context.Context, id string) (*FiscalDocument, error)
	GetDocumentBySale(ctx context.Context, saleID int64) (*FiscalDocument, error)
}

// SaleLinker appends document references onto the originating sale.
type SaleLinker interface {
	LinkDocument(ctx context.Context, saleID int64, documentID, accessKey string, status DocumentStatus) error
}

// TaskEnqueuer hands backup and usage work to the background queue. Enqueue
// failures are logged, never surfaced: the document is already authoritative.
type TaskEnqueuer interface {
	EnqueueBackup(ctx context.Context, documentID string) error
	EnqueueUsage(ctx context.Context, documentID string, docType DocumentType) error
}

// Merchant identifies the issuing party on every payload.
type Merchant struct {
	ID        string
	TaxID     string
	Name      string
	TradeName string
	Region    string
}

// Customer is the optional document recipient.
type Customer struct {
	Name   string `json:"name"`
	TaxID  string `json:"tax_id"`
	Email  string `json:"email,omitempty"`
	Region string `json:"region,omitempty"`
}

// EmitItem is one sale line ready for the document, tax entries resolved.
type EmitItem struct {
	Code           string
	Description    string
	Classification string
	Unit           string
	Quantity       float64
	UnitPrice      decimal.Decimal
	OriginCode     string
	VAT            tax.Entry
	PIS            tax.Entry
	COFINS         tax.Entry
	Excise         tax.Entry
}

// EmitRequest carries everything emission needs; the correlation id ties the
// document back to the checkout that produced it.
type EmitRequest struct {
	SaleID        int64        `validate:"required"`
	CorrelationID string       `validate:"required"`
	DocumentType  DocumentType `validate:"required,oneof=consumer business"`
	Customer      *Customer
	Items         []EmitItem `validate:"required,min=1"`
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	TaxTotal      decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string `validate:"required"`
	Notes         string
}

// Pipeline drives document emission: payload build, submission, persistence,
// then detached backup and usage registration.
type Pipeline struct {
	authority AuthorityPort
	docs      DocumentStore
	sales     SaleLinker
	tasks     TaskEnqueuer
	merchant  Merchant
	series    int64
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline wires the emission pipeline.
func NewPipeline(authority AuthorityPort, docs DocumentStore, sales SaleLinker, tasks TaskEnqueuer, merchant Merchant, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		authority: authority,
		docs:      docs,
		sales:     sales,
		tasks:     tasks,
		merchant:  merchant,
		series:    1,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// Emit submits the document and persists the authorized record. The sale is
// never rolled back on failure: a rejected or failed emission leaves a valid
// non-fiscal sale the operator can retry.
func (p *Pipeline) Emit(ctx context.Context, req EmitRequest) (*FiscalDocument, *EmitError) {
	if err := p.validate.Struct(req); err != nil {
		return nil, &EmitError{Kind: KindValidation, Reason: err.Error()}
	}
	if req.DocumentType == DocumentTypeBusiness {
		if req.Customer == nil || req.Customer.Name == "" || req.Customer.TaxID == "" {
			return nil, &EmitError{Kind: KindValidation, Reason: "business invoice requires customer name and tax id"}
		}
	}

	result, err := p.authority.Submit(ctx, p.buildPayload(req))
	if err != nil {
		return nil, &EmitError{Kind: KindTransport, Err: err}
	}
	if !result.Accepted {
		p.logger.Warn("authority rejected document",
			slog.Int64("sale_id", req.SaleID),
			slog.String("reason", result.Reason))
		return nil, &EmitError{Kind: KindRejected, Reason: result.Reason}
	}

	doc := FiscalDocument{
		ID:            result.DocumentID,
		SaleID:        req.SaleID,
		CorrelationID: req.CorrelationID,
		Type:          req.DocumentType,
		Status:        StatusAuthorized,
		AccessKey:     result.AccessKey,
		Protocol:      result.Protocol,
		Number:        result.Number,
		Series:        result.Series,
		Total:         req.Total,
		IssuedAt:      p.now(),
		BackupStatus:  BackupPending,
	}

	if err := p.docs.InsertDocument(ctx, doc); err != nil {
		// The authority now holds a document the local store cannot
		// reference; reconciliation has to resolve it by access key.
		p.logger.Error("persist authorized document failed",
			slog.String("document_id", doc.ID),
			slog.String("access_key", doc.AccessKey),
			slog.Any("error", err))
		return nil, &EmitError{Kind: KindPersistence, Err: err, DocumentID: doc.ID}
	}
	if err := p.sales.LinkDocument(ctx, req.SaleID, doc.ID, doc.AccessKey, doc.Status); err != nil {
		p.logger.Error("link document to sale failed",
			slog.String("document_id", doc.ID),
			slog.Int64("sale_id", req.SaleID),
			slog.Any("error", err))
		return nil, &EmitError{Kind: KindPersistence, Err: err, DocumentID: doc.ID}
	}

	if err := p.tasks.EnqueueBackup(ctx, doc.ID); err != nil {
		p.logger.Error("enqueue backup failed", slog.String("document_id", doc.ID), slog.Any("error", err))
	}
	if err := p.tasks.EnqueueUsage(ctx, doc.ID, doc.Type); err != nil {
		p.logger.Error("enqueue usage failed", slog.String("document_id", doc.ID), slog.Any("error", err))
	}

	p.logger.Info("document authorized",
		slog.String("document_id", doc.ID),
		slog.Int64("sale_id", req.SaleID),
		slog.String("access_key", doc.AccessKey))
	return &doc, nil
}

// paymentMethodCodes maps internal payment methods onto the authority's
// method codes.
var paymentMethodCodes = map[string]string{
	"cash":        "01",
	"credit_card": "03",
	"debit_card":  "04",
	"pix":         "17",
	"transfer":    "18",
}

func paymentCode(method string) string {
	if code, ok := paymentMethodCodes[method]; ok {
		return code
	}
	return "99"
}

func (p *Pipeline) buildPayload(req EmitRequest) Payload {
	payload := Payload{
		OperationNature: "retail sale",
		Model:           65,
		Series:          p.series,
		IssuedAt:        p.now().Format(time.RFC3339),
		ConsumerFinal:   req.DocumentType == DocumentTypeConsumer,
		Issuer: PayloadParty{
			TaxID:     p.merchant.TaxID,
			Name:      p.merchant.Name,
			TradeName: p.merchant.TradeName,
			Region:    p.merchant.Region,
		},
		Totals: PayloadTotals{
			Products: req.Subtotal,
			Discount: req.Discount,
			Tax:      req.TaxTotal,
			Document: req.Total,
		},
		Payment: PayloadPayment{
			MethodCode: paymentCode(req.PaymentMethod),
			Amount:     req.Total,
		},
		Notes: req.Notes,
	}
	if req.DocumentType == DocumentTypeBusiness {
		payload.Model = 55
	}
	if req.Customer != nil && req.Customer.Name != "" {
		payload.Recipient = &PayloadParty{
			TaxID:  req.Customer.TaxID,
			Name:   req.Customer.Name,
			Region: req.Customer.Region,
			Email:  req.Customer.Email,
		}
	}
	for i, item := range req.Items {
		unit := item.Unit
		if unit == "" {
			unit = "UN"
		}
		payload.Items = append(payload.Items, PayloadItem{
			Number:         i + 1,
			Code:           item.Code,
			Description:    item.Description,
			Classification: item.Classification,
			Unit:           unit,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			GrossAmount:    item.UnitPrice.Mul(decimal.NewFromFloat(item.Quantity)),
			OriginCode:     item.OriginCode,
			VATCode:        item.VAT.FiscalCode,
			VATRate:        item.VAT.Rate,
			VATAmount:      item.VAT.Amount,
			PISCode:        item.PIS.FiscalCode,
			PISAmount:      item.PIS.Amount,
			COFINSCode:     item.COFINS.FiscalCode,
			COFINSAmount:   item.COFINS.Amount,
			ExciseCode:     item.Excise.FiscalCode,
			ExciseAmount:   item.Excise.Amount,
		})
	}
	return payload
}
