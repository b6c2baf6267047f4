package checkout

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/balcao-pos/balcao-pos/internal/fiscal"
)

// SaleStatus tracks the sale lifecycle.
type SaleStatus string

const (
	SaleCompleted SaleStatus = "completed"
	SaleVoided    SaleStatus = "voided"
)

// SyncStatus marks whether the sale reached the backing store at checkout
// time or waits in the offline queue.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "offline_pending"
)

// SaleItem is a snapshot of one cart line at confirmation time. Price, cost
// and tax-classification fields are captured here and never re-derived from
// the catalog, so later catalog edits cannot change recorded sales.
type SaleItem struct {
	ID            int64           `json:"id"`
	SaleID        int64           `json:"sale_id"`
	ProductID     int64           `json:"product_id"`
	Name          string          `json:"name"`
	SKU           string          `json:"sku"`
	NCM           string          `json:"ncm,omitempty"`
	TaxCode       string          `json:"tax_code,omitempty"`
	ExemptionCode string          `json:"exemption_code,omitempty"`
	OriginCode    string          `json:"origin_code,omitempty"`
	Quantity      float64         `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	Position      int             `json:"position"`
}

// Sale is the checkout record. It is immutable after creation except for the
// document link and backup-status fields, which arrive asynchronously.
type Sale struct {
	ID                int64                  `json:"id"`
	CorrelationID     string                 `json:"correlation_id"`
	Status            SaleStatus             `json:"status"`
	Items             []SaleItem             `json:"items"`
	Subtotal          decimal.Decimal        `json:"subtotal"`
	Discount          decimal.Decimal        `json:"discount"`
	TaxTotal          decimal.Decimal        `json:"tax_total"`
	Total             decimal.Decimal        `json:"total"`
	PaymentMethod     string                 `json:"payment_method"`
	CustomerName      string                 `json:"customer_name,omitempty"`
	CustomerTaxID     string                 `json:"customer_tax_id,omitempty"`
	CustomerRegion    string                 `json:"customer_region,omitempty"`
	DocumentID        *string                `json:"document_id,omitempty"`
	DocumentAccessKey *string                `json:"document_access_key,omitempty"`
	DocumentStatus    *fiscal.DocumentStatus `json:"document_status,omitempty"`
	SyncStatus        SyncStatus             `json:"sync_status"`
	SoldAt            time.Time              `json:"sold_at"`
	VoidedAt          *time.Time             `json:"voided_at,omitempty"`
	VoidReason        string                 `json:"void_reason,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Stats summarises sales over a period.
type Stats struct {
	Count          int             `json:"count"`
	Total          decimal.Decimal `json:"total"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	AverageTicket  decimal.Decimal `json:"average_ticket"`
	PaymentMethods map[string]int  `json:"payment_methods"`
	SalesPerDay    map[string]int  `json:"sales_per_day"`
}

var (
	// ErrSaleNotFound indicates a missing sale record.
	ErrSaleNotFound = errors.New("checkout: sale not found")
	// ErrSaleAlreadyVoided rejects a second void of the same sale.
	ErrSaleAlreadyVoided = errors.New("checkout: sale already voided")
	// ErrDuplicateConfirm indicates the idempotency key was already used.
	ErrDuplicateConfirm = errors.New("checkout: sale already confirmed for this key")
)
