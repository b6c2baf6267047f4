package tax

import (
	"github.com/shopspring/decimal"
)

// Regime selects how itemized tax types are treated.
type Regime string

const (
	// RegimeSimplified is the flat-tax regime: itemized taxes are zeroed on
	// the document and only an aggregate percentage is disclosed.
	RegimeSimplified Regime = "simplified"
	// RegimeItemized computes each tax type separately.
	RegimeItemized Regime = "itemized"
)

// Source tags where the rates for a computation came from.
type Source string

const (
	// SourceLookup means rates came from the external tax-table service.
	SourceLookup Source = "lookup"
	// SourceManual means the merchant's configured flat rates were applied.
	SourceManual Source = "manual"
	// SourceMixed marks an aggregate where some items resolved via lookup
	// and others fell back to manual rates.
	SourceMixed Source = "mixed"
)

// Fiscal situation codes stamped on document items.
const (
	codeVATSimplified     = "102" // CSOSN, simplified regime without credit
	codeVATItemized       = "00"
	codeContribSimplified = "49"
	codeContribItemized   = "01"
	codeExcise            = "53"
)

// Config carries the merchant's tax configuration.
type Config struct {
	Regime        Regime
	VATRate       decimal.Decimal
	PISRate       decimal.Decimal
	COFINSRate    decimal.Decimal
	ExciseRate    decimal.Decimal
	AnnualGross   decimal.Decimal
	Region        string
	LookupEnabled bool
}

// Entry is one tax type on one line: rate, resulting amount and the fiscal
// situation code the document carries.
type Entry struct {
	Rate       decimal.Decimal `json:"rate"`
	Amount     decimal.Decimal `json:"amount"`
	FiscalCode string          `json:"fiscal_code"`
}

// ItemInput is the slice of a cart line the engine needs. Classification
// fields are the snapshot taken when the item entered the cart.
type ItemInput struct {
	Name          string
	NCM           string
	TaxCode       string
	ExemptionCode string
	OriginCode    string
	Quantity      float64
	UnitPrice     decimal.Decimal
}

// ItemComputation is the per-line result.
type ItemComputation struct {
	Name              string          `json:"name"`
	NCM               string          `json:"ncm,omitempty"`
	Quantity          float64         `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Base              decimal.Decimal `json:"base"`
	VAT               Entry           `json:"vat"`
	PIS               Entry           `json:"pis"`
	COFINS            Entry           `json:"cofins"`
	Excise            Entry           `json:"excise"`
	OriginCode        string          `json:"origin_code"`
	Total             decimal.Decimal `json:"total"`
	DisclosurePercent decimal.Decimal `json:"disclosure_percent"`
	Source            Source          `json:"source"`
	Observations      []string        `json:"observations,omitempty"`
}

// SaleComputation aggregates per-line results.
type SaleComputation struct {
	Items        []ItemComputation `json:"items"`
	Subtotal     decimal.Decimal   `json:"subtotal"`
	VATTotal     decimal.Decimal   `json:"vat_total"`
	PISTotal     decimal.Decimal   `json:"pis_total"`
	COFINSTotal  decimal.Decimal   `json:"cofins_total"`
	ExciseTotal  decimal.Decimal   `json:"excise_total"`
	TaxTotal     decimal.Decimal   `json:"tax_total"`
	// Percent figures are derived from the already-rounded currency sums and
	// exist for display; they may not back-multiply exactly.
	VATPercent    decimal.Decimal `json:"vat_percent"`
	PISPercent    decimal.Decimal `json:"pis_percent"`
	COFINSPercent decimal.Decimal `json:"cofins_percent"`
	ExcisePercent decimal.Decimal `json:"excise_percent"`
	TotalPercent  decimal.Decimal `json:"total_percent"`
	Source        Source          `json:"source"`
	Observations  []string        `json:"observations,omitempty"`
}

// simplifiedDisclosureRate returns the approximate aggregate rate for the
// simplified regime's disclosure line, by annual gross revenue band.
func simplifiedDisclosureRate(gross decimal.Decimal) decimal.Decimal {
	bands := []struct {
		upTo decimal.Decimal
		rate decimal.Decimal
	}{
		{decimal.NewFromInt(180_000), decimal.NewFromFloat(4.0)},
		{decimal.NewFromInt(360_000), decimal.NewFromFloat(7.3)},
		{decimal.NewFromInt(720_000), decimal.NewFromFloat(9.5)},
		{decimal.NewFromInt(1_800_000), decimal.NewFromFloat(10.7)},
		{decimal.NewFromInt(3_600_000), decimal.NewFromFloat(14.3)},
	}
	for _, band := range bands {
		if gross.LessThanOrEqual(band.upTo) {
			return band.rate
		}
	}
	return decimal.NewFromFloat(19.0)
}
