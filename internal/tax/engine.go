package tax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// LookupPort abstracts the external tax-table service.
type LookupPort interface {
	Lookup(ctx context.Context, classificationCode, region string, referenceValue decimal.Decimal) (LookupResult, error)
}

// LookupResult carries the rates per tax type resolved by the table service.
type LookupResult struct {
	VATRate    decimal.Decimal
	PISRate    decimal.Decimal
	COFINSRate decimal.Decimal
	ExciseRate decimal.Decimal
	ValidFrom  string
	ValidTo    string
}

// Engine computes tax liability for cart lines and whole sales. It is a
// total function over business data: missing or misconfigured rates resolve
// to zero, and a failed external lookup falls back to the configured rates.
type Engine struct {
	cfg    Config
	lookup LookupPort
	logger *slog.Logger
}

// NewEngine builds an Engine. The lookup may be nil, which disables the
// external table regardless of configuration.
func NewEngine(cfg Config, lookup LookupPort, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, lookup: lookup, logger: logger}
}

// ComputeItem resolves the tax entries for one cart line. destRegion selects
// the lookup region; empty means the merchant's own region.
func (e *Engine) ComputeItem(ctx context.Context, in ItemInput, destRegion string) ItemComputation {
	base := in.UnitPrice.Mul(decimal.NewFromFloat(in.Quantity))
	out := ItemComputation{
		Name:       in.Name,
		NCM:        in.NCM,
		Quantity:   in.Quantity,
		UnitPrice:  in.UnitPrice,
		Base:       base,
		OriginCode: originOrDefault(in.OriginCode),
	}

	if e.cfg.Regime == RegimeSimplified {
		zero := decimal.Zero
		out.VAT = Entry{Rate: zero, Amount: zero, FiscalCode: vatCode(in, RegimeSimplified)}
		out.PIS = Entry{Rate: zero, Amount: zero, FiscalCode: codeContribSimplified}
		out.COFINS = Entry{Rate: zero, Amount: zero, FiscalCode: codeContribSimplified}
		out.Excise = Entry{Rate: zero, Amount: zero, FiscalCode: codeExcise}
		out.Total = zero
		gross := e.cfg.AnnualGross
		if !gross.IsPositive() {
			gross = base
		}
		out.DisclosurePercent = simplifiedDisclosureRate(gross)
		out.Source = SourceManual
		out.Observations = []string{
			fmt.Sprintf("simplified regime: approximate tax burden %s%%", out.DisclosurePercent.StringFixed(2)),
		}
		return out
	}

	rates, source, obs := e.resolveRates(ctx, in, destRegion, base)
	out.Source = source
	out.Observations = obs

	out.VAT = entryFor(base, rates.VATRate, vatCode(in, RegimeItemized))
	out.PIS = entryFor(base, rates.PISRate, codeContribItemized)
	out.COFINS = entryFor(base, rates.COFINSRate, codeContribItemized)
	out.Excise = entryFor(base, rates.ExciseRate, codeExcise)
	out.Total = out.VAT.Amount.Add(out.PIS.Amount).Add(out.COFINS.Amount).Add(out.Excise.Amount)
	out.DisclosurePercent = rates.VATRate.Add(rates.PISRate).Add(rates.COFINSRate).Add(rates.ExciseRate)
	return out
}

// resolveRates tries the external table and falls back to configured rates.
// A lookup failure is never fatal to the sale.
func (e *Engine) resolveRates(ctx context.Context, in ItemInput, destRegion string, base decimal.Decimal) (LookupResult, Source, []string) {
	region := destRegion
	if region == "" {
		region = e.cfg.Region
	}

	if e.cfg.LookupEnabled && e.lookup != nil && validClassification(in.NCM) {
		result, err := e.lookup.Lookup(ctx, in.NCM, region, base)
		if err == nil {
			obs := []string{"rates resolved via tax-table lookup"}
			if result.ValidFrom != "" && result.ValidTo != "" {
				obs = append(obs, fmt.Sprintf("table validity %s to %s", result.ValidFrom, result.ValidTo))
			}
			return result, SourceLookup, obs
		}
		if e.logger != nil {
			e.logger.Warn("tax lookup failed, using configured rates",
				slog.String("ncm", in.NCM),
				slog.String("region", region),
				slog.Any("error", err))
		}
	}

	manual := LookupResult{
		VATRate:    e.cfg.VATRate,
		PISRate:    e.cfg.PISRate,
		COFINSRate: e.cfg.COFINSRate,
		ExciseRate: e.cfg.ExciseRate,
	}
	return manual, SourceManual, []string{"rates from merchant configuration"}
}

// ComputeSale computes every line and aggregates. Sums are accumulated before
// rounding; the percent figures divide the rounded currency sums.
func (e *Engine) ComputeSale(ctx context.Context, items []ItemInput, destRegion string) (SaleComputation, error) {
	if len(items) == 0 {
		return SaleComputation{}, errors.New("tax: sale requires at least one item")
	}
	for i, item := range items {
		if item.Quantity <= 0 {
			return SaleComputation{}, fmt.Errorf("tax: item %d has non-positive quantity", i)
		}
		if item.UnitPrice.IsNegative() {
			return SaleComputation{}, fmt.Errorf("tax: item %d has negative unit price", i)
		}
	}

	var agg SaleComputation
	sources := map[Source]bool{}
	for _, item := range items {
		comp := e.ComputeItem(ctx, item, destRegion)
		agg.Items = append(agg.Items, comp)
		agg.Subtotal = agg.Subtotal.Add(comp.Base)
		agg.VATTotal = agg.VATTotal.Add(comp.VAT.Amount)
		agg.PISTotal = agg.PISTotal.Add(comp.PIS.Amount)
		agg.COFINSTotal = agg.COFINSTotal.Add(comp.COFINS.Amount)
		agg.ExciseTotal = agg.ExciseTotal.Add(comp.Excise.Amount)
		agg.TaxTotal = agg.TaxTotal.Add(comp.Total)
		sources[comp.Source] = true
	}

	switch {
	case sources[SourceLookup] && sources[SourceManual]:
		agg.Source = SourceMixed
		if e.logger != nil {
			e.logger.Warn("sale mixed lookup and manual tax sources")
		}
		agg.Observations = append(agg.Observations, "some items used tax-table rates, others configured rates")
	case sources[SourceLookup]:
		agg.Source = SourceLookup
	default:
		agg.Source = SourceManual
	}

	if e.cfg.Regime == RegimeSimplified {
		agg.Observations = append(agg.Observations, "merchant under simplified regime: taxes disclosed, not itemized")
	}

	subtotal := agg.Subtotal.Round(2)
	if subtotal.IsPositive() {
		hundred := decimal.NewFromInt(100)
		agg.VATPercent = agg.VATTotal.Round(2).Mul(hundred).Div(subtotal).Round(2)
		agg.PISPercent = agg.PISTotal.Round(2).Mul(hundred).Div(subtotal).Round(2)
		agg.COFINSPercent = agg.COFINSTotal.Round(2).Mul(hundred).Div(subtotal).Round(2)
		agg.ExcisePercent = agg.ExciseTotal.Round(2).Mul(hundred).Div(subtotal).Round(2)
		agg.TotalPercent = agg.TaxTotal.Round(2).Mul(hundred).Div(subtotal).Round(2)
	}
	return agg, nil
}

func entryFor(base, rate decimal.Decimal, code string) Entry {
	return Entry{
		Rate:       rate,
		Amount:     base.Mul(rate).Div(decimal.NewFromInt(100)),
		FiscalCode: code,
	}
}

func vatCode(in ItemInput, regime Regime) string {
	if regime == RegimeSimplified {
		if in.ExemptionCode != "" {
			return in.ExemptionCode
		}
		return codeVATSimplified
	}
	if in.TaxCode != "" {
		return in.TaxCode
	}
	return codeVATItemized
}

func originOrDefault(origin string) string {
	if origin == "" {
		return "0"
	}
	return origin
}

// validClassification requires the 8-digit product classification code.
func validClassification(ncm string) bool {
	if len(ncm) < 8 {
		return false
	}
	for _, r := range ncm {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
