package tax

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// TableClient queries the public tax-table API for rates by product
// classification code.
type TableClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewTableClient constructs a client. Timeout guards every request.
func NewTableClient(baseURL, token string, timeout time.Duration) *TableClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TableClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type tableResponse struct {
	Codigo         string  `json:"Codigo"`
	Descricao      string  `json:"Descricao"`
	Nacional       float64 `json:"Nacional"`
	Estadual       float64 `json:"Estadual"`
	Municipal      float64 `json:"Municipal"`
	Importado      float64 `json:"Importado"`
	VigenciaInicio string  `json:"VigenciaInicio"`
	VigenciaFim    string  `json:"VigenciaFim"`
}

// Lookup resolves rates for a classification code, destination region and
// reference value. It implements LookupPort.
func (c *TableClient) Lookup(ctx context.Context, classificationCode, region string, referenceValue decimal.Decimal) (LookupResult, error) {
	if c.token == "" {
		return LookupResult{}, fmt.Errorf("tax: lookup token not configured")
	}
	if !validClassification(classificationCode) {
		return LookupResult{}, fmt.Errorf("tax: classification code %q must have 8 digits", classificationCode)
	}

	q := url.Values{}
	q.Set("token", c.token)
	q.Set("codigo", classificationCode)
	q.Set("uf", region)
	q.Set("valor", referenceValue.StringFixed(2))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/produtos?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return LookupResult{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LookupResult{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return LookupResult{}, fmt.Errorf("tax: table service returned status %d", resp.StatusCode)
	}

	var body tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LookupResult{}, fmt.Errorf("tax: decode table response: %w", err)
	}
	if body.Codigo == "" {
		return LookupResult{}, fmt.Errorf("tax: table service returned no entry for %s", classificationCode)
	}

	// The table reports an aggregate federal rate; split it across the
	// contribution pair at their statutory 1.65/7.60 proportion.
	federal := decimal.NewFromFloat(body.Nacional)
	pisShare := decimal.NewFromFloat(1.65)
	cofinsShare := decimal.NewFromFloat(7.60)
	pairTotal := pisShare.Add(cofinsShare)

	return LookupResult{
		VATRate:    decimal.NewFromFloat(body.Estadual),
		PISRate:    federal.Mul(pisShare).Div(pairTotal),
		COFINSRate: federal.Mul(cofinsShare).Div(pairTotal),
		ExciseRate: decimal.Zero,
		ValidFrom:  body.VigenciaInicio,
		ValidTo:    body.VigenciaFim,
	}, nil
}
