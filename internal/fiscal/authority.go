package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Credentials authenticate against the fiscal authority service.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// AuthorityClient wraps the fiscal authority HTTP API: document submission
// and artifact retrieval.
type AuthorityClient struct {
	baseURL     string
	creds       Credentials
	environment string
	httpClient  *http.Client
}

// NewAuthorityClient constructs a client for the given environment
// ("staging" or "production").
func NewAuthorityClient(baseURL string, creds Credentials, environment string, timeout time.Duration) *AuthorityClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AuthorityClient{
		baseURL:     baseURL,
		creds:       creds,
		environment: environment,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Payload is the submission body. Field names follow the authority's wire
// format.
type Payload struct {
	Environment     string         `json:"environment"`
	OperationNature string         `json:"operation_nature"`
	Model           int            `json:"model"`
	Series          int64          `json:"series"`
	IssuedAt        string         `json:"issued_at"`
	ConsumerFinal   bool           `json:"consumer_final"`
	Issuer          PayloadParty   `json:"issuer"`
	Recipient       *PayloadParty  `json:"recipient,omitempty"`
	Items           []PayloadItem  `json:"items"`
	Totals          PayloadTotals  `json:"totals"`
	Payment         PayloadPayment `json:"payment"`
	Notes           string         `json:"notes,omitempty"`
}

// PayloadParty identifies the issuer or recipient.
type PayloadParty struct {
	TaxID     string `json:"tax_id,omitempty"`
	Name      string `json:"name"`
	TradeName string `json:"trade_name,omitempty"`
	Region    string `json:"region,omitempty"`
	Email     string `json:"email,omitempty"`
}

// PayloadItem is one document line with its fiscal codes.
type PayloadItem struct {
	Number         int             `json:"number"`
	Code           string          `json:"code"`
	Description    string          `json:"description"`
	Classification string          `json:"classification"`
	Unit           string          `json:"unit"`
	Quantity       float64         `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	OriginCode     string          `json:"origin_code"`
	VATCode        string          `json:"vat_code"`
	VATRate        decimal.Decimal `json:"vat_rate"`
	VATAmount      decimal.Decimal `json:"vat_amount"`
	PISCode        string          `json:"pis_code"`
	PISAmount      decimal.Decimal `json:"pis_amount"`
	COFINSCode     string          `json:"cofins_code"`
	COFINSAmount   decimal.Decimal `json:"cofins_amount"`
	ExciseCode     string          `json:"excise_code"`
	ExciseAmount   decimal.Decimal `json:"excise_amount"`
}

// PayloadTotals aggregates document amounts.
type PayloadTotals struct {
	Products decimal.Decimal `json:"products"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Document decimal.Decimal `json:"document"`
}

// PayloadPayment describes how the sale was paid.
type PayloadPayment struct {
	MethodCode string          `json:"method_code"`
	Amount     decimal.Decimal `json:"amount"`
}

// SubmitResult is the authority's verdict on a submission.
type SubmitResult struct {
	Accepted   bool
	DocumentID string
	AccessKey  string
	Protocol   string
	Status     string
	Number     int64
	Series     int64
	Reason     string
}

type submitResponse struct {
	ID        string `json:"id"`
	AccessKey string `json:"access_key"`
	Protocol  string `json:"protocol"`
	Status    string `json:"status"`
	Number    int64  `json:"number"`
	Series    int64  `json:"series"`
	Message   string `json:"message"`
}

// Submit posts the payload and waits for a definitive accept/reject. A
// returned error means the submission never reached a verdict (transport).
func (c *AuthorityClient) Submit(ctx context.Context, payload Payload) (SubmitResult, error) {
	payload.Environment = c.environment

	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("fiscal: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/documents", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("fiscal: submit: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return SubmitResult{}, fmt.Errorf("fiscal: decode submit response: %w", err)
	}

	result := SubmitResult{
		DocumentID: decoded.ID,
		AccessKey:  decoded.AccessKey,
		Protocol:   decoded.Protocol,
		Status:     decoded.Status,
		Number:     decoded.Number,
		Series:     decoded.Series,
		Reason:     decoded.Message,
	}
	switch {
	case resp.StatusCode >= 500:
		return SubmitResult{}, fmt.Errorf("fiscal: authority returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400 || decoded.Status == "rejected":
		result.Accepted = false
		if result.Reason == "" {
			result.Reason = fmt.Sprintf("authority returned status %d", resp.StatusCode)
		}
		return result, nil
	}
	if decoded.ID == "" {
		return SubmitResult{}, fmt.Errorf("fiscal: authority response missing document id")
	}
	result.Accepted = true
	return result, nil
}

var artifactPaths = map[ArtifactKind]string{
	ArtifactSource:    "xml/source",
	ArtifactProcessed: "xml/processed",
	ArtifactRendered:  "pdf",
}

// FetchArtifact downloads one backup artifact for an issued document.
func (c *AuthorityClient) FetchArtifact(ctx context.Context, documentID string, kind ArtifactKind) ([]byte, error) {
	path, ok := artifactPaths[kind]
	if !ok {
		return nil, fmt.Errorf("fiscal: unknown artifact kind %q", kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/documents/%s/%s?environment=%s", c.baseURL, documentID, path, c.environment), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fiscal: fetch %s artifact: %w", kind, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fiscal: fetch %s artifact: status %d", kind, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *AuthorityClient) setHeaders(req *http.Request) {
	req.SetBasicAuth(c.creds.ClientID, c.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}
