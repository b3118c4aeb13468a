package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/shopspring/decimal"
)

// HTTPProvider issues boletos against the provider's REST endpoint (POST {baseURL}/boletos).
type HTTPProvider struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

// NewHTTPProvider builds the client. The API key header defaults to X-API-Key and can be changed
// with PROVIDER_API_KEY_HEADER.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) (*HTTPProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("boleto provider base url is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("PROVIDER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type boletoIssueRequest struct {
	Amount        string `json:"amount"`
	PayerName     string `json:"payerName"`
	PayerDocument string `json:"payerDocument"`
	DueDate       string `json:"dueDate"`
}

type boletoIssueResponse struct {
	Barcode       string          `json:"barcode"`
	DigitableLine string          `json:"digitableLine"`
	DueDate       string          `json:"dueDate"`
	Amount        json.RawMessage `json:"amount"`
}

type providerErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Field   string `json:"field"`
}

func (p *HTTPProvider) GenerateBoleto(ctx context.Context, req BoletoRequest) (*Boleto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(boletoIssueRequest{
		Amount:        req.Amount.StringFixed(2),
		PayerName:     req.PayerName,
		PayerDocument: req.PayerDocument,
		DueDate:       utils.CalendarDate(req.DueDate).Format(utils.DateLayout),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/boletos", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set(p.apiKeyHdr, p.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &TransientProviderError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed boletoIssueResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &TransientProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(parsed.Barcode) == "" {
		return nil, &TransientProviderError{StatusCode: resp.StatusCode, Err: errors.New("response has no barcode")}
	}

	boleto := &Boleto{
		Barcode:       parsed.Barcode,
		DigitableLine: parsed.DigitableLine,
		DueDate:       utils.CalendarDate(req.DueDate),
		Amount:        req.Amount,
	}
	if parsed.DueDate != "" {
		if d, err := utils.ParseCalendarDate(parsed.DueDate); err == nil {
			boleto.DueDate = d
		}
	}
	if len(parsed.Amount) > 0 {
		if amt, err := parseResponseAmount(parsed.Amount); err == nil {
			boleto.Amount = amt
		}
	}
	return boleto, nil
}

// classifyStatus maps a non-2xx answer. 400 and 422 mean the request itself is invalid; everything
// else (5xx, 429, 408, auth and routing problems) may succeed later or after operator action.
func classifyStatus(status int, body []byte) error {
	var perr providerErrorResponse
	_ = json.Unmarshal(body, &perr)
	msg := strings.TrimSpace(perr.Message)
	if msg == "" {
		msg = strings.TrimSpace(perr.Error)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Field: perr.Field, Message: msg, StatusCode: status}
	default:
		return &TransientProviderError{StatusCode: status, Err: errors.New(msg)}
	}
}

// parseResponseAmount reads the echoed amount as a plain decimal, either a JSON number or a string
// like "100.00". Locale formatting is only tried when the string is not a plain decimal.
func parseResponseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
			return d, nil
		}
		return utils.ParseAmount(s)
	}
	return decimal.NewFromString(strings.TrimSpace(string(raw)))
}
