package provider

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	sandboxBankCode     = "001"
	sandboxCurrencyCode = "9"
)

var (
	// Due-date factor base; the factor wrapped from 9999 back to 1000 on 2025-02-22.
	dueFactorBase     = time.Date(1997, 10, 7, 0, 0, 0, 0, time.UTC)
	maxBarcodeAmount  = decimal.RequireFromString("99999999.99")
	errSandboxTimeout = errors.New("sandbox provider: request cancelled")
)

// SandboxProvider issues locally computed boletos in the FEBRABAN 44-digit layout without any
// network call. The free field is derived from the idempotency key, so repeating a request with
// the same key returns the same boleto.
type SandboxProvider struct {
	// Latency simulates provider response time; it honours ctx cancellation.
	Latency time.Duration
}

func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{}
}

func (p *SandboxProvider) GenerateBoleto(ctx context.Context, req BoletoRequest) (*Boleto, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(maxBarcodeAmount) {
		return nil, &ValidationError{Field: "amount", Message: "amount exceeds the barcode limit"}
	}

	if DueDateFactor(req.DueDate) < 1000 {
		return nil, &ValidationError{Field: "dueDate", Message: "due date is before 2000-07-03"}
	}

	if p.Latency > 0 {
		t := time.NewTimer(p.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, &TransientProviderError{Err: fmt.Errorf("%w: %v", errSandboxTimeout, ctx.Err())}
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, &TransientProviderError{Err: err}
	}

	dueDate := utils.CalendarDate(req.DueDate)
	seed := req.IdempotencyKey
	if seed == "" {
		seed = strings.Join([]string{req.PayerDocument, req.Amount.StringFixed(2), dueDate.Format(utils.DateLayout)}, "|")
	}

	barcode := BuildBarcode(dueDate, req.Amount, freeField(seed))
	return &Boleto{
		Barcode:       barcode,
		DigitableLine: DigitableLine(barcode),
		DueDate:       dueDate,
		Amount:        req.Amount,
	}, nil
}

// BuildBarcode assembles the 44-digit barcode: bank, currency, check digit, due factor,
// amount in cents (10 digits) and a 25-digit free field.
func BuildBarcode(dueDate time.Time, amount decimal.Decimal, free string) string {
	cents := amount.Shift(2).Round(0).IntPart()
	body := sandboxBankCode + sandboxCurrencyCode +
		fmt.Sprintf("%04d", DueDateFactor(dueDate)) +
		fmt.Sprintf("%010d", cents) +
		free
	dv := mod11(body)
	return body[:4] + dv + body[4:]
}

// DigitableLine converts a 44-digit barcode into its 47-digit typed representation.
func DigitableLine(barcode string) string {
	if len(barcode) != 44 {
		return ""
	}
	f1 := barcode[0:4] + barcode[19:24]
	f2 := barcode[24:34]
	f3 := barcode[34:44]
	return f1 + mod10(f1) + f2 + mod10(f2) + f3 + mod10(f3) + barcode[4:5] + barcode[5:19]
}

// DueDateFactor is the number of days since 1997-10-07. From 2025-02-22 on it restarts at 1000.
func DueDateFactor(dueDate time.Time) int {
	days := int(utils.CalendarDate(dueDate).Sub(dueFactorBase).Hours() / 24)
	if days <= 9999 {
		return days
	}
	return (days-10000)%9000 + 1000
}

func freeField(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	var b strings.Builder
	for i := 0; i < 25; i++ {
		b.WriteByte('0' + sum[i]%10)
	}
	return b.String()
}

// mod11 is the barcode general check digit (weights 2..9 from the right; 0, 10 and 11 map to 1).
func mod11(digits string) string {
	sum, weight := 0, 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	dv := 11 - sum%11
	if dv == 0 || dv == 10 || dv == 11 {
		dv = 1
	}
	return fmt.Sprintf("%d", dv)
}

// mod10 is the digitable line field check digit (weights 2,1 from the right, digits of products summed).
func mod10(digits string) string {
	sum, weight := 0, 2
	for i := len(digits) - 1; i >= 0; i-- {
		p := int(digits[i]-'0') * weight
		sum += p/10 + p%10
		if weight == 2 {
			weight = 1
		} else {
			weight = 2
		}
	}
	return fmt.Sprintf("%d", (10-sum%10)%10)
}
