// Package provider is the boleto (payment slip) issuing side of invoice generation.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/shopspring/decimal"
)

// Boleto is the provider's answer to an issue request.
type Boleto struct {
	Barcode       string          `json:"barcode"`
	DigitableLine string          `json:"digitableLine"`
	DueDate       time.Time       `json:"dueDate"`
	Amount        decimal.Decimal `json:"amount"`
}

type BoletoRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PayerName     string          `json:"payerName" validate:"required,max=255"`
	PayerDocument string          `json:"payerDocument" validate:"required,numeric,max=14"`
	// DueDate is a calendar date; only year, month and day are sent.
	DueDate time.Time `json:"dueDate" validate:"required"`
	// IdempotencyKey lets an idempotent provider collapse repeated issue calls for one debt.
	IdempotencyKey string `json:"-"`
}

// Validate rejects requests the provider would refuse anyway.
func (r BoletoRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return &ValidationError{Field: "amount", Message: "amount has more than two decimal places"}
	}
	if strings.TrimSpace(r.PayerName) == "" {
		return &ValidationError{Field: "payerName", Message: "payer name is required"}
	}
	if err := utils.ValidateStruct(r); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// BoletoProvider issues one boleto per call. Implementations return *TransientProviderError for
// failures worth retrying and *ValidationError when the request itself was rejected.
type BoletoProvider interface {
	GenerateBoleto(ctx context.Context, req BoletoRequest) (*Boleto, error)
}

// IdempotencyKeyForDebt is the provider idempotency key used for a debt's boleto.
func IdempotencyKeyForDebt(debtExternalId string) string {
	return fmt.Sprintf("debt:%s", debtExternalId)
}
