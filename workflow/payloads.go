package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	JobTypeProcessCsvRow = "process-csv-row"
	JobTypeProcessDebit  = "process-debit"
)

// CsvRow is one line of an uploaded debts batch, keyed by the batch header names.
type CsvRow struct {
	Name         string     `json:"name"`
	GovernmentId FlexString `json:"governmentId"`
	Email        string     `json:"email"`
	DebtAmount   Amount     `json:"debtAmount"`
	DebtDueDate  string     `json:"debtDueDate"`
	DebtId       FlexString `json:"debtId"`
}

// FlexString decodes a JSON string or a bare number, so producers may send 100 or "100,00".
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*f = ""
		return nil
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", raw)
		}
		*f = FlexString(n.String())
		return nil
	}
}

// Amount is a debtAmount as the producer sent it. A JSON number keeps its exact decimal text and is
// never run through the locale rules used for user-formatted strings like "R$ 1.234,50".
type Amount struct {
	Text    string
	Numeric bool
}

// TextAmount is an amount read from a spreadsheet cell or a JSON string.
func TextAmount(s string) Amount { return Amount{Text: s} }

// NumericAmount is an amount already in plain decimal notation.
func NumericAmount(s string) Amount { return Amount{Text: s, Numeric: true} }

func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*a = Amount{}
		return nil
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = TextAmount(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", raw)
		}
		*a = NumericAmount(n.String())
		return nil
	}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Numeric && a.Text != "" {
		if _, err := decimal.NewFromString(a.Text); err == nil {
			return []byte(a.Text), nil
		}
	}
	return json.Marshal(a.Text)
}

// Decimal parses the amount. Numeric amounts are read exactly; text goes through utils.ParseAmount.
func (a Amount) Decimal() (decimal.Decimal, error) {
	if a.Numeric {
		return utils.ParseAmount(json.Number(strings.TrimSpace(a.Text)))
	}
	return utils.ParseAmount(a.Text)
}

type FileMetadataRef struct {
	Id               int    `json:"id" validate:"required,gt=0"`
	OriginalFilename string `json:"originalFilename"`
}

// CsvRowJob is the process-csv-row payload.
type CsvRowJob struct {
	Row          CsvRow          `json:"row"`
	FileMetadata FileMetadataRef `json:"fileMetadata" validate:"required"`
	LineNumber   int             `json:"lineNumber" validate:"required,gt=0"`
}

type FileRowRef struct {
	Id int `json:"id" validate:"required,gt=0"`
}

// DebitJob is the process-debit payload.
type DebitJob struct {
	FileRow FileRowRef `json:"fileRow" validate:"required"`
}

func CsvRowJobKey(fileMetadataId, lineNumber int) string {
	return fmt.Sprintf("file:%d:line:%d", fileMetadataId, lineNumber)
}

func DebitJobKey(fileRowId int) string {
	return fmt.Sprintf("file-row:%d", fileRowId)
}

// Normalize trims every field, lowercases the email, strips punctuation from the government id
// and rewrites a text amount into plain decimal notation when it parses. Numeric amounts and
// unparseable text are kept as-is so the debit step can report them.
func (r CsvRow) Normalize() CsvRow {
	out := CsvRow{
		Name:         strings.Join(strings.Fields(r.Name), " "),
		GovernmentId: FlexString(digitsOnly(string(r.GovernmentId))),
		Email:        strings.ToLower(strings.TrimSpace(r.Email)),
		DebtAmount:   Amount{Text: strings.TrimSpace(r.DebtAmount.Text), Numeric: r.DebtAmount.Numeric},
		DebtDueDate:  strings.TrimSpace(r.DebtDueDate),
		DebtId:       FlexString(strings.TrimSpace(string(r.DebtId))),
	}
	if !out.DebtAmount.Numeric {
		if amount, err := out.DebtAmount.Decimal(); err == nil {
			out.DebtAmount = NumericAmount(amount.String())
		}
	}
	if due, err := utils.ParseCalendarDate(out.DebtDueDate); err == nil {
		out.DebtDueDate = due.Format(utils.DateLayout)
	}
	return out
}

// DebtFields is a row that passed validation, ready to become a Debts record.
type DebtFields struct {
	DebtId       string          `json:"debtId" validate:"required,max=100"`
	Name         string          `json:"name" validate:"required,max=255"`
	GovernmentId string          `json:"governmentId" validate:"required,numeric,max=14"`
	Email        string          `json:"email" validate:"omitempty,email,max=255"`
	DebtAmount   decimal.Decimal `json:"debtAmount"`
	DebtDueDate  time.Time       `json:"debtDueDate" validate:"required"`
}

// ToDebt validates the row and converts it. Errors are *InvalidRowError.
func (r CsvRow) ToDebt() (*DebtFields, error) {
	amount, err := r.DebtAmount.Decimal()
	if err != nil {
		return nil, &InvalidRowError{Message: "debtAmount: " + err.Error()}
	}
	if !amount.IsPositive() {
		return nil, &InvalidRowError{Message: "debtAmount must be greater than zero"}
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, &InvalidRowError{Message: "debtAmount has more than two decimal places"}
	}
	due, err := utils.ParseCalendarDate(r.DebtDueDate)
	if err != nil {
		return nil, &InvalidRowError{Message: "debtDueDate: " + err.Error()}
	}
	fields := &DebtFields{
		DebtId:       string(r.DebtId),
		Name:         r.Name,
		GovernmentId: string(r.GovernmentId),
		Email:        r.Email,
		DebtAmount:   amount,
		DebtDueDate:  due,
	}
	if err := utils.ValidateStruct(fields); err != nil {
		return nil, &InvalidRowError{Message: err.Error()}
	}
	return fields, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
