package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Debts is one obligation owed by a payer.
// InvoiceGenerated is true iff Barcode is set; both are only written together by MarkInvoiceGenerated.
type Debts struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	DebtId             string          `gorm:"size:100;not null;uniqueIndex" json:"debt_id"`
	Name               string          `gorm:"size:255;not null" json:"name"`
	GovernmentId       string          `gorm:"size:32;not null;index" json:"government_id"`
	Email              string          `gorm:"size:255" json:"email"`
	DebtAmount         decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"debt_amount"`
	DebtDueDate        time.Time       `gorm:"type:date;not null" json:"debt_due_date"`
	InvoiceGenerated   bool            `gorm:"not null;default:false" json:"invoice_generated"`
	Barcode            *string         `gorm:"size:128" json:"barcode"`
	DigitableLine      *string         `gorm:"size:128" json:"digitable_line"`
	InvoiceGeneratedAt *time.Time      `json:"invoice_generated_at"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type DebtRepo struct {
	DB *gorm.DB
}

func NewDebtRepo(db *gorm.DB) *DebtRepo {
	return &DebtRepo{DB: db}
}

func (r *DebtRepo) FindByDebtId(ctx context.Context, debtId string) (*Debts, error) {
	var debt Debts
	if err := r.DB.WithContext(ctx).Where("debt_id = ?", debtId).First(&debt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &debt, nil
}

// FindOrCreate inserts debt unless a record with the same debt_id exists, in which case the stored
// record is returned untouched. Invoice fields of the input are ignored.
func (r *DebtRepo) FindOrCreate(ctx context.Context, debt *Debts) (*Debts, bool, error) {
	if existing, err := r.FindByDebtId(ctx, debt.DebtId); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, false, err
	}

	rec := Debts{
		DebtId:       debt.DebtId,
		Name:         debt.Name,
		GovernmentId: debt.GovernmentId,
		Email:        debt.Email,
		DebtAmount:   debt.DebtAmount,
		DebtDueDate:  utils.CalendarDate(debt.DebtDueDate),
	}
	err := r.DB.WithContext(ctx).Create(&rec).Error
	if err == nil {
		return &rec, true, nil
	}
	if !utils.IsDuplicateKeyErr(err) {
		return nil, false, err
	}
	// Lost the insert race to a concurrent delivery.
	existing, err := r.FindByDebtId(ctx, debt.DebtId)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// MarkInvoiceGenerated flips invoice_generated from false to true together with the boleto fields.
// It is a compare-and-swap: false means another invocation already recorded an invoice.
func (r *DebtRepo) MarkInvoiceGenerated(ctx context.Context, id int, barcode, digitableLine string, generatedAt time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&Debts{}).
		Where("id = ? AND invoice_generated = ?", id, false).
		Updates(map[string]interface{}{
			"invoice_generated":    true,
			"barcode":              barcode,
			"digitable_line":       digitableLine,
			"invoice_generated_at": generatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
