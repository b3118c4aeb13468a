package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/models"
)

// Satisfied by the gorm repositories in models; the workers depend on these so tests can run
// without MySQL.

type DebtRepository interface {
	FindByDebtId(ctx context.Context, debtId string) (*models.Debts, error)
	FindOrCreate(ctx context.Context, debt *models.Debts) (*models.Debts, bool, error)
	MarkInvoiceGenerated(ctx context.Context, id int, barcode, digitableLine string, generatedAt time.Time) (bool, error)
}

type FileRowRepository interface {
	CreateOrGet(ctx context.Context, fileMetadataId, lineNumber int, row []byte) (*models.FileRow, bool, error)
	Get(ctx context.Context, id int) (*models.FileRow, error)
	MarkProcessing(ctx context.Context, id int) (bool, error)
	MarkTerminal(ctx context.Context, id int, status models.FileRowStatus, kind *models.ErrorKind, detail *string) (bool, error)
	ListStale(ctx context.Context, status models.FileRowStatus, before time.Time, limit int) ([]*models.FileRow, error)
}

var (
	_ DebtRepository    = (*models.DebtRepo)(nil)
	_ FileRowRepository = (*models.FileRowRepo)(nil)
)
