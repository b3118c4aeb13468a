package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/provider"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/sirupsen/logrus"
)

type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, debtId string) (*InvoiceResult, error)
}

// DebitsWorker consumes process-debit: it turns a FileRow into a Debts record and generates
// its invoice, moving the row to COMPLETED or FAILED.
type DebitsWorker struct {
	Rows      FileRowRepository
	Debts     DebtRepository
	Invoices  InvoiceGenerator
	Publisher events.Publisher
	Logger    *logrus.Logger
}

func NewDebitsWorker(rows FileRowRepository, debts DebtRepository, invoices InvoiceGenerator, publisher events.Publisher) *DebitsWorker {
	return &DebitsWorker{
		Rows:      rows,
		Debts:     debts,
		Invoices:  invoices,
		Publisher: publisher,
		Logger:    config.GetLogger(),
	}
}

func (w *DebitsWorker) Register(q queue.Queue) {
	q.Consume(JobTypeProcessDebit, w.Handle, queue.WithDeadLetter(w.OnDead))
}

func (w *DebitsWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload DebitJob
	if err := job.Decode(&payload); err != nil {
		return err
	}

	row, err := w.Rows.Get(ctx, payload.FileRow.Id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return queue.Permanent(fmt.Errorf("file row %d not found", payload.FileRow.Id))
		}
		return err
	}
	if row.Status.IsTerminal() {
		return nil
	}
	ctx = utils.SetFileMetadataIdInContext(ctx, row.FileMetadataId)

	fields, err := decodeRow(row)
	if err != nil {
		if ferr := w.recorder().fail(ctx, row, err); ferr != nil {
			return ferr
		}
		return queue.Permanent(err)
	}

	debt, _, err := w.Debts.FindOrCreate(ctx, &models.Debts{
		DebtId:       fields.DebtId,
		Name:         fields.Name,
		GovernmentId: fields.GovernmentId,
		Email:        fields.Email,
		DebtAmount:   fields.DebtAmount,
		DebtDueDate:  fields.DebtDueDate,
	})
	if err != nil {
		return fmt.Errorf("resolve debt %s: %w", fields.DebtId, err)
	}

	moved, err := w.Rows.MarkProcessing(ctx, row.ID)
	if err != nil {
		return err
	}
	if !moved {
		// Finished by a concurrent delivery.
		return nil
	}

	_, err = w.Invoices.GenerateInvoice(ctx, debt.DebtId)
	switch {
	case err == nil:
		return w.recorder().complete(ctx, row, nil)
	case IsAlreadyGenerated(err):
		return w.recorder().complete(ctx, row, err)
	case IsNotFound(err), provider.IsValidation(err):
		if ferr := w.recorder().fail(ctx, row, err); ferr != nil {
			return ferr
		}
		return queue.Permanent(err)
	default:
		w.log().WithFields(logrus.Fields{
			"field":       "DebitsWorker",
			"file_row_id": row.ID,
			"debt_id":     debt.DebtId,
			"attempt":     job.Attempt,
		}).Warn("invoice generation failed; will retry: " + err.Error())
		return err
	}
}

// OnDead marks the row FAILED with the last delivery's error once retries are exhausted.
func (w *DebitsWorker) OnDead(ctx context.Context, job *queue.Job, cause error) {
	var payload DebitJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.FileRow.Id <= 0 {
		w.log().WithFields(logrus.Fields{
			"field":  "DebitsWorker",
			"job_id": job.ID,
		}).Error("dead process-debit job has no usable file row reference")
		return
	}
	row, err := w.Rows.Get(ctx, payload.FileRow.Id)
	if err != nil {
		config.LogError(w.log(), "DebitsWorker", "OnDead", "load file row", payload.FileRow.Id, err)
		return
	}
	if row.Status.IsTerminal() {
		return
	}
	if err := w.recorder().fail(ctx, row, cause); err != nil {
		config.LogError(w.log(), "DebitsWorker", "OnDead", "mark file row failed", row.ID, err)
	}
}

func decodeRow(row *models.FileRow) (*DebtFields, error) {
	var csvRow CsvRow
	if err := json.Unmarshal(row.Row, &csvRow); err != nil {
		return nil, &InvalidRowError{Message: "row is not valid JSON: " + err.Error()}
	}
	return csvRow.ToDebt()
}

func (w *DebitsWorker) recorder() rowRecorder {
	return rowRecorder{rows: w.Rows, publisher: w.Publisher, logger: w.log()}
}

func (w *DebitsWorker) log() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}
