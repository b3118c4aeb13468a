package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/sirupsen/logrus"
)

// RowIngestionWorker consumes process-csv-row: it persists the row as a FileRow and hands it to
// the debits worker.
type RowIngestionWorker struct {
	Rows      FileRowRepository
	Queue     queue.Enqueuer
	Publisher events.Publisher
	Logger    *logrus.Logger
}

func NewRowIngestionWorker(rows FileRowRepository, q queue.Enqueuer, publisher events.Publisher) *RowIngestionWorker {
	return &RowIngestionWorker{
		Rows:      rows,
		Queue:     q,
		Publisher: publisher,
		Logger:    config.GetLogger(),
	}
}

func (w *RowIngestionWorker) Register(q queue.Queue) {
	q.Consume(JobTypeProcessCsvRow, w.Handle, queue.WithDeadLetter(w.OnDead))
}

func (w *RowIngestionWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload CsvRowJob
	if err := job.Decode(&payload); err != nil {
		return err
	}
	ctx = utils.SetFileMetadataIdInContext(ctx, payload.FileMetadata.Id)

	row, created, err := w.persist(ctx, payload)
	if err != nil {
		return err
	}
	if row.Status != models.FileRowStatusPending {
		w.log().WithFields(logrus.Fields{
			"field":            "RowIngestionWorker",
			"file_row_id":      row.ID,
			"file_metadata_id": row.FileMetadataId,
			"status":           row.Status,
		}).Debug("file row already picked up; nothing to enqueue")
		return nil
	}

	// The row is committed before the debit job exists. A failed enqueue leaves it PENDING for
	// the reconciliation sweep.
	handle, err := w.Queue.Enqueue(ctx, JobTypeProcessDebit, DebitJob{FileRow: FileRowRef{Id: row.ID}}, queue.EnqueueOptions{
		Key:           DebitJobKey(row.ID),
		CorrelationId: job.CorrelationId,
	})
	if err != nil {
		config.LogError(w.log(), "RowIngestionWorker", "Handle", "enqueue process-debit", map[string]interface{}{
			"file_row_id":      row.ID,
			"file_metadata_id": row.FileMetadataId,
			"line_number":      row.LineNumber,
		}, err)
		return nil
	}

	w.log().WithFields(logrus.Fields{
		"field":            "RowIngestionWorker",
		"file_row_id":      row.ID,
		"file_metadata_id": row.FileMetadataId,
		"line_number":      row.LineNumber,
		"created":          created,
		"debit_job_id":     handle.ID,
		"existing_job":     handle.Existing,
	}).Debug("file row queued for processing")
	return nil
}

// OnDead records the row as FAILED when its ingestion job is given up, so the batch totals
// still add up.
func (w *RowIngestionWorker) OnDead(ctx context.Context, job *queue.Job, cause error) {
	var payload CsvRowJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.FileMetadata.Id <= 0 || payload.LineNumber <= 0 {
		w.log().WithFields(logrus.Fields{
			"field":  "RowIngestionWorker",
			"job_id": job.ID,
		}).Error("dead process-csv-row job has no usable row reference")
		return
	}
	ctx = utils.SetFileMetadataIdInContext(ctx, payload.FileMetadata.Id)

	row, _, err := w.persist(ctx, payload)
	if err != nil {
		config.LogError(w.log(), "RowIngestionWorker", "OnDead", "persist file row", job.ID, err)
		return
	}
	if row.Status.IsTerminal() {
		return
	}
	if err := w.recorder().fail(ctx, row, cause); err != nil {
		config.LogError(w.log(), "RowIngestionWorker", "OnDead", "mark file row failed", row.ID, err)
	}
}

func (w *RowIngestionWorker) persist(ctx context.Context, payload CsvRowJob) (*models.FileRow, bool, error) {
	raw, err := json.Marshal(payload.Row.Normalize())
	if err != nil {
		return nil, false, queue.Permanent(fmt.Errorf("encode row: %w", err))
	}
	row, created, err := w.Rows.CreateOrGet(ctx, payload.FileMetadata.Id, payload.LineNumber, raw)
	if err != nil {
		return nil, false, fmt.Errorf("persist file row %d/%d: %w", payload.FileMetadata.Id, payload.LineNumber, err)
	}
	return row, created, nil
}

func (w *RowIngestionWorker) recorder() rowRecorder {
	return rowRecorder{rows: w.Rows, publisher: w.Publisher, logger: w.log()}
}

func (w *RowIngestionWorker) log() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}
