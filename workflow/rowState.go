package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/sirupsen/logrus"
)

// rowRecorder writes a FileRow's terminal state. Transitions are conditional, so a row finished by
// an earlier delivery is left untouched and the batch counters move exactly once.
type rowRecorder struct {
	rows      FileRowRepository
	publisher events.Publisher
	logger    *logrus.Logger
	now       func() time.Time
}

func (r rowRecorder) complete(ctx context.Context, row *models.FileRow, cause error) error {
	var kind *models.ErrorKind
	var detail *string
	if cause != nil {
		k := ClassifyError(cause)
		msg := cause.Error()
		kind, detail = &k, &msg
	}
	applied, err := r.rows.MarkTerminal(ctx, row.ID, models.FileRowStatusCompleted, kind, detail)
	if err != nil {
		return err
	}
	if applied {
		row.Status = models.FileRowStatusCompleted
		row.ErrorKind, row.ErrorDetail = kind, detail
		fileRowsTerminal.WithLabelValues(string(models.FileRowStatusCompleted), kindLabel(kind)).Inc()
	}
	return nil
}

func (r rowRecorder) fail(ctx context.Context, row *models.FileRow, cause error) error {
	kind := ClassifyError(cause)
	if kind == "" {
		kind = models.ErrorKindInternal
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	applied, err := r.rows.MarkTerminal(ctx, row.ID, models.FileRowStatusFailed, &kind, &msg)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	row.Status = models.FileRowStatusFailed
	row.ErrorKind, row.ErrorDetail = &kind, &msg
	fileRowsTerminal.WithLabelValues(string(models.FileRowStatusFailed), string(kind)).Inc()

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	r.log().WithFields(logrus.Fields{
		"field":            "FileRow",
		"file_row_id":      row.ID,
		"file_metadata_id": row.FileMetadataId,
		"line_number":      row.LineNumber,
		"error_kind":       kind,
		"correlation_id":   correlationId,
	}).Warn("file row failed: " + msg)

	events.PublishBestEffort(ctx, r.publisher, r.log(), events.NewFileRowFailedEvent(events.FileRowFailed{
		FileMetadataId: row.FileMetadataId,
		FileRowId:      row.ID,
		LineNumber:     row.LineNumber,
		ErrorKind:      string(kind),
		Message:        msg,
		FailedAt:       r.timestamp(),
		CorrelationId:  correlationId,
	}))
	return nil
}

func (r rowRecorder) timestamp() time.Time {
	if r.now != nil {
		return r.now().UTC()
	}
	return time.Now().UTC()
}

func (r rowRecorder) log() *logrus.Logger {
	if r.logger != nil {
		return r.logger
	}
	return config.GetLogger()
}

func kindLabel(kind *models.ErrorKind) string {
	if kind == nil {
		return "none"
	}
	return string(*kind)
}
