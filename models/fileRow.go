package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"gorm.io/gorm"
)

// FileRow is one CSV line of a batch, tracked through its processing state machine.
// Unique (file_metadata_id, line_number) makes redelivered row jobs converge on one record.
type FileRow struct {
	ID             int             `gorm:"primary_key" json:"id"`
	FileMetadataId int             `gorm:"not null;index:uniq_file_line,unique" json:"file_metadata_id"`
	FileMetadata   *FileMetadata   `gorm:"foreignKey:FileMetadataId" json:"-"`
	LineNumber     int             `gorm:"not null;index:uniq_file_line,unique" json:"line_number"`
	Row            json.RawMessage `gorm:"type:json;not null" json:"row"`
	Status         FileRowStatus   `gorm:"size:20;not null;default:PENDING;index:idx_file_rows_status_updated,priority:1" json:"status"`
	ErrorKind      *ErrorKind      `gorm:"size:32" json:"error_kind"`
	ErrorDetail    *string         `gorm:"type:text" json:"error_detail"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime;index:idx_file_rows_status_updated,priority:2" json:"updated_at"`
}

type FileRowRepo struct {
	DB *gorm.DB
}

func NewFileRowRepo(db *gorm.DB) *FileRowRepo {
	return &FileRowRepo{DB: db}
}

// CreateOrGet inserts a PENDING row, or returns the row already stored for (fileMetadataId, lineNumber).
// created is false when the row existed.
func (r *FileRowRepo) CreateOrGet(ctx context.Context, fileMetadataId, lineNumber int, row []byte) (*FileRow, bool, error) {
	rec := FileRow{
		FileMetadataId: fileMetadataId,
		LineNumber:     lineNumber,
		Row:            json.RawMessage(row),
		Status:         FileRowStatusPending,
	}
	err := r.DB.WithContext(ctx).Create(&rec).Error
	if err == nil {
		return &rec, true, nil
	}
	if !utils.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	var existing FileRow
	if err := r.DB.WithContext(ctx).
		Where("file_metadata_id = ? AND line_number = ?", fileMetadataId, lineNumber).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (r *FileRowRepo) Get(ctx context.Context, id int) (*FileRow, error) {
	var rec FileRow
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// MarkProcessing moves PENDING|PROCESSING to PROCESSING. Re-entering PROCESSING refreshes updated_at,
// which the stale sweep keys on. Returns false when the row is already terminal.
func (r *FileRowRepo) MarkProcessing(ctx context.Context, id int) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&FileRow{}).
		Where("id = ? AND status IN ?", id, []FileRowStatus{FileRowStatusPending, FileRowStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     FileRowStatusProcessing,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkTerminal moves a non-terminal row to COMPLETED or FAILED and bumps the owning batch counter
// in the same transaction. applied is false when another delivery already finished the row.
func (r *FileRowRepo) MarkTerminal(ctx context.Context, id int, status FileRowStatus, kind *ErrorKind, detail *string) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.New("MarkTerminal: status must be COMPLETED or FAILED")
	}

	counter := "rows_completed"
	if status == FileRowStatusFailed {
		counter = "rows_failed"
	}

	applied := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec FileRow
		if err := tx.Select("id", "file_metadata_id").Where("id = ?", id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		res := tx.Model(&FileRow{}).
			Where("id = ? AND status IN ?", id, []FileRowStatus{FileRowStatusPending, FileRowStatusProcessing}).
			Updates(map[string]interface{}{
				"status":       status,
				"error_kind":   kind,
				"error_detail": detail,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		return tx.Model(&FileMetadata{}).
			Where("id = ?", rec.FileMetadataId).
			Update(counter, gorm.Expr(counter+" + 1")).Error
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListStale returns non-terminal rows in the given status untouched since before.
func (r *FileRowRepo) ListStale(ctx context.Context, status FileRowStatus, before time.Time, limit int) ([]*FileRow, error) {
	var rows []*FileRow
	q := r.DB.WithContext(ctx).
		Select("id", "file_metadata_id", "line_number", "status", "updated_at").
		Where("status = ? AND updated_at <= ?", status, before).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
