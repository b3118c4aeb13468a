package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"gorm.io/gorm"
)

// FileMetadata is one accepted batch upload.
// Counters are only ever incremented, once per row entering a terminal state.
type FileMetadata struct {
	ID               int       `gorm:"primary_key" json:"id"`
	OriginalFilename string    `gorm:"size:255;not null" json:"original_filename"`
	TotalRows        int       `gorm:"not null;default:0" json:"total_rows"`
	RowsCompleted    int       `gorm:"not null;default:0" json:"rows_completed"`
	RowsFailed       int       `gorm:"not null;default:0" json:"rows_failed"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FileMetadata) TableName() string {
	return "file_metadata"
}

// IsFinished reports whether every row of the batch reached a terminal state.
func (m FileMetadata) IsFinished() bool {
	return m.TotalRows > 0 && m.RowsCompleted+m.RowsFailed >= m.TotalRows
}

// FileSummary is the operator view of a batch.
type FileSummary struct {
	FileMetadata
	RowsByStatus map[FileRowStatus]int64 `json:"rows_by_status"`
	Finished     bool                    `json:"finished"`
}

type FileMetadataRepo struct {
	DB *gorm.DB
}

func NewFileMetadataRepo(db *gorm.DB) *FileMetadataRepo {
	return &FileMetadataRepo{DB: db}
}

func (r *FileMetadataRepo) Create(ctx context.Context, originalFilename string, totalRows int) (*FileMetadata, error) {
	meta := FileMetadata{
		OriginalFilename: originalFilename,
		TotalRows:        totalRows,
	}
	if err := r.DB.WithContext(ctx).Create(&meta).Error; err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *FileMetadataRepo) Get(ctx context.Context, id int) (*FileMetadata, error) {
	var meta FileMetadata
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&meta).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &meta, nil
}

func (r *FileMetadataRepo) Summary(ctx context.Context, id int) (*FileSummary, error) {
	meta, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var counts []struct {
		Status FileRowStatus
		Count  int64
	}
	if err := r.DB.WithContext(ctx).Model(&FileRow{}).
		Select("status, COUNT(*) AS count").
		Where("file_metadata_id = ?", id).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, err
	}

	summary := &FileSummary{
		FileMetadata: *meta,
		RowsByStatus: make(map[FileRowStatus]int64, len(counts)),
		Finished:     meta.IsFinished(),
	}
	for _, c := range counts {
		summary.RowsByStatus[c.Status] = c.Count
	}
	return summary, nil
}
