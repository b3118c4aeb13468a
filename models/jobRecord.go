package models

import (
	"encoding/json"
	"time"
)

// JobRecord is the durable row behind one queued job.
// job_key is optional; keyed enqueues dedup against live jobs of the same type and key.
type JobRecord struct {
	ID            int64           `gorm:"primary_key" json:"id"`
	JobType       string          `gorm:"size:64;not null;index:idx_jobs_claim,priority:1;index:idx_jobs_type_key,priority:1" json:"job_type"`
	JobKey        *string         `gorm:"size:191;index:idx_jobs_type_key,priority:2" json:"job_key"`
	Payload       json.RawMessage `gorm:"type:json;not null" json:"payload"`
	Status        JobStatus       `gorm:"size:20;not null;default:PENDING;index:idx_jobs_claim,priority:2" json:"status"`
	Attempts      int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int             `gorm:"not null;default:3" json:"max_attempts"`
	BackoffBaseMs int64           `gorm:"not null;default:0" json:"backoff_base_ms"`
	BackoffMaxMs  int64           `gorm:"not null;default:0" json:"backoff_max_ms"`
	RunAt         time.Time       `gorm:"not null;index:idx_jobs_claim,priority:3" json:"run_at"`
	LockedAt      *time.Time      `json:"locked_at"`
	LockedBy      *string         `gorm:"size:64" json:"locked_by"`
	LastError     *string         `gorm:"type:text" json:"last_error"`
	CorrelationId string          `gorm:"size:64" json:"correlation_id"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (JobRecord) TableName() string {
	return "jobs"
}
