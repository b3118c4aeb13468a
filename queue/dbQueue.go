package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBQueue stores jobs in the jobs table and claims them with SELECT ... FOR UPDATE SKIP LOCKED,
// so any number of processes can poll the same table.
type DBQueue struct {
	runner

	DB       *gorm.DB
	Defaults Defaults

	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	// LockTimeout is how long an ACTIVE job may stay claimed before another worker reclaims it.
	LockTimeout time.Duration
}

func NewDBQueue(db *gorm.DB, logger *logrus.Logger, cfg config.PipelineConfig) *DBQueue {
	q := &DBQueue{
		DB: db,
		Defaults: Defaults{
			MaxAttempts: cfg.JobMaxAttempts,
			Backoff:     Backoff{Base: cfg.JobBaseBackoff, Max: cfg.JobMaxBackoff},
		},
		BatchSize:    cfg.QueueBatchSize,
		Concurrency:  cfg.QueueConcurrency,
		PollInterval: cfg.QueuePollInterval,
		LockTimeout:  cfg.EffectiveLockTimeout(),
	}
	q.logger = logger
	q.workerId = uuid.NewString()
	q.jobTimeout = cfg.JobTimeout
	return q
}

func (q *DBQueue) Consume(jobType string, handler Handler, opts ...ConsumeOption) {
	q.register(jobType, handler, opts...)
}

func (q *DBQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (Handle, error) {
	if jobType == "" {
		return Handle{}, errors.New("job type is required")
	}
	opts = q.Defaults.apply(opts)
	raw, err := marshalPayload(jobType, payload)
	if err != nil {
		return Handle{}, err
	}
	db := q.DB.WithContext(ctx)

	if opts.Key != "" {
		var live models.JobRecord
		err := db.Select("id").
			Where("job_type = ? AND job_key = ? AND status IN ?", jobType, opts.Key, models.LiveJobStatuses).
			Order("id ASC").
			Take(&live).Error
		if err == nil {
			countEnqueued(jobType, true)
			return Handle{ID: live.ID, Type: jobType, Key: opts.Key, Existing: true}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Handle{}, fmt.Errorf("lookup live %s job %q: %w", jobType, opts.Key, err)
		}
	}

	correlationId := opts.CorrelationId
	if correlationId == "" {
		correlationId = utils.CorrelationIdFromContextOrNew(ctx)
	}
	rec := models.JobRecord{
		JobType:       jobType,
		Payload:       raw,
		Status:        models.JobStatusPending,
		MaxAttempts:   opts.MaxAttempts,
		BackoffBaseMs: opts.Backoff.Base.Milliseconds(),
		BackoffMaxMs:  opts.Backoff.Max.Milliseconds(),
		RunAt:         time.Now().UTC().Add(opts.Delay),
		CorrelationId: correlationId,
	}
	if opts.Key != "" {
		key := opts.Key
		rec.JobKey = &key
	}
	if err := db.Create(&rec).Error; err != nil {
		return Handle{}, fmt.Errorf("insert %s job: %w", jobType, err)
	}
	countEnqueued(jobType, false)
	return Handle{ID: rec.ID, Type: jobType, Key: opts.Key}, nil
}

func (q *DBQueue) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n := q.dispatchOnce(ctx)
		// A full batch means more work is likely waiting; poll again right away.
		if n >= q.claimLimit() {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.pollInterval()):
		}
	}
}

type claimedJob struct {
	job  *Job
	rec  models.JobRecord
	dead bool
}

// dispatchOnce claims one batch, delivers it and returns the number of jobs claimed.
func (q *DBQueue) dispatchOnce(ctx context.Context) int {
	types := q.jobTypes()
	if q.DB == nil || len(types) == 0 {
		return 0
	}

	claimed, err := q.claim(ctx, types)
	if err != nil {
		if ctx.Err() == nil {
			config.LogError(q.logger, "queue", "DBQueue.dispatchOnce", "claim jobs", types, err)
		}
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	sem := make(chan struct{}, q.concurrency())
	var wg sync.WaitGroup
	for _, c := range claimed {
		if c.dead {
			// Reclaimed after its final attempt: the worker that owned it never reported back.
			q.finish(ctx, c.job, outcomeDead, errors.New(c.job.LastError), 0)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(c claimedJob) {
			defer wg.Done()
			defer func() { <-sem }()
			q.process(ctx, c)
		}(c)
	}
	wg.Wait()
	return len(claimed)
}

// The claim runs at READ COMMITTED whatever the session default is; at REPEATABLE READ the
// SKIP LOCKED range scan takes gap locks that serialize concurrent dispatchers.
var claimTxOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

func (q *DBQueue) claim(ctx context.Context, types []string) ([]claimedJob, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-q.lockTimeout())

	var claimed []claimedJob
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / RETRYING and due
		// - ACTIVE but the lock is stale (worker crashed mid-job), reclaimed after LockTimeout
		var recs []models.JobRecord
		err := tx.
			Where("job_type IN ?", types).
			Where(`
				(
					status IN ? AND run_at <= ?
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []models.JobStatus{models.JobStatusPending, models.JobStatusRetrying}, now, models.JobStatusActive, staleBefore).
			Order("run_at ASC, id ASC").
			Limit(q.claimLimit()).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&recs).Error
		if err != nil {
			return err
		}

		for i := range recs {
			rec := recs[i]
			if rec.Status == models.JobStatusActive && rec.MaxAttempts > 0 && rec.Attempts >= rec.MaxAttempts {
				msg := fmt.Sprintf("lock expired on final attempt (%d)", rec.Attempts)
				if rec.LastError != nil && *rec.LastError != "" {
					msg = *rec.LastError
				}
				if err := tx.Model(&models.JobRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
					"status":       models.JobStatusDead,
					"last_error":   &msg,
					"locked_at":    nil,
					"locked_by":    nil,
					"completed_at": &now,
				}).Error; err != nil {
					return err
				}
				rec.LastError = &msg
				claimed = append(claimed, claimedJob{job: jobFromRecord(rec), rec: rec, dead: true})
				continue
			}

			rec.Attempts++
			rec.Status = models.JobStatusActive
			rec.LockedAt = &now
			rec.LockedBy = &q.workerId
			if err := tx.Model(&models.JobRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"status":    models.JobStatusActive,
				"attempts":  gorm.Expr("attempts + 1"),
				"locked_at": &now,
				"locked_by": q.workerId,
			}).Error; err != nil {
				return err
			}
			claimed = append(claimed, claimedJob{job: jobFromRecord(rec), rec: rec})
		}
		return nil
	}, claimTxOptions)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *DBQueue) process(ctx context.Context, c claimedJob) {
	err := q.deliver(ctx, c.job)
	out := decide(c.job, err)

	// Record the outcome even if the dispatcher is shutting down.
	recordCtx := context.WithoutCancel(ctx)
	var retryIn time.Duration
	if out == outcomeRetry {
		retryIn = Backoff{
			Base: time.Duration(c.rec.BackoffBaseMs) * time.Millisecond,
			Max:  time.Duration(c.rec.BackoffMaxMs) * time.Millisecond,
		}.Delay(c.job.Attempt)
	}

	applied, uerr := q.record(recordCtx, c.job, out, err, retryIn)
	if uerr != nil {
		config.LogError(q.logger, "queue", "DBQueue.process", "record job outcome", c.job.ID, uerr)
		return
	}
	if !applied {
		// The lock was reclaimed by another worker; that delivery owns the outcome now.
		q.entry(c.job).Warn("job lock lost before outcome was recorded")
		return
	}
	q.finish(recordCtx, c.job, out, err, retryIn)
}

// record persists the outcome, guarded by this worker still owning the lock.
func (q *DBQueue) record(ctx context.Context, job *Job, out outcome, jobErr error, retryIn time.Duration) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"locked_at": nil,
		"locked_by": nil,
	}
	switch out {
	case outcomeCompleted:
		updates["status"] = models.JobStatusCompleted
		updates["completed_at"] = &now
		updates["last_error"] = nil
	case outcomeRetry:
		msg := utils.ErrorMessage(jobErr)
		updates["status"] = models.JobStatusRetrying
		updates["run_at"] = now.Add(retryIn)
		updates["last_error"] = &msg
	case outcomeDead, outcomeFailed:
		msg := utils.ErrorMessage(jobErr)
		status := models.JobStatusDead
		if out == outcomeFailed {
			status = models.JobStatusFailed
		}
		updates["status"] = status
		updates["completed_at"] = &now
		updates["last_error"] = &msg
	}

	res := q.DB.WithContext(ctx).Model(&models.JobRecord{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, models.JobStatusActive, q.workerId).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Get returns the stored job record.
func (q *DBQueue) Get(ctx context.Context, id int64) (*models.JobRecord, error) {
	var rec models.JobRecord
	if err := q.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Requeue moves a DEAD or FAILED job back to PENDING with a fresh attempt budget.
func (q *DBQueue) Requeue(ctx context.Context, id int64) (*models.JobRecord, error) {
	rec, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.JobStatusDead && rec.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotRequeueable, id, rec.Status)
	}

	now := time.Now().UTC()
	res := q.DB.WithContext(ctx).Model(&models.JobRecord{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobStatusDead, models.JobStatusFailed}).
		Updates(map[string]interface{}{
			"status":       models.JobStatusPending,
			"attempts":     0,
			"run_at":       now,
			"locked_at":    nil,
			"locked_by":    nil,
			"completed_at": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %d changed state concurrently", ErrJobNotRequeueable, id)
	}
	return q.Get(ctx, id)
}

// ListByStatus returns jobs of jobType in status, oldest first. An empty jobType matches all types.
func (q *DBQueue) ListByStatus(ctx context.Context, jobType string, status models.JobStatus, limit int) ([]models.JobRecord, error) {
	var recs []models.JobRecord
	db := q.DB.WithContext(ctx).Where("status = ?", status)
	if jobType != "" {
		db = db.Where("job_type = ?", jobType)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (q *DBQueue) batchSize() int {
	if q.BatchSize > 0 {
		return q.BatchSize
	}
	return 50
}

// claimLimit caps a claim at the worker slots, so every claimed job starts right away and its
// locked_at measures how long the delivery has actually been running.
func (q *DBQueue) claimLimit() int {
	return min(q.batchSize(), q.concurrency())
}

func (q *DBQueue) concurrency() int {
	if q.Concurrency > 0 {
		return q.Concurrency
	}
	return 1
}

func (q *DBQueue) pollInterval() time.Duration {
	if q.PollInterval > 0 {
		return q.PollInterval
	}
	return 500 * time.Millisecond
}

func (q *DBQueue) lockTimeout() time.Duration {
	if q.LockTimeout > 0 {
		return q.LockTimeout
	}
	return 2 * time.Minute
}

func jobFromRecord(rec models.JobRecord) *Job {
	job := &Job{
		ID:            rec.ID,
		Type:          rec.JobType,
		Payload:       rec.Payload,
		Attempt:       rec.Attempts,
		MaxAttempts:   rec.MaxAttempts,
		CorrelationId: rec.CorrelationId,
	}
	if rec.JobKey != nil {
		job.Key = *rec.JobKey
	}
	if rec.LastError != nil {
		job.LastError = *rec.LastError
	}
	return job
}
