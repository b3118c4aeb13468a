package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const sweepLockKey = "lock:reconcile-sweep"

type SweepResult struct {
	PendingRequeued    int `json:"pendingRequeued"`
	ProcessingRequeued int `json:"processingRequeued"`
	// AlreadyQueued counts stuck rows that still had a live process-debit job.
	AlreadyQueued int `json:"alreadyQueued"`
	Errors        int `json:"errors"`
}

// Reconciler re-enqueues rows the pipeline lost track of: PENDING rows whose debit job was never
// queued, and PROCESSING rows whose worker died mid-flight.
type Reconciler struct {
	Rows                FileRowRepository
	Queue               queue.Enqueuer
	Locker              *redislock.Client
	Interval            time.Duration
	PendingThreshold    time.Duration
	ProcessingThreshold time.Duration
	BatchSize           int
	Logger              *logrus.Logger
	Now                 func() time.Time
}

func NewReconciler(rows FileRowRepository, q queue.Enqueuer, cfg config.PipelineConfig) *Reconciler {
	return &Reconciler{
		Rows:                rows,
		Queue:               q,
		Locker:              config.GetRedisLock(),
		Interval:            cfg.SweepInterval,
		PendingThreshold:    cfg.PendingRowThreshold,
		ProcessingThreshold: cfg.ProcessingStaleThreshold,
		BatchSize:           cfg.SweepBatchSize,
		Logger:              config.GetLogger(),
	}
}

// Run sweeps every Interval until ctx is cancelled. With redis available only one instance sweeps
// per tick.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweepLocked(ctx, interval)
		}
	}
}

func (r *Reconciler) sweepLocked(ctx context.Context, ttl time.Duration) {
	if r.Locker != nil {
		lock, err := r.Locker.Obtain(ctx, sweepLockKey, ttl, nil)
		if err == redislock.ErrNotObtained {
			r.log().WithField("field", "Reconciler").Debug("sweep running elsewhere; skipping tick")
			return
		} else if err != nil {
			r.log().WithField("field", "Reconciler").Warn("error obtaining sweep lock; sweeping without lock: " + err.Error())
		} else {
			defer func() {
				_ = lock.Release(context.WithoutCancel(ctx))
			}()
		}
	}
	if _, err := r.SweepOnce(ctx); err != nil {
		config.LogError(r.log(), "Reconciler", "Run", "sweep", nil, err)
	}
}

// SweepOnce re-enqueues process-debit for stuck rows. The enqueue is keyed, so rows that still
// have a live job are left alone.
func (r *Reconciler) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.now()

	pending, err := r.Rows.ListStale(ctx, models.FileRowStatusPending, now.Add(-r.PendingThreshold), r.BatchSize)
	if err != nil {
		return result, err
	}
	for _, row := range pending {
		r.requeue(ctx, row, &result, &result.PendingRequeued)
	}

	processing, err := r.Rows.ListStale(ctx, models.FileRowStatusProcessing, now.Add(-r.ProcessingThreshold), r.BatchSize)
	if err != nil {
		return result, err
	}
	for _, row := range processing {
		r.requeue(ctx, row, &result, &result.ProcessingRequeued)
	}

	if result.PendingRequeued+result.ProcessingRequeued+result.Errors > 0 {
		r.log().WithFields(logrus.Fields{
			"field":               "Reconciler",
			"pending_requeued":    result.PendingRequeued,
			"processing_requeued": result.ProcessingRequeued,
			"already_queued":      result.AlreadyQueued,
			"errors":              result.Errors,
		}).Info("reconciliation sweep finished")
	}
	return result, nil
}

func (r *Reconciler) requeue(ctx context.Context, row *models.FileRow, result *SweepResult, counter *int) {
	handle, err := r.Queue.Enqueue(ctx, JobTypeProcessDebit, DebitJob{FileRow: FileRowRef{Id: row.ID}}, queue.EnqueueOptions{
		Key: DebitJobKey(row.ID),
	})
	if err != nil {
		result.Errors++
		config.LogError(r.log(), "Reconciler", "SweepOnce", "enqueue process-debit", row.ID, err)
		return
	}
	if handle.Existing {
		result.AlreadyQueued++
		return
	}
	*counter++
	sweepRequeued.WithLabelValues(string(row.Status)).Inc()
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) log() *logrus.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return config.GetLogger()
}
