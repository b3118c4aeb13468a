package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryQueue is an in-process queue with the same retry and dead-letter semantics as DBQueue.
// Jobs do not survive a restart; it backs local runs (QUEUE_DRIVER=memory) and tests.
type MemoryQueue struct {
	runner

	Defaults     Defaults
	Concurrency  int
	PollInterval time.Duration
	// Now is the queue clock; tests replace it to step through backoff delays.
	Now func() time.Time

	jobsMu sync.Mutex
	nextId int64
	jobs   map[int64]*models.JobRecord
}

func NewMemoryQueue(logger *logrus.Logger, defaults Defaults) *MemoryQueue {
	q := &MemoryQueue{
		Defaults:     defaults,
		Concurrency:  1,
		PollInterval: 100 * time.Millisecond,
		Now:          func() time.Time { return time.Now().UTC() },
		jobs:         map[int64]*models.JobRecord{},
	}
	q.logger = logger
	q.workerId = uuid.NewString()
	return q
}

// SetJobTimeout bounds each delivery; zero disables the bound.
func (q *MemoryQueue) SetJobTimeout(d time.Duration) {
	q.jobTimeout = d
}

func (q *MemoryQueue) Consume(jobType string, handler Handler, opts ...ConsumeOption) {
	q.register(jobType, handler, opts...)
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (Handle, error) {
	if jobType == "" {
		return Handle{}, errors.New("job type is required")
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	opts = q.Defaults.apply(opts)
	raw, err := marshalPayload(jobType, payload)
	if err != nil {
		return Handle{}, err
	}

	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()

	if opts.Key != "" {
		for _, id := range q.sortedIdsLocked() {
			rec := q.jobs[id]
			if rec.JobType == jobType && rec.JobKey != nil && *rec.JobKey == opts.Key && !rec.Status.IsTerminal() {
				countEnqueued(jobType, true)
				return Handle{ID: rec.ID, Type: jobType, Key: opts.Key, Existing: true}, nil
			}
		}
	}

	correlationId := opts.CorrelationId
	if correlationId == "" {
		correlationId = utils.CorrelationIdFromContextOrNew(ctx)
	}
	now := q.Now()
	q.nextId++
	rec := &models.JobRecord{
		ID:            q.nextId,
		JobType:       jobType,
		Payload:       raw,
		Status:        models.JobStatusPending,
		MaxAttempts:   opts.MaxAttempts,
		BackoffBaseMs: opts.Backoff.Base.Milliseconds(),
		BackoffMaxMs:  opts.Backoff.Max.Milliseconds(),
		RunAt:         now.Add(opts.Delay),
		CorrelationId: correlationId,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.Key != "" {
		key := opts.Key
		rec.JobKey = &key
	}
	q.jobs[rec.ID] = rec
	countEnqueued(jobType, false)
	return Handle{ID: rec.ID, Type: jobType, Key: opts.Key}, nil
}

func (q *MemoryQueue) Run(ctx context.Context) error {
	for {
		for q.ProcessDue(ctx) > 0 {
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.PollInterval):
		}
	}
}

// ProcessDue delivers every job that is due now and returns how many deliveries ran.
func (q *MemoryQueue) ProcessDue(ctx context.Context) int {
	claimed := q.claimDue()
	if len(claimed) == 0 {
		return 0
	}

	concurrency := q.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, c := range claimed {
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

// Drain processes due jobs until none remain due or maxRounds is reached. Jobs waiting on a
// future run_at are left alone, so use a zero backoff or advance Now to drain retries.
func (q *MemoryQueue) Drain(ctx context.Context, maxRounds int) int {
	total := 0
	for i := 0; i < maxRounds; i++ {
		n := q.ProcessDue(ctx)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

func (q *MemoryQueue) claimDue() []claimedJob {
	types := map[string]bool{}
	for _, t := range q.jobTypes() {
		types[t] = true
	}

	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()

	now := q.Now()
	var claimed []claimedJob
	for _, id := range q.sortedIdsLocked() {
		rec := q.jobs[id]
		if !types[rec.JobType] {
			continue
		}
		if rec.Status != models.JobStatusPending && rec.Status != models.JobStatusRetrying {
			continue
		}
		if rec.RunAt.After(now) {
			continue
		}
		rec.Attempts++
		rec.Status = models.JobStatusActive
		rec.LockedAt = &now
		rec.LockedBy = &q.workerId
		rec.UpdatedAt = now
		claimed = append(claimed, claimedJob{job: jobFromRecord(*rec), rec: *rec})
	}
	return claimed
}

func (q *MemoryQueue) process(ctx context.Context, c claimedJob) {
	err := q.deliver(ctx, c.job)
	out := decide(c.job, err)

	var retryIn time.Duration
	if out == outcomeRetry {
		retryIn = Backoff{
			Base: time.Duration(c.rec.BackoffBaseMs) * time.Millisecond,
			Max:  time.Duration(c.rec.BackoffMaxMs) * time.Millisecond,
		}.Delay(c.job.Attempt)
	}

	q.jobsMu.Lock()
	now := q.Now()
	rec := q.jobs[c.job.ID]
	rec.LockedAt = nil
	rec.LockedBy = nil
	rec.UpdatedAt = now
	msg := utils.ErrorMessage(err)
	switch out {
	case outcomeCompleted:
		rec.Status = models.JobStatusCompleted
		rec.CompletedAt = &now
		rec.LastError = nil
	case outcomeRetry:
		rec.Status = models.JobStatusRetrying
		rec.RunAt = now.Add(retryIn)
		rec.LastError = &msg
	case outcomeDead:
		rec.Status = models.JobStatusDead
		rec.CompletedAt = &now
		rec.LastError = &msg
	case outcomeFailed:
		rec.Status = models.JobStatusFailed
		rec.CompletedAt = &now
		rec.LastError = &msg
	}
	q.jobsMu.Unlock()

	q.finish(context.WithoutCancel(ctx), c.job, out, err, retryIn)
}

// Get returns a copy of the job record.
func (q *MemoryQueue) Get(_ context.Context, id int64) (*models.JobRecord, error) {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// Requeue moves a DEAD or FAILED job back to PENDING with a fresh attempt budget.
func (q *MemoryQueue) Requeue(_ context.Context, id int64) (*models.JobRecord, error) {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if rec.Status != models.JobStatusDead && rec.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotRequeueable, id, rec.Status)
	}
	now := q.Now()
	rec.Status = models.JobStatusPending
	rec.Attempts = 0
	rec.RunAt = now
	rec.CompletedAt = nil
	rec.UpdatedAt = now
	cp := *rec
	return &cp, nil
}

// Jobs returns copies of all jobs of jobType (every type when empty), in enqueue order.
func (q *MemoryQueue) Jobs(jobType string) []models.JobRecord {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	var out []models.JobRecord
	for _, id := range q.sortedIdsLocked() {
		rec := q.jobs[id]
		if jobType == "" || rec.JobType == jobType {
			out = append(out, *rec)
		}
	}
	return out
}

func (q *MemoryQueue) sortedIdsLocked() []int64 {
	ids := make([]int64, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
