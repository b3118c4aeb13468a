package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("debts_backend/queue")

type consumer struct {
	handler    Handler
	deadLetter DeadLetterFunc
}

// runner holds the consumer registry and the delivery logic shared by the queue drivers.
type runner struct {
	logger     *logrus.Logger
	workerId   string
	jobTimeout time.Duration

	mu        sync.RWMutex
	consumers map[string]*consumer
}

func (r *runner) register(jobType string, handler Handler, opts ...ConsumeOption) {
	c := &consumer{handler: handler}
	for _, opt := range opts {
		opt(c)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumers == nil {
		r.consumers = map[string]*consumer{}
	}
	r.consumers[jobType] = c
}

func (r *runner) consumerFor(jobType string) *consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumers[jobType]
}

func (r *runner) jobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.consumers))
	for t := range r.consumers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *runner) jobContext(ctx context.Context, job *Job) context.Context {
	ctx = utils.SetJobIdInContext(ctx, job.ID)
	ctx = utils.SetJobTypeInContext(ctx, job.Type)
	if r.workerId != "" {
		ctx = utils.SetWorkerIdInContext(ctx, r.workerId)
	}
	if job.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, job.CorrelationId)
	}
	return ctx
}

// deliver runs the registered handler under the job timeout. A panic is converted into an error.
func (r *runner) deliver(ctx context.Context, job *Job) (err error) {
	c := r.consumerFor(job.Type)
	if c == nil {
		return fmt.Errorf("no consumer registered for job type %q", job.Type)
	}

	ctx = r.jobContext(ctx, job)
	ctx, span := tracer.Start(ctx, "queue.deliver", trace.WithAttributes(
		attribute.String("job.type", job.Type),
		attribute.Int64("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job handler panic: %v", rec)
			r.entry(job).WithField("stack", string(debug.Stack())).Error(err.Error())
		}
		jobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return c.handler(ctx, job)
}

// finish logs and counts the outcome and runs the dead-letter hook for terminal failures.
func (r *runner) finish(ctx context.Context, job *Job, out outcome, err error, retryIn time.Duration) {
	jobsProcessed.WithLabelValues(job.Type, string(out)).Inc()

	entry := r.entry(job)
	switch out {
	case outcomeCompleted:
		entry.Debug("job completed")
		return
	case outcomeRetry:
		entry.WithField("retry_in", retryIn.String()).Warn("job failed; retry scheduled: " + utils.ErrorMessage(err))
		return
	case outcomeDead:
		entry.Error("job moved to DEAD after max attempts: " + utils.ErrorMessage(err))
	case outcomeFailed:
		entry.Error("job failed permanently: " + utils.ErrorMessage(err))
	}

	c := r.consumerFor(job.Type)
	if c == nil || c.deadLetter == nil {
		return
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				entry.Errorf("dead-letter hook panic: %v", rec)
			}
		}()
		c.deadLetter(r.jobContext(ctx, job), job, err)
	}()
}

func (r *runner) entry(job *Job) *logrus.Entry {
	logger := r.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":          "JobQueue",
		"job_id":         job.ID,
		"job_type":       job.Type,
		"job_key":        job.Key,
		"attempt":        job.Attempt,
		"max_attempts":   job.MaxAttempts,
		"correlation_id": job.CorrelationId,
		"worker_id":      r.workerId,
	})
}
