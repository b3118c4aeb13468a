// Package queue is the at-least-once job queue the pipeline workers consume from.
//
// A job may be delivered more than once (worker crash before acknowledgment, lock timeout), so
// handlers must be safe to re-run. A handler error schedules a retry with capped exponential
// backoff until the job's attempt budget is spent, after which the job goes DEAD and the
// consumer's dead-letter hook runs once. Errors wrapped with Permanent skip the retry budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/utils"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRequeueable: only DEAD or FAILED jobs go back to PENDING.
	ErrJobNotRequeueable = errors.New("job is not DEAD or FAILED")
)

// Job is one delivery of a queued job.
type Job struct {
	ID            int64
	Type          string
	Key           string
	Payload       json.RawMessage
	Attempt       int // 1-based attempt of this delivery
	MaxAttempts   int
	CorrelationId string
	LastError     string
}

// Decode unmarshals the payload into v and validates it. Failures are permanent:
// redelivering a malformed payload cannot succeed.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	if err := utils.ValidateStruct(v); err != nil {
		return Permanent(fmt.Errorf("validate %s payload: %w", j.Type, err))
	}
	return nil
}

// IsFinalAttempt reports whether a failure of this delivery exhausts the retry budget.
func (j *Job) IsFinalAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

type EnqueueOptions struct {
	// Delay postpones the first delivery.
	Delay       time.Duration
	MaxAttempts int
	Backoff     Backoff
	// Key dedups against a live (pending, active or retrying) job of the same type.
	Key           string
	CorrelationId string
}

type Handle struct {
	ID   int64
	Type string
	Key  string
	// Existing is true when a live job with the same key was returned instead of a new one.
	Existing bool
}

type Handler func(ctx context.Context, job *Job) error

// DeadLetterFunc runs once when a job goes DEAD or fails permanently.
type DeadLetterFunc func(ctx context.Context, job *Job, err error)

type ConsumeOption func(*consumer)

func WithDeadLetter(fn DeadLetterFunc) ConsumeOption {
	return func(c *consumer) {
		c.deadLetter = fn
	}
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (Handle, error)
}

type Queue interface {
	Enqueuer
	Consume(jobType string, handler Handler, opts ...ConsumeOption)
	// Run delivers jobs until ctx is cancelled.
	Run(ctx context.Context) error
}

// Defaults apply when EnqueueOptions leave MaxAttempts or Backoff unset.
type Defaults struct {
	MaxAttempts int
	Backoff     Backoff
}

func (d Defaults) apply(opts EnqueueOptions) EnqueueOptions {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff.Base <= 0 && opts.Backoff.Max <= 0 {
		opts.Backoff = d.Backoff
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return opts
}

func marshalPayload(jobType string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return b, nil
}
