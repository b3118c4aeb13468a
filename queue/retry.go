package queue

import (
	"errors"
	"math"
	"time"
)

// Backoff is the retry delay policy: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return b.Base
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	if e.err == nil {
		return "permanent failure"
	}
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not retryable: the job is failed immediately and its dead-letter hook runs.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeRetry     outcome = "retry"
	outcomeDead      outcome = "dead"
	outcomeFailed    outcome = "failed"
)

// decide maps a delivery result to the job's next state.
func decide(job *Job, err error) outcome {
	switch {
	case err == nil:
		return outcomeCompleted
	case IsPermanent(err):
		return outcomeFailed
	case job.IsFinalAttempt():
		return outcomeDead
	default:
		return outcomeRetry
	}
}
