package models

type FileRowStatus string

const (
	FileRowStatusPending    FileRowStatus = "PENDING"
	FileRowStatusProcessing FileRowStatus = "PROCESSING"
	FileRowStatusCompleted  FileRowStatus = "COMPLETED"
	FileRowStatusFailed     FileRowStatus = "FAILED"
)

func (s FileRowStatus) IsValid() bool {
	switch s {
	case FileRowStatusPending, FileRowStatusProcessing, FileRowStatusCompleted, FileRowStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the row can no longer change state.
func (s FileRowStatus) IsTerminal() bool {
	return s == FileRowStatusCompleted || s == FileRowStatusFailed
}

func (s FileRowStatus) String() string {
	return string(s)
}

// ErrorKind classifies the error recorded on a terminal FileRow.
type ErrorKind string

const (
	ErrorKindNotFound          ErrorKind = "NOT_FOUND"
	ErrorKindAlreadyGenerated  ErrorKind = "ALREADY_GENERATED"
	ErrorKindTransientProvider ErrorKind = "TRANSIENT_PROVIDER"
	ErrorKindValidation        ErrorKind = "VALIDATION"
	ErrorKindInternal          ErrorKind = "INTERNAL"
)

func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindNotFound, ErrorKindAlreadyGenerated, ErrorKindTransientProvider, ErrorKindValidation, ErrorKindInternal:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusActive    JobStatus = "ACTIVE"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed is a permanent failure; the job is never retried.
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusDead means the retry budget was exhausted (dead-letter).
	JobStatusDead JobStatus = "DEAD"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusDead
}

// LiveJobStatuses are the states a keyed enqueue dedups against.
var LiveJobStatuses = []JobStatus{JobStatusPending, JobStatusActive, JobStatusRetrying}
