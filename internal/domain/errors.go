package domain

import (
	"errors"
	"fmt"
)

// Programmer-level errors returned by batch operations.
var (
	ErrInvalidSettings = errors.New("invalid batch settings")
	ErrBatchRunning    = errors.New("a batch is already running")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobRunning      = errors.New("job is running")
)

// ErrorKind classifies why a job ended in the Error or Cancelled state.
type ErrorKind string

const (
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindToolMissing ErrorKind = "tool_missing"
	ErrorKindExtraction  ErrorKind = "extraction"
	ErrorKindTranscode   ErrorKind = "transcode"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindFetch       ErrorKind = "fetch"
	ErrorKindInternal    ErrorKind = "internal"
)

// JobError is a classified job failure.
type JobError struct {
	Kind    ErrorKind
	Reason  string // short machine-friendly reason, e.g. "unavailable"
	Message string
}

func (e *JobError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewJobError creates a classified job error.
func NewJobError(kind ErrorKind, reason, message string) *JobError {
	return &JobError{Kind: kind, Reason: reason, Message: message}
}

// KindOf returns the ErrorKind carried by err, or ErrorKindInternal.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ErrorKindInternal
}
