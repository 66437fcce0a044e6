package domain

import (
	"errors"
	"fmt"
)

// ErrInsufficientData marks a derivation or rule that had too little history to produce output.
// Callers treat it as a silent skip.
var ErrInsufficientData = errors.New("insufficient data")

var (
	// ErrUnknownJob is returned when a job name is not registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobInProgress is returned when a run was suppressed because the job is already running.
	ErrJobInProgress = errors.New("job already in progress")

	// ErrInsightNotFound is returned when an insight id is unknown.
	ErrInsightNotFound = errors.New("insight not found")
)

// SourceFetchError is returned when a provider could not be reached or answered with an error.
type SourceFetchError struct {
	Source Source
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// MalformedEventError is returned when a single raw record cannot be normalized.
type MalformedEventError struct {
	Source Source
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s event: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed %s event: field %q: %s", e.Source, e.Field, e.Reason)
}

// ComputationError scopes an unexpected failure to one metric derivation or detection rule.
type ComputationError struct {
	Unit string
	Err  error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computation of %s failed: %v", e.Unit, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }
