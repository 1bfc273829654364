package types

import (
	"errors"
	"fmt"
)

// ErrorKind names a failure class in the run report.
type ErrorKind string

// Fetch failures.
const (
	KindTimeout    ErrorKind = "Timeout"
	KindNavigation ErrorKind = "Navigation"
	KindConnection ErrorKind = "Connection"
)

// Extraction failures.
const (
	KindNoRecordsFound   ErrorKind = "NoRecordsFound"
	KindMalformedContent ErrorKind = "MalformedContent"
)

// Validation failures.
const (
	KindUnparsableNumber     ErrorKind = "UnparsableNumber"
	KindMissingRequiredField ErrorKind = "MissingRequiredField"
	KindOutOfRange           ErrorKind = "OutOfRange"
)

// Write failures.
const (
	KindKeyConflict        ErrorKind = "KeyConflict"
	KindStorageUnavailable ErrorKind = "StorageUnavailable"
)

// Skip reasons.
const (
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"
	KindCanceled         ErrorKind = "Canceled"
)

// FetchError is returned by a Fetcher when a page could not be rendered.
type FetchError struct {
	Kind     ErrorKind
	TargetID string
	URL      string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s (%s): %s: %v", e.TargetID, e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %s", e.TargetID, e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. A navigation
// failure means the page moved or is missing, so retrying cannot help.
func (e *FetchError) Retryable() bool {
	return retryableFetchKinds[e.Kind]
}

var retryableFetchKinds = map[ErrorKind]bool{
	KindTimeout:    true,
	KindConnection: true,
	KindNavigation: false,
}

// NewFetchError creates a new FetchError.
func NewFetchError(kind ErrorKind, targetID, url string, err error) *FetchError {
	return &FetchError{Kind: kind, TargetID: targetID, URL: url, Err: err}
}

// ExtractionError means a page loaded but the expected structure was absent.
type ExtractionError struct {
	Kind     ErrorKind
	TargetID string
	URL      string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s (%s): %s: %v", e.TargetID, e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s (%s): %s", e.TargetID, e.URL, e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ValidationError rejects one candidate record.
type ValidationError struct {
	Kind     ErrorKind
	TargetID string
	Field    string
	Value    string
	Err      error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validate %s: %s", e.TargetID, e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s=%q)", e.Field, e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// WriteError is returned by the output store.
type WriteError struct {
	Kind ErrorKind
	Key  Key
	Err  error
}

func (e *WriteError) Error() string {
	if e.Key != (Key{}) {
		return fmt.Sprintf("write %s: %s: %v", e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("write: %s: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Fatal reports whether the error stops the whole run.
func (e *WriteError) Fatal() bool {
	return e.Kind == KindStorageUnavailable
}

// KindOf returns the taxonomy kind of err, or "" when err is not one of ours.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	var we *WriteError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}
