package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the pipeline matches exactly one of these with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnsafePath       = errors.New("unsafe path")
	ErrUnsupportedEntry = errors.New("unsupported entry")
	ErrEncoding         = errors.New("encoding error")
	ErrInference        = errors.New("inference error")
)

var (
	ErrModelUnavailable = &ProcessingError{Kind: ErrConfiguration, Message: "model session unavailable"}
	ErrArchiveTooLarge  = &ProcessingError{Kind: ErrInvalidInput, Message: "archive exceeds size limit"}
	ErrImageTooLarge    = &ProcessingError{Kind: ErrInvalidInput, Message: "image exceeds size limit"}
	ErrInvalidArchive   = &ProcessingError{Kind: ErrInvalidInput, Message: "invalid archive"}
	ErrLayoutMismatch   = &ProcessingError{Kind: ErrInference, Message: "model output layout mismatch"}
)

type ProcessingError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Wrap builds a ProcessingError of the given kind.
func Wrap(kind error, cause error, format string, args ...any) *ProcessingError {
	return &ProcessingError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// WithSentinel attaches a sentinel ProcessingError (ErrArchiveTooLarge, ...) to a cause so
// that errors.Is matches the sentinel and its kind.
func WithSentinel(sentinel *ProcessingError, cause error) *ProcessingError {
	return &ProcessingError{Kind: sentinel, Message: sentinel.Message, Cause: cause}
}
