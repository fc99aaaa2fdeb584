package types

import (
	"errors"
	"fmt"
)

// ErrorKind tags an error at a subsystem boundary. Boundaries propagate
// kinds, never free-form strings.
type ErrorKind string

const (
	ErrConfigMissing            ErrorKind = "ConfigMissing"
	ErrInvalidInput             ErrorKind = "InvalidInput"
	ErrEmbeddingFailed          ErrorKind = "EmbeddingFailed"
	ErrLLMCallFailed            ErrorKind = "LLMCallFailed"
	ErrLLMParseError            ErrorKind = "LLMParseError"
	ErrExtractionFailed         ErrorKind = "ExtractionFailed"
	ErrPersistFailed            ErrorKind = "PersistFailed"
	ErrActivationUpdateConflict ErrorKind = "ActivationUpdateConflict"
	ErrQueryTimeout             ErrorKind = "QueryTimeout"
	ErrFusionFailed             ErrorKind = "FusionFailed"
	ErrWorkflowNodeTimeout      ErrorKind = "WorkflowNodeTimeout"
	ErrWorkflowCanceled         ErrorKind = "WorkflowCanceled"
)

// KindError wraps an underlying error with a boundary kind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind tags err with kind. A nil err yields a bare kind error so
// callers can always surface the boundary classification.
func WrapKind(kind ErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Kindf tags a formatted error with kind.
func Kindf(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the boundary kind from err, or "" when untagged.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the task layer may retry the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrEmbeddingFailed, ErrLLMCallFailed, ErrQueryTimeout:
		return true
	}
	return false
}
