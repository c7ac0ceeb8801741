// Package errors defines the pipeline's error taxonomy.
//
// Every failure that crosses a component boundary is an *Error with a Type.
// Callers branch on the type with errors.Is(err, errors.KindOf(TypeX)) or the
// Is* helpers; they never inspect message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType is the category of a pipeline failure.
type ErrorType int

const (
	// TypeInternal is an unexpected internal state.
	TypeInternal ErrorType = iota
	// TypeValidation is malformed or too-short input; user correctable.
	TypeValidation
	// TypeRateLimited is a transient admission denial.
	TypeRateLimited
	// TypeClassification is a triage classifier fault.
	TypeClassification
	// TypeArbitration is a decision arbiter fault.
	TypeArbitration
	// TypeDenyList is a policy violation; always downgrades to reject.
	TypeDenyList
	// TypeSearchTextNotFound means a proposal's search text is absent from the target.
	TypeSearchTextNotFound
	// TypePatchApply is any other patch-time fault.
	TypePatchApply
	// TypePublish is a VCS-time fault.
	TypePublish
	// TypeStorage is a database failure.
	TypeStorage
	// TypeNotFound means the requested record does not exist.
	TypeNotFound
	// TypeInvalidTransition means a status change is not allowed from the current status.
	TypeInvalidTransition
	// TypeConfig is missing or invalid configuration.
	TypeConfig
)

// Error is a typed pipeline error.
type Error struct {
	Type       ErrorType
	Message    string
	Cause      error
	Context    map[string]interface{}
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithContext adds a key/value pair for logs and audit detail.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// DetailedString renders the error with its type and context for audit entries.
func (e *Error) DetailedString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Type, e.Message))
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(" (cause: %v)", e.Cause))
	}
	for k, v := range e.Context {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	return sb.String()
}

func (t ErrorType) String() string {
	switch t {
	case TypeValidation:
		return "VALIDATION"
	case TypeRateLimited:
		return "RATE_LIMITED"
	case TypeClassification:
		return "CLASSIFICATION_FAILURE"
	case TypeArbitration:
		return "ARBITRATION_FAILURE"
	case TypeDenyList:
		return "DENY_LIST_VIOLATION"
	case TypeSearchTextNotFound:
		return "SEARCH_TEXT_NOT_FOUND"
	case TypePatchApply:
		return "PATCH_APPLY_FAILURE"
	case TypePublish:
		return "PUBLISH_FAILURE"
	case TypeStorage:
		return "STORAGE"
	case TypeNotFound:
		return "NOT_FOUND"
	case TypeInvalidTransition:
		return "INVALID_TRANSITION"
	case TypeConfig:
		return "CONFIG"
	default:
		return "INTERNAL"
	}
}

// KindOf returns a comparison target for errors.Is.
func KindOf(t ErrorType) error {
	return &Error{Type: t}
}

// New creates an error of the given type.
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap wraps cause with a type and message. Wrap(nil, ...) returns nil.
func Wrap(cause error, t ErrorType, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Type: t, Message: message, Cause: cause}
}

func Validationf(format string, args ...interface{}) *Error {
	return New(TypeValidation, fmt.Sprintf(format, args...))
}

// RateLimited carries retry guidance but never the limiter's counters.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Type: TypeRateLimited, Message: "too many submissions, try again later", RetryAfter: retryAfter}
}

func ClassificationFailure(cause error, message string) *Error {
	if cause == nil {
		return New(TypeClassification, message)
	}
	return Wrap(cause, TypeClassification, message)
}

func ArbitrationFailure(cause error, message string) *Error {
	if cause == nil {
		return New(TypeArbitration, message)
	}
	return Wrap(cause, TypeArbitration, message)
}

func DenyListViolation(path, pattern string) *Error {
	return New(TypeDenyList, fmt.Sprintf("path %q matches sensitive pattern %q", path, pattern)).
		WithContext("path", path).
		WithContext("pattern", pattern)
}

func SearchTextNotFound(path string) *Error {
	return New(TypeSearchTextNotFound, fmt.Sprintf("search text not found in %s", path)).WithContext("path", path)
}

func PatchApplyFailure(cause error, message string) *Error {
	if cause == nil {
		return New(TypePatchApply, message)
	}
	return Wrap(cause, TypePatchApply, message)
}

func PublishFailure(cause error, message string) *Error {
	if cause == nil {
		return New(TypePublish, message)
	}
	return Wrap(cause, TypePublish, message)
}

func Storage(cause error, message string) *Error {
	return Wrap(cause, TypeStorage, message)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(TypeNotFound, fmt.Sprintf(format, args...))
}

func InvalidTransition(from, to string) *Error {
	return New(TypeInvalidTransition, fmt.Sprintf("cannot move report from %s to %s", from, to)).
		WithContext("from", from).
		WithContext("to", to)
}

func Configf(format string, args ...interface{}) *Error {
	return New(TypeConfig, fmt.Sprintf(format, args...))
}

// TypeOf returns the Type of the first *Error in err's chain, or TypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// Is reports whether err carries the given type anywhere in its chain.
func Is(err error, t ErrorType) bool {
	return err != nil && stderrors.Is(err, KindOf(t))
}

// RetryAfterOf returns the retry guidance of a RateLimited error.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if stderrors.As(err, &e) && e.Type == TypeRateLimited {
		return e.RetryAfter
	}
	return 0
}
