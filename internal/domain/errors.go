package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable, user-visible classification of an engine failure
type ErrorKind string

const (
	KindConfigValidation      ErrorKind = "config_validation"
	KindDataQuality           ErrorKind = "data_quality"
	KindEvaluation            ErrorKind = "evaluation"
	KindNoBackendAvailable    ErrorKind = "no_backend_available"
	KindTimeout               ErrorKind = "timeout"
	KindInternalInconsistency ErrorKind = "internal_inconsistency"
	KindUnknown               ErrorKind = "unknown"
)

// HTTPStatus maps an error kind to the status code the REST layer answers with
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindConfigValidation:
		return http.StatusBadRequest
	case KindDataQuality:
		return http.StatusUnprocessableEntity
	case KindNoBackendAvailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified engine error
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NewConfigValidationError(message string) *Error {
	return NewError(KindConfigValidation, message, nil)
}

func NewDataQualityError(message string) *Error {
	return NewError(KindDataQuality, message, nil)
}

func NewEvaluationError(message string, cause error) *Error {
	return NewError(KindEvaluation, message, cause)
}

func NewNoBackendAvailableError(message string) *Error {
	return NewError(KindNoBackendAvailable, message, nil)
}

func NewTimeoutError(message string, cause error) *Error {
	return NewError(KindTimeout, message, cause)
}

func NewInternalInconsistencyError(message string) *Error {
	return NewError(KindInternalInconsistency, message, nil)
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindUnknown when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any classified error in the chain has the given kind
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}
