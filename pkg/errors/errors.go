package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"deskrelay/internal/core/domain"
)

// ErrorCode is the stable identifier carried in error envelopes and REST responses
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeUnknownEndpoint    ErrorCode = "UNKNOWN_ENDPOINT"
	ErrCodeUnknownDestination ErrorCode = "UNKNOWN_DESTINATION"
	ErrCodeHostNotFound       ErrorCode = "HOST_NOT_FOUND"
	ErrCodeHostUnavailable    ErrorCode = "HOST_UNAVAILABLE"
	ErrCodeInvalidRole        ErrorCode = "INVALID_ROLE"
	ErrCodeNotPaired          ErrorCode = "NOT_PAIRED"
	ErrCodeTransportClosed    ErrorCode = "TRANSPORT_CLOSED"
	ErrCodeCaptureFailure     ErrorCode = "CAPTURE_FAILURE"
	ErrCodeInjectionFailure   ErrorCode = "INJECTION_FAILURE"
	ErrCodeMessageDropped     ErrorCode = "MESSAGE_DROPPED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

var domainCodes = []struct {
	sentinel error
	code     ErrorCode
	status   int
}{
	{domain.ErrUnknownEndpoint, ErrCodeUnknownEndpoint, http.StatusNotFound},
	{domain.ErrUnknownDestination, ErrCodeUnknownDestination, http.StatusNotFound},
	{domain.ErrHostNotFound, ErrCodeHostNotFound, http.StatusNotFound},
	{domain.ErrHostUnavailable, ErrCodeHostUnavailable, http.StatusConflict},
	{domain.ErrInvalidRole, ErrCodeInvalidRole, http.StatusBadRequest},
	{domain.ErrNotPaired, ErrCodeNotPaired, http.StatusForbidden},
	{domain.ErrDuplicateEndpoint, ErrCodeConflict, http.StatusConflict},
	{domain.ErrPairingNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrSessionNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrTransportClosed, ErrCodeTransportClosed, http.StatusBadGateway},
	{domain.ErrCaptureFailure, ErrCodeCaptureFailure, http.StatusInternalServerError},
	{domain.ErrInjectionFailure, ErrCodeInjectionFailure, http.StatusInternalServerError},
	{domain.ErrDropped, ErrCodeMessageDropped, http.StatusServiceUnavailable},
}

// FromDomain maps an error produced by the core services to an AppError.
// AppErrors pass through unchanged; unrecognised errors become internal.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, dc := range domainCodes {
		if stderrors.Is(err, dc.sentinel) {
			return WrapError(err, dc.code, err.Error(), dc.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
