package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Queue error taxonomy. Producer-side kinds surface synchronously to
// callers; handler-side kinds drive the worker retry policy.
var (
	ErrValidation        = NewError("validation", "message failed validation", http.StatusBadRequest)
	ErrUnsupportedSchema = NewError("unsupported_schema", "schema version outside supported window", http.StatusBadRequest)
	ErrDuplicate         = NewError("duplicate", "idempotency key already recorded", http.StatusConflict)
	ErrBrokerUnavailable = NewError("broker_unavailable", "message broker unavailable", http.StatusServiceUnavailable)
	ErrStoreUnavailable  = NewError("store_unavailable", "event store unavailable", http.StatusServiceUnavailable)
	ErrBackpressure      = NewError("backpressure_reject", "publish rejected under backpressure", http.StatusTooManyRequests)

	ErrRateLimit         = NewError("rate_limit", "upstream rate limit hit", http.StatusTooManyRequests)
	ErrTransientIO       = NewError("transient_io", "transient I/O failure", http.StatusServiceUnavailable)
	ErrHandlerTimeout    = NewError("handler_timeout", "handler exceeded its deadline", http.StatusRequestTimeout)
	ErrPermanentUpstream = NewError("permanent_upstream", "permanent upstream failure", http.StatusBadGateway)
	ErrUnknown           = NewError("unknown", "unclassified failure", http.StatusInternalServerError)

	ErrPoison   = NewError("poison", "message quarantined as poison", http.StatusUnprocessableEntity)
	ErrNotFound = NewError("not_found", "resource not found", http.StatusNotFound)
	ErrInternal = NewError("internal", "internal error", http.StatusInternalServerError)
)

// nonRetriable kinds never re-enter the queue.
var nonRetriable = map[string]bool{
	ErrValidation.Code:        true,
	ErrUnsupportedSchema.Code: true,
	ErrPermanentUpstream.Code: true,
	ErrPoison.Code:            true,
	ErrNotFound.Code:          true,
}

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return !nonRetriable[e.Code]
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return nonRetriable[e.Code]
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	if err.Details == nil {
		err.Details = make(map[string]interface{})
	} else {
		details := make(map[string]interface{}, len(err.Details)+1)
		for k, v := range err.Details {
			details[k] = v
		}
		err.Details = details
	}
	err.Details[key] = value
	return &err
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	err := *e
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

// Kind returns the taxonomy code for any error, mapping foreign errors
// to "unknown".
func Kind(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown.Code
}

func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

func IsValidation(err error) bool { return Is(err, ErrValidation) }
func IsDuplicate(err error) bool  { return Is(err, ErrDuplicate) }
func IsNotFound(err error) bool   { return Is(err, ErrNotFound) }

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
