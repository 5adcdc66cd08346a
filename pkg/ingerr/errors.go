package ingerr

import (
	"errors"
	"fmt"
)

// RetryableTransportError wraps a network- or HTTP-layer transient failure
// (5xx, 429, connect timeout, reset). Callers retry it locally up to a
// budget; once the budget is exhausted it surfaces as a terminal error.
type RetryableTransportError struct {
	Op  string
	URL string
	Err error
}

func (e *RetryableTransportError) Error() string {
	return fmt.Sprintf("%s %s: retryable transport error: %v", e.Op, e.URL, e.Err)
}

func (e *RetryableTransportError) Unwrap() error { return e.Err }

// RetryableApplicationError wraps a server-reported failure where
// error_ext.retry_allowed was true, or a contribution poll in one of the
// *_FAILED states with retry_allowed=true.
type RetryableApplicationError struct {
	Op           string
	RetryAllowed bool
	Err          error
}

func (e *RetryableApplicationError) Error() string {
	return fmt.Sprintf("%s: retryable application error (retry_allowed=%v): %v", e.Op, e.RetryAllowed, e.Err)
}

func (e *RetryableApplicationError) Unwrap() error { return e.Err }

// FatalApplicationError wraps success=false without retry_allowed, a
// CANCELLED contribution, or an unmanaged contribution state. It aborts the
// current transaction and propagates out of the worker.
type FatalApplicationError struct {
	Op          string
	ServerError string
	SystemError string
	HTTPError   string
}

func (e *FatalApplicationError) Error() string {
	return fmt.Sprintf("%s: fatal application error: error=%q system_error=%q http_error=%q",
		e.Op, e.ServerError, e.SystemError, e.HTTPError)
}

// ConfigError signals a version mismatch, a missing JSON field, an
// unsupported URL scheme, or a sanity-check failure. Callers abort the
// process immediately on this error.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// IsRetryableTransport reports whether err is, or wraps, a RetryableTransportError.
func IsRetryableTransport(err error) bool {
	var e *RetryableTransportError
	return errors.As(err, &e)
}

// IsRetryableApplication reports whether err is, or wraps, a RetryableApplicationError.
func IsRetryableApplication(err error) bool {
	var e *RetryableApplicationError
	return errors.As(err, &e)
}

// IsFatalApplication reports whether err is, or wraps, a FatalApplicationError.
func IsFatalApplication(err error) bool {
	var e *FatalApplicationError
	return errors.As(err, &e)
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}
