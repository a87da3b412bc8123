// Package apierr defines the error taxonomy surfaced to gateway callers.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	Unauthorized      Code = "Unauthorized"
	InvalidArgument   Code = "InvalidArgument"
	NotFound          Code = "NotFound"
	Timeout           Code = "Timeout"
	Cancelled         Code = "Cancelled"
	AdapterFailure    Code = "AdapterFailure"
	ResourceExhausted Code = "ResourceExhausted"
)

// Error carries a public code and detail. Err holds the internal cause and is
// never rendered to callers.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, apierr.New(NotFound, ""))
// works as a code check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, detail string) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

// CodeOf classifies err. Context errors map to Timeout and Cancelled; anything
// not already coded is treated as an adapter failure.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return AdapterFailure
}

// From normalizes err into an *Error, keeping err as the hidden cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	code := CodeOf(err)
	detail := "inference engine failure"
	switch code {
	case Timeout:
		detail = "job exceeded its time limit"
	case Cancelled:
		detail = "job was cancelled"
	}
	return Wrap(code, err, detail)
}

func Status(code Code) int {
	switch code {
	case Unauthorized:
		return http.StatusUnauthorized
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	case ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Public renders err as the numeric code and human-readable detail shown to
// callers. Internal causes are dropped.
func Public(err error) (int, string) {
	e := From(err)
	if e == nil {
		return http.StatusOK, ""
	}
	return Status(e.Code), e.Detail
}
