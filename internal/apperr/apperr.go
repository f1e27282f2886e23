// Package apperr carries machine-readable error codes from the core to the API boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable error code returned to callers.
type Code string

const (
	CodeInternal         Code = "INTERNAL"
	CodeInvalidLocation  Code = "INVALID_LOCATION"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeDuplicateRequest Code = "DUPLICATE_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnavailable      Code = "UNAVAILABLE"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidLocation(lat, lon float64) *Error {
	return New(CodeInvalidLocation, "coordinates out of range: lat=%v lon=%v", lat, lon)
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, format, args...)
}

func DuplicateRequest(requesterID, pendingID string) *Error {
	return New(CodeDuplicateRequest, "requester %s already has pending search %s", requesterID, pendingID)
}

func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %s not found", kind, id)
}

// CodeOf extracts the code from err. Errors that are not *Error map to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
