package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind is the machine-distinguishable class of an engine error. The
// message is for humans; callers branch on the kind.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation_error"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindInternal   ErrorKind = "internal_error"
)

type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func ValidationError(format string, args ...any) error {
	return &AppError{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(format string, args ...any) error {
	return &AppError{Kind: ErrorKindNotFound, Message: fmt.Sprintf(format, args...)}
}

func ConflictError(format string, args ...any) error {
	return &AppError{Kind: ErrorKindConflict, Message: fmt.Sprintf(format, args...)}
}

// InternalError marks a violated invariant the engine itself should have
// guaranteed. These are logged loudly and surfaced as opaque failures.
func InternalError(err error, format string, args ...any) error {
	return &AppError{Kind: ErrorKindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies err. Unknown errors (driver failures, context
// cancellation) are internal: they were not caused by caller input.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ErrorKindInternal
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
