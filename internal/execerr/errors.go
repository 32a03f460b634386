// Package execerr defines the error taxonomy shared by the exec pipeline.
// Errors that cross the RPC boundary carry a Kind, which doubles as the wire
// error code.
package execerr

import (
	"errors"
	"fmt"
)

// Kind classifies an exec pipeline failure.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuthorization    Kind = "authorization"
	KindApprovalTimeout  Kind = "approval_timeout"
	KindApprovalRejected Kind = "approval_rejected"
	KindHostUnavailable  Kind = "host_unavailable"
	KindSpawn            Kind = "spawn_failed"
	KindTimeout          Kind = "timeout"
	KindAborted          Kind = "aborted"
	KindNotFound         Kind = "not_found"
	KindDenied           Kind = "denied"
	KindInternal         Kind = "internal"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAuthorization    = &Error{Kind: KindAuthorization}
	ErrApprovalTimeout  = &Error{Kind: KindApprovalTimeout}
	ErrApprovalRejected = &Error{Kind: KindApprovalRejected}
	ErrHostUnavailable  = &Error{Kind: KindHostUnavailable}
	ErrSpawn            = &Error{Kind: KindSpawn}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrAborted          = &Error{Kind: KindAborted}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrDenied           = &Error{Kind: KindDenied}
)

// Error is a classified exec error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. A sentinel with no
// message matches every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// Code returns the wire error code.
func (e *Error) Code() string { return string(e.Kind) }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The message may be empty.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation, Authorization and friends are shorthands for New.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return New(KindAuthorization, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func HostUnavailable(format string, args ...any) *Error {
	return New(KindHostUnavailable, format, args...)
}

// KindOf returns the kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the message clients see for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}
