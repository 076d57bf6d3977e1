// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
)

// Code classifies a failed call so the caller can react without
// parsing messages.
type Code string

const (
	CodeInternal       Code = "internal"
	CodeBadRequest     Code = "bad_request"
	CodeUnknownAction  Code = "unknown_action"
	CodeWrongNamespace Code = "wrong_namespace"
	CodeIO             Code = "io"
	CodeInvalidPath    Code = "invalid_path"
	CodeNotFound       Code = "not_found"
	CodeAlreadyExists  Code = "already_exists"
	CodeNotImplemented Code = "not_implemented"
	CodeUnsupported    Code = "unsupported"
	CodeForbidden      Code = "forbidden"
	CodeQuotaExceeded  Code = "quota_exceeded"
	CodeInvalidState   Code = "invalid_state"
	CodeNotBound       Code = "not_bound"
)

// Error is a failure reported by the remote side. Handlers return one
// (via Errorf or WithCode) to choose the code; any other error is
// reported as CodeInternal.
type Error struct {
	Action  string
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote %q failed (%s): %s", e.Action, e.Code, e.Message)
}

// Errorf returns an *Error with the given code.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCode tags err with code for transmission. Nil stays nil.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// CodeOf returns the code a server would send for err.
func CodeOf(err error) Code {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	var remoteError *Error
	if errors.As(err, &remoteError) {
		return remoteError.Code
	}
	return CodeInternal
}

// HasCode reports whether err is a remote failure carrying code.
func HasCode(err error, code Code) bool {
	var remoteError *Error
	return errors.As(err, &remoteError) && remoteError.Code == code
}

// TransportError means the call never produced a response: the
// endpoint could not be dialed, or the connection failed mid-call.
// Callers treat it as "peer unreachable" and may retry.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a *TransportError.
func IsTransport(err error) bool {
	var transportError *TransportError
	return errors.As(err, &transportError)
}
