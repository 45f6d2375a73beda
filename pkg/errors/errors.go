package errors

import (
	"errors"
	"fmt"
)

// Code is a standardized error classification. The PubSub domain packages
// use the OPC-UA Bad* status identifiers directly as codes so that codec and
// protocol layers can map an AppError straight onto the wire StatusCode
// without an intermediate translation table.
type Code string

const (
	CodeInvalidArgument        Code = "BadInvalidArgument"
	CodeOutOfMemory            Code = "BadOutOfMemory"
	CodeCommunicationError     Code = "BadCommunicationError"
	CodeConnectionClosed       Code = "BadConnectionClosed"
	CodeEncodingError          Code = "BadEncodingError"
	CodeDecodingError          Code = "BadDecodingError"
	CodeSecurityChecksFailed   Code = "BadSecurityChecksFailed"
	CodeSecurityModeInsuff     Code = "BadSecurityModeInsufficient"
	CodeUserAccessDenied       Code = "BadUserAccessDenied"
	CodeNotFound               Code = "BadNotFound"
	CodeNotImplemented         Code = "BadNotImplemented"
	CodeSecurityPolicyRejected Code = "BadSecurityPolicyRejected"
	CodeNodeIdExists           Code = "BadNodeIdExists"
	CodeInternalError          Code = "BadInternalError"
	CodeUnavailable            Code = "BadUnavailable"
)

// AppError is the structured error type used across the module. It carries a
// stable Code that callers can switch on, a human-readable Message, and an
// optional wrapped cause.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New builds an AppError with the given code, message, and optional cause.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap attaches message context to err while preserving its code when err is
// itself an *AppError; otherwise it classifies err as CodeInternalError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Cause: ae.Cause}
	}
	return &AppError{Code: CodeInternalError, Message: message, Cause: err}
}

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// CodeOf extracts the Code from err, returning CodeInternalError for errors
// that are not an *AppError.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternalError
}
