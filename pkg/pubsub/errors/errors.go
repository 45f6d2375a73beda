// Package errors defines the OPC-UA status-code taxonomy used across the
// pubsub packages, layered on pkg/errors.AppError.
package errors

import "github.com/open62541-go/pubsub-core/pkg/errors"

// Re-exported codes so callers only need to import this package, not the
// ambient pkg/errors, when constructing pubsub-domain failures.
const (
	CodeInvalidArgument        = errors.CodeInvalidArgument
	CodeOutOfMemory            = errors.CodeOutOfMemory
	CodeCommunicationError     = errors.CodeCommunicationError
	CodeConnectionClosed       = errors.CodeConnectionClosed
	CodeEncodingError          = errors.CodeEncodingError
	CodeDecodingError          = errors.CodeDecodingError
	CodeSecurityChecksFailed   = errors.CodeSecurityChecksFailed
	CodeSecurityModeInsuff     = errors.CodeSecurityModeInsuff
	CodeUserAccessDenied       = errors.CodeUserAccessDenied
	CodeNotFound               = errors.CodeNotFound
	CodeNotImplemented         = errors.CodeNotImplemented
	CodeSecurityPolicyRejected = errors.CodeSecurityPolicyRejected
	CodeNodeIdExists           = errors.CodeNodeIdExists
	CodeInternalError          = errors.CodeInternalError
)

func ErrInvalidArgument(msg string, cause error) *errors.AppError {
	return errors.New(CodeInvalidArgument, msg, cause)
}

func ErrOutOfMemory(msg string, cause error) *errors.AppError {
	return errors.New(CodeOutOfMemory, msg, cause)
}

func ErrCommunicationError(msg string, cause error) *errors.AppError {
	return errors.New(CodeCommunicationError, msg, cause)
}

func ErrConnectionClosed(msg string) *errors.AppError {
	return errors.New(CodeConnectionClosed, msg, nil)
}

func ErrEncodingError(msg string, cause error) *errors.AppError {
	return errors.New(CodeEncodingError, msg, cause)
}

func ErrDecodingError(msg string, cause error) *errors.AppError {
	return errors.New(CodeDecodingError, msg, cause)
}

func ErrSecurityChecksFailed(msg string) *errors.AppError {
	return errors.New(CodeSecurityChecksFailed, msg, nil)
}

func ErrSecurityModeInsufficient(msg string) *errors.AppError {
	return errors.New(CodeSecurityModeInsuff, msg, nil)
}

func ErrUserAccessDenied(msg string) *errors.AppError {
	return errors.New(CodeUserAccessDenied, msg, nil)
}

func ErrNotFound(msg string) *errors.AppError {
	return errors.New(CodeNotFound, msg, nil)
}

func ErrNotImplemented(msg string) *errors.AppError {
	return errors.New(CodeNotImplemented, msg, nil)
}

func ErrSecurityPolicyRejected(msg string) *errors.AppError {
	return errors.New(CodeSecurityPolicyRejected, msg, nil)
}

func ErrNodeIdExists(msg string) *errors.AppError {
	return errors.New(CodeNodeIdExists, msg, nil)
}

func ErrInternalError(cause error) *errors.AppError {
	return errors.New(CodeInternalError, "internal error", cause)
}

// Is reports whether err carries the given pubsub error code.
func Is(err error, code errors.Code) bool {
	return errors.Is(err, code)
}
