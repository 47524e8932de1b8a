package proto

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated       = errors.New("truncated message")
	ErrUnknownVariant  = errors.New("unknown variant")
	ErrMissingField    = errors.New("missing field")
	ErrUnexpectedField = errors.New("unexpected field")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// DecodeError is returned for any malformed or oversized payload.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(what string, err error) error {
	return &DecodeError{What: what, Err: err}
}

// ErrorKind classifies why an action failed on the remote host.
type ErrorKind uint8

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindNotFound
	ErrKindPermissionDenied
	ErrKindNotImplemented
	ErrKindUnavailable
	ErrKindInvalidArgument
	ErrKindTimeout
	errKindLimit
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindNotImplemented:
		return "not_implemented"
	case ErrKindUnavailable:
		return "unavailable"
	case ErrKindInvalidArgument:
		return "invalid_argument"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// OperationError is the structured failure of an action, carried inside a
// Status response.
type OperationError struct {
	Kind    ErrorKind
	Message string
}

func NewOperationError(kind ErrorKind, format string, args ...any) *OperationError {
	return &OperationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// CloseCode is the application reason a connection was closed with.
type CloseCode uint64

const (
	CodeOK CloseCode = iota
	CodeUnauthorized
	CodeDecodeFailed
	CodeTimeout
	CodeInternal
	CodeRateLimited
)

func (c CloseCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeDecodeFailed:
		return "decode_failed"
	case CodeTimeout:
		return "timeout"
	case CodeInternal:
		return "internal"
	case CodeRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("close_code(%d)", uint64(c))
	}
}
