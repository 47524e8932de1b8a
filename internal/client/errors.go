package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"munin/internal/identity"
	"munin/internal/proto"
	"munin/internal/transport"
)

// Kind classifies why an exchange with one target failed.
type Kind uint8

const (
	KindResolve Kind = iota + 1
	KindConnect
	KindUnauthorized
	KindDecode
	KindTimeout
	KindRemoteClosed
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindConnect:
		return "connect"
	case KindUnauthorized:
		return "unauthorized"
	case KindDecode:
		return "decode"
	case KindTimeout:
		return "timeout"
	case KindRemoteClosed:
		return "remote_closed"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the failure of one target. It never describes an action that
// ran and failed remotely; that arrives as a Status response.
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err, or any error combined into it, is a
// rejection by the peer's allow list.
func IsUnauthorized(err error) bool {
	for _, one := range multierr.Errors(err) {
		var e *Error
		if errors.As(one, &e) && e.Kind == KindUnauthorized {
			return true
		}
	}
	return false
}

type stage uint8

const (
	stageConnect stage = iota
	stageExchange
)

// classify derives the kind from the close code carried by the transport,
// falling back to the stage the failure happened in.
func classify(ctx context.Context, target string, st stage, err error) *Error {
	kind := KindIO
	var decErr *proto.DecodeError
	if ce, ok := transport.AsClosed(err); ok {
		switch {
		case ce.Code == proto.CodeUnauthorized && ce.Remote:
			kind = KindUnauthorized
		case ce.Code == proto.CodeTimeout:
			kind = KindTimeout
		case ce.Code == proto.CodeDecodeFailed:
			kind = KindDecode
		case ce.Remote:
			kind = KindRemoteClosed
		}
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else if errors.As(err, &decErr) {
		kind = KindDecode
	} else if st == stageConnect {
		kind = KindConnect
	}
	return &Error{Kind: kind, Target: target, Err: err}
}

// Hint returns operator guidance for err, or "" when there is none. self
// is the caller's own node id.
func Hint(err error, self identity.NodeID) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	switch e.Kind {
	case KindUnauthorized:
		return fmt.Sprintf("The remote node rejected the connection.\nYou need to add %s to its allowed nodes:\n  munind allow-remote %s", self, self)
	case KindConnect:
		if errors.Is(e.Err, transport.ErrNoAddress) {
			return "No address is known for this node. Add it with a ticket:\n  munin nodes add <name> <ticket>"
		}
	}
	return ""
}
