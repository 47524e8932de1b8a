// Package transport carries one request and one response between two
// identified nodes. The core packages only see the interfaces declared
// here; the QUIC implementation lives alongside them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"munin/internal/identity"
	"munin/internal/proto"
)

// Stream is one bidirectional byte stream inside a connection.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite signals end of data to the peer. Reads stay open.
	CloseWrite() error
}

// Conn is an authenticated connection. RemoteID is established by the
// transport handshake and cannot be asserted by the peer's payload.
type Conn interface {
	RemoteID() identity.NodeID
	RemoteAddr() net.Addr
	AcceptStream(ctx context.Context) (Stream, error)
	OpenStream(ctx context.Context) (Stream, error)
	// Close tears down the connection with a reason code. Only the first
	// call has an effect.
	Close(code proto.CloseCode, reason string) error
	// Done is closed once the connection is closed by either side.
	Done() <-chan struct{}
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type Dialer interface {
	Connect(ctx context.Context, id identity.NodeID, addrs []string) (Conn, error)
}

var (
	ErrNoAddress      = errors.New("no address known for node")
	ErrListenerClosed = errors.New("listener closed")
)

// ClosedError reports that the connection was closed with an application
// reason code, either by the peer (Remote) or locally.
type ClosedError struct {
	Code   proto.CloseCode
	Reason string
	Remote bool
}

func (e *ClosedError) Error() string {
	side := "locally"
	if e.Remote {
		side = "by peer"
	}
	if e.Reason == "" {
		return fmt.Sprintf("connection closed %s: %s", side, e.Code)
	}
	return fmt.Sprintf("connection closed %s: %s (%s)", side, e.Code, e.Reason)
}

// AsClosed extracts a ClosedError from err's chain.
func AsClosed(err error) (*ClosedError, bool) {
	var ce *ClosedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
