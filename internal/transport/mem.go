package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"munin/internal/identity"
	"munin/internal/proto"
)

// MemNetwork is an in-process transport. Identities are taken as given, so
// it is meant for tests and local wiring, not for untrusted peers.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemListener
	ports     atomic.Uint32
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*MemListener)}
}

// Listen registers a listener for id at addr.
func (n *MemNetwork) Listen(addr string, id identity.NodeID) (*MemListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("mem listen %s: address in use", addr)
	}
	l := &MemListener{
		net:      n,
		addr:     memAddr(addr),
		id:       id,
		incoming: make(chan *memConn),
		done:     make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dialer returns a dialer presenting identity self from host.
func (n *MemNetwork) Dialer(self identity.NodeID, host string) Dialer {
	if host == "" {
		host = "127.0.0.1"
	}
	return &memDialer{net: n, self: self, host: host}
}

func (n *MemNetwork) lookup(addr string) *MemListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[addr]
}

func (n *MemNetwork) remove(addr string) {
	n.mu.Lock()
	delete(n.listeners, addr)
	n.mu.Unlock()
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type MemListener struct {
	net      *MemNetwork
	addr     memAddr
	id       identity.NodeID
	incoming chan *memConn
	done     chan struct{}
	once     sync.Once
}

func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Addr() net.Addr {
	return l.addr
}

func (l *MemListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.remove(string(l.addr))
	})
	return nil
}

var errConnRefused = errors.New("connection refused")

type memDialer struct {
	net  *MemNetwork
	self identity.NodeID
	host string
}

func (d *memDialer) Connect(ctx context.Context, id identity.NodeID, addrs []string) (Conn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, id.ShortString())
	}
	var lastErr error
	for _, addr := range addrs {
		l := d.net.lookup(addr)
		if l == nil {
			lastErr = fmt.Errorf("dial %s: %w", addr, errConnRefused)
			continue
		}
		if l.id != id {
			lastErr = fmt.Errorf("dial %s: %w", addr, identity.ErrUnexpectedIdentity)
			continue
		}
		port := d.net.ports.Add(1)
		client, server := newMemPair(d.self, id, l.addr, memAddr(net.JoinHostPort(d.host, strconv.Itoa(int(port)))))
		select {
		case l.incoming <- server:
			return client, nil
		case <-l.done:
			lastErr = fmt.Errorf("dial %s: %w", addr, errConnRefused)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

const (
	sideClient = 0
	sideServer = 1
)

// memLink is the state shared by both ends of a connection.
type memLink struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	code   proto.CloseCode
	reason string
	closer int
	pipes  []memPipe
}

type memPipe struct {
	r          *io.PipeReader
	w          *io.PipeWriter
	writerSide int
}

func (l *memLink) errFor(side int) error {
	return &ClosedError{Code: l.code, Reason: l.reason, Remote: side != l.closer}
}

func (l *memLink) close(side int, code proto.CloseCode, reason string) {
	l.once.Do(func() {
		l.mu.Lock()
		l.code, l.reason, l.closer = code, reason, side
		pipes := l.pipes
		l.pipes = nil
		l.mu.Unlock()
		// Only writers are closed: a reader then drains to the close error,
		// or to EOF when its peer already finished writing.
		for _, p := range pipes {
			_ = p.w.CloseWithError(l.errFor(1 - p.writerSide))
		}
		close(l.done)
	})
}

func (l *memLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *memLink) newPipe(writerSide int) (*io.PipeReader, *io.PipeWriter, bool) {
	r, w := io.Pipe()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed() {
		return nil, nil, false
	}
	l.pipes = append(l.pipes, memPipe{r: r, w: w, writerSide: writerSide})
	return r, w, true
}

type memConn struct {
	link    *memLink
	side    int
	remote  identity.NodeID
	addr    net.Addr
	streams chan *memStream
	peer    *memConn
}

func newMemPair(clientID, serverID identity.NodeID, serverAddr, clientAddr net.Addr) (*memConn, *memConn) {
	link := &memLink{done: make(chan struct{})}
	client := &memConn{link: link, side: sideClient, remote: serverID, addr: serverAddr, streams: make(chan *memStream, 16)}
	server := &memConn{link: link, side: sideServer, remote: clientID, addr: clientAddr, streams: make(chan *memStream, 16)}
	client.peer, server.peer = server, client
	return client, server
}

func (c *memConn) RemoteID() identity.NodeID {
	return c.remote
}

func (c *memConn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *memConn) AcceptStream(ctx context.Context) (Stream, error) {
	if c.link.closed() {
		return nil, c.link.errFor(c.side)
	}
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.link.done:
		return nil, c.link.errFor(c.side)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) OpenStream(ctx context.Context) (Stream, error) {
	outR, outW, ok := c.link.newPipe(c.side)
	if !ok {
		return nil, c.link.errFor(c.side)
	}
	inR, inW, ok := c.link.newPipe(c.peer.side)
	if !ok {
		return nil, c.link.errFor(c.side)
	}
	local := &memStream{r: inR, w: outW, link: c.link, side: c.side}
	remote := &memStream{r: outR, w: inW, link: c.link, side: c.peer.side}
	select {
	case c.peer.streams <- remote:
		return local, nil
	case <-c.link.done:
		return nil, c.link.errFor(c.side)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close(code proto.CloseCode, reason string) error {
	c.link.close(c.side, code, reason)
	return nil
}

func (c *memConn) Done() <-chan struct{} {
	return c.link.done
}

type memStream struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	link *memLink
	side int
}

func (s *memStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	return n, s.closeErr(err)
}

func (s *memStream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	return n, s.closeErr(err)
}

// closeErr reports a pipe torn down by a connection close as that close.
func (s *memStream) closeErr(err error) error {
	if errors.Is(err, io.ErrClosedPipe) && s.link.closed() {
		return s.link.errFor(s.side)
	}
	return err
}

func (s *memStream) CloseWrite() error {
	return s.w.Close()
}
