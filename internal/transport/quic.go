package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"munin/internal/identity"
	"munin/internal/proto"
)

const (
	defaultHandshakeIdleTimeout = 5 * time.Second
	defaultMaxIdleTimeout       = 30 * time.Second
	defaultKeepAlivePeriod      = 10 * time.Second

	serverName = "munin"
)

type QUICConfig struct {
	Secret               identity.SecretKey
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
}

func (c QUICConfig) quicConfig() *quic.Config {
	conf := &quic.Config{
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
	}
	if conf.HandshakeIdleTimeout <= 0 {
		conf.HandshakeIdleTimeout = defaultHandshakeIdleTimeout
	}
	if conf.MaxIdleTimeout <= 0 {
		conf.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if conf.KeepAlivePeriod <= 0 {
		conf.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	return conf
}

func serverTLSConfig(secret identity.SecretKey) (*tls.Config, error) {
	cert, err := identity.Certificate(secret)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{proto.ALPN},
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: identity.VerifyAny,
	}, nil
}

// clientTLSConfig pins the expected node. Chain verification is replaced by
// the identity check: certificates are self-signed by the node key.
func clientTLSConfig(secret identity.SecretKey, expected identity.NodeID) (*tls.Config, error) {
	cert, err := identity.Certificate(secret)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{proto.ALPN},
		MinVersion:            tls.VersionTLS13,
		ServerName:            serverName,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: identity.VerifyExpected(expected),
	}, nil
}

type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds a UDP address and accepts connections whose peers prove
// an identity certificate.
func ListenQUIC(addr string, cfg QUICConfig) (*QUICListener, error) {
	if cfg.Secret.IsZero() {
		return nil, errors.New("listen: missing secret key")
	}
	tlsConf, err := serverTLSConfig(cfg.Secret)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	for {
		c, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, ErrListenerClosed
			}
			return nil, err
		}
		certs := c.ConnectionState().TLS.PeerCertificates
		if len(certs) == 0 {
			_ = c.CloseWithError(quic.ApplicationErrorCode(proto.CodeUnauthorized), "missing identity")
			continue
		}
		id, err := identity.PeerIDFromCertificate(certs[0])
		if err != nil {
			_ = c.CloseWithError(quic.ApplicationErrorCode(proto.CodeUnauthorized), "invalid identity")
			continue
		}
		return &quicConn{c: c, remote: id}, nil
	}
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}

type QUICDialer struct {
	cfg QUICConfig
}

func NewQUICDialer(cfg QUICConfig) *QUICDialer {
	return &QUICDialer{cfg: cfg}
}

// Connect dials the address hints in order and returns the first
// connection whose peer proves identity id.
func (d *QUICDialer) Connect(ctx context.Context, id identity.NodeID, addrs []string) (Conn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, id.ShortString())
	}
	tlsConf, err := clientTLSConfig(d.cfg.Secret, id)
	if err != nil {
		return nil, err
	}
	var errs error
	for _, addr := range addrs {
		c, err := quic.DialAddr(ctx, addr, tlsConf, d.cfg.quicConfig())
		if err == nil {
			return &quicConn{c: c, remote: id}, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("dial %s: %w", addr, classify(err)))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs
}

type quicConn struct {
	c         *quic.Conn
	remote    identity.NodeID
	closeOnce sync.Once
	closeErr  error
}

func (c *quicConn) RemoteID() identity.NodeID {
	return c.remote
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.c.AcceptStream(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &quicStream{s: s}, nil
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &quicStream{s: s}, nil
}

func (c *quicConn) Close(code proto.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.c.CloseWithError(quic.ApplicationErrorCode(code), reason)
	})
	return c.closeErr
}

func (c *quicConn) Done() <-chan struct{} {
	return c.c.Context().Done()
}

type quicStream struct {
	s *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.s.Read(p)
	return n, classify(err)
}

func (s *quicStream) Write(p []byte) (int, error) {
	n, err := s.s.Write(p)
	return n, classify(err)
}

// CloseWrite sends FIN; closing a quic stream only affects the send side.
func (s *quicStream) CloseWrite() error {
	return s.s.Close()
}

// classify turns quic application closes into ClosedError and leaves every
// other error (including io.EOF) untouched.
func classify(err error) error {
	var appErr *quic.ApplicationError
	if err != nil && errors.As(err, &appErr) {
		return &ClosedError{
			Code:   proto.CloseCode(appErr.ErrorCode),
			Reason: appErr.ErrorMessage,
			Remote: appErr.Remote,
		}
	}
	return err
}
