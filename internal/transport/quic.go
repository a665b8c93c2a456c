package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	AddrLADDR = ":0"
	ProtoID   = "aerorelay/1"
)

// Application error codes used when closing a QUIC connection.
const (
	codeNormal   quic.ApplicationErrorCode = 0
	codeRejected quic.ApplicationErrorCode = 1
)

func quicConfig(keepAlive time.Duration) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       5 * time.Minute,
		KeepAlivePeriod:      keepAlive,
		HandshakeIdleTimeout: 10 * time.Second,
	}
}

// Conn is a Link over one bidirectional QUIC stream.
type Conn struct {
	Stream quic.Stream
	Conn   quic.Connection
}

// NewConn wraps a QUIC stream and its connection.
func NewConn(stream quic.Stream, conn quic.Connection) *Conn {
	return &Conn{Stream: stream, Conn: conn}
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	if c.Conn != nil {
		return c.Conn.RemoteAddr().String()
	}
	return "unknown"
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	return n, peerError(err)
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Stream.Write(p)
	return n, peerError(err)
}

// Close closes the stream and the connection.
func (c *Conn) Close() error {
	err := c.Stream.Close()
	if c.Conn != nil {
		c.Conn.CloseWithError(codeNormal, "")
	}
	return err
}

// Reject closes the connection with an application error the peer treats as
// final.
func (c *Conn) Reject(reason string) error {
	if c.Conn == nil {
		return c.Stream.Close()
	}
	return c.Conn.CloseWithError(codeRejected, reason)
}

// peerError maps a remote application close with a non-zero code to
// ErrPeerClosed so sessions stop reconnecting.
func peerError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode != codeNormal {
		return &peerClosedError{reason: appErr.ErrorMessage}
	}
	return err
}

// generateTLSConfig creates a self-signed cert. Peers authenticate proofs,
// not transport certificates.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Server runs a QUIC listener and hands each accepted stream to Handler.
type Server struct {
	Listener *quic.Listener
	Handler  func(*Conn)
}

// ListenQUIC starts a QUIC server on addr with handler set before accepting.
func ListenQUIC(ctx context.Context, addr string, keepAlive time.Duration, handler func(*Conn)) (*Server, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, quicConfig(keepAlive))
	if err != nil {
		return nil, err
	}
	s := &Server{Listener: listener, Handler: handler}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.Listener.Accept(ctx)
		if err != nil {
			// Accept only fails once the listener is closed or ctx is done.
			return
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				sess.CloseWithError(codeNormal, "")
				return
			}
			s.Handler(NewConn(stream, sess))
		}()
	}
}

// LocalAddr returns the address of the QUIC listener
func (s *Server) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.Listener.Close()
}

// QUICDialer opens links over QUIC. Certificate verification is skipped;
// peers are authenticated by the proofs they carry.
type QUICDialer struct {
	KeepAlive time.Duration
}

// Dial connects to addr and opens the session stream.
func (d QUICDialer) Dial(ctx context.Context, addr string) (Link, error) {
	return DialQUIC(ctx, addr, d.KeepAlive)
}

// DialQUIC connects to a QUIC server and opens one stream.
func DialQUIC(ctx context.Context, addr string, keepAlive time.Duration) (*Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, quicConfig(keepAlive))
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(codeNormal, "")
		return nil, err
	}
	return NewConn(stream, sess), nil
}
