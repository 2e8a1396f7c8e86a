package pollyhttp

import (
	"io"
	"net"

	"github.com/markdingo/pollyhttp/internal/sockio"
	"github.com/markdingo/pollyhttp/internal/tlsutil"
)

// TLSSession is the narrow view of a TLS implementation the engine drives. The default factory
// hands out tlsutil sessions built on crypto/tls; any implementation works provided (a) Read and
// Write after a successful Handshake are non-blocking with would-block surfacing as a retryable
// (Timeout() == true) error and (b) Handshake eventually returns nil or a permanent error.
type TLSSession interface {
	io.Reader
	io.Writer

	// Handshake makes handshake progress. Called once per pump for every live TLS connection,
	// also after the handshake has completed; a would-block return skips the connection for
	// that pump and a nil return means established.
	Handshake() error
}

// TLSFactory creates a client session over transport, verifying and SNI-ing serverName. The
// engine calls it once per secure connection, after the TCP stream exists but before any byte
// moves.
type TLSFactory func(transport net.Conn, serverName string) TLSSession

// conn is the engine's transport: a non-blocking TCP stream, optionally wrapped in a TLS
// session. Exactly one request record owns each conn; it is deregistered and closed on that
// record's terminal transition. Adding a transport means adding a branch to the handful of
// methods below, nothing more.
type conn struct {
	sock *sockio.Conn
	tls  TLSSession // nil for a plain connection
}

// newConn opens the TCP stream to addr on the mode's well-known port and, for a secure request,
// wraps it via the factory. The connect is in flight when this returns.
func (t *Client) newConn(addr net.IP, secure bool, serverName string) (*conn, error) {
	port := t.config.HTTPPort
	if secure {
		port = t.config.HTTPSPort
	}

	sock, err := sockio.DialTCP4(addr, port)
	if err != nil {
		return nil, err
	}

	c := &conn{sock: sock}
	if secure {
		factory, err := t.tlsFactory()
		if err != nil {
			sock.Close()
			return nil, err
		}
		c.tls = factory(sock, serverName)
	}

	return c, nil
}

func (t *conn) fd() int {
	return t.sock.FD()
}

// peerAddr probes whether the TCP handshake has completed; see sockio.IsNotConnected.
func (t *conn) peerAddr() (net.Addr, error) {
	return t.sock.PeerAddr()
}

func (t *conn) read(buf []byte) (int, error) {
	if t.tls != nil {
		return t.tls.Read(buf)
	}
	return t.sock.Read(buf)
}

func (t *conn) write(buf []byte) (int, error) {
	if t.tls != nil {
		return t.tls.Write(buf)
	}
	return t.sock.Write(buf)
}

// completeIO gives a TLS session a chance to advance its handshake. pending means the handshake
// wants more readiness before anything else can usefully happen on this connection.
func (t *conn) completeIO() (pending bool, err error) {
	if t.tls == nil {
		return false, nil
	}

	err = t.tls.Handshake()
	if err == nil {
		return false, nil
	}
	if sockio.IsWouldBlock(err) || sockio.IsNotConnected(err) {
		return true, nil
	}

	return false, err
}

func (t *conn) close() error {
	return t.sock.Close()
}

// defaultTLSFactory wires tlsutil's client config into a TLSFactory. Built lazily so plain-only
// workloads never touch the system root store.
func defaultTLSFactory() (TLSFactory, error) {
	cfg, err := tlsutil.NewClientTLSConfig(true, nil, "", "")
	if err != nil {
		return nil, err
	}

	return func(transport net.Conn, serverName string) TLSSession {
		return tlsutil.ClientSession(cfg, transport, serverName)
	}, nil
}
