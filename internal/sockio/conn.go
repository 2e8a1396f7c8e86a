/*
Package sockio owns the raw non-blocking sockets used by the rest of the system. Every socket is
created with SOCK_NONBLOCK from the outset so no operation can ever stall the caller's event loop:
reads and writes either transfer bytes or fail with EAGAIN, which callers detect via IsWouldBlock
and retry after the next readiness notification.

A Conn doubles as a net.Conn so the TLS layer can wrap it directly. The deadline methods are
inert - pacing is the job of the poller, not per-socket timers - and the would-block error
deliberately reports Timeout() == true so that crypto/tls treats it as a temporary condition on
established sessions instead of poisoning its record layer. Handshakes need more than that; see
Patient.
*/
package sockio

import (
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const me = "sockio"

// Conn is a connected, non-blocking IPv4 socket (TCP stream or UDP datagram). The zero value is
// not usable; create one with DialTCP4 or DialUDP4.
type Conn struct {
	fd      int
	network string // "tcp" or "udp", for error texts and addr results
	raddr   net.Addr
	closed  bool
}

// DialTCP4 starts a non-blocking TCP connect to addr:port. The returned Conn is almost certainly
// not connected yet - the connect proceeds in the background and completes (or fails) by the time
// the socket reports writable. Use PeerAddr to probe for completion.
func DialTCP4(addr net.IP, port uint16) (*Conn, error) {
	return dial4(unix.SOCK_STREAM, "tcp", addr, port)
}

// DialUDP4 creates a non-blocking UDP socket bound to an ephemeral local port and connected to
// addr:port so that plain Read/Write exchange datagrams with that single peer.
func DialUDP4(addr net.IP, port uint16) (*Conn, error) {
	return dial4(unix.SOCK_DGRAM, "udp", addr, port)
}

func dial4(sotype int, network string, addr net.IP, port uint16) (*Conn, error) {
	ip4 := addr.To4()
	if ip4 == nil {
		return nil, fmt.Errorf(me+": %s is not an IPv4 address", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &net.OpError{Op: "socket", Net: network, Err: err}
	}

	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], ip4)

	err = unix.Connect(fd, sa)
	if err != nil && !IsConnectInProgress(err) {
		unix.Close(fd)
		return nil, &net.OpError{Op: "connect", Net: network, Err: err}
	}

	return &Conn{
		fd:      fd,
		network: network,
		raddr:   makeAddr(network, append(net.IP{}, ip4...), int(port)),
	}, nil
}

// makeAddr builds the right net.Addr flavour for the socket type
func makeAddr(network string, ip net.IP, port int) net.Addr {
	if network == "udp" {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// FD returns the underlying descriptor for poller registration.
func (t *Conn) FD() int {
	return t.fd
}

// Read transfers available bytes into buf. A peer close surfaces as io.EOF, no pending data as a
// would-block error.
func (t *Conn) Read(buf []byte) (int, error) {
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		return 0, &net.OpError{Op: "read", Net: t.network, Addr: t.raddr, Err: err}
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write transfers bytes from buf. May write fewer bytes than supplied; a full send buffer
// surfaces as a would-block error with n reporting what was accepted.
func (t *Conn) Write(buf []byte) (int, error) {
	n, err := unix.Write(t.fd, buf)
	if err != nil {
		if n < 0 {
			n = 0
		}
		return n, &net.OpError{Op: "write", Net: t.network, Addr: t.raddr, Err: err}
	}
	return n, nil
}

// PeerAddr asks the kernel for the connected peer. While a TCP connect is still in flight this
// fails with ENOTCONN (see IsNotConnected) which is the readiness probe the engine relies on.
func (t *Conn) PeerAddr() (net.Addr, error) {
	sa, err := unix.Getpeername(t.fd)
	if err != nil {
		return nil, &net.OpError{Op: "getpeername", Net: t.network, Err: err}
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return makeAddr(t.network, append(net.IP{}, sa4.Addr[:]...), sa4.Port), nil
	}
	return t.raddr, nil
}

// Close releases the descriptor. Safe to call twice; the second call is a no-op.
func (t *Conn) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	err := unix.Close(t.fd)
	if err != nil {
		return &net.OpError{Op: "close", Net: t.network, Err: err}
	}
	return nil
}

// LocalAddr is part of net.Conn.
func (t *Conn) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(t.fd)
	if err != nil {
		return nil
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return makeAddr(t.network, append(net.IP{}, sa4.Addr[:]...), sa4.Port)
	}
	return nil
}

// RemoteAddr is part of net.Conn. It returns the dialled address without a syscall; use PeerAddr
// to find out whether the connection is actually established.
func (t *Conn) RemoteAddr() net.Addr {
	return t.raddr
}

// SetDeadline is part of net.Conn. Deadlines are managed by the engine via the poller, not by
// per-socket timers, so all three deadline methods accept and ignore their argument.
func (t *Conn) SetDeadline(_ time.Time) error {
	return nil
}

// SetReadDeadline is part of net.Conn.
func (t *Conn) SetReadDeadline(_ time.Time) error {
	return nil
}

// SetWriteDeadline is part of net.Conn.
func (t *Conn) SetWriteDeadline(_ time.Time) error {
	return nil
}
