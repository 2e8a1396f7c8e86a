package sockio

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Patient wraps a Conn so that, while patience is switched on, Read and Write wait (bounded by
// the patience budget) for the socket to become ready instead of failing with would-block.
//
// It exists for exactly one consumer: the TLS handshake. crypto/tls latches any handshake error
// - a would-block included - and the session is dead from then on, so the handshake must be able
// to see a transport that simply does not would-block. Once the handshake is over the session
// owner calls SetImpatient and every call degrades to the plain non-blocking behaviour the
// engine's pump expects.
type Patient struct {
	conn      *Conn
	patience  time.Duration
	impatient bool
}

// NewPatient wraps conn with the supplied per-call patience budget.
func NewPatient(conn *Conn, patience time.Duration) *Patient {
	return &Patient{conn: conn, patience: patience}
}

// SetImpatient switches the wrapper to pure pass-through. There is no way back.
func (t *Patient) SetImpatient() {
	t.impatient = true
}

// awaitReady blocks until the socket reports the wanted readiness or the deadline passes.
// Returns false on timeout.
func (t *Patient) awaitReady(events int16, deadline time.Time) bool {
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		fds := []unix.PollFd{{Fd: int32(t.conn.FD()), Events: events}}
		n, err := unix.Poll(fds, int(left/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		return err == nil && n > 0
	}
}

// Read is Conn.Read, waiting out would-blocks while patient.
func (t *Patient) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(t.patience)
	for {
		n, err := t.conn.Read(buf)
		if err == nil || t.impatient || !IsWouldBlock(err) {
			return n, err
		}
		if !t.awaitReady(unix.POLLIN, deadline) {
			return n, err // Patience ran out; hand back the would-block
		}
	}
}

// Write is Conn.Write, waiting out would-blocks while patient.
func (t *Patient) Write(buf []byte) (int, error) {
	deadline := time.Now().Add(t.patience)
	total := 0
	for {
		n, err := t.conn.Write(buf[total:])
		total += n
		if err == nil {
			if total >= len(buf) {
				return total, nil
			}
			continue // Short write; try the rest immediately
		}
		if t.impatient || !IsWouldBlock(err) {
			return total, err
		}
		if !t.awaitReady(unix.POLLOUT, deadline) {
			return total, err
		}
	}
}

// Close is part of net.Conn.
func (t *Patient) Close() error {
	return t.conn.Close()
}

// LocalAddr is part of net.Conn.
func (t *Patient) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr is part of net.Conn.
func (t *Patient) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// SetDeadline is part of net.Conn; inert, as on Conn.
func (t *Patient) SetDeadline(_ time.Time) error {
	return nil
}

// SetReadDeadline is part of net.Conn.
func (t *Patient) SetReadDeadline(_ time.Time) error {
	return nil
}

// SetWriteDeadline is part of net.Conn.
func (t *Patient) SetWriteDeadline(_ time.Time) error {
	return nil
}
