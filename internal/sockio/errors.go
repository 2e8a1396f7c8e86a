package sockio

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// IsWouldBlock returns true if err means a non-blocking operation found no data or buffer
// space and should be retried after the next readiness event. Never an error condition.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsNotConnected returns true if err means the socket's TCP handshake has not completed
// yet. Benign while a connect is in flight - the caller waits for the next event.
func IsNotConnected(err error) bool {
	return errors.Is(err, unix.ENOTCONN)
}

// IsConnectInProgress returns true for the errno family a non-blocking connect() legitimately
// returns while the handshake proceeds in the background.
func IsConnectInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) || errors.Is(err, unix.EINTR)
}

// IsClosed returns true if err indicates the peer finished sending. Reads map a zero-length
// result onto io.EOF so both the TLS layer and our own drain loops see a single signal. A TLS
// peer that slams the connection without a close_notify surfaces as io.ErrUnexpectedEOF, which
// for framing purposes is the same thing: the stream is over.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
