/*
Package poller is a thin wrapper around the Linux epoll readiness facility. The caller owns the
Poll: it registers sockets under opaque Tokens, blocks in Wait and hands the resulting Events to
whichever component registered them. Nothing in this package reads or writes sockets.

Registration is edge-triggered (EPOLLET). A readable event therefore means "new bytes arrived
since you last drained" and consumers must read until would-block before waiting again, and a
writable event fires once per transition to writable. Components that want another writable
notification after consuming one re-register their interest.

Typical usage:

    io, err := poller.New()
    ...
    err = io.Register(fd, poller.Token(7), poller.Readable|poller.Writable)
    ...
    events, err := io.Wait(100 * time.Millisecond)
    for _, ev := range events {
        if ev.Token() == poller.Token(7) && ev.IsReadable() { ... }
    }
*/
package poller

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Token is the caller-owned opaque value attached to a registration and returned on each Event
// for that source. Tokens are never interpreted; equality is all that matters.
type Token uint64

// Interest selects which readiness transitions generate events for a registration.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is one readiness notification.
type Event struct {
	token    Token
	readable bool
	writable bool
}

// Token returns the Token supplied at registration time.
func (t Event) Token() Token {
	return t.token
}

// IsReadable returns true if the source has bytes (or EOF, or an error condition) to read.
func (t Event) IsReadable() bool {
	return t.readable
}

// IsWritable returns true if the source transitioned to accepting writes.
func (t Event) IsWritable() bool {
	return t.writable
}

// Poll owns an epoll descriptor. Not safe for concurrent use - the design is one Poll per
// event-loop goroutine.
type Poll struct {
	epfd  int
	ebuf  []unix.EpollEvent
	evout []Event
}

// New creates a Poll with capacity for a reasonable batch of events per Wait.
func New() (*Poll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &net.OpError{Op: "epollcreate", Net: "poll", Err: err}
	}
	return &Poll{epfd: epfd, ebuf: make([]unix.EpollEvent, 64)}, nil
}

func epollEvent(token Token, interest Interest) unix.EpollEvent {
	var events uint32 = unix.EPOLLET
	if interest&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}

	// The epoll payload is a 64bit union which x/sys exposes as two int32 fields
	return unix.EpollEvent{Events: events, Fd: int32(token), Pad: int32(token >> 32)}
}

// Register adds fd under the given token and interest set.
func (t *Poll) Register(fd int, token Token, interest Interest) error {
	ev := epollEvent(token, interest)
	err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if err != nil {
		return &net.OpError{Op: "epollctl-add", Net: "poll", Err: err}
	}
	return nil
}

// Reregister replaces the token and interest set of an already registered fd. Also the way to
// rearm a writable notification under edge-triggering.
func (t *Poll) Reregister(fd int, token Token, interest Interest) error {
	ev := epollEvent(token, interest)
	err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err != nil {
		return &net.OpError{Op: "epollctl-mod", Net: "poll", Err: err}
	}
	return nil
}

// Deregister removes fd. Must be called before the fd is closed otherwise a closed-and-reused
// descriptor could surface events under a stale token.
func (t *Poll) Deregister(fd int) error {
	err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return &net.OpError{Op: "epollctl-del", Net: "poll", Err: err}
	}
	return nil
}

// Wait blocks until at least one event arrives or timeout passes. A negative timeout blocks
// indefinitely; a zero timeout polls. The returned slice is reused by the next Wait call.
func (t *Poll) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1 // Round sub-millisecond timeouts up rather than busy-poll
		}
	}

	var n int
	var err error
	for {
		n, err = unix.EpollWait(t.epfd, t.ebuf, ms)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, &net.OpError{Op: "epollwait", Net: "poll", Err: err}
	}

	t.evout = t.evout[:0]
	for _, raw := range t.ebuf[:n] {
		token := Token(uint32(raw.Fd)) | Token(raw.Pad)<<32

		// Error and hangup conditions wake both directions so stalled reads and writes
		// each get a chance to observe the failure
		deadish := raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		t.evout = append(t.evout, Event{
			token:    token,
			readable: deadish || raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0,
			writable: deadish || raw.Events&unix.EPOLLOUT != 0,
		})
	}

	return t.evout, nil
}

// Close releases the epoll descriptor. Registered sources are implicitly dropped.
func (t *Poll) Close() error {
	err := unix.Close(t.epfd)
	if err != nil {
		return &net.OpError{Op: "close", Net: "poll", Err: err}
	}
	return nil
}
