/*
Package pollyhttp is a non-blocking HTTP/1.1 client built directly on OS readiness notification.
The host application owns the event loop: it creates a poller.Poll, submits requests, blocks in
Wait and hands each batch of readiness events to Pump, which advances every in-flight request and
returns the response increments that fell out - a Head, zero or more Data payloads and exactly
one terminal variant per request.

Everything multiplexes over the caller's poller: name resolution (a shared UDP socket speaking
to one upstream), TCP connects, optional TLS handshakes, request emission and streaming body
reception with Content-Length or chunked framing. No goroutines are spawned and the engine's
own socket reads and writes never block; "would block" always means "retry after the next
readiness event". The exception is the handshake of a session from the default TLS factory:
during the handshake its reads and writes wait for readiness inside Pump, for at most
TLSHandshakePatience per call, before handing back a would-block.

A minimal event loop:

	io, _ := poller.New()
	client, _ := pollyhttp.New(pollyhttp.Config{DNSToken: poller.Token(0)})

	ticket, _ := client.Submit(io, poller.Token(1), pollyhttp.Get("example.com").Build())

	for {
	    wait := time.Duration(-1)
	    if d, ok := client.EarliestDeadline(); ok {
	        wait = d
	    }
	    events, _ := io.Wait(wait)
	    responses, _ := client.Pump(io, events)
	    for _, resp := range responses {
	        ... // resp.Ticket == ticket; Head, Data and then a terminal Kind
	    }
	}

Callers who do not want to run an event loop should use SimpleClient instead.

Keep-alive, HTTP/2, redirects and content decompression are out of scope; every connection is
one request and closes after it.
*/
package pollyhttp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/markdingo/pollyhttp/internal/addrcache"
	"github.com/markdingo/pollyhttp/internal/constants"
	"github.com/markdingo/pollyhttp/internal/httpwire"
	"github.com/markdingo/pollyhttp/internal/resolver"
	"github.com/markdingo/pollyhttp/internal/sockio"
	"github.com/markdingo/pollyhttp/poller"
)

const me = "pollyhttp"

// Config carries the construction parameters for New. The zero value works: DNSToken zero, the
// compile-time upstream resolver, the default TLS factory and no logging.
type Config struct {
	// DNSToken is the poller token reserved for the resolver's shared UDP socket. Request
	// tokens passed to Submit must never equal it.
	DNSToken poller.Token

	// ResolverAddress overrides the compile-time upstream (ip:port). Mostly for tests.
	ResolverAddress string

	// HTTPPort and HTTPSPort override the well-known destination ports. Zero selects 80
	// and 443. Mostly for tests.
	HTTPPort  uint16
	HTTPSPort uint16

	// TLS supplies TLS sessions for secure requests. Nil selects crypto/tls with system
	// roots, built lazily on the first secure request.
	TLS TLSFactory

	Logger zerolog.Logger
}

type phase int

const (
	phaseResolving phase = iota
	phaseSending         // Connect in flight and/or request bytes still to write
	phaseRecvHead
	phaseRecvBody
	phaseDone    // Terminal; the record is dropped when the pump pass completes
	phaseErrored // Ditto
)

// record is the engine side of one live request. Exactly one record exists per live ticket and
// it is removed only on terminal transition.
type record struct {
	ticket  Ticket
	token   poller.Token
	host    string // IDNA ASCII form; the cache key and SNI name
	created time.Time
	timeout time.Duration // Zero means none

	phase  phase
	dnsID  uint16 // Valid in phaseResolving
	secure bool

	conn *conn  // Nil until resolution completes
	wire []byte // Formatted request bytes, consumed as written
	sent int    // Offset into wire

	buf           []byte // Receive scratch: head accumulation, then undecoded body bytes
	bodyRead      int    // Identity framing: body bytes seen so far
	contentLength int
	chunked       bool
	chunk         httpwire.ChunkDecoder
}

func (t *record) terminal() bool {
	return t.phase == phaseDone || t.phase == phaseErrored
}

type clientStats struct {
	submits     int
	cacheHits   int
	cacheMisses int
	heads       int
	dones       int
	timeouts    int
	unknowns    int
	aborts      int
	protoErrors int
	peakLive    int
}

// Client is the request lifecycle engine. Not safe for concurrent use: one Client, one poller,
// one goroutine. Callers needing parallelism run one engine per goroutine.
type Client struct {
	consts constants.Constants
	config Config
	log    zerolog.Logger

	dns   *resolver.Resolver
	cache *addrcache.Cache

	tlsF TLSFactory // Memoized by tlsFactory()

	records    []*record
	nextTicket Ticket

	clientStats
}

// New creates a Client.
func New(config Config) (*Client, error) {
	dns, err := resolver.New(resolver.Config{
		Token:           config.DNSToken,
		ResolverAddress: config.ResolverAddress,
		Logger:          config.Logger,
	})
	if err != nil {
		return nil, err
	}

	t := &Client{
		consts: constants.Get(),
		config: config,
		log:    config.Logger,
		dns:    dns,
		cache:  addrcache.New(),
		tlsF:   config.TLS,
	}
	if t.config.HTTPPort == 0 {
		t.config.HTTPPort = t.consts.HTTPDefaultPort
	}
	if t.config.HTTPSPort == 0 {
		t.config.HTTPSPort = t.consts.HTTPSDefaultPort
	}

	return t, nil
}

func (t *Client) tlsFactory() (TLSFactory, error) {
	if t.tlsF == nil {
		factory, err := defaultTLSFactory()
		if err != nil {
			return nil, err
		}
		t.tlsF = factory
	}
	return t.tlsF, nil
}

// Submit formats and starts one request, returning the Ticket its responses will carry. With a
// fresh cache entry for the host the connection starts immediately and token is registered for
// it; otherwise a name lookup starts on the resolver's own socket and token lies dormant until
// the lookup succeeds. Either way every later readiness event for token belongs to this request
// until a terminal response retires it.
func (t *Client) Submit(io *poller.Poll, token poller.Token, req Request) (Ticket, error) {
	if token == t.config.DNSToken {
		return 0, fmt.Errorf(me+": Request token %d is reserved for the resolver", token)
	}

	wire, host, err := req.format()
	if err != nil {
		return 0, err
	}

	ticket := t.nextTicket
	t.nextTicket++ // Wraps; callers never have 2^64 requests in flight

	rec := &record{
		ticket:  ticket,
		token:   token,
		host:    host,
		created: time.Now(),
		timeout: req.Timeout,
		secure:  req.Secure,
		wire:    wire,
	}

	if addr, ok := t.cache.Get(host); ok {
		t.cacheHits++
		rec.conn, err = t.newConn(addr, rec.secure, rec.host)
		if err != nil {
			return 0, err
		}
		err = io.Register(rec.conn.fd(), token, poller.Readable|poller.Writable)
		if err != nil {
			rec.conn.close()
			return 0, err
		}
		rec.phase = phaseSending
		t.log.Debug().Uint64("ticket", uint64(ticket)).Str("host", host).
			IPAddr("addr", addr).Msg("submitted on cached address")
	} else {
		t.cacheMisses++
		rec.dnsID, err = t.dns.Resolve(io, host, req.Timeout)
		if err != nil {
			return 0, err
		}
		rec.phase = phaseResolving
		t.log.Debug().Uint64("ticket", uint64(ticket)).Str("host", host).
			Uint16("dnsID", rec.dnsID).Msg("submitted, resolving")
	}

	t.records = append(t.records, rec)
	t.submits++
	if len(t.records) > t.peakLive {
		t.peakLive = len(t.records)
	}

	return ticket, nil
}

// Pump consumes one batch of readiness events and advances every live request exactly once. The
// returned responses are ordered by submission across requests and Head before Data before
// terminal within one. An OS-level I/O failure (never would-block, never a slow connect) fails
// the whole call; per-request faults are delivered as terminal responses instead.
func (t *Client) Pump(io *poller.Poll, events []poller.Event) ([]Response, error) {
	var out []Response

	dnsResps, err := t.dns.Pump(io, events)
	if err != nil {
		return out, err
	}

	now := time.Now()
	for _, rec := range t.records {

		// Deadline first: a record past its deadline produces TimedOut and nothing else
		if rec.timeout > 0 && now.Sub(rec.created) >= rec.timeout {
			out = t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindTimedOut})
			continue
		}

		// Let a TLS session progress its handshake; if it is mid-flight and starved,
		// nothing else can happen on this record until more readiness arrives
		if rec.conn != nil {
			pending, cerr := rec.conn.completeIO()
			if cerr != nil {
				return out, cerr
			}
			if pending {
				continue
			}
		}

		if rec.phase == phaseResolving {
			out, err = t.advanceResolving(io, rec, dnsResps, out)
			if err != nil {
				return out, err
			}
		}

		for _, ev := range events {
			if rec.terminal() {
				break
			}
			if ev.Token() != rec.token {
				continue
			}

			switch rec.phase {
			case phaseSending:
				out, err = t.advanceSending(io, rec, out)
			case phaseRecvHead:
				if ev.IsReadable() {
					out, err = t.advanceRecvHead(io, rec, out)
				}
			case phaseRecvBody:
				if ev.IsReadable() {
					out, err = t.advanceRecvBody(io, rec, out)
				}
			}
			if err != nil {
				return out, err
			}
		}
	}

	// Drop the records retired during this pass
	kept := t.records[:0]
	for _, rec := range t.records {
		if !rec.terminal() {
			kept = append(kept, rec)
		}
	}
	t.records = kept

	return out, nil
}

// EarliestDeadline returns the smallest remaining time before some live request times out, and
// false if no live request carries a deadline. It bounds how long the caller may block in Wait
// without delaying a TimedOut delivery.
func (t *Client) EarliestDeadline() (time.Duration, bool) {
	found := false
	var min time.Duration
	now := time.Now()
	for _, rec := range t.records {
		if rec.timeout == 0 {
			continue
		}
		left := rec.timeout - now.Sub(rec.created)
		if left < 0 {
			left = 0
		}
		if !found || left < min {
			found = true
			min = left
		}
	}
	return min, found
}

// Live returns the number of in-flight requests.
func (t *Client) Live() int {
	return len(t.records)
}

// advanceResolving matches this pump's resolver results against a resolving record. On success
// the address is cached, the connection starts and the record's token goes live.
func (t *Client) advanceResolving(io *poller.Poll, rec *record, dnsResps []resolver.Response, out []Response) ([]Response, error) {
	for _, dr := range dnsResps {
		if dr.ID != rec.dnsID {
			continue
		}

		switch dr.Outcome {
		case resolver.OutcomeUnknown:
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindUnknownHost}), nil
		case resolver.OutcomeTimedOut:
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindTimedOut}), nil
		case resolver.OutcomeError:
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindError}), nil
		}

		t.cache.Put(rec.host, dr.Addr, dr.TTL)

		conn, err := t.newConn(dr.Addr, rec.secure, rec.host)
		if err != nil {
			return out, err
		}
		err = io.Register(conn.fd(), rec.token, poller.Readable|poller.Writable)
		if err != nil {
			conn.close()
			return out, err
		}
		rec.conn = conn
		rec.phase = phaseSending
		t.log.Debug().Uint64("ticket", uint64(rec.ticket)).IPAddr("addr", dr.Addr).
			Msg("resolved, connecting")
		break
	}

	return out, nil
}

// advanceSending probes for connect completion and then pushes out as much of the request blob
// as the socket accepts, buffering the unsent tail for the next writable event.
func (t *Client) advanceSending(io *poller.Poll, rec *record, out []Response) ([]Response, error) {
	_, err := rec.conn.peerAddr()
	if err != nil {
		if sockio.IsNotConnected(err) {
			return out, nil // TCP handshake still pending
		}
		return out, err
	}

	for rec.sent < len(rec.wire) {
		n, werr := rec.conn.write(rec.wire[rec.sent:])
		rec.sent += n
		if werr != nil {
			if sockio.IsWouldBlock(werr) {
				return out, nil // Retry the tail on the next writable event
			}
			return out, werr
		}
	}

	rec.wire = nil
	rec.phase = phaseRecvHead
	t.log.Debug().Uint64("ticket", uint64(rec.ticket)).Msg("request sent")

	return out, nil
}

// advanceRecvHead accumulates head bytes and attempts a parse. On success the leftover bytes are
// already body, so control falls straight through to the body logic - a small response that
// arrived whole finishes in this very pass.
func (t *Client) advanceRecvHead(io *poller.Poll, rec *record, out []Response) ([]Response, error) {
	closed, err := t.drainRead(rec)
	if err != nil {
		return out, err
	}

	head, headLen, perr := httpwire.ParseHead(rec.buf)
	if perr != nil {
		t.log.Debug().Uint64("ticket", uint64(rec.ticket)).Err(perr).Msg("bad response head")
		return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindError}), nil
	}
	if head == nil {
		if closed {
			// EOF with a forever-incomplete head
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindError}), nil
		}
		return out, nil // Wait for the rest of the head
	}

	rec.contentLength = head.ContentLength
	rec.chunked = head.TransferChunked
	rec.buf = append([]byte(nil), rec.buf[headLen:]...) // Keep the body prefix only
	rec.phase = phaseRecvBody

	out = append(out, Response{Ticket: rec.ticket, Kind: KindHead, Head: newResponseHead(head)})
	t.heads++

	return t.advanceBody(io, rec, closed, out)
}

// advanceRecvBody drains newly arrived bytes and feeds the framing logic.
func (t *Client) advanceRecvBody(io *poller.Poll, rec *record, out []Response) ([]Response, error) {
	closed, err := t.drainRead(rec)
	if err != nil {
		return out, err
	}
	return t.advanceBody(io, rec, closed, out)
}

// advanceBody turns whatever sits in rec.buf into Data and, when the framing says the body is
// over, the terminal response. closed reports that this read pass saw EOF.
func (t *Client) advanceBody(io *poller.Poll, rec *record, closed bool, out []Response) ([]Response, error) {
	if rec.chunked {
		data, done, derr := rec.chunk.Decode(&rec.buf)
		if len(data) > 0 {
			out = append(out, Response{Ticket: rec.ticket, Kind: KindData, Data: data})
		}
		if derr != nil {
			t.log.Debug().Uint64("ticket", uint64(rec.ticket)).Err(derr).Msg("bad chunked framing")
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindError}), nil
		}
		if done {
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindDone}), nil
		}
		if closed {
			return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindAborted}), nil
		}
		return out, nil
	}

	if len(rec.buf) > 0 {
		data := rec.buf
		rec.buf = nil
		rec.bodyRead += len(data)
		out = append(out, Response{Ticket: rec.ticket, Kind: KindData, Data: data})
	}

	if rec.bodyRead >= rec.contentLength {
		return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindDone}), nil
	}
	if closed {
		return t.finish(io, rec, out, Response{Ticket: rec.ticket, Kind: KindAborted}), nil
	}

	return out, nil
}

// drainRead pulls everything currently available on the connection into rec.buf, a chunk at a
// time, stopping at would-block or EOF. Only genuine I/O failures return an error.
func (t *Client) drainRead(rec *record) (closed bool, err error) {
	for {
		chunk := make([]byte, t.consts.HTTPReadChunkSize)
		n, rerr := rec.conn.read(chunk)
		if n > 0 {
			rec.buf = append(rec.buf, chunk[:n]...)
		}
		if rerr != nil {
			if sockio.IsWouldBlock(rerr) || sockio.IsNotConnected(rerr) {
				return false, nil
			}
			if sockio.IsClosed(rerr) {
				return true, nil
			}
			return false, rerr
		}
	}
}

// finish retires a record: emit its terminal response, count it, deregister and close its
// connection. The record itself leaves the live set when the pump pass completes.
func (t *Client) finish(io *poller.Poll, rec *record, out []Response, resp Response) []Response {
	switch resp.Kind {
	case KindDone:
		rec.phase = phaseDone
		t.dones++
	case KindTimedOut:
		rec.phase = phaseErrored
		t.timeouts++
	case KindUnknownHost:
		rec.phase = phaseErrored
		t.unknowns++
	case KindAborted:
		rec.phase = phaseErrored
		t.aborts++
	default:
		rec.phase = phaseErrored
		t.protoErrors++
	}

	if rec.conn != nil {
		io.Deregister(rec.conn.fd()) // Best effort; close invalidates the registration anyway
		rec.conn.close()
		rec.conn = nil
	}

	t.log.Debug().Uint64("ticket", uint64(rec.ticket)).Str("kind", resp.Kind.String()).
		Msg("request finished")

	return append(out, resp)
}

// Name is part of the reporter.Reporter interface.
func (t *Client) Name() string {
	return me
}

// Report is part of the reporter.Reporter interface. Two lines: the engine's counters and the
// resolver's.
func (t *Client) Report(resetCounters bool) string {
	s := fmt.Sprintf("submits=%d cache=%d/%d heads=%d done=%d timedout=%d unknown=%d aborted=%d errors=%d live=%d peak=%d",
		t.submits, t.cacheHits, t.cacheHits+t.cacheMisses, t.heads, t.dones, t.timeouts,
		t.unknowns, t.aborts, t.protoErrors, len(t.records), t.peakLive)
	s += "\n" + t.dns.Name() + ": " + t.dns.Report(resetCounters)
	if resetCounters {
		t.clientStats = clientStats{}
	}

	return s
}
