/*
Package resolver turns host names into IPv4 addresses without ever blocking. All outstanding
lookups share one connected UDP socket to the configured upstream; each lookup is a 16 bit
query/response ID pair built and classified by internal/dnsutil. The socket is created and
registered (under the resolver's own token) the first time a lookup starts and is deregistered
and closed again as soon as the last outstanding lookup finishes, so an idle resolver holds no
descriptors at all.

The caller drives the resolver the same way it drives everything else: hand the readiness events
to Pump and collect the Responses that fell out. A lookup resolves exactly once - with Known,
Unknown, Error or TimedOut - and is forgotten immediately afterwards; late datagrams for it are
dropped.
*/
package resolver

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/markdingo/pollyhttp/internal/constants"
	"github.com/markdingo/pollyhttp/internal/dnsutil"
	"github.com/markdingo/pollyhttp/internal/sockio"
	"github.com/markdingo/pollyhttp/poller"
)

const me = "resolver"

// Outcome says how a lookup ended.
type Outcome int

const (
	OutcomeKnown    Outcome = iota // Addr and TTL are populated
	OutcomeUnknown                 // Authoritative "no such host"
	OutcomeError                   // Malformed reply, unhelpful rcode or A-less answer
	OutcomeTimedOut                // The lookup's deadline passed before a reply arrived
)

func (t Outcome) String() string {
	switch t {
	case OutcomeKnown:
		return "Known"
	case OutcomeUnknown:
		return "Unknown"
	case OutcomeTimedOut:
		return "TimedOut"
	}
	return "Error"
}

// Response is the terminal result of one lookup, matched to its Resolve call by ID.
type Response struct {
	ID      uint16
	Outcome Outcome
	Addr    net.IP        // Only valid for OutcomeKnown
	TTL     time.Duration // Ditto
}

// Config carries the construction parameters for New.
type Config struct {
	Token poller.Token // Registration token for the shared socket. Must stay distinct
	// from every request token the caller hands out.

	ResolverAddress string // ip:port of the upstream. Empty selects the compile-time default.

	Logger zerolog.Logger
}

type queryState int

const (
	queryPending queryState = iota // Not yet written to the socket
	querySent
)

type query struct {
	id      uint16
	host    string
	created time.Time
	timeout time.Duration // Zero means no deadline
	state   queryState
}

type resolverStats struct {
	lookups   int
	coalesced int // Lookups piggy-backed onto an in-flight query for the same host
	sent      int
	responses int
	timeouts  int
	dropped   int // Datagrams with no matching query
	malformed int // Datagrams without even a parseable ID
}

// Resolver is the shared-socket lookup engine. Not safe for concurrent use; it belongs to one
// event loop.
type Resolver struct {
	consts constants.Constants
	config Config
	log    zerolog.Logger

	upstreamIP   net.IP
	upstreamPort uint16

	sock       *sockio.Conn
	writeStale bool // A send consumed the writable edge; the next Resolve must rearm

	queries []query
	nextID  uint16

	resolverStats
}

// New creates a Resolver. The upstream address must be a literal IPv4 ip:port - resolving the
// resolver's own name is a chicken and egg problem we refuse to have.
func New(config Config) (*Resolver, error) {
	t := &Resolver{consts: constants.Get(), config: config, log: config.Logger}

	addr := config.ResolverAddress
	if addr == "" {
		addr = t.consts.DNSResolverAddress
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf(me+": Invalid upstream address %s: %s", addr, err.Error())
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf(me+": Upstream %s must be a literal IPv4 address", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf(me+": Invalid upstream port %s: %s", portStr, err.Error())
	}

	t.upstreamIP = ip.To4()
	t.upstreamPort = uint16(port)

	return t, nil
}

// Pending returns the number of outstanding lookups.
func (t *Resolver) Pending() int {
	return len(t.queries)
}

// Resolve starts a lookup for host and returns its ID. The first lookup of a burst creates and
// registers the shared socket; subsequent ones reuse it, rearming write interest if an earlier
// Pump consumed the writable edge. The actual query datagram goes out when the socket next
// reports writable.
//
// A lookup for a host that already has a query in flight coalesces onto it: both callers get
// the same ID and one datagram serves them all. The in-flight query's deadline is stretched to
// the most patient caller so an impatient sibling cannot time out someone else's lookup; each
// caller enforces its own deadline at its own level.
func (t *Resolver) Resolve(io *poller.Poll, host string, timeout time.Duration) (uint16, error) {
	for ix := range t.queries {
		q := &t.queries[ix]
		if q.host != host {
			continue
		}
		if timeout == 0 || (q.timeout != 0 && timeout > q.timeout) {
			q.timeout = timeout
		}
		t.coalesced++
		t.log.Debug().Uint16("id", q.id).Str("host", host).Msg("lookup coalesced")
		return q.id, nil
	}

	if t.sock == nil {
		sock, err := sockio.DialUDP4(t.upstreamIP, t.upstreamPort)
		if err != nil {
			return 0, err
		}
		err = io.Register(sock.FD(), t.config.Token, poller.Readable|poller.Writable)
		if err != nil {
			sock.Close()
			return 0, err
		}
		t.sock = sock
		t.writeStale = false
		t.log.Debug().Str("upstream", t.upstreamIP.String()).Msg("resolver socket up")
	} else if t.writeStale {
		err := io.Reregister(t.sock.FD(), t.config.Token, poller.Readable|poller.Writable)
		if err != nil {
			return 0, err
		}
		t.writeStale = false
	}

	id := t.nextID
	t.nextID++ // Uint16 arithmetic wraps by itself

	t.queries = append(t.queries, query{
		id:      id,
		host:    host,
		created: time.Now(),
		timeout: timeout,
		state:   queryPending,
	})
	t.lookups++
	t.log.Debug().Uint16("id", id).Str("host", host).Msg("lookup submitted")

	return id, nil
}

// Pump advances every outstanding lookup using one batch of readiness events and returns the
// lookups that finished. Expired lookups are timed out before any I/O is attempted. I/O errors on
// the shared socket (other than would-block) are fatal to the call.
func (t *Resolver) Pump(io *poller.Poll, events []poller.Event) ([]Response, error) {
	var out []Response

	now := time.Now()
	kept := t.queries[:0]
	for _, q := range t.queries {
		if q.timeout > 0 && now.Sub(q.created) >= q.timeout {
			out = append(out, Response{ID: q.id, Outcome: OutcomeTimedOut})
			t.timeouts++
			t.log.Debug().Uint16("id", q.id).Str("host", q.host).Msg("lookup timed out")
			continue
		}
		kept = append(kept, q)
	}
	t.queries = kept

	for _, ev := range events {
		if ev.Token() != t.config.Token || t.sock == nil {
			continue
		}

		if ev.IsWritable() {
			err := t.sendPending()
			if err != nil {
				return out, err
			}
		}

		if ev.IsReadable() {
			var err error
			out, err = t.drainSocket(out)
			if err != nil {
				return out, err
			}
		}
	}

	t.teardownIfIdle(io)

	return out, nil
}

// sendPending writes a query datagram for every lookup still in the pending state. A would-block
// stops the sweep - the kernel will report writable again once buffer space frees up.
func (t *Resolver) sendPending() error {
	for ix := range t.queries {
		q := &t.queries[ix]
		if q.state != queryPending {
			continue
		}

		pkt, err := dnsutil.BuildAQuery(q.id, q.host)
		if err != nil {
			return err
		}

		_, err = t.sock.Write(pkt)
		if err != nil {
			if sockio.IsWouldBlock(err) {
				return nil
			}
			return err
		}
		q.state = querySent
		t.sent++
		t.log.Debug().Uint16("id", q.id).Str("host", q.host).Msg("query sent")
	}

	// Everything pending went out, which means this writable edge is spent
	t.writeStale = true

	return nil
}

// drainSocket reads response datagrams until would-block, classifying and matching each one.
func (t *Resolver) drainSocket(out []Response) ([]Response, error) {
	buf := make([]byte, t.consts.DNSMaxPacketSize)
	for {
		n, err := t.sock.Read(buf)
		if err != nil {
			if sockio.IsWouldBlock(err) {
				return out, nil
			}
			if sockio.IsClosed(err) { // Zero-length datagram; nothing to match
				t.malformed++
				continue
			}
			return out, err
		}

		id, ok := dnsutil.PacketID(buf[:n])
		if !ok {
			t.malformed++
			continue
		}

		ix := -1
		for qix, q := range t.queries {
			if q.id == id {
				ix = qix
				break
			}
		}
		if ix < 0 {
			// Timed out or otherwise forgotten; the answer arrived for nobody
			t.dropped++
			continue
		}

		resp := Response{ID: id}
		verdict, addr, ttl, cerr := dnsutil.ClassifyAResponse(buf[:n])
		if cerr != nil {
			resp.Outcome = OutcomeError
		} else {
			switch verdict {
			case dnsutil.VerdictKnown:
				resp.Outcome = OutcomeKnown
				resp.Addr = addr
				resp.TTL = ttl
			case dnsutil.VerdictUnknown:
				resp.Outcome = OutcomeUnknown
			default:
				resp.Outcome = OutcomeError
			}
		}

		t.queries = append(t.queries[:ix], t.queries[ix+1:]...)
		t.responses++
		t.log.Debug().Uint16("id", id).Str("outcome", resp.Outcome.String()).Msg("lookup resolved")
		out = append(out, resp)
	}
}

// teardownIfIdle drops the shared socket once no lookups remain so the resolver goes cold
// between bursts.
func (t *Resolver) teardownIfIdle(io *poller.Poll) {
	if t.sock == nil || len(t.queries) > 0 {
		return
	}
	io.Deregister(t.sock.FD()) // Best effort; the close below invalidates it anyway
	t.sock.Close()
	t.sock = nil
	t.writeStale = false
	t.log.Debug().Msg("resolver socket down")
}

// Name is part of the reporter.Reporter interface.
func (t *Resolver) Name() string {
	return me
}

// Report is part of the reporter.Reporter interface.
func (t *Resolver) Report(resetCounters bool) string {
	s := fmt.Sprintf("lookups=%d coalesced=%d sent=%d responses=%d timeouts=%d dropped=%d malformed=%d pending=%d",
		t.lookups, t.coalesced, t.sent, t.responses, t.timeouts, t.dropped, t.malformed, len(t.queries))
	if resetCounters {
		t.resolverStats = resolverStats{}
	}

	return s
}
