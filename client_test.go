package pollyhttp

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/pollyhttp/poller"
)

//////////////////////////////////////////////////////////////////////
// In-process peers: a fake DNS upstream and scripted HTTP/1.1 servers
//////////////////////////////////////////////////////////////////////

type fakeDNS struct {
	pc        net.PacketConn
	zone      map[string]string
	nxdomain  map[string]bool
	blackhole map[string]bool

	mu      sync.Mutex
	queries int
}

func newFakeDNS(t *testing.T) *fakeDNS {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Fake DNS setup failed", err)
	}
	f := &fakeDNS{
		pc:        pc,
		zone:      make(map[string]string),
		nxdomain:  make(map[string]bool),
		blackhole: make(map[string]bool),
	}
	go f.serve()
	t.Cleanup(func() { pc.Close() })
	return f
}

func (f *fakeDNS) addr() string {
	return f.pc.LocalAddr().String()
}

func (f *fakeDNS) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeDNS) serve() {
	buf := make([]byte, 1024)
	for {
		n, from, err := f.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		var query dns.Msg
		if query.Unpack(buf[:n]) != nil || len(query.Question) != 1 {
			continue
		}
		qName := query.Question[0].Name

		f.mu.Lock()
		f.queries++
		f.mu.Unlock()

		if f.blackhole[qName] {
			continue
		}

		reply := new(dns.Msg)
		reply.SetReply(&query)
		if f.nxdomain[qName] {
			reply.Rcode = dns.RcodeNameError
		} else if ip := f.zone[qName]; ip != "" {
			reply.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: qName, Rrtype: dns.TypeA,
					Class: dns.ClassINET, Ttl: 300},
				A: net.ParseIP(ip),
			}}
		} else {
			reply.Rcode = dns.RcodeServerFailure
		}
		if pkt, err := reply.Pack(); err == nil {
			f.pc.WriteTo(pkt, from)
		}
	}
}

// startPeer runs a scripted HTTP/1.1 server: for every accepted connection it reads one request
// head (and any Content-Length body), writes raw and closes. Returns the listen port.
func startPeer(t *testing.T, raw string) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Peer setup failed", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if readRequest(c) == nil {
					return
				}
				c.Write([]byte(raw))
			}(c)
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// readRequest consumes one full request (head plus Content-Length body) and returns its lines,
// nil on any error
func readRequest(c net.Conn) []string {
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	rd := bufio.NewReader(c)
	var lines []string
	contentLength := 0
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if n, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			for _, ch := range n {
				contentLength = contentLength*10 + int(ch-'0')
			}
		}
		lines = append(lines, line)
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(rd, body); err != nil {
			return nil
		}
	}
	return lines
}

//////////////////////////////////////////////////////////////////////
// Harness
//////////////////////////////////////////////////////////////////////

type harness struct {
	io     *poller.Poll
	client *Client
}

func newHarness(t *testing.T, fake *fakeDNS, httpPort uint16) *harness {
	t.Helper()
	p, err := poller.New()
	if err != nil {
		t.Fatal("Poller setup failed", err)
	}
	t.Cleanup(func() { p.Close() })

	client, err := New(Config{
		DNSToken:        poller.Token(0),
		ResolverAddress: fake.addr(),
		HTTPPort:        httpPort,
	})
	if err != nil {
		t.Fatal("Client setup failed", err)
	}

	return &harness{io: p, client: client}
}

// collect pumps until every ticket in want has produced a terminal response, then returns all
// responses grouped by ticket in arrival order
func (h *harness) collect(t *testing.T, want ...Ticket) map[Ticket][]Response {
	t.Helper()
	out := make(map[Ticket][]Response)
	open := make(map[Ticket]bool)
	for _, tk := range want {
		open[tk] = true
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(open) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Requests never finished; still open:", open)
		}

		wait := 100 * time.Millisecond
		if d, ok := h.client.EarliestDeadline(); ok && d < wait {
			wait = d
		}
		events, err := h.io.Wait(wait)
		if err != nil {
			t.Fatal("Wait failed", err)
		}
		responses, err := h.client.Pump(h.io, events)
		if err != nil {
			t.Fatal("Pump failed", err)
		}
		for _, resp := range responses {
			if !open[resp.Ticket] {
				if _, known := out[resp.Ticket]; known {
					t.Fatal("Response after terminal for ticket", resp.Ticket, resp)
				}
				continue
			}
			out[resp.Ticket] = append(out[resp.Ticket], resp)
			if resp.Kind.IsTerminal() {
				delete(open, resp.Ticket)
			}
		}
	}

	return out
}

// checkShape asserts the Head Data* Terminal event grammar and returns (head, body, terminal)
func checkShape(t *testing.T, responses []Response) (*ResponseHead, []byte, Kind) {
	t.Helper()
	if len(responses) == 0 {
		t.Fatal("No responses at all")
	}

	var head *ResponseHead
	var body []byte

	last := responses[len(responses)-1]
	if !last.Kind.IsTerminal() {
		t.Fatal("Last response is not terminal:", last.Kind)
	}
	for ix, resp := range responses[:len(responses)-1] {
		switch resp.Kind {
		case KindHead:
			if ix != 0 {
				t.Fatal("Head was not the first response")
			}
			head = resp.Head
		case KindData:
			if head == nil {
				t.Fatal("Data before Head")
			}
			body = append(body, resp.Data...)
		default:
			t.Fatal("Terminal response in the middle of the stream:", resp.Kind)
		}
	}

	return head, body, last.Kind
}

//////////////////////////////////////////////////////////////////////
// Scenarios
//////////////////////////////////////////////////////////////////////

func TestPlainRequestIdentityBody(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	head, body, terminal := checkShape(t, h.collect(t, ticket)[ticket])
	if head == nil {
		t.Fatal("No Head response")
	}
	if head.StatusCode != 200 || head.Reason != "OK" {
		t.Error("Wrong status:", head.StatusCode, head.Reason)
	}
	if head.ContentLength != 5 || head.TransferChunked {
		t.Error("Wrong framing:", head.ContentLength, head.TransferChunked)
	}
	if string(body) != "hello" {
		t.Error("Wrong body:", string(body))
	}
	if terminal != KindDone {
		t.Error("Expected Done, got", terminal)
	}
	if h.client.Live() != 0 {
		t.Error("Finished request still live")
	}
}

func TestChunkedBody(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	head, body, terminal := checkShape(t, h.collect(t, ticket)[ticket])
	if !head.TransferChunked || head.ContentLength != 0 {
		t.Error("Wrong framing:", head.ContentLength, head.TransferChunked)
	}
	if string(body) != "abcde" {
		t.Error("Wrong body:", string(body))
	}
	if terminal != KindDone {
		t.Error("Expected Done, got", terminal)
	}
}

func TestDeadlineInDNSPhase(t *testing.T) {
	fake := newFakeDNS(t)
	fake.blackhole["h.example."] = true
	h := newHarness(t, fake, 1) // Port never used; resolution never finishes

	ticket, err := h.client.Submit(h.io, poller.Token(1),
		Get("h.example").Timeout(100*time.Millisecond).Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	responses := h.collect(t, ticket)[ticket]
	if len(responses) != 1 || responses[0].Kind != KindTimedOut {
		t.Error("Expected exactly one TimedOut, got", responses)
	}
	if h.client.Live() != 0 {
		t.Error("Timed out request still live")
	}
}

func TestNXDomain(t *testing.T) {
	fake := newFakeDNS(t)
	fake.nxdomain["no.such.host."] = true
	h := newHarness(t, fake, 1)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("no.such.host").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	responses := h.collect(t, ticket)[ticket]
	if len(responses) != 1 || responses[0].Kind != KindUnknownHost {
		t.Error("Expected exactly one UnknownHost, got", responses)
	}
}

func TestPeerClosesMidBody(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	head, body, terminal := checkShape(t, h.collect(t, ticket)[ticket])
	if head.ContentLength != 10 {
		t.Error("Wrong Content-Length:", head.ContentLength)
	}
	if string(body) != "abc" {
		t.Error("Wrong body prefix:", string(body))
	}
	if terminal != KindAborted {
		t.Error("Expected Aborted, got", terminal)
	}
}

func TestTwoConcurrentRequestsOneQuery(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	fake.zone["shared.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	t1, err := h.client.Submit(h.io, poller.Token(1), Get("shared.example").Build())
	if err != nil {
		t.Fatal("First Submit failed", err)
	}
	t2, err := h.client.Submit(h.io, poller.Token(2), Get("shared.example").Build())
	if err != nil {
		t.Fatal("Second Submit failed", err)
	}
	if t1 == t2 {
		t.Fatal("Tickets must be distinct")
	}

	results := h.collect(t, t1, t2)
	for _, ticket := range []Ticket{t1, t2} {
		_, body, terminal := checkShape(t, results[ticket])
		if string(body) != "ok" || terminal != KindDone {
			t.Error("Ticket", ticket, "wrong outcome:", string(body), terminal)
		}
	}

	if n := fake.queryCount(); n != 1 {
		t.Error("Expected exactly one DNS query for both requests, got", n)
	}
}

func TestCacheAvoidsSecondQuery(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("First Submit failed", err)
	}
	h.collect(t, ticket)

	// Within the 300s TTL the second submit must go straight to connecting
	ticket, err = h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Second Submit failed", err)
	}
	_, body, terminal := checkShape(t, h.collect(t, ticket)[ticket])
	if string(body) != "ok" || terminal != KindDone {
		t.Fatal("Second request failed:", string(body), terminal)
	}

	if n := fake.queryCount(); n != 1 {
		t.Error("Cached address must suppress the second DNS query, got", n)
	}
}

func TestNoFramingHeadersMeansImmediateDone(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "HTTP/1.1 204 No Content\r\nX-Empty: yes\r\n\r\n")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	head, body, terminal := checkShape(t, h.collect(t, ticket)[ticket])
	if head.StatusCode != 204 || head.ContentLength != 0 {
		t.Error("Wrong head:", head.StatusCode, head.ContentLength)
	}
	if len(body) != 0 {
		t.Error("No framing headers must mean an empty body, got", string(body))
	}
	if terminal != KindDone {
		t.Error("Expected Done, got", terminal)
	}
}

func TestMalformedHeadIsError(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "ICY 200 OK\u0001\u0002\r\nContent-Length\r\n\r\n")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	responses := h.collect(t, ticket)[ticket]
	last := responses[len(responses)-1]
	if last.Kind != KindError {
		t.Error("Expected Error for a malformed head, got", last.Kind)
	}
}

func TestUnsupportedTransferEncodingIsError(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip\r\n\r\n")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	responses := h.collect(t, ticket)[ticket]
	if responses[len(responses)-1].Kind != KindError {
		t.Error("Expected Error for an unsupported transfer encoding")
	}
}

func TestBadChunkFramingIsError(t *testing.T) {
	fake := newFakeDNS(t)
	port := startPeer(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\njunk\r\n")
	fake.zone["h.example."] = "127.0.0.1"
	h := newHarness(t, fake, port)

	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	responses := h.collect(t, ticket)[ticket]
	if responses[len(responses)-1].Kind != KindError {
		t.Error("Expected Error for bad chunk framing")
	}
}

func TestReservedHeaderRejectedAtSubmit(t *testing.T) {
	fake := newFakeDNS(t)
	h := newHarness(t, fake, 1)

	_, err := h.client.Submit(h.io, poller.Token(1),
		Get("h.example").Set("Connection", "keep-alive").Build())
	if err == nil {
		t.Error("Submit must reject a caller-supplied Connection header")
	}
	if h.client.Live() != 0 {
		t.Error("Failed submit must not leave a live record")
	}
}

func TestDNSTokenRejectedForRequests(t *testing.T) {
	fake := newFakeDNS(t)
	h := newHarness(t, fake, 1)

	_, err := h.client.Submit(h.io, poller.Token(0), Get("h.example").Build())
	if err == nil {
		t.Error("Submit must reject the reserved DNS token")
	}
}

func TestEarliestDeadline(t *testing.T) {
	fake := newFakeDNS(t)
	fake.blackhole["a.example."] = true
	fake.blackhole["b.example."] = true
	h := newHarness(t, fake, 1)

	if _, ok := h.client.EarliestDeadline(); ok {
		t.Fatal("No live requests must mean no deadline")
	}

	_, err := h.client.Submit(h.io, poller.Token(1),
		Get("a.example").Timeout(10*time.Second).Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}
	d1, ok := h.client.EarliestDeadline()
	if !ok || d1 > 10*time.Second {
		t.Fatal("Wrong first deadline", d1, ok)
	}

	// A second request with a tighter deadline must win
	_, err = h.client.Submit(h.io, poller.Token(2),
		Get("b.example").Timeout(time.Second).Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}
	d2, ok := h.client.EarliestDeadline()
	if !ok || d2 > time.Second {
		t.Fatal("Tighter deadline did not win", d2, ok)
	}

	// And it strictly decreases as time passes
	time.Sleep(20 * time.Millisecond)
	d3, _ := h.client.EarliestDeadline()
	if d3 >= d2 {
		t.Error("Deadline did not decrease over time:", d2, d3)
	}
}

func TestPumpWithNoEventsIsANoOp(t *testing.T) {
	fake := newFakeDNS(t)
	fake.blackhole["h.example."] = true
	h := newHarness(t, fake, 1)

	_, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	responses, err := h.client.Pump(h.io, nil)
	if err != nil {
		t.Fatal("Empty pump failed", err)
	}
	if len(responses) != 0 {
		t.Error("Empty pump produced responses", responses)
	}
	if h.client.Live() != 1 {
		t.Error("Empty pump changed the live set")
	}
}

func TestRequestLineSeenByPeer(t *testing.T) {
	fake := newFakeDNS(t)
	fake.zone["h.example."] = "127.0.0.1"

	// A bespoke peer that captures the request head
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Peer setup failed", err)
	}
	t.Cleanup(func() { ln.Close() })
	headCh := make(chan []string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		headCh <- readRequest(c)
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	h := newHarness(t, fake, uint16(ln.Addr().(*net.TCPAddr).Port))
	ticket, err := h.client.Submit(h.io, poller.Token(1),
		Post("h.example").Path("/submit").Query("a", "1").Query("b", "2").
			Set("X-Thing", "42").BodyString("payload").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}
	h.collect(t, ticket)

	head := <-headCh
	if head == nil {
		t.Fatal("Peer never got the request")
	}
	if head[0] != "POST /submit?a=1&b=2 HTTP/1.1" {
		t.Error("Wrong request line:", head[0])
	}

	joined := strings.Join(head, "\n")
	for _, want := range []string{
		"Host: h.example",
		"X-Thing: 42",
		"Content-Length: 7",
		"Connection: close",
		"Accept-Encoding: identity",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Request head missing %q:\n%s", want, joined)
		}
	}
}

// A slow peer exercises suspension: head, then the body in dribs and drabs
func TestBodyArrivingInPieces(t *testing.T) {
	fake := newFakeDNS(t)
	fake.zone["h.example."] = "127.0.0.1"

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Peer setup failed", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if readRequest(c) == nil {
			return
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
		time.Sleep(30 * time.Millisecond)
		c.Write([]byte("6\r\npie"))
		time.Sleep(30 * time.Millisecond)
		c.Write([]byte("ces\r\n5\r\n"))
		time.Sleep(30 * time.Millisecond)
		c.Write([]byte("-here\r\n0\r\n\r\n"))
	}()

	h := newHarness(t, fake, uint16(ln.Addr().(*net.TCPAddr).Port))
	ticket, err := h.client.Submit(h.io, poller.Token(1), Get("h.example").Build())
	if err != nil {
		t.Fatal("Submit failed", err)
	}

	_, body, terminal := checkShape(t, h.collect(t, ticket)[ticket])
	if string(body) != "pieces-here" {
		t.Error("Wrong reassembled body:", string(body))
	}
	if terminal != KindDone {
		t.Error("Expected Done, got", terminal)
	}
}
