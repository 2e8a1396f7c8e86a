package pollyhttp

import (
	"fmt"
	"strings"

	"github.com/markdingo/pollyhttp/internal/httpwire"
)

// Ticket identifies a submitted request. Treat it as opaque: its only use is matching the
// Responses pumped out of the engine back to the Submit call that caused them.
type Ticket uint64

// Kind discriminates the Response variants.
type Kind int

const (
	// KindHead - the status line and headers arrived. Head is populated. When present, always
	// the first response for a ticket; a request that fails before its head arrives has none.
	KindHead Kind = iota

	// KindData - some body bytes arrived. Data is populated. Bytes stream in the order the
	// peer sent them; concatenating every Data payload reconstructs the body.
	KindData

	// KindDone - the body completed. The ticket will never be seen again.
	KindDone

	// KindTimedOut - the request's deadline passed, in whatever phase it happened to be.
	KindTimedOut

	// KindUnknownHost - resolution answered authoritatively that the host does not exist.
	KindUnknownHost

	// KindAborted - the peer closed the connection before the body completed.
	KindAborted

	// KindError - a protocol-level fault: malformed head, malformed chunked framing, an
	// unsupported transfer encoding, or a resolver failure that was not NXDOMAIN.
	KindError
)

func (t Kind) String() string {
	switch t {
	case KindHead:
		return "Head"
	case KindData:
		return "Data"
	case KindDone:
		return "Done"
	case KindTimedOut:
		return "TimedOut"
	case KindUnknownHost:
		return "UnknownHost"
	case KindAborted:
		return "Aborted"
	}
	return "Error"
}

// IsTerminal returns true for the variants after which a ticket produces no further responses.
func (t Kind) IsTerminal() bool {
	return t != KindHead && t != KindData
}

// IsError returns true for the terminal variants other than the successful KindDone.
func (t Kind) IsError() bool {
	return t.IsTerminal() && t != KindDone
}

// Response is one increment of one request's progress as produced by Client.Pump. For every
// ticket the stream of responses matches Head, zero or more Data, then exactly one terminal
// variant (Done on success). A request that fails before its head arrives (during resolution
// or connect, or on a malformed head) produces the terminal variant alone.
type Response struct {
	Ticket Ticket
	Kind   Kind
	Head   *ResponseHead // Populated for KindHead only
	Data   []byte        // Populated for KindData only
}

// String keeps body bytes out of log output - only the Data length is printed.
func (t Response) String() string {
	switch t.Kind {
	case KindHead:
		return fmt.Sprintf("Response{%d Head %d %s}", t.Ticket, t.Head.StatusCode, t.Head.Reason)
	case KindData:
		return fmt.Sprintf("Response{%d Data %d bytes}", t.Ticket, len(t.Data))
	}
	return fmt.Sprintf("Response{%d %s}", t.Ticket, t.Kind)
}

// ResponseHead carries everything known about a response before its body: the status, every
// header as sent, and the body framing the engine inferred from those headers.
type ResponseHead struct {
	StatusCode      int
	Reason          string
	Headers         []Header
	ContentLength   int  // Zero when the header was absent
	TransferChunked bool // Transfer-Encoding: chunked was present
}

// Header returns the value of the first header matching name, case-insensitively, or "" if no
// header matches.
func (t *ResponseHead) Header(name string) string {
	for _, hdr := range t.Headers {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns the values of every header matching name, case-insensitively.
func (t *ResponseHead) Values(name string) []string {
	var out []string
	for _, hdr := range t.Headers {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// newResponseHead converts the wire-level parse result into the public struct.
func newResponseHead(head *httpwire.Head) *ResponseHead {
	out := &ResponseHead{
		StatusCode:      head.StatusCode,
		Reason:          head.Reason,
		Headers:         make([]Header, 0, len(head.Headers)),
		ContentLength:   head.ContentLength,
		TransferChunked: head.TransferChunked,
	}
	for _, hdr := range head.Headers {
		out.Headers = append(out.Headers, Header{Name: hdr.Name, Value: hdr.Value})
	}
	return out
}
