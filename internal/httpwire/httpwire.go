/*
Package httpwire implements the HTTP/1.1 wire level for the engine: formatting an outbound
request into the single blob that gets written to the connection, parsing a response head out of
the receive buffer, and decoding chunked transfer framing.

The parser is deliberately incremental. ParseHead reports "not enough bytes yet" as a nil result
with no error so the caller can keep the buffer and wait for the next readiness event, and
ChunkDecoder suspends mid-stream at chunk boundaries or inside chunk bodies, picking up exactly
where it left off when more bytes arrive.
*/
package httpwire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/markdingo/pollyhttp/internal/constants"
)

const me = "httpwire"

var crlf = []byte{0x0D, 0x0A}
var crlfcrlf = []byte{0x0D, 0x0A, 0x0D, 0x0A}

// Header is one name/value pair, request or response side.
type Header struct {
	Name  string
	Value string
}

// RequestSpec is everything FormatRequest needs to emit a request blob.
type RequestSpec struct {
	Method  string
	Host    string // As typed by the caller; normalised to ASCII form for the wire
	Path    string // Leading slashes are collapsed to one; may carry a pre-built query string
	Headers []Header
	Body    []byte
}

// NormalizeHost maps a caller-typed host onto its IDNA ASCII form - the form used on the wire,
// in the address cache, for resolution and for SNI.
func NormalizeHost(host string) (string, error) {
	ascii, err := idna.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf(me+": Host %q did not survive IDNA mapping: %s", host, err.Error())
	}
	if ascii == "" {
		return "", fmt.Errorf(me + ": Request has no host")
	}
	return ascii, nil
}

// FormatRequest emits the full request: request line, Host, caller headers, the managed
// Content-Length / Connection / Accept-Encoding trio, a blank line and the body.
//
// Content-Length and Connection belong to the engine; a caller header with either name is
// rejected. Accept-Encoding defaults to identity but a caller-supplied one wins.
func FormatRequest(spec RequestSpec) ([]byte, error) {
	consts := constants.Get()

	host, err := NormalizeHost(spec.Host)
	if err != nil {
		return nil, err
	}

	sawAcceptEncoding := false
	for _, hdr := range spec.Headers {
		if strings.EqualFold(hdr.Name, consts.ContentLengthHeader) ||
			strings.EqualFold(hdr.Name, consts.ConnectionHeader) {
			return nil, fmt.Errorf(me+": The %s header is managed by the engine and cannot be set",
				hdr.Name)
		}
		if strings.EqualFold(hdr.Name, consts.AcceptEncodingHeader) {
			sawAcceptEncoding = true
		}
	}

	var b bytes.Buffer
	b.WriteString(spec.Method)
	b.WriteString(" /")
	b.WriteString(strings.TrimLeft(spec.Path, "/"))
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString(consts.HostHeader)
	b.WriteString(": ")
	b.WriteString(host)
	b.WriteString("\r\n")

	for _, hdr := range spec.Headers {
		b.WriteString(hdr.Name)
		b.WriteString(": ")
		b.WriteString(hdr.Value)
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "%s: %d\r\n", consts.ContentLengthHeader, len(spec.Body))
	fmt.Fprintf(&b, "%s: %s\r\n", consts.ConnectionHeader, consts.ConnectionValue)
	if !sawAcceptEncoding {
		fmt.Fprintf(&b, "%s: %s\r\n", consts.AcceptEncodingHeader, consts.AcceptEncodingValue)
	}
	b.Write(crlf)
	b.Write(spec.Body)

	return b.Bytes(), nil
}

// Head is a parsed response head.
type Head struct {
	StatusCode      int
	Reason          string
	Headers         []Header
	ContentLength   int  // Zero when the header is absent
	TransferChunked bool // Transfer-Encoding: chunked was present
}

// Header returns the value of the first header matching name (case-insensitively), or "".
func (t *Head) Header(name string) string {
	for _, hdr := range t.Headers {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns every value carried by headers matching name.
func (t *Head) Values(name string) []string {
	var out []string
	for _, hdr := range t.Headers {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// ParseHead attempts to parse a response head (status line + headers + blank line) from buf.
// Three-way result: (nil, 0, nil) means the head is not complete yet - keep the buffer and call
// again with more bytes. A non-nil error means the peer sent something that is not a viable
// HTTP/1.1 head. Success returns the Head and the number of bytes it occupied, including the
// terminating blank line, so the caller can drain them and keep any body prefix that followed.
func ParseHead(buf []byte) (*Head, int, error) {
	end := bytes.Index(buf, crlfcrlf)
	if end < 0 {
		return nil, 0, nil
	}

	raw := buf[:end]
	if !utf8.Valid(raw) {
		return nil, 0, fmt.Errorf(me + ": Response head is not valid UTF-8")
	}

	lines := strings.Split(string(raw), "\r\n")

	// Status line: HTTP/<ver> <code> <reason>, reason may be empty or contain spaces
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, 0, fmt.Errorf(me+": Malformed status line: %q", lines[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, 0, fmt.Errorf(me+": Non-numeric status code in %q", lines[0])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	consts := constants.Get()
	head := &Head{StatusCode: code, Reason: reason, Headers: make([]Header, 0, len(lines)-1)}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, 0, fmt.Errorf(me+": Malformed header line: %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if strings.EqualFold(name, consts.ContentLengthHeader) {
			head.ContentLength, err = strconv.Atoi(value)
			if err != nil || head.ContentLength < 0 {
				return nil, 0, fmt.Errorf(me+": Unusable Content-Length: %q", value)
			}
		}
		if strings.EqualFold(name, "Transfer-Encoding") {
			switch strings.ToLower(value) {
			case "chunked":
				head.TransferChunked = true
			case "identity":
			default:
				return nil, 0, fmt.Errorf(me+": Unsupported Transfer-Encoding: %q", value)
			}
		}

		head.Headers = append(head.Headers, Header{Name: name, Value: value})
	}

	return head, end + len(crlfcrlf), nil
}

// ChunkDecoder holds the suspension state of a chunked-framing body between readiness events: the
// current chunk's length, how far into it the data has been consumed, and whether the chunk's
// trailing CRLF is still owed. The zero value starts at the first chunk boundary.
type ChunkDecoder struct {
	chunkLen int
	into     int
	needCRLF bool // Data for the current chunk is complete but its CRLF hasn't been consumed
	sawFinal bool // The 0-length chunk arrived; only its closing blank line is outstanding
}

// Decode consumes as much of *acc as the framing allows and returns the extracted data bytes.
// When the terminal 0-length chunk and its blank line have been consumed, done is true. Running
// out of bytes mid-chunk or mid-boundary is not an error - the decoder suspends and the next call
// resumes with whatever arrived. Chunk extensions and non-hex lengths are errors.
func (t *ChunkDecoder) Decode(acc *[]byte) (data []byte, done bool, err error) {
	for {
		if t.sawFinal {
			if len(*acc) < 2 {
				return data, false, nil
			}
			if !bytes.HasPrefix(*acc, crlf) {
				return data, false, fmt.Errorf(me + ": Final chunk not terminated by CRLF")
			}
			*acc = (*acc)[2:]
			return data, true, nil
		}

		if t.into == t.chunkLen { // At a chunk boundary

			if t.needCRLF {
				if len(*acc) < 2 {
					return data, false, nil
				}
				if !bytes.HasPrefix(*acc, crlf) {
					return data, false, fmt.Errorf(me + ": Chunk data not terminated by CRLF")
				}
				*acc = (*acc)[2:]
				t.needCRLF = false
			}

			pos := bytes.Index(*acc, crlf)
			if pos < 0 {
				return data, false, nil // Length line incomplete
			}

			length, perr := strconv.ParseUint(string((*acc)[:pos]), 16, 31)
			if perr != nil { // Covers extensions (";...") and plain garbage
				return data, false, fmt.Errorf(me+": Bad chunk length line %q: %s",
					string((*acc)[:pos]), perr.Error())
			}
			*acc = (*acc)[pos+2:]
			t.chunkLen = int(length)
			t.into = 0
			t.needCRLF = false

			if t.chunkLen == 0 {
				t.sawFinal = true // The blank line closing the body is consumed above
			}

			continue
		}

		// Inside a chunk body
		want := t.chunkLen - t.into
		take := want
		if take > len(*acc) {
			take = len(*acc)
		}
		if take == 0 {
			return data, false, nil
		}

		data = append(data, (*acc)[:take]...)
		*acc = (*acc)[take:]
		t.into += take

		if t.into == t.chunkLen {
			t.needCRLF = true
		}
	}
}
