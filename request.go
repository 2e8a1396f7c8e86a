package pollyhttp

import (
	"strings"
	"time"

	"github.com/markdingo/pollyhttp/internal/httpwire"
)

// Method is an HTTP request method. Any string is accepted on the wire; the constants below
// cover the usual set.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
)

// Header is one name/value pair on either the request or the response side.
type Header struct {
	Name  string
	Value string
}

// Request describes one HTTP request to submit. Construct it directly or via NewRequest. The
// engine supplies Host, Content-Length and Connection itself (and Accept-Encoding: identity
// unless a Headers entry overrides it); a caller-supplied Content-Length or Connection header is
// rejected at Submit time.
//
// A zero Timeout means the request may take forever. A non-zero Timeout covers the entire
// lifecycle including name resolution.
type Request struct {
	Method  Method // Empty means GET
	Secure  bool   // Use TLS (port 443) instead of plain TCP (port 80)
	Host    string
	Path    string // With or without the leading slash; may already carry a query string
	Headers []Header
	Body    []byte
	Timeout time.Duration
}

// format normalises the host and renders the request into its wire blob. The returned host is
// the IDNA ASCII form which is also what resolution, caching and SNI should use.
func (t *Request) format() (wire []byte, host string, err error) {
	host, err = httpwire.NormalizeHost(t.Host)
	if err != nil {
		return nil, "", err
	}

	method := t.Method
	if method == "" {
		method = MethodGet
	}

	headers := make([]httpwire.Header, 0, len(t.Headers))
	for _, hdr := range t.Headers {
		headers = append(headers, httpwire.Header{Name: hdr.Name, Value: hdr.Value})
	}

	wire, err = httpwire.FormatRequest(httpwire.RequestSpec{
		Method:  string(method),
		Host:    host,
		Path:    t.Path,
		Headers: headers,
		Body:    t.Body,
	})
	if err != nil {
		return nil, "", err
	}

	return wire, host, nil
}

// RequestBuilder accumulates the pieces of a Request via chained calls. Obtain one from
// NewRequest, Get or Post and finish with Build:
//
//	req := pollyhttp.Get("example.com").Path("/search").Query("q", "things").
//		Timeout(2 * time.Second).Build()
type RequestBuilder struct {
	request Request
	queries []string // Pre-joined "name=value" pairs, serialised by Build
}

// NewRequest starts a builder with every field at its default (a GET with no host).
func NewRequest() *RequestBuilder {
	return &RequestBuilder{}
}

// Get starts a builder for a GET of host.
func Get(host string) *RequestBuilder {
	return NewRequest().Method(MethodGet).Host(host)
}

// Post starts a builder for a POST to host.
func Post(host string) *RequestBuilder {
	return NewRequest().Method(MethodPost).Host(host)
}

// Method sets the request method.
func (t *RequestBuilder) Method(method Method) *RequestBuilder {
	t.request.Method = method
	return t
}

// Secure selects TLS.
func (t *RequestBuilder) Secure() *RequestBuilder {
	t.request.Secure = true
	return t
}

// Host sets the target host.
func (t *RequestBuilder) Host(host string) *RequestBuilder {
	t.request.Host = host
	return t
}

// Path sets the URI path.
func (t *RequestBuilder) Path(path string) *RequestBuilder {
	t.request.Path = path
	return t
}

// Query appends one query parameter. Values go onto the wire as typed - there is no
// percent-encoding.
func (t *RequestBuilder) Query(name, value string) *RequestBuilder {
	t.queries = append(t.queries, name+"="+value)
	return t
}

// Set appends one request header. Reserved headers are rejected later, by Submit, so a bad name
// here cannot panic mid-chain.
func (t *RequestBuilder) Set(name, value string) *RequestBuilder {
	t.request.Headers = append(t.request.Headers, Header{Name: name, Value: value})
	return t
}

// Body sets the request body bytes.
func (t *RequestBuilder) Body(body []byte) *RequestBuilder {
	t.request.Body = body
	return t
}

// BodyString is Body for string content.
func (t *RequestBuilder) BodyString(body string) *RequestBuilder {
	t.request.Body = []byte(body)
	return t
}

// Timeout sets the whole-lifecycle deadline.
func (t *RequestBuilder) Timeout(timeout time.Duration) *RequestBuilder {
	t.request.Timeout = timeout
	return t
}

// Build assembles the final Request, folding accumulated query parameters onto the path.
func (t *RequestBuilder) Build() Request {
	request := t.request
	if len(t.queries) > 0 {
		request.Path += "?" + strings.Join(t.queries, "&")
	}
	return request
}
