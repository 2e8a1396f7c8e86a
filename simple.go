package pollyhttp

import (
	"io"
	"time"

	"github.com/markdingo/pollyhttp/poller"
)

// RequestErrorKind classifies how a blocking request failed. It mirrors the terminal response
// Kinds of the engine.
type RequestErrorKind int

const (
	ErrKindTimedOut RequestErrorKind = iota
	ErrKindUnknownHost
	ErrKindAborted
	ErrKindProtocol
)

// RequestError is the error type returned by SimpleClient for per-request failures. Transport
// and OS level failures are returned as their underlying error instead.
type RequestError struct {
	Kind RequestErrorKind
}

func (t *RequestError) Error() string {
	switch t.Kind {
	case ErrKindTimedOut:
		return "pollyhttp: request timed out"
	case ErrKindUnknownHost:
		return "pollyhttp: unknown host"
	case ErrKindAborted:
		return "pollyhttp: peer closed the connection before the response completed"
	}
	return "pollyhttp: malformed response"
}

// requestError maps a terminal response Kind onto a RequestError. Callers only pass error Kinds.
func requestError(kind Kind) *RequestError {
	switch kind {
	case KindTimedOut:
		return &RequestError{Kind: ErrKindTimedOut}
	case KindUnknownHost:
		return &RequestError{Kind: ErrKindUnknownHost}
	case KindAborted:
		return &RequestError{Kind: ErrKindAborted}
	}
	return &RequestError{Kind: ErrKindProtocol}
}

// SimpleResponse is a fully received response: the head plus the complete body.
type SimpleResponse struct {
	Head ResponseHead
	Body []byte
}

// SendResult is one request's outcome from SendMany. Exactly one of Response and Err is set.
type SendResult struct {
	Response *SimpleResponse
	Err      error
}

// SimpleClient wraps a Client and a private poller behind a blocking call interface for callers
// who do not want to run their own event loop. Like the engine it is strictly single-threaded.
//
//	sc, err := pollyhttp.NewSimpleClient(pollyhttp.Config{})
//	...
//	resp, err := sc.Send(pollyhttp.Get("example.com").Timeout(5 * time.Second).Build())
type SimpleClient struct {
	io        *poller.Poll
	client    *Client
	nextToken poller.Token
}

// NewSimpleClient creates a SimpleClient. config is passed through to the engine except for
// DNSToken which the SimpleClient owns (it reserves token zero for resolution and hands out the
// rest to requests).
func NewSimpleClient(config Config) (*SimpleClient, error) {
	config.DNSToken = poller.Token(0)

	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	client, err := New(config)
	if err != nil {
		p.Close()
		return nil, err
	}

	return &SimpleClient{io: p, client: client, nextToken: 1}, nil
}

// Close releases the private poller. In-flight requests, should any exist, are abandoned.
func (t *SimpleClient) Close() error {
	return t.io.Close()
}

// Name is part of the reporter.Reporter interface, delegated to the wrapped engine.
func (t *SimpleClient) Name() string {
	return t.client.Name()
}

// Report is part of the reporter.Reporter interface, delegated to the wrapped engine.
func (t *SimpleClient) Report(resetCounters bool) string {
	return t.client.Report(resetCounters)
}

func (t *SimpleClient) takeToken() poller.Token {
	token := t.nextToken
	t.nextToken++
	if t.nextToken == 0 { // Token zero stays reserved for the resolver across wraps
		t.nextToken = 1
	}
	return token
}

// pumpOnce blocks for the next batch of events - no longer than the earliest deadline - and
// pumps them through the engine.
func (t *SimpleClient) pumpOnce() ([]Response, error) {
	wait := time.Duration(-1)
	if d, ok := t.client.EarliestDeadline(); ok {
		wait = d
	}

	events, err := t.io.Wait(wait)
	if err != nil {
		return nil, err
	}

	return t.client.Pump(t.io, events)
}

// Send drives one request to completion and returns the whole response.
func (t *SimpleClient) Send(req Request) (*SimpleResponse, error) {
	ticket, err := t.client.Submit(t.io, t.takeToken(), req)
	if err != nil {
		return nil, err
	}

	var head *ResponseHead
	var body []byte

	for {
		responses, err := t.pumpOnce()
		if err != nil {
			return nil, err
		}

		for _, resp := range responses {
			if resp.Ticket != ticket {
				continue
			}
			switch resp.Kind {
			case KindHead:
				head = resp.Head
			case KindData:
				body = append(body, resp.Data...)
			case KindDone:
				if head == nil {
					return nil, &RequestError{Kind: ErrKindProtocol}
				}
				return &SimpleResponse{Head: *head, Body: body}, nil
			default:
				return nil, requestError(resp.Kind)
			}
		}
	}
}

// SendMany drives a batch of requests concurrently and returns one SendResult per request, in
// request order. The call itself only fails on engine-level errors; per-request failures land in
// the corresponding SendResult.
func (t *SimpleClient) SendMany(reqs []Request) ([]SendResult, error) {
	type builder struct {
		head *ResponseHead
		body []byte
	}

	results := make([]SendResult, len(reqs))
	builders := make([]builder, len(reqs))
	ticketToIx := make(map[Ticket]int, len(reqs))

	for ix, req := range reqs {
		ticket, err := t.client.Submit(t.io, t.takeToken(), req)
		if err != nil {
			return nil, err
		}
		ticketToIx[ticket] = ix
	}

	remaining := len(reqs)
	for remaining > 0 {
		responses, err := t.pumpOnce()
		if err != nil {
			return nil, err
		}

		for _, resp := range responses {
			ix, ok := ticketToIx[resp.Ticket]
			if !ok {
				continue
			}
			switch resp.Kind {
			case KindHead:
				builders[ix].head = resp.Head
			case KindData:
				builders[ix].body = append(builders[ix].body, resp.Data...)
			case KindDone:
				if builders[ix].head == nil {
					results[ix] = SendResult{Err: &RequestError{Kind: ErrKindProtocol}}
				} else {
					results[ix] = SendResult{Response: &SimpleResponse{
						Head: *builders[ix].head,
						Body: builders[ix].body,
					}}
				}
				remaining--
			default:
				results[ix] = SendResult{Err: requestError(resp.Kind)}
				remaining--
			}
		}
	}

	return results, nil
}

// StreamingResponse is what Stream hands back: the head immediately, the body lazily.
type StreamingResponse struct {
	Head ResponseHead
	Body *BodyReader
}

// Stream submits a request and blocks only until its head arrives. The body streams through the
// returned reader, pumping the event loop on demand, which keeps arbitrarily large responses out
// of memory.
func (t *SimpleClient) Stream(req Request) (*StreamingResponse, error) {
	ticket, err := t.client.Submit(t.io, t.takeToken(), req)
	if err != nil {
		return nil, err
	}

	reader := &BodyReader{sc: t, ticket: ticket}

	for {
		responses, err := t.pumpOnce()
		if err != nil {
			return nil, err
		}

		var head *ResponseHead
		for _, resp := range responses {
			if resp.Ticket != ticket {
				continue
			}
			switch resp.Kind {
			case KindHead:
				head = resp.Head
			case KindData:
				// The body can start arriving in the same pump as the head
				reader.storage = append(reader.storage, resp.Data...)
			case KindDone:
				reader.done = true
			default:
				return nil, requestError(resp.Kind)
			}
		}

		if head != nil {
			return &StreamingResponse{Head: *head, Body: reader}, nil
		}
		if reader.done {
			return nil, &RequestError{Kind: ErrKindProtocol}
		}
	}
}

// BodyReader is the lazy io.Reader over a streamed response body. Read pumps the owning
// SimpleClient's event loop whenever it runs out of already-received bytes.
type BodyReader struct {
	sc      *SimpleClient
	ticket  Ticket
	storage []byte
	done    bool
	failed  error
}

// Read is part of the io.Reader interface. After the body completes it returns 0, io.EOF; after
// a failure it keeps returning that failure.
func (t *BodyReader) Read(buf []byte) (int, error) {
	for len(t.storage) == 0 {
		if t.failed != nil {
			return 0, t.failed
		}
		if t.done {
			return 0, io.EOF
		}

		responses, err := t.sc.pumpOnce()
		if err != nil {
			t.failed = err
			return 0, err
		}

		for _, resp := range responses {
			if resp.Ticket != t.ticket {
				continue
			}
			switch resp.Kind {
			case KindData:
				t.storage = append(t.storage, resp.Data...)
			case KindDone:
				t.done = true
			case KindHead:
				// Cannot happen - Stream consumed the head
			default:
				t.failed = requestError(resp.Kind)
			}
		}
	}

	n := copy(buf, t.storage)
	t.storage = t.storage[n:]
	return n, nil
}
