package httpwire

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatRequestLayout(t *testing.T) {
	blob, err := FormatRequest(RequestSpec{
		Method: "POST",
		Host:   "example.com",
		Path:   "//api/things?a=1&b=2",
		Headers: []Header{
			{Name: "X-Custom", Value: "yes"},
		},
		Body: []byte("hello"),
	})
	if err != nil {
		t.Fatal("Did not expect a format error", err)
	}

	text := string(blob)
	if !strings.HasPrefix(text, "POST /api/things?a=1&b=2 HTTP/1.1\r\n") {
		t.Error("Request line wrong (leading slashes must collapse):", strings.SplitN(text, "\r\n", 2)[0])
	}
	for _, want := range []string{
		"Host: example.com\r\n",
		"X-Custom: yes\r\n",
		"Content-Length: 5\r\n",
		"Connection: close\r\n",
		"Accept-Encoding: identity\r\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Formatted request is missing %q", want)
		}
	}
	if !strings.HasSuffix(text, "\r\n\r\nhello") {
		t.Error("Body must follow the blank line, got tail", text[len(text)-12:])
	}
}

func TestFormatRequestEmptyPath(t *testing.T) {
	blob, err := FormatRequest(RequestSpec{Method: "GET", Host: "h"})
	if err != nil {
		t.Fatal("Did not expect a format error", err)
	}
	if !strings.HasPrefix(string(blob), "GET / HTTP/1.1\r\n") {
		t.Error("Empty path must become a bare slash:", strings.SplitN(string(blob), "\r\n", 2)[0])
	}
}

func TestFormatRequestReservedHeaders(t *testing.T) {
	for _, name := range []string{"Content-Length", "content-length", "Connection"} {
		_, err := FormatRequest(RequestSpec{
			Method:  "GET",
			Host:    "example.com",
			Headers: []Header{{Name: name, Value: "x"}},
		})
		if err == nil {
			t.Error("Expected a reserved-header error for", name)
		}
	}
}

func TestFormatRequestCallerAcceptEncodingWins(t *testing.T) {
	blob, err := FormatRequest(RequestSpec{
		Method:  "GET",
		Host:    "example.com",
		Headers: []Header{{Name: "Accept-Encoding", Value: "gzip"}},
	})
	if err != nil {
		t.Fatal("Did not expect a format error", err)
	}
	if strings.Contains(string(blob), "identity") {
		t.Error("Default Accept-Encoding must be suppressed when the caller supplies one")
	}
	if !strings.Contains(string(blob), "Accept-Encoding: gzip\r\n") {
		t.Error("Caller's Accept-Encoding went missing")
	}
}

func TestFormatRequestIDNA(t *testing.T) {
	blob, err := FormatRequest(RequestSpec{Method: "GET", Host: "bücher.example"})
	if err != nil {
		t.Fatal("Did not expect a format error", err)
	}
	if !strings.Contains(string(blob), "Host: xn--bcher-kva.example\r\n") {
		t.Error("Non-ASCII host was not punycoded:", string(blob))
	}
}

func TestParseHeadIncomplete(t *testing.T) {
	head, n, err := ParseHead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n"))
	if err != nil {
		t.Fatal("Incomplete head must not be an error, got", err)
	}
	if head != nil || n != 0 {
		t.Error("Incomplete head must return nil/0, got", head, n)
	}
}

func TestParseHeadComplete(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-A: one\r\nX-A: two\r\n\r\nhel")
	head, n, err := ParseHead(raw)
	if err != nil {
		t.Fatal("Did not expect a parse error", err)
	}
	if head == nil {
		t.Fatal("Complete head not recognised")
	}
	if head.StatusCode != 200 || head.Reason != "OK" {
		t.Error("Status wrong:", head.StatusCode, head.Reason)
	}
	if head.ContentLength != 5 {
		t.Error("Content-Length wrong:", head.ContentLength)
	}
	if head.TransferChunked {
		t.Error("TransferChunked must be false without the header")
	}
	if string(raw[n:]) != "hel" {
		t.Error("Head length must leave the body prefix in place, leftover:", string(raw[n:]))
	}
	if head.Header("x-a") != "one" {
		t.Error("Case-insensitive first-value lookup failed:", head.Header("x-a"))
	}
	if vals := head.Values("X-A"); len(vals) != 2 || vals[1] != "two" {
		t.Error("Values lookup failed:", vals)
	}
}

func TestParseHeadChunked(t *testing.T) {
	head, _, err := ParseHead([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
	if err != nil {
		t.Fatal("Did not expect a parse error", err)
	}
	if !head.TransferChunked {
		t.Error("Transfer-Encoding: chunked not detected")
	}
	if head.ContentLength != 0 {
		t.Error("Absent Content-Length must report zero, got", head.ContentLength)
	}
}

func TestParseHeadEmptyReason(t *testing.T) {
	head, _, err := ParseHead([]byte("HTTP/1.1 204\r\n\r\n"))
	if err != nil {
		t.Fatal("A status line without a reason is legal, got", err)
	}
	if head.StatusCode != 204 || head.Reason != "" {
		t.Error("Status wrong:", head.StatusCode, head.Reason)
	}
}

func TestParseHeadMalformed(t *testing.T) {
	cases := []string{
		"FTP/1.1 200 OK\r\n\r\n",                          // Not HTTP
		"HTTP/1.1 abc OK\r\n\r\n",                         // Non-numeric status
		"HTTP/1.1 200 OK\r\nNoColonHere\r\n\r\n",          // Header without a colon
		"HTTP/1.1 200 OK\r\nContent-Length: five\r\n\r\n", // Non-numeric length
		"HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n",   // Negative length
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip\r\n\r\n",
	}
	for _, c := range cases {
		_, _, err := ParseHead([]byte(c))
		if err == nil {
			t.Errorf("Expected a parse error for %q", c)
		}
	}
}

func TestChunkDecodeWhole(t *testing.T) {
	acc := []byte("5\r\nhello\r\n0\r\n\r\n")
	var dec ChunkDecoder
	data, done, err := dec.Decode(&acc)
	if err != nil {
		t.Fatal("Did not expect a decode error", err)
	}
	if !done {
		t.Fatal("Complete body not recognised as done")
	}
	if string(data) != "hello" {
		t.Error("Wrong data:", string(data))
	}
	if len(acc) != 0 {
		t.Error("Decoder left bytes behind:", string(acc))
	}
}

func TestChunkDecodeMultiple(t *testing.T) {
	acc := []byte("3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n")
	var dec ChunkDecoder
	data, done, err := dec.Decode(&acc)
	if err != nil || !done {
		t.Fatal("Expected clean completion, got", done, err)
	}
	if string(data) != "abcde" {
		t.Error("Wrong data:", string(data))
	}
}

// Feed the stream one byte at a time to exercise every suspension point
func TestChunkDecodeDribble(t *testing.T) {
	stream := []byte("4\r\nwxyz\r\n10\r\n0123456789abcdef\r\n0\r\n\r\n")
	want := "wxyz0123456789abcdef"

	var dec ChunkDecoder
	var acc []byte
	var got bytes.Buffer
	done := false
	for _, b := range stream {
		acc = append(acc, b)
		data, d, err := dec.Decode(&acc)
		if err != nil {
			t.Fatal("Did not expect a decode error mid-dribble", err)
		}
		got.Write(data)
		if d {
			done = true
		}
	}
	if !done {
		t.Fatal("Dribbled stream never completed")
	}
	if got.String() != want {
		t.Errorf("Wrong data: %q want %q", got.String(), want)
	}
}

func TestChunkDecodeSuspendInsideChunk(t *testing.T) {
	acc := []byte("a\r\n01234")
	var dec ChunkDecoder
	data, done, err := dec.Decode(&acc)
	if err != nil || done {
		t.Fatal("Expected suspension, got", done, err)
	}
	if string(data) != "01234" {
		t.Error("Partial chunk data wrong:", string(data))
	}

	acc = append(acc, []byte("56789\r\n0\r\n\r\n")...)
	data, done, err = dec.Decode(&acc)
	if err != nil || !done {
		t.Fatal("Expected completion after the remainder arrived, got", done, err)
	}
	if string(data) != "56789" {
		t.Error("Second half wrong:", string(data))
	}
}

func TestChunkDecodeErrors(t *testing.T) {
	cases := []string{
		"zz\r\nhello",        // Non-hex length
		"5;ext=1\r\nhello\r", // Chunk extensions are unsupported
		"2\r\nabX\r\n",       // Data not followed by CRLF
	}
	for _, c := range cases {
		acc := []byte(c)
		var dec ChunkDecoder
		_, _, err := dec.Decode(&acc)
		if err == nil {
			t.Errorf("Expected a decode error for %q", c)
		}
	}
}

func TestChunkDecodeEmptyLengthLine(t *testing.T) {
	acc := []byte("\r\nhello")
	var dec ChunkDecoder
	_, _, err := dec.Decode(&acc)
	if err == nil {
		t.Error("An empty chunk length line must be an error")
	}
}
