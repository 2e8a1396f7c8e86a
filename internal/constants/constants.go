/*
Package constants provides common values used across all pollyhttp packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.GetProgramName, "part of", consts.PackageName)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

import (
	"time"
)

// Constants contains the system-wide constants
type Constants struct {
	GetProgramName string // Package related constants
	Version        string
	PackageName    string
	PackageURL     string

	HTTPDefaultPort  uint16 // HTTP related constants
	HTTPSDefaultPort uint16

	HostHeader           string // Headers managed by the request formatter. Callers
	ContentLengthHeader  string // cannot set Content-Length or Connection themselves.
	ConnectionHeader     string
	AcceptEncodingHeader string

	ConnectionValue     string // Always "close" - keep-alive is not supported
	AcceptEncodingValue string // Set unless the caller supplied their own

	HTTPReadChunkSize int // Scratch buffer growth unit while receiving

	TLSHandshakePatience time.Duration // Per-call readiness wait budget during a TLS handshake

	DNSResolverAddress string // Upstream recursive resolver for A lookups
	DNSMaxPacketSize   int    // Receive buffer for a single response datagram
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		GetProgramName: "pollyget",
		Version:        "v0.1.0",
		PackageName:    "pollyhttp",
		PackageURL:     "https://github.com/markdingo/pollyhttp",

		HTTPDefaultPort:  80,
		HTTPSDefaultPort: 443,

		HostHeader:           "Host",
		ContentLengthHeader:  "Content-Length",
		ConnectionHeader:     "Connection",
		AcceptEncodingHeader: "Accept-Encoding",

		ConnectionValue:     "close",
		AcceptEncodingValue: "identity",

		HTTPReadChunkSize: 2048,

		TLSHandshakePatience: 10 * time.Second,

		DNSResolverAddress: "8.8.8.8:53",
		DNSMaxPacketSize:   1024,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
