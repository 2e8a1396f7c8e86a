package main

import (
	"time"

	"github.com/markdingo/pollyhttp/internal/flagutil"
)

type config struct {
	help    bool
	version bool
	verbose bool
	gops    bool
	stats   bool

	includeHead bool
	method      string
	body        string
	headers     flagutil.StringValue // Repeatable "Name: value" request headers

	repeatCount    int
	requestTimeout time.Duration
	resolverAddr   string

	tlsClientCertFile   string
	tlsClientKeyFile    string
	tlsCAFiles          flagutil.StringValue // Non-system root CAs
	tlsUseSystemRootCAs bool                 // Do/Do not use system root CAs
}
