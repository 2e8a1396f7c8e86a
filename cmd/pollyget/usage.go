package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.GetProgramName}} -- fetch a URL with the {{.PackageName}} client engine

SYNOPSIS
          {{.GetProgramName}} [options] URL

DESCRIPTION
          {{.GetProgramName}} issues a single HTTP/1.1 request (or the same request repeatedly
          with -r) and writes the response body to Stdout. The URL scheme selects plain or TLS
          transport; a URL without a scheme is fetched as https. Name resolution, connecting,
          any TLS handshake and the response stream are all multiplexed over one poller by the
          {{.PackageName}} engine - this program is both a diagnostic tool and the reference
          consumer of that engine.

          Custom ports are not supported: requests go to port 80 (http) or 443 (https).

EXAMPLES
            $ {{.GetProgramName}} https://example.com/
            $ {{.GetProgramName}} -i -H 'Accept: application/json' https://api.example.net/v1/things
            $ {{.GetProgramName}} -X PUT -d '{"on":true}' http://light.local/state

OPTIONS
          [-hiv] [--version]

          [-X method] [-d body] [-H header...]

          [-r repeat count] [-t request timeout] [--resolver ip:port]

          [--tls-cert TLS Client Certificate file]
          [--tls-key TLS Client Key file]
          [--tls-other-roots TLS Root Certificate file...]
          [--tls-use-system-roots]

          [--gops] [--stats]
`

//////////////////////////////////////////////////////////////////////

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.includeHead, "i", false, "Include the status line and response headers in the output")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Log engine debug detail to Stderr")

	flagSet.StringVar(&cfg.method, "X", "", "Request `method` (default GET, or POST when -d is given)")
	flagSet.StringVar(&cfg.body, "d", "", "Request `body`")
	flagSet.Var(&cfg.headers, "H", "Request `header` as 'Name: value' (repeatable)")

	flagSet.IntVar(&cfg.repeatCount, "r", 1, "`Number` of times to issue the request (GE one)")
	flagSet.DurationVar(&cfg.requestTimeout, "t", 15*time.Second, "Whole-request `timeout` including DNS")
	flagSet.StringVar(&cfg.resolverAddr, "resolver", "", "Upstream DNS `ip:port` (default compiled in)")

	flagSet.StringVar(&cfg.tlsClientCertFile, "tls-cert", "", "TLS Client Certificate `file`")
	flagSet.StringVar(&cfg.tlsClientKeyFile, "tls-key", "", "TLS Client Key `file`")
	flagSet.Var(&cfg.tlsCAFiles, "tls-other-roots", "Non-system Root CA `file` used to validate the server")
	flagSet.BoolVar(&cfg.tlsUseSystemRootCAs, "tls-use-system-roots", true,
		"Validate TLS endpoints with system root CAs")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.BoolVar(&cfg.stats, "stats", false, "Print engine statistics to Stderr on exit")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
