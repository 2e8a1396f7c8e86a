// Fetch a URL with the pollyhttp client engine
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/google/gops/agent"
	"github.com/rs/zerolog"

	"github.com/markdingo/pollyhttp"
	"github.com/markdingo/pollyhttp/internal/constants"
	"github.com/markdingo/pollyhttp/internal/reporter"
	"github.com/markdingo/pollyhttp/internal/tlsutil"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer
	stderr io.Writer

	flagSet *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.GetProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

//////////////////////////////////////////////////////////////////////
// main is a wrapper for mainExecute() so tests can call mainExecute()
//////////////////////////////////////////////////////////////////////

func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.GetProgramName, "Version:", consts.Version)
		return 0
	}

	if cfg.repeatCount < 1 {
		return fatal("Repeat count (-r) must be GE one, not", cfg.repeatCount)
	}

	// Validate URL from command line

	if flagSet.NArg() < 1 {
		return fatal("Require URL on command line. Consider -h")
	}
	if flagSet.NArg() > 1 {
		return fatal("Don't know what to do with residual goop on command line:", flagSet.Arg(1))
	}
	rawURL := flagSet.Arg(0)
	if len(rawURL) == 0 {
		return fatal("URL cannot be an empty string")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fatal(err)
	}
	if len(u.Scheme) == 0 && len(u.Host) == 0 && len(u.Path) > 0 { // A bare host looks like this
		parts := strings.SplitN(u.Path, "/", 2)
		u.Host = parts[0]
		u.Path = ""
		if len(parts) == 2 {
			u.Path = "/" + parts[1]
		}
	}
	if len(u.Host) == 0 {
		return fatal(rawURL, "does not contain a hostname")
	}
	if len(u.Scheme) == 0 {
		u.Scheme = "https"
	}

	var secure bool
	switch u.Scheme {
	case "http":
	case "https":
		secure = true
	default:
		return fatal("Unsupported URL scheme:", u.Scheme)
	}
	if len(u.Port()) > 0 {
		return fatal("Custom ports are not supported:", u.Host)
	}

	// Assemble the request

	builder := pollyhttp.NewRequest().Host(u.Hostname()).Path(u.Path).Timeout(cfg.requestTimeout)
	if secure {
		builder.Secure()
	}
	if len(u.RawQuery) > 0 {
		builder.Path(u.Path + "?" + u.RawQuery)
	}

	method := pollyhttp.Method(strings.ToUpper(cfg.method))
	if len(method) == 0 {
		method = pollyhttp.MethodGet
		if len(cfg.body) > 0 {
			method = pollyhttp.MethodPost
		}
	}
	builder.Method(method)
	if len(cfg.body) > 0 {
		builder.BodyString(cfg.body)
	}

	for _, hdr := range cfg.headers.Args() {
		name, value, found := strings.Cut(hdr, ":")
		name = strings.TrimSpace(name)
		if !found || len(name) == 0 {
			return fatal("Header (-H) must look like 'Name: value', not", hdr)
		}
		builder.Set(name, strings.TrimSpace(value))
	}

	request := builder.Build()

	// Construct the engine: logging, TLS and resolver settings all flow in via the Config

	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).Level(zerolog.InfoLevel)
	if cfg.verbose {
		logger = logger.Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}

	tlsConfig, err := tlsutil.NewClientTLSConfig(cfg.tlsUseSystemRootCAs, cfg.tlsCAFiles.Args(),
		cfg.tlsClientCertFile, cfg.tlsClientKeyFile)
	if err != nil {
		return fatal(err)
	}

	client, err := pollyhttp.NewSimpleClient(pollyhttp.Config{
		ResolverAddress: cfg.resolverAddr,
		Logger:          logger,
		TLS: func(transport net.Conn, serverName string) pollyhttp.TLSSession {
			return tlsutil.ClientSession(tlsConfig, transport, serverName)
		},
	})
	if err != nil {
		return fatal(err)
	}
	defer client.Close()

	if cfg.gops {
		err = agent.Listen(agent.Options{})
		if err != nil {
			return fatal(err)
		}
		defer agent.Close()
	}

	// Issue the request the requested number of times. Responses stream to Stdout as they
	// arrive rather than accumulating in memory.

	exitCode := 0
	for qx := 0; qx < cfg.repeatCount; qx++ {
		err = fetchOnce(client, request)
		if err != nil {
			exitCode = fatal(err)
			break
		}
	}

	if cfg.stats {
		printReport(client)
	}

	return exitCode
}

// printReport writes a reporter's output to stderr, one prefixed line at a time
func printReport(rep reporter.Reporter) {
	for _, line := range strings.Split(rep.Report(false), "\n") {
		if len(line) > 0 {
			fmt.Fprintln(stderr, rep.Name()+": "+line)
		}
	}
}

//////////////////////////////////////////////////////////////////////

func fetchOnce(client *pollyhttp.SimpleClient, request pollyhttp.Request) error {
	resp, err := client.Stream(request)
	if err != nil {
		return err
	}

	if cfg.includeHead {
		fmt.Fprintf(stdout, "HTTP %d %s\n", resp.Head.StatusCode, resp.Head.Reason)
		for _, hdr := range resp.Head.Headers {
			fmt.Fprintf(stdout, "%s: %s\n", hdr.Name, hdr.Value)
		}
		fmt.Fprintln(stdout)
	}

	_, err = io.Copy(stdout, resp.Body)

	return err
}
