// tlsutil is a helper package to assemble client-side tls settings and sessions for the engine
package tlsutil

import (
	"crypto/tls"
	"errors"
	"net"

	"github.com/markdingo/pollyhttp/internal/constants"
	"github.com/markdingo/pollyhttp/internal/sockio"
)

// NewClientTLSConfig is a helper wrapper which creates a tls.Config for client-side HTTPS
// connections. If either root CAs are indicated or other CAs are supplied, server verification is
// enabled. If client key and cert files are supplied, they are loaded as client-side certificates
// to present to the server. Both key and cert must be present or both must be absent.
//
// The ServerName is deliberately left empty here - it differs per connection and is filled in by
// ClientSession.
//
// Returns a tls.Config or an error.
func NewClientTLSConfig(useSystemCAs bool, otherCAFiles []string, clientCertFile, clientKeyFile string) (*tls.Config, error) {
	verifyServer := useSystemCAs || len(otherCAFiles) > 0 // Will verify if any roots are supplied
	cfg := &tls.Config{
		InsecureSkipVerify: !verifyServer, // Ask to verify server if we have any CAs
		MinVersion:         tls.VersionTLS12,
	}
	if verifyServer { // Need a cert pool if we're using system or other CAs
		pool, err := loadroots(useSystemCAs, otherCAFiles)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if len(clientCertFile) > 0 || len(clientKeyFile) > 0 {
		if len(clientCertFile) == 0 || len(clientKeyFile) == 0 {
			return nil, errors.New("tlsutil: Client cert and key files must both be set or both be empty")
		}
		cert, err := tls.LoadX509KeyPair(clientCertFile, clientKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Session is a client TLS session over a non-blocking transport. It is *tls.Conn plus the one
// thing crypto/tls cannot do by itself: survive a would-block mid-handshake. crypto/tls latches
// the first handshake error permanently, so the handshake runs against a sockio.Patient which
// waits readiness out (bounded) instead of surfacing would-blocks. The moment the handshake
// completes the transport is switched to pass-through and application data behaves exactly like
// every other non-blocking read and write in the system.
type Session struct {
	*tls.Conn
	transport *sockio.Patient // Nil when the transport was not a sockio.Conn
}

// Handshake makes handshake progress. A nil return means the session is established and the
// transport has been demoted to plain non-blocking behaviour.
func (t *Session) Handshake() error {
	err := t.Conn.Handshake()
	if err == nil && t.transport != nil {
		t.transport.SetImpatient()
	}
	return err
}

// ClientSession wraps transport in a TLS client session speaking to serverName. The supplied
// config is cloned before the per-connection ServerName is set so one config safely serves many
// connections. The handshake is *not* started here; the caller drives it via Handshake.
//
// A *sockio.Conn transport gets the patient-handshake treatment described on Session; any other
// net.Conn is handed to crypto/tls as-is.
func ClientSession(cfg *tls.Config, transport net.Conn, serverName string) *Session {
	perConn := cfg.Clone()
	perConn.ServerName = serverName

	session := &Session{}
	if sc, ok := transport.(*sockio.Conn); ok {
		session.transport = sockio.NewPatient(sc, constants.Get().TLSHandshakePatience)
		session.Conn = tls.Client(session.transport, perConn)
	} else {
		session.Conn = tls.Client(transport, perConn)
	}

	return session
}
