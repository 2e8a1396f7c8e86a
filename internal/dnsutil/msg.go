/*
Package dnsutil provides the small amount of DNS message manipulation needed by the resolver: build
an A query for a host and classify the response datagram that comes back. All real message work is
delegated to the miekg/dns package; what lives here is the mapping from raw wire bytes onto the
three-way Known/Unknown/Error verdict the resolver hands to the engine.
*/
package dnsutil

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const me = "dnsutil"

// Verdict is the classification of a response datagram.
type Verdict int

const (
	// VerdictKnown - NOERROR with at least one A answer. Addr and TTL are valid.
	VerdictKnown Verdict = iota

	// VerdictUnknown - the authoritative answer is that the name does not exist (NXDOMAIN).
	VerdictUnknown

	// VerdictError - every other outcome: NOERROR without an A answer (e.g. a name with only
	// AAAA records), a SERVFAIL/REFUSED style rcode, or a reply we could not make sense of.
	VerdictError
)

func (t Verdict) String() string {
	switch t {
	case VerdictKnown:
		return "Known"
	case VerdictUnknown:
		return "Unknown"
	}
	return "Error"
}

// BuildAQuery packs a recursion-desired A/IN question for host under the supplied message ID.
// host need not be fully qualified; a root dot is appended as required.
func BuildAQuery(id uint16, host string) ([]byte, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	query.RecursionDesired = true
	query.Id = id

	pkt, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf(me+": Pack of query for %s failed: %s", host, err.Error())
	}

	return pkt, nil
}

// PacketID extracts the message ID from a raw datagram without a full unpack. Returns false if the
// datagram is too short to even carry an ID, in which case it cannot be matched to any query and
// the caller should drop it.
func PacketID(pkt []byte) (uint16, bool) {
	if len(pkt) < 2 {
		return 0, false
	}
	return uint16(pkt[0])<<8 | uint16(pkt[1]), true
}

// ClassifyAResponse unpacks a response datagram and reduces it to a Verdict. Only A answers are
// consumed - AAAA and CNAME records in the answer section are skipped over. The returned TTL is
// the matched answer's TTL. A non-nil error means the datagram did not unpack at all; the caller
// can still match it to a query via PacketID.
func ClassifyAResponse(pkt []byte) (verdict Verdict, addr net.IP, ttl time.Duration, err error) {
	reply := new(dns.Msg)
	err = reply.Unpack(pkt)
	if err != nil {
		return VerdictError, nil, 0, fmt.Errorf(me+": Unpack of response failed: %s", err.Error())
	}

	switch reply.Rcode {
	case dns.RcodeSuccess:
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				ip4 := a.A.To4()
				if ip4 == nil {
					continue
				}
				return VerdictKnown, append(net.IP{}, ip4...),
					time.Duration(a.Hdr.Ttl) * time.Second, nil
			}
		}
		return VerdictError, nil, 0, nil // NOERROR but nothing we can connect to

	case dns.RcodeNameError:
		return VerdictUnknown, nil, 0, nil
	}

	return VerdictError, nil, 0, nil
}
