package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver layers the RFC 3263 lookups needed for SIP failover on top of
// net.Resolver: NAPTR through a raw DNS exchange, SRV and A/AAAA through
// the standard library.
type Resolver struct {
	net.Resolver

	// NameServer is the server for NAPTR queries, "host" or "host:port".
	// The first entry of /etc/resolv.conf is used when empty.
	NameServer string
	// Timeout bounds a single NAPTR exchange, default 5 seconds.
	Timeout time.Duration
}

// LookupIP resolves A/AAAA records of the host,
// normalizing mapped IPv4 addresses.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

type SRV = net.SRV

// LookupSRV resolves SRV records of the service on the proto. With both
// empty the name is queried directly, the NAPTR replacement path.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR is an RFC 3403 record. RFC 3263 step 1 reads these to learn which
// transports the domain serves and which SRV name each one hides behind.
type NAPTR struct {
	// Order ranks records, lower first.
	Order uint16
	// Preference breaks Order ties, lower first.
	Preference uint16
	// Flags drive the rewrite: "s" points Replacement at an SRV name,
	// "a" at an A/AAAA name, "u" carries a terminal URI in Regexp.
	Flags string
	// Service names the protocol slot, e.g. "SIP+D2U" or "SIPS+D2T".
	Service string
	// Regexp is the substitution expression, usually empty for SIP.
	Regexp string
	// Replacement is the name of the next query.
	Replacement string
}

// LookupNAPTR queries NAPTR records of the host, sorted by order then
// preference. net.Resolver has no NAPTR support, the query runs as a raw
// exchange against the configured name server.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		rr, ok := ans.(*dns.NAPTR)
		if !ok {
			continue
		}
		recs = append(recs, &NAPTR{
			Order:       rr.Order,
			Preference:  rr.Preference,
			Flags:       rr.Flags,
			Service:     rr.Service,
			Regexp:      rr.Regexp,
			Replacement: rr.Replacement,
		})
	}
	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

// SelectNAPTR picks the first SRV-flagged record announcing the transport.
// Records are expected in order/preference order, as [Resolver.LookupNAPTR]
// returns them.
func SelectNAPTR(recs []*NAPTR, proto string) (*NAPTR, bool) {
	service := naptrService(proto)
	if service == "" {
		return nil, false
	}
	for _, rec := range recs {
		if strings.EqualFold(rec.Flags, "s") && strings.EqualFold(rec.Service, service) {
			return rec, true
		}
	}
	return nil, false
}

// naptrService maps a transport to the NAPTR service tag it is announced
// under, RFC 3263 section 4.1.
func naptrService(proto string) string {
	switch {
	case strings.EqualFold(proto, "udp"):
		return "SIP+D2U"
	case strings.EqualFold(proto, "tcp"):
		return "SIP+D2T"
	case strings.EqualFold(proto, "tls"):
		return "SIPS+D2T"
	case strings.EqualFold(proto, "sctp"):
		return "SIP+D2S"
	default:
		return ""
	}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
