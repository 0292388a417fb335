package dns

import (
	"cmp"
	"context"
	"net"
	"slices"
	"strconv"

	"braces.dev/errtrace"
)

// Target is a resolved "host:port" candidate.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string { return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port))) }

// SortSRV orders SRV records by priority ascending and, within equal
// priority, by weight descending. RFC 2782 prescribes weighted random
// selection within a priority group; the deterministic order keeps failover
// reproducible, which matters more here than load spreading.
func SortSRV(srvs []*SRV) []*SRV {
	srvs = slices.Clone(srvs)
	slices.SortFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs
}

// ResolveTargets resolves failover candidates for the SIP service on the
// given transport and host, per RFC 3263 section 4.2: NAPTR names the SRV
// record serving the transport, a conventional SRV query is the fallback,
// plain A/AAAA with the default port the last resort.
func (r *Resolver) ResolveTargets(
	ctx context.Context,
	proto, host string,
	defPort uint16,
) ([]Target, error) {
	if recs, err := r.LookupNAPTR(ctx, host); err == nil {
		if rec, ok := SelectNAPTR(recs, proto); ok {
			if srvs, err := r.LookupSRV(ctx, "", "", rec.Replacement); err == nil && len(srvs) > 0 {
				return srvTargets(srvs), nil
			}
		}
	}

	srvs, err := r.LookupSRV(ctx, "sip", proto, host)
	if err == nil && len(srvs) > 0 {
		return srvTargets(srvs), nil
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	targets := make([]Target, 0, len(ips))
	for _, ip := range ips {
		targets = append(targets, Target{Host: ip.String(), Port: defPort})
	}
	return targets, nil
}

func srvTargets(srvs []*SRV) []Target {
	targets := make([]Target, 0, len(srvs))
	for _, srv := range SortSRV(srvs) {
		targets = append(targets, Target{Host: srv.Target, Port: srv.Port})
	}
	return targets
}
