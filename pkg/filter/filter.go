// Package filter applies a policy decision to an aggregated upstream
// answer: record-type gating first, then geo-based AAAA suppression,
// then reachability-based AAAA suppression.
package filter

import (
	"context"
	"net"
	"sync"

	"sixgate/pkg/geoip"
	"sixgate/pkg/logging"
	"sixgate/pkg/policy"
	"sixgate/pkg/probe"

	"github.com/miekg/dns"
)

// Filter narrows upstream answers to what the policy decision allows.
// A and AAAA gating comes from the decision's record filter; country
// and reachability checks apply to AAAA candidates only, never to A
// records.
type Filter struct {
	geo    geoip.Lookup
	prober probe.Prober
	logger *logging.Logger

	// keepUnknownCountry keeps AAAA candidates the GeoIP database has
	// no country for (fail-open). keepIndeterminate keeps candidates
	// whose probe could not conclude (fail-open); the default config
	// is fail-closed there.
	keepUnknownCountry bool
	keepIndeterminate  bool
}

// Option configures a Filter
type Option func(*Filter)

// WithUnknownCountryAllowed controls the fail-open/closed choice for
// addresses the GeoIP database does not know.
func WithUnknownCountryAllowed(allowed bool) Option {
	return func(f *Filter) { f.keepUnknownCountry = allowed }
}

// WithIndeterminateProbeAllowed controls the fail-open/closed choice
// for probes that could not conclude.
func WithIndeterminateProbeAllowed(allowed bool) Option {
	return func(f *Filter) { f.keepIndeterminate = allowed }
}

// New creates a filter. geo may be nil when no country database is
// configured; prober may be nil when no rule requires reachability.
func New(geo geoip.Lookup, prober probe.Prober, logger *logging.Logger, opts ...Option) *Filter {
	f := &Filter{
		geo:                geo,
		prober:             prober,
		logger:             logger,
		keepUnknownCountry: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Apply filters the answer records per the decision, preserving record
// order. It never fails: the worst outcome is an empty slice, which
// the pipeline answers as success-with-empty-answer.
func (f *Filter) Apply(ctx context.Context, answers []dns.RR, decision *policy.Decision) []dns.RR {
	kept := make([]dns.RR, 0, len(answers))
	for _, rr := range answers {
		if decision.Allows(rr.Header().Rrtype) {
			kept = append(kept, rr)
		}
	}

	if len(decision.Countries) > 0 {
		kept = f.applyCountryFilter(kept, decision.Countries)
	}

	if decision.RequireReachable {
		kept = f.applyReachabilityFilter(ctx, kept)
	}

	return kept
}

// applyCountryFilter drops AAAA records whose address has a known,
// disallowed country. Addresses with no country in the database are
// kept or dropped per the unknown-country policy knob.
func (f *Filter) applyCountryFilter(answers []dns.RR, countries []string) []dns.RR {
	allowed := make(map[string]struct{}, len(countries))
	for _, country := range countries {
		allowed[country] = struct{}{}
	}

	kept := answers[:0]
	for _, rr := range answers {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			kept = append(kept, rr)
			continue
		}

		code, known := f.lookupCountry(aaaa.AAAA)
		if !known {
			if f.keepUnknownCountry {
				kept = append(kept, rr)
			} else {
				f.logger.Debug("Dropping AAAA with unknown country", "addr", aaaa.AAAA)
			}
			continue
		}

		if _, ok := allowed[code]; ok {
			kept = append(kept, rr)
		} else {
			f.logger.Debug("Dropping AAAA by country filter",
				"addr", aaaa.AAAA,
				"country", code,
			)
		}
	}
	return kept
}

func (f *Filter) lookupCountry(ip net.IP) (string, bool) {
	if f.geo == nil {
		return "", false
	}
	return f.geo.Country(ip)
}

// applyReachabilityFilter probes every AAAA candidate concurrently and
// keeps those that answered. All probes for one response run in
// parallel, so the filter adds at most one probe timeout to the query.
func (f *Filter) applyReachabilityFilter(ctx context.Context, answers []dns.RR) []dns.RR {
	if f.prober == nil {
		// No prober available; treat every candidate as indeterminate
		if f.keepIndeterminate {
			return answers
		}
		return dropAAAA(answers)
	}

	results := make([]probe.Result, len(answers))
	var wg sync.WaitGroup
	for i, rr := range answers {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			results[i] = probe.Reachable
			continue
		}
		wg.Add(1)
		go func(i int, ip net.IP) {
			defer wg.Done()
			results[i] = f.prober.Probe(ctx, ip)
		}(i, aaaa.AAAA)
	}
	wg.Wait()

	kept := answers[:0]
	for i, rr := range answers {
		switch results[i] {
		case probe.Reachable:
			kept = append(kept, rr)
		case probe.Indeterminate:
			if f.keepIndeterminate {
				kept = append(kept, rr)
			} else {
				f.logger.Debug("Dropping AAAA, probe indeterminate", "record", rr.Header().Name)
			}
		default:
			f.logger.Debug("Dropping unreachable AAAA", "record", rr.Header().Name)
		}
	}
	return kept
}

func dropAAAA(answers []dns.RR) []dns.RR {
	kept := answers[:0]
	for _, rr := range answers {
		if rr.Header().Rrtype != dns.TypeAAAA {
			kept = append(kept, rr)
		}
	}
	return kept
}
