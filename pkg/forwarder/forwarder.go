// Package forwarder dispatches DNS queries to upstream resolvers over
// UDP, fanning out to every upstream a decision names and merging the
// responses with upstream-list preference.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sixgate/pkg/logging"

	"github.com/miekg/dns"
)

// ErrAllUpstreamsFailed is returned when every upstream timed out or
// returned a transport error. The pipeline maps it to SERVFAIL.
var ErrAllUpstreamsFailed = errors.New("all upstream servers failed")

// Forwarder sends DNS queries to upstream servers
type Forwarder struct {
	timeout time.Duration
	logger  *logging.Logger

	clientPool sync.Pool
}

// New creates a forwarder with the given per-upstream exchange timeout
func New(timeout time.Duration, logger *logging.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	f := &Forwarder{
		timeout: timeout,
		logger:  logger,
	}

	f.clientPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: f.timeout,
		}
	}

	return f
}

// Timeout returns the per-upstream exchange timeout
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

type exchangeResult struct {
	idx  int
	resp *dns.Msg
	err  error
}

// Exchange queries all upstreams in parallel and returns one response.
//
// The merge respects upstream-list order, not wall-clock arrival: a
// later upstream's success is committed only once every earlier
// upstream has concluded (failed or responded), so the preferred
// upstream wins whenever it answers within its own timeout. Worst-case
// latency is bounded by the slowest responding upstream rather than
// the sum of all timeouts. When the context deadline fires first, the
// best success received so far (in list order) is used; in-flight
// exchanges are abandoned and late results discarded.
func (f *Forwarder) Exchange(ctx context.Context, r *dns.Msg, upstreams []string) (*dns.Msg, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("no upstream DNS servers configured")
	}

	results := make(chan exchangeResult, len(upstreams))
	for i, upstream := range upstreams {
		go func(idx int, upstream string) {
			results <- exchangeResult{idx: idx, resp: f.exchangeOne(ctx, r, upstream)}
		}(i, upstream)
	}

	responses := make([]*dns.Msg, len(upstreams))
	concluded := make([]bool, len(upstreams))

	for pending := len(upstreams); pending > 0; pending-- {
		select {
		case res := <-results:
			concluded[res.idx] = true
			responses[res.idx] = res.resp
			if resp := committedResponse(responses, concluded); resp != nil {
				return resp, nil
			}
		case <-ctx.Done():
			if resp := firstResponse(responses); resp != nil {
				return resp, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrAllUpstreamsFailed, ctx.Err())
		}
	}

	if resp := firstResponse(responses); resp != nil {
		return resp, nil
	}
	return nil, ErrAllUpstreamsFailed
}

// exchangeOne queries a single upstream, returning nil on any failure
func (f *Forwarder) exchangeOne(ctx context.Context, r *dns.Msg, upstream string) *dns.Msg {
	client := f.clientPool.Get().(*dns.Client)
	defer f.clientPool.Put(client)

	f.logger.Debug("Forwarding DNS query",
		"domain", r.Question[0].Name,
		"type", dns.TypeToString[r.Question[0].Qtype],
		"upstream", upstream,
	)

	resp, rtt, err := client.ExchangeContext(ctx, r, upstream)
	if err != nil {
		f.logger.Warn("Upstream query failed",
			"upstream", upstream,
			"error", err,
		)
		return nil
	}

	if resp == nil {
		return nil
	}

	if resp.Rcode == dns.RcodeServerFailure {
		f.logger.Warn("Upstream returned SERVFAIL",
			"upstream", upstream,
			"domain", r.Question[0].Name,
		)
		return nil
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", upstream,
		"domain", r.Question[0].Name,
		"rtt", rtt,
		"answers", len(resp.Answer),
	)

	return resp
}

// committedResponse returns the winning response once it can no longer
// be displaced by a more-preferred upstream: the first success whose
// earlier upstreams have all concluded without one.
func committedResponse(responses []*dns.Msg, concluded []bool) *dns.Msg {
	for i := range responses {
		if !concluded[i] {
			return nil
		}
		if responses[i] != nil {
			return responses[i]
		}
	}
	return nil
}

// firstResponse returns the most-preferred success received so far
func firstResponse(responses []*dns.Msg) *dns.Msg {
	for _, resp := range responses {
		if resp != nil {
			return resp
		}
	}
	return nil
}
