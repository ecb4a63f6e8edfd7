package pipeline

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"sixgate/pkg/config"
	"sixgate/pkg/filter"
	"sixgate/pkg/forwarder"
	"sixgate/pkg/geoip"
	"sixgate/pkg/logging"
	"sixgate/pkg/policy"
	"sixgate/pkg/probe"
	"sixgate/pkg/rules"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUpstream is a UDP DNS server answering every A query with v4Addrs
// and every AAAA query with v6Addrs, counting the queries it sees.
type mockUpstream struct {
	addr    string
	queries atomic.Int64
}

func startUpstream(t *testing.T, v4Addrs, v6Addrs []string) *mockUpstream {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &mockUpstream{addr: pc.LocalAddr().String()}
	server := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m.queries.Add(1)
		msg := new(dns.Msg)
		msg.SetReply(r)
		name := r.Question[0].Name
		switch r.Question[0].Qtype {
		case dns.TypeA:
			for _, addr := range v4Addrs {
				msg.Answer = append(msg.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(addr).To4(),
				})
			}
		case dns.TypeAAAA:
			for _, addr := range v6Addrs {
				msg.Answer = append(msg.Answer, &dns.AAAA{
					Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
					AAAA: net.ParseIP(addr),
				})
			}
		}
		_ = w.WriteMsg(msg)
	})}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return m
}

func newPipeline(t *testing.T, cfgRules []config.RuleConfig, defaults []string,
	geo geoip.Lookup, prober probe.Prober, opts ...filter.Option,
) *Pipeline {
	t.Helper()
	logger := logging.NewDefault()

	store, err := rules.NewStore(cfgRules)
	require.NoError(t, err)
	engine := policy.NewEngine(store, defaults)
	fwd := forwarder.New(time.Second, logger)
	flt := filter.New(geo, prober, logger, opts...)
	return New(engine, fwd, flt, time.Second, 300*time.Millisecond, nil, logger)
}

func query(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	return msg
}

func answerAddrs(resp *dns.Msg) []string {
	var out []string
	for _, rr := range resp.Answer {
		switch r := rr.(type) {
		case *dns.A:
			out = append(out, r.A.String())
		case *dns.AAAA:
			out = append(out, r.AAAA.String())
		}
	}
	return out
}

// A LAN client whose rule denies AAAA gets empty success for an AAAA
// query, without any upstream dispatch, while A queries pass through.
func TestResolveDenyAAAAShortCircuits(t *testing.T) {
	upstream := startUpstream(t, []string{"93.184.216.34"}, []string{"2606:2800:220:1::1"})
	p := newPipeline(t, []config.RuleConfig{
		{
			Name:         "lan-no-ipv6",
			Priority:     10,
			ClientCIDRs:  []string{"192.168.0.0/16"},
			Domains:      []string{"example.com"},
			RecordFilter: config.RecordFilterDenyAAAA,
		},
	}, []string{upstream.addr}, nil, nil)

	client := net.ParseIP("192.168.1.50")

	resp, outcome := p.Resolve(context.Background(), client, query("example.com.", dns.TypeAAAA))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, "lan-no-ipv6", outcome.RuleName)
	assert.Equal(t, int64(0), upstream.queries.Load(), "denied type must not reach any upstream")

	resp, _ = p.Resolve(context.Background(), client, query("example.com.", dns.TypeA))
	assert.Equal(t, []string{"93.184.216.34"}, answerAddrs(resp))
	assert.Equal(t, int64(1), upstream.queries.Load())
}

// A client outside the rule's CIDR is unaffected by it.
func TestResolveRuleScopedToClient(t *testing.T) {
	upstream := startUpstream(t, nil, []string{"2606:2800:220:1::1"})
	p := newPipeline(t, []config.RuleConfig{
		{
			Name:         "lan-no-ipv6",
			Priority:     10,
			ClientCIDRs:  []string{"192.168.0.0/16"},
			RecordFilter: config.RecordFilterDenyAAAA,
		},
	}, []string{upstream.addr}, nil, nil)

	resp, outcome := p.Resolve(context.Background(), net.ParseIP("10.0.0.7"), query("example.com.", dns.TypeAAAA))
	assert.Equal(t, []string{"2606:2800:220:1::1"}, answerAddrs(resp))
	assert.Empty(t, outcome.RuleName)
}

// A matched rule routes the query to its own upstream instead of the
// default one.
func TestResolveUpstreamSelection(t *testing.T) {
	defaultUp := startUpstream(t, []string{"1.1.1.1"}, nil)
	ruleUp := startUpstream(t, []string{"2.2.2.2"}, nil)

	p := newPipeline(t, []config.RuleConfig{
		{
			Name:      "internal",
			Priority:  10,
			Domains:   []string{"corp.example"},
			Upstreams: []string{ruleUp.addr},
		},
	}, []string{defaultUp.addr}, nil, nil)

	resp, outcome := p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), query("db.corp.example.", dns.TypeA))
	assert.Equal(t, []string{"2.2.2.2"}, answerAddrs(resp))
	assert.Equal(t, "internal", outcome.RuleName)
	assert.Equal(t, ruleUp.addr, outcome.Upstream)
	assert.Equal(t, int64(0), defaultUp.queries.Load())

	resp, _ = p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), query("other.net.", dns.TypeA))
	assert.Equal(t, []string{"1.1.1.1"}, answerAddrs(resp))
}

// Country filtering keeps only AAAA answers in allowed countries,
// failing open for addresses the database does not know.
func TestResolveCountryFilter(t *testing.T) {
	upstream := startUpstream(t, nil, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"})
	geo := geoip.Static{
		"2001:db8::1": "DE",
		"2001:db8::2": "US",
		// ::3 is unknown
	}
	p := newPipeline(t, []config.RuleConfig{
		{
			Name:      "eu-only",
			Priority:  10,
			Domains:   []string{"example.com"},
			Countries: []string{"DE"},
		},
	}, []string{upstream.addr}, geo, nil)

	resp, outcome := p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), query("example.com.", dns.TypeAAAA))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, []string{"2001:db8::1", "2001:db8::3"}, answerAddrs(resp))
	assert.Equal(t, 1, outcome.Suppressed)
}

// Reachability filtering keeps only AAAA answers that answered a probe;
// indeterminate probes drop the record under the default policy.
func TestResolveReachabilityFilter(t *testing.T) {
	upstream := startUpstream(t, nil, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"})
	prober := probe.Fixed{
		"2001:db8::1": probe.Reachable,
		"2001:db8::2": probe.Unreachable,
		// ::3 is indeterminate
	}
	p := newPipeline(t, []config.RuleConfig{
		{
			Name:             "pingable",
			Priority:         10,
			Domains:          []string{"example.com"},
			RequireReachable: true,
		},
	}, []string{upstream.addr}, nil, prober)

	resp, outcome := p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), query("example.com.", dns.TypeAAAA))
	assert.Equal(t, []string{"2001:db8::1"}, answerAddrs(resp))
	assert.Equal(t, 2, outcome.Suppressed)
}

// Filtering away every answer yields empty success, not NXDOMAIN.
func TestResolveFilteredToEmptyIsSuccess(t *testing.T) {
	upstream := startUpstream(t, nil, []string{"2001:db8::2"})
	prober := probe.Fixed{"2001:db8::2": probe.Unreachable}
	p := newPipeline(t, []config.RuleConfig{
		{Name: "pingable", Priority: 10, RequireReachable: true},
	}, []string{upstream.addr}, nil, prober)

	resp, _ := p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), query("example.com.", dns.TypeAAAA))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

// Every upstream failing maps to SERVFAIL.
func TestResolveAllUpstreamsFail(t *testing.T) {
	p := newPipeline(t, nil, []string{"127.0.0.1:1"}, nil, nil)

	resp, outcome := p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), query("example.com.", dns.TypeA))
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, dns.RcodeServerFailure, outcome.Rcode)
}

// The response ID always matches the request.
func TestResolvePreservesMessageID(t *testing.T) {
	upstream := startUpstream(t, []string{"1.2.3.4"}, nil)
	p := newPipeline(t, nil, []string{upstream.addr}, nil, nil)

	req := query("example.com.", dns.TypeA)
	req.Id = 4242

	resp, _ := p.Resolve(context.Background(), net.ParseIP("10.0.0.1"), req)
	assert.Equal(t, uint16(4242), resp.Id)
}
