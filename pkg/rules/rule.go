package rules

import (
	"fmt"
	"net"
	"strings"

	"sixgate/pkg/config"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/miekg/dns"
)

// RecordFilter gates which record types a rule allows through.
type RecordFilter int

const (
	// RecordFilterAllowAll lets every record type through
	RecordFilterAllowAll RecordFilter = iota
	// RecordFilterDenyAAAA withholds AAAA records
	RecordFilterDenyAAAA
	// RecordFilterDenyA withholds A records
	RecordFilterDenyA
)

// Allows reports whether the filter lets the given record type through.
// Only A and AAAA are ever denied; other types always pass.
func (rf RecordFilter) Allows(rrtype uint16) bool {
	switch rf {
	case RecordFilterDenyAAAA:
		return rrtype != dns.TypeAAAA
	case RecordFilterDenyA:
		return rrtype != dns.TypeA
	default:
		return true
	}
}

// String returns the config spelling of the filter.
func (rf RecordFilter) String() string {
	switch rf {
	case RecordFilterDenyAAAA:
		return config.RecordFilterDenyAAAA
	case RecordFilterDenyA:
		return config.RecordFilterDenyA
	default:
		return config.RecordFilterAllowAll
	}
}

// Rule is a compiled resolution rule. Rules are immutable after
// compilation and safe for concurrent use.
type Rule struct {
	Name             string
	Priority         int
	RecordFilter     RecordFilter
	Upstreams        []string
	Countries        []string
	RequireReachable bool

	seq     int // declaration order, breaks priority ties
	clients *CIDRMatcher
	domains *DomainMatcher
	when    *vm.Program
}

// compileRule compiles a config rule into its matchable form
func compileRule(cfgRule *config.RuleConfig, seq int) (*Rule, error) {
	clients, err := NewCIDRMatcher(cfgRule.ClientCIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid client CIDRs: %w", err)
	}

	rule := &Rule{
		Name:             cfgRule.Name,
		Priority:         cfgRule.Priority,
		Upstreams:        normalizeUpstreams(cfgRule.Upstreams),
		Countries:        normalizeCountries(cfgRule.Countries),
		RequireReachable: cfgRule.RequireReachable,
		seq:              seq,
		clients:          clients,
		domains:          NewDomainMatcher(cfgRule.Domains),
	}

	switch cfgRule.RecordFilter {
	case config.RecordFilterDenyAAAA:
		rule.RecordFilter = RecordFilterDenyAAAA
	case config.RecordFilterDenyA:
		rule.RecordFilter = RecordFilterDenyA
	default:
		rule.RecordFilter = RecordFilterAllowAll
	}

	if cfgRule.When != "" {
		program, err := expr.Compile(cfgRule.When, expr.Env(exprEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid 'when' expression: %w", err)
		}
		rule.when = program
	}

	return rule, nil
}

// exprEnv is the environment visible to per-rule 'when' expressions.
type exprEnv struct {
	Domain   string `expr:"domain"`
	ClientIP string `expr:"client_ip"`
	Qtype    string `expr:"qtype"`
}

// Matches checks if a rule matches the given query parameters.
// A rule matches when ALL configured dimensions match (AND logic);
// unset dimensions match anything.
func (r *Rule) Matches(clientIP net.IP, domain string, qtype uint16) bool {
	if !r.clients.IsEmpty() && !r.clients.Matches(clientIP) {
		return false
	}
	if !r.domains.IsEmpty() && !r.domains.Matches(domain) {
		return false
	}
	if r.when != nil {
		env := exprEnv{
			Domain:   normalizeDomain(domain),
			ClientIP: ipString(clientIP),
			Qtype:    dns.TypeToString[qtype],
		}
		out, err := expr.Run(r.when, env)
		if err != nil {
			return false
		}
		matched, ok := out.(bool)
		if !ok || !matched {
			return false
		}
	}
	return true
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// normalizeUpstreams appends the default DNS port where missing,
// mirroring what operators write in resolv.conf style configs.
func normalizeUpstreams(upstreams []string) []string {
	out := make([]string, 0, len(upstreams))
	for _, upstream := range upstreams {
		upstream = strings.TrimSpace(upstream)
		if upstream == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstream = net.JoinHostPort(upstream, "53")
		}
		out = append(out, upstream)
	}
	return out
}

func normalizeCountries(countries []string) []string {
	out := make([]string, 0, len(countries))
	for _, country := range countries {
		country = strings.ToUpper(strings.TrimSpace(country))
		if country != "" {
			out = append(out, country)
		}
	}
	return out
}
