// Package rules compiles the configured resolution rules into an
// immutable, totally-ordered store consulted once per query.
package rules

import (
	"net"
	"strings"
)

// DomainMatcher matches query names against domain patterns.
// Supported patterns:
//   - Suffix: "example.com" → matches "example.com" and "a.example.com",
//     never "badexample.com" (the match is label-boundary aware)
//   - Subdomain wildcard: "*.example.com" → matches "a.example.com" only
//   - Exact: "=example.com" → matches "example.com" only
type DomainMatcher struct {
	exact    map[string]struct{}
	suffixes []string // stored without leading dot, e.g. "example.com"
	children []string // "*." patterns, stored as ".example.com" for HasSuffix
}

// NewDomainMatcher creates a new domain matcher from a list of patterns
func NewDomainMatcher(patterns []string) *DomainMatcher {
	dm := &DomainMatcher{
		exact: make(map[string]struct{}),
	}
	for _, pattern := range patterns {
		dm.addPattern(pattern)
	}
	return dm
}

func (dm *DomainMatcher) addPattern(pattern string) {
	pattern = normalizeDomain(pattern)
	if pattern == "" {
		return
	}

	switch {
	case strings.HasPrefix(pattern, "="):
		dm.exact[pattern[1:]] = struct{}{}
	case strings.HasPrefix(pattern, "*."):
		if suffix := pattern[2:]; suffix != "" {
			dm.children = append(dm.children, "."+suffix)
		}
	default:
		dm.suffixes = append(dm.suffixes, pattern)
	}
}

// Matches checks if a query name matches any of the patterns
func (dm *DomainMatcher) Matches(domain string) bool {
	domain = normalizeDomain(domain)

	if _, ok := dm.exact[domain]; ok {
		return true
	}

	for _, suffix := range dm.suffixes {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}

	for _, child := range dm.children {
		if strings.HasSuffix(domain, child) {
			return true
		}
	}

	return false
}

// IsEmpty returns true if the matcher has no patterns
func (dm *DomainMatcher) IsEmpty() bool {
	return len(dm.exact) == 0 && len(dm.suffixes) == 0 && len(dm.children) == 0
}

// normalizeDomain lowercases and strips the trailing dot so patterns
// match both wire-format FQDNs and human-written config values.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(domain, ".")
}

// CIDRMatcher matches IP addresses against CIDR ranges
type CIDRMatcher struct {
	networks []*net.IPNet
}

// NewCIDRMatcher creates a new CIDR matcher from a list of CIDR strings.
// A bare address is accepted as a single-host range.
func NewCIDRMatcher(cidrs []string) (*CIDRMatcher, error) {
	cm := &CIDRMatcher{
		networks: make([]*net.IPNet, 0, len(cidrs)),
	}

	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}

		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil {
				cidr = singleHostCIDR(ip)
			}
		}

		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		cm.networks = append(cm.networks, ipNet)
	}

	return cm, nil
}

func singleHostCIDR(ip net.IP) string {
	if ip.To4() != nil {
		return ip.String() + "/32"
	}
	return ip.String() + "/128"
}

// Matches checks if an IP address is in any of the CIDR ranges
func (cm *CIDRMatcher) Matches(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range cm.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IsEmpty returns true if the matcher has no networks
func (cm *CIDRMatcher) IsEmpty() bool {
	return len(cm.networks) == 0
}
