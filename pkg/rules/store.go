package rules

import (
	"fmt"
	"net"
	"sort"

	"sixgate/pkg/config"
)

// Store holds the compiled rule set in its evaluation order: ascending
// priority, with declaration order breaking ties. A Store is immutable
// once built; configuration reloads build a new Store and swap it in
// wholesale so in-flight queries keep a consistent view.
type Store struct {
	rules []*Rule
}

// NewStore compiles the configured rules into a store. Disabled rules
// are dropped here so matching never has to look at them.
func NewStore(cfgRules []config.RuleConfig) (*Store, error) {
	store := &Store{
		rules: make([]*Rule, 0, len(cfgRules)),
	}

	for i := range cfgRules {
		if !cfgRules[i].IsEnabled() {
			continue
		}
		rule, err := compileRule(&cfgRules[i], i)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule '%s': %w", cfgRules[i].Name, err)
		}
		store.rules = append(store.rules, rule)
	}

	sort.SliceStable(store.rules, func(i, j int) bool {
		if store.rules[i].Priority != store.rules[j].Priority {
			return store.rules[i].Priority < store.rules[j].Priority
		}
		return store.rules[i].seq < store.rules[j].seq
	})

	return store, nil
}

// Match returns the first rule matching the requester and query in the
// store's evaluation order, or nil when no rule matches. Matching is
// pure and safe for concurrent use.
func (s *Store) Match(clientIP net.IP, domain string, qtype uint16) *Rule {
	for _, rule := range s.rules {
		if rule.Matches(clientIP, domain, qtype) {
			return rule
		}
	}
	return nil
}

// Rules returns the rules in evaluation order
func (s *Store) Rules() []*Rule {
	return s.rules
}

// Count returns the number of active rules
func (s *Store) Count() int {
	return len(s.rules)
}

// IsEmpty returns true if there are no active rules
func (s *Store) IsEmpty() bool {
	return len(s.rules) == 0
}
