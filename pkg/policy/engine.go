// Package policy turns a matched rule (or its absence) into the
// concrete decision the resolution pipeline executes.
package policy

import (
	"net"
	"sync/atomic"

	"sixgate/pkg/rules"
)

// Decision captures a single rule's effects resolved against one query.
// Upstreams is never empty: when the matched rule names no upstream of
// its own, the globally configured default is substituted.
type Decision struct {
	RuleName         string
	Upstreams        []string
	RecordFilter     rules.RecordFilter
	Countries        []string
	RequireReachable bool
}

// Allows reports whether the decision lets the given record type through
func (d *Decision) Allows(rrtype uint16) bool {
	return d.RecordFilter.Allows(rrtype)
}

// Engine computes per-query decisions against the current rule store
// snapshot. The snapshot is swapped wholesale on configuration reload;
// in-flight queries keep whichever snapshot they started with.
type Engine struct {
	store            atomic.Pointer[rules.Store]
	defaultUpstreams atomic.Pointer[[]string]
}

// NewEngine creates a policy engine over an initial rule store
func NewEngine(store *rules.Store, defaultUpstreams []string) *Engine {
	e := &Engine{}
	e.store.Store(store)
	e.defaultUpstreams.Store(&defaultUpstreams)
	return e
}

// Swap replaces the rule store and default upstreams atomically.
// Used by the config reload path.
func (e *Engine) Swap(store *rules.Store, defaultUpstreams []string) {
	e.store.Store(store)
	e.defaultUpstreams.Store(&defaultUpstreams)
}

// Store returns the current rule store snapshot
func (e *Engine) Store() *rules.Store {
	return e.store.Load()
}

// Decide computes the decision for one query. It is total: when no
// rule matches, the implicit "allow all, default upstreams" decision
// applies. No rule match is a handled case, not a failure.
func (e *Engine) Decide(clientIP net.IP, domain string, qtype uint16) Decision {
	defaults := *e.defaultUpstreams.Load()

	rule := e.store.Load().Match(clientIP, domain, qtype)
	if rule == nil {
		return Decision{
			Upstreams: defaults,
		}
	}

	upstreams := rule.Upstreams
	if len(upstreams) == 0 {
		upstreams = defaults
	}

	return Decision{
		RuleName:         rule.Name,
		Upstreams:        upstreams,
		RecordFilter:     rule.RecordFilter,
		Countries:        rule.Countries,
		RequireReachable: rule.RequireReachable,
	}
}
