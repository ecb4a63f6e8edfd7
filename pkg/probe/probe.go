// Package probe answers "is this address alive right now" with a
// bounded-time ICMP echo.
package probe

import (
	"context"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Result is the outcome of a reachability probe.
type Result int

const (
	// Reachable means an echo reply arrived within the timeout
	Reachable Result = iota
	// Unreachable means the probe completed but no reply arrived
	Unreachable
	// Indeterminate means the probe itself failed (no raw socket
	// privilege, local network unreachable, ...)
	Indeterminate
)

// String returns a human-readable name for the result
func (r Result) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "indeterminate"
	}
}

// Prober checks whether a candidate answer address is currently usable
type Prober interface {
	Probe(ctx context.Context, ip net.IP) Result
}

// ICMPProber probes with a single ICMP echo per call. Missing raw
// socket privilege degrades to Indeterminate rather than failing the
// query.
type ICMPProber struct {
	timeout    time.Duration
	privileged bool
}

// NewICMPProber creates a prober with the given per-probe timeout.
// privileged selects raw ICMP sockets; unprivileged UDP-based pings
// work without CAP_NET_RAW on most Linux hosts.
func NewICMPProber(timeout time.Duration, privileged bool) *ICMPProber {
	if timeout <= 0 {
		timeout = 600 * time.Millisecond
	}
	return &ICMPProber{timeout: timeout, privileged: privileged}
}

// Probe implements Prober
func (p *ICMPProber) Probe(ctx context.Context, ip net.IP) Result {
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return Indeterminate
	}

	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < pinger.Timeout {
			if remaining <= 0 {
				return Indeterminate
			}
			pinger.Timeout = remaining
		}
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		return Indeterminate
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return Unreachable
	}
	return Reachable
}

// Fixed is a Prober returning canned results, keyed by address string.
// Addresses not in the map probe Indeterminate. Used in tests.
type Fixed map[string]Result

// Probe implements Prober
func (f Fixed) Probe(_ context.Context, ip net.IP) Result {
	if result, ok := f[ip.String()]; ok {
		return result
	}
	return Indeterminate
}
