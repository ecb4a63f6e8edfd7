package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultString(t *testing.T) {
	assert.Equal(t, "reachable", Reachable.String())
	assert.Equal(t, "unreachable", Unreachable.String())
	assert.Equal(t, "indeterminate", Indeterminate.String())
}

func TestFixedProber(t *testing.T) {
	prober := Fixed{
		"2001:db8::1": Reachable,
		"2001:db8::2": Unreachable,
	}

	ctx := context.Background()
	assert.Equal(t, Reachable, prober.Probe(ctx, net.ParseIP("2001:db8::1")))
	assert.Equal(t, Unreachable, prober.Probe(ctx, net.ParseIP("2001:db8::2")))
	assert.Equal(t, Indeterminate, prober.Probe(ctx, net.ParseIP("2001:db8::3")))
}

func TestNewICMPProberDefaultTimeout(t *testing.T) {
	p := NewICMPProber(0, false)
	assert.Equal(t, 600*time.Millisecond, p.timeout)

	p = NewICMPProber(time.Second, true)
	assert.Equal(t, time.Second, p.timeout)
}

func TestICMPProbeExpiredContext(t *testing.T) {
	p := NewICMPProber(600*time.Millisecond, false)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	// A context already past its deadline cannot conclude anything
	assert.Equal(t, Indeterminate, p.Probe(ctx, net.ParseIP("2001:db8::1")))
}
