package rules

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainMatcherSuffix(t *testing.T) {
	dm := NewDomainMatcher([]string{"example.com"})

	assert.True(t, dm.Matches("example.com"))
	assert.True(t, dm.Matches("example.com."))
	assert.True(t, dm.Matches("a.example.com"))
	assert.True(t, dm.Matches("deep.a.example.com."))
	assert.True(t, dm.Matches("EXAMPLE.COM"))

	// Suffix matching is label-boundary aware
	assert.False(t, dm.Matches("badexample.com"))
	assert.False(t, dm.Matches("example.com.evil.net"))
	assert.False(t, dm.Matches("example.org"))
}

func TestDomainMatcherWildcard(t *testing.T) {
	dm := NewDomainMatcher([]string{"*.example.com"})

	assert.True(t, dm.Matches("a.example.com"))
	assert.True(t, dm.Matches("b.a.example.com"))

	// Wildcard patterns never match the apex
	assert.False(t, dm.Matches("example.com"))
	assert.False(t, dm.Matches("badexample.com"))
}

func TestDomainMatcherExact(t *testing.T) {
	dm := NewDomainMatcher([]string{"=example.com"})

	assert.True(t, dm.Matches("example.com"))
	assert.True(t, dm.Matches("example.com."))
	assert.False(t, dm.Matches("a.example.com"))
}

func TestDomainMatcherMultiplePatterns(t *testing.T) {
	dm := NewDomainMatcher([]string{"=exact.net", "*.wild.net", "suffix.net"})

	assert.True(t, dm.Matches("exact.net"))
	assert.True(t, dm.Matches("a.wild.net"))
	assert.True(t, dm.Matches("suffix.net"))
	assert.True(t, dm.Matches("a.suffix.net"))
	assert.False(t, dm.Matches("a.exact.net"))
	assert.False(t, dm.Matches("wild.net"))
}

func TestDomainMatcherEmpty(t *testing.T) {
	dm := NewDomainMatcher(nil)
	assert.True(t, dm.IsEmpty())
	assert.False(t, dm.Matches("example.com"))
}

func TestCIDRMatcher(t *testing.T) {
	cm, err := NewCIDRMatcher([]string{"192.168.1.0/24", "10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, cm.Matches(net.ParseIP("192.168.1.42")))
	assert.True(t, cm.Matches(net.ParseIP("10.1.2.3")))
	assert.False(t, cm.Matches(net.ParseIP("192.168.2.1")))
	assert.False(t, cm.Matches(net.ParseIP("172.16.0.1")))
	assert.False(t, cm.Matches(nil))
}

func TestCIDRMatcherBareAddress(t *testing.T) {
	cm, err := NewCIDRMatcher([]string{"192.168.1.7", "fd00::1"})
	require.NoError(t, err)

	assert.True(t, cm.Matches(net.ParseIP("192.168.1.7")))
	assert.False(t, cm.Matches(net.ParseIP("192.168.1.8")))
	assert.True(t, cm.Matches(net.ParseIP("fd00::1")))
	assert.False(t, cm.Matches(net.ParseIP("fd00::2")))
}

func TestCIDRMatcherIPv6(t *testing.T) {
	cm, err := NewCIDRMatcher([]string{"fd00::/8"})
	require.NoError(t, err)

	assert.True(t, cm.Matches(net.ParseIP("fd12:3456::1")))
	assert.False(t, cm.Matches(net.ParseIP("2001:db8::1")))
}

func TestCIDRMatcherInvalid(t *testing.T) {
	_, err := NewCIDRMatcher([]string{"not-a-cidr"})
	assert.Error(t, err)
}
