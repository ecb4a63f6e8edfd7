package geoip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticLookup(t *testing.T) {
	geo := Static{
		"2001:db8::1": "DE",
		"192.0.2.1":   "US",
	}

	code, ok := geo.Country(net.ParseIP("2001:db8::1"))
	assert.True(t, ok)
	assert.Equal(t, "DE", code)

	code, ok = geo.Country(net.ParseIP("192.0.2.1"))
	assert.True(t, ok)
	assert.Equal(t, "US", code)

	_, ok = geo.Country(net.ParseIP("2001:db8::99"))
	assert.False(t, ok)

	_, ok = geo.Country(nil)
	assert.False(t, ok)
}

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open("/nonexistent/country.mmdb")
	assert.Error(t, err)
}
