// Package geoip maps IP addresses to ISO country codes using a
// read-only MMDB country database loaded once at startup.
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Lookup resolves an address to an ISO 3166-1 country code. ok is
// false when the address is not in the database; callers decide what
// an unknown country means for them.
type Lookup interface {
	Country(ip net.IP) (code string, ok bool)
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// DB is an MMDB-backed Lookup. Lookups are lock-free; maxminddb
// readers are safe for concurrent use.
type DB struct {
	reader *maxminddb.Reader
}

// Open loads the country database at path
func Open(path string) (*DB, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmdb %s: %w", path, err)
	}
	return &DB{reader: reader}, nil
}

// Country implements Lookup
func (db *DB) Country(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	var record countryRecord
	if err := db.reader.Lookup(ip, &record); err != nil {
		return "", false
	}
	if record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}

// Close releases the database
func (db *DB) Close() error {
	return db.reader.Close()
}

// Static is a fixed in-memory Lookup, used in tests and when no
// database is configured.
type Static map[string]string

// Country implements Lookup
func (s Static) Country(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	code, ok := s[ip.String()]
	return code, ok
}
