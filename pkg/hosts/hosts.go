// Package hosts answers A, AAAA, and PTR queries from statically
// configured host entries before any upstream is consulted.
package hosts

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"sixgate/pkg/config"

	"github.com/miekg/dns"
)

const overrideTTL = 300

// Table is an immutable name/address mapping. Reloads build a new
// Table and swap it wholesale.
type Table struct {
	byName map[string][]net.IP
	byAddr map[string]string
}

// NewTable builds a table from config entries plus an optional
// hosts(5)-format add-on file.
func NewTable(cfg *config.HostsConfig) (*Table, error) {
	t := &Table{
		byName: make(map[string][]net.IP),
		byAddr: make(map[string]string),
	}

	for name, addrs := range cfg.Entries {
		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, fmt.Errorf("hosts entry %q: invalid address %q", name, addr)
			}
			t.add(name, ip)
		}
	}

	if cfg.File != "" {
		if err := t.loadFile(cfg.File); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) add(name string, ip net.IP) {
	name = normalizeName(name)
	t.byName[name] = append(t.byName[name], ip)
	if _, exists := t.byAddr[ip.String()]; !exists {
		t.byAddr[ip.String()] = name
	}
}

// loadFile reads a hosts(5) file: "address name [aliases...]"
func (t *Table) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open hosts file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fmt.Errorf("hosts file %s:%d: expected 'address name'", path, lineNo)
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			return fmt.Errorf("hosts file %s:%d: invalid address %q", path, lineNo, fields[0])
		}
		for _, name := range fields[1:] {
			t.add(name, ip)
		}
	}
	return scanner.Err()
}

// Lookup answers a query from the table, or nil when the table has
// nothing for it. Only A, AAAA, and PTR are ever answered locally.
func (t *Table) Lookup(qname string, qtype uint16) []dns.RR {
	switch qtype {
	case dns.TypeA, dns.TypeAAAA:
		return t.lookupAddr(qname, qtype)
	case dns.TypePTR:
		return t.lookupPTR(qname)
	default:
		return nil
	}
}

func (t *Table) lookupAddr(qname string, qtype uint16) []dns.RR {
	ips := t.byName[normalizeName(qname)]
	if len(ips) == 0 {
		return nil
	}

	var answers []dns.RR
	for _, ip := range ips {
		isV4 := ip.To4() != nil
		if qtype == dns.TypeA && isV4 {
			answers = append(answers, &dns.A{
				Hdr: dns.RR_Header{
					Name:   qname,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    overrideTTL,
				},
				A: ip.To4(),
			})
		}
		if qtype == dns.TypeAAAA && !isV4 {
			answers = append(answers, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   qname,
					Rrtype: dns.TypeAAAA,
					Class:  dns.ClassINET,
					Ttl:    overrideTTL,
				},
				AAAA: ip.To16(),
			})
		}
	}
	return answers
}

func (t *Table) lookupPTR(qname string) []dns.RR {
	ip := decodeReverseName(qname)
	if ip == nil {
		return nil
	}
	name, ok := t.byAddr[ip.String()]
	if !ok {
		return nil
	}
	return []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{
			Name:   qname,
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    overrideTTL,
		},
		Ptr: dns.Fqdn(name),
	}}
}

// IsEmpty returns true when the table has no entries
func (t *Table) IsEmpty() bool {
	return len(t.byName) == 0
}

// Count returns the number of configured names
func (t *Table) Count() int {
	return len(t.byName)
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

const (
	ptrV4Suffix = ".in-addr.arpa"
	ptrV6Suffix = ".ip6.arpa"
)

// decodeReverseName turns a PTR query name back into the address it
// encodes, or nil when the name is not a well-formed reverse name.
func decodeReverseName(qname string) net.IP {
	name := normalizeName(qname)

	if rest, ok := strings.CutSuffix(name, ptrV4Suffix); ok {
		return decodeReverseV4(rest)
	}
	if rest, ok := strings.CutSuffix(name, ptrV6Suffix); ok {
		return decodeReverseV6(rest)
	}
	return nil
}

// decodeReverseV4 decodes "4.3.2.1" into 1.2.3.4
func decodeReverseV4(rest string) net.IP {
	parts := strings.Split(rest, ".")
	if len(parts) != 4 {
		return nil
	}
	octets := make([]byte, 4)
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return nil
		}
		octets[3-i] = byte(n)
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3])
}

// decodeReverseV6 decodes 32 reversed nibbles into an IPv6 address
func decodeReverseV6(rest string) net.IP {
	parts := strings.Split(rest, ".")
	if len(parts) != 32 {
		return nil
	}
	ip := make(net.IP, net.IPv6len)
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 16, 4)
		if err != nil {
			return nil
		}
		// Nibbles arrive least-significant first
		idx := 31 - i
		if idx%2 == 0 {
			ip[idx/2] |= byte(n) << 4
		} else {
			ip[idx/2] |= byte(n)
		}
	}
	return ip
}
