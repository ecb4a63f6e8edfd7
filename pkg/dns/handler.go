// Package dns bridges the wire protocol to the resolution pipeline:
// it owns the UDP/TCP listeners and hands each parsed query, together
// with the requester address, to the pipeline.
package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"sixgate/pkg/config"
	"sixgate/pkg/hosts"
	"sixgate/pkg/logging"
	"sixgate/pkg/pipeline"
	"sixgate/pkg/storage"
	"sixgate/pkg/telemetry"

	"github.com/miekg/dns"
)

var emptyHostsConfig = config.HostsConfig{}

// Handler serves DNS requests. Hosts overrides answer first; anything
// else goes through the pipeline. The hosts table is an atomic
// snapshot so config reloads never tear a lookup.
type Handler struct {
	Pipeline *pipeline.Pipeline
	Hosts    atomic.Pointer[hosts.Table]
	Storage  storage.Storage
	Metrics  *telemetry.Metrics
	Logger   *logging.Logger
}

// NewHandler creates a new DNS handler
func NewHandler(p *pipeline.Pipeline, logger *logging.Logger) *Handler {
	h := &Handler{
		Pipeline: p,
		Logger:   logger,
	}
	empty, _ := hosts.NewTable(&emptyHostsConfig)
	h.Hosts.Store(empty)
	return h
}

// SetHosts swaps the hosts table snapshot
func (h *Handler) SetHosts(t *hosts.Table) {
	h.Hosts.Store(t)
}

// SetStorage sets the query log storage
func (h *Handler) SetStorage(s storage.Storage) {
	h.Storage = s
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// ServeDNS implements the dns.Handler interface
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	ctx := context.Background()
	clientIP := clientIP(w)

	if len(r.Question) == 0 {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeFormatError)
		h.writeMsg(w, msg)
		return
	}

	question := r.Question[0]

	if table := h.Hosts.Load(); !table.IsEmpty() {
		if answers := table.Lookup(question.Name, question.Qtype); len(answers) > 0 {
			msg := new(dns.Msg)
			msg.SetReply(r)
			msg.Authoritative = true
			msg.Answer = answers
			if h.Metrics != nil {
				h.Metrics.HostsOverrideHits.Add(ctx, 1)
			}
			h.logQuery(start, r, clientIP, pipeline.Outcome{Rcode: dns.RcodeSuccess})
			h.writeMsg(w, msg)
			return
		}
	}

	msg, outcome := h.Pipeline.Resolve(ctx, clientIP, r)
	h.logQuery(start, r, clientIP, outcome)
	h.writeMsg(w, msg)
}

// writeMsg writes a DNS message to the response writer. A failed
// write means the client went away; there is nothing left to do.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		_ = err
	}
}

// logQuery hands the access log entry to storage off the hot path
func (h *Handler) logQuery(start time.Time, r *dns.Msg, clientIP net.IP, outcome pipeline.Outcome) {
	if h.Storage == nil {
		return
	}

	domain := ""
	queryType := ""
	if len(r.Question) > 0 {
		domain = strings.TrimSuffix(r.Question[0].Name, ".")
		queryType = dnsTypeLabel(r.Question[0].Qtype)
	}

	go func() {
		logCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		entry := &storage.QueryLog{
			Timestamp:      start,
			ClientIP:       clientIP.String(),
			Domain:         domain,
			QueryType:      queryType,
			ResponseCode:   outcome.Rcode,
			Rule:           outcome.RuleName,
			Upstream:       outcome.Upstream,
			Suppressed:     outcome.Suppressed,
			ResponseTimeMs: time.Since(start).Seconds() * 1000,
		}

		if err := h.Storage.LogQuery(logCtx, entry); err != nil && h.Logger != nil {
			h.Logger.Error("Failed to log query to storage",
				"domain", domain,
				"client_ip", entry.ClientIP,
				"error", err)
		}
	}()
}

// clientIP extracts the requester address from the transport
func clientIP(w dns.ResponseWriter) net.IP {
	switch addr := w.RemoteAddr().(type) {
	case *net.UDPAddr:
		return addr.IP
	case *net.TCPAddr:
		return addr.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

// dnsTypeLabel returns a human-readable string for the query type,
// falling back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}
