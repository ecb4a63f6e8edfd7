package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"sixgate/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMockDNS runs a UDP DNS server with the given handler and returns
// its address.
func startMockDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func answerWith(txt string, delay time.Duration) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		if delay > 0 {
			time.Sleep(delay)
		}
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   r.Question[0].Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    60,
			},
			Txt: []string{txt},
		})
		_ = w.WriteMsg(msg)
	}
}

func servfail() dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(msg)
	}
}

func testQuery() *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeTXT)
	return msg
}

func txtValue(t *testing.T, resp *dns.Msg) string {
	t.Helper()
	require.NotEmpty(t, resp.Answer)
	txt, ok := resp.Answer[0].(*dns.TXT)
	require.True(t, ok)
	require.NotEmpty(t, txt.Txt)
	return txt.Txt[0]
}

func TestExchangeSingleUpstream(t *testing.T) {
	addr := startMockDNS(t, answerWith("hello", 0))
	f := New(time.Second, logging.NewDefault())

	resp, err := f.Exchange(context.Background(), testQuery(), []string{addr})
	require.NoError(t, err)
	assert.Equal(t, "hello", txtValue(t, resp))
}

func TestExchangePrefersListOrder(t *testing.T) {
	// The preferred upstream answers slower than the fallback; its
	// answer must still win because it arrives within its own timeout.
	preferred := startMockDNS(t, answerWith("preferred", 150*time.Millisecond))
	fallback := startMockDNS(t, answerWith("fallback", 0))

	f := New(time.Second, logging.NewDefault())

	resp, err := f.Exchange(context.Background(), testQuery(), []string{preferred, fallback})
	require.NoError(t, err)
	assert.Equal(t, "preferred", txtValue(t, resp))
}

func TestExchangeFallsBackWhenPreferredFails(t *testing.T) {
	preferred := startMockDNS(t, servfail())
	fallback := startMockDNS(t, answerWith("fallback", 0))

	f := New(time.Second, logging.NewDefault())

	resp, err := f.Exchange(context.Background(), testQuery(), []string{preferred, fallback})
	require.NoError(t, err)
	assert.Equal(t, "fallback", txtValue(t, resp))
}

func TestExchangeAllUpstreamsFail(t *testing.T) {
	a := startMockDNS(t, servfail())
	b := startMockDNS(t, servfail())

	f := New(500*time.Millisecond, logging.NewDefault())

	_, err := f.Exchange(context.Background(), testQuery(), []string{a, b})
	assert.ErrorIs(t, err, ErrAllUpstreamsFailed)
}

func TestExchangeNoUpstreams(t *testing.T) {
	f := New(time.Second, logging.NewDefault())
	_, err := f.Exchange(context.Background(), testQuery(), nil)
	assert.Error(t, err)
}

func TestExchangeDeadlineBound(t *testing.T) {
	// An upstream that never answers must not hold the exchange past
	// the context deadline.
	silent := startMockDNS(t, func(dns.ResponseWriter, *dns.Msg) {})

	f := New(5*time.Second, logging.NewDefault())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Exchange(ctx, testQuery(), []string{silent})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAllUpstreamsFailed)
	assert.Less(t, elapsed, time.Second)
}

func TestExchangeDeadlineReturnsBestSoFar(t *testing.T) {
	// When the deadline fires with a fallback success already in hand
	// and the preferred upstream still pending, the fallback is used.
	silent := startMockDNS(t, func(dns.ResponseWriter, *dns.Msg) {})
	fallback := startMockDNS(t, answerWith("fallback", 0))

	f := New(5*time.Second, logging.NewDefault())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	resp, err := f.Exchange(ctx, testQuery(), []string{silent, fallback})
	require.NoError(t, err)
	assert.Equal(t, "fallback", txtValue(t, resp))
}
