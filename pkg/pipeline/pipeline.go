// Package pipeline orchestrates one query end to end: policy decision,
// upstream dispatch, response filtering, final answer.
package pipeline

import (
	"context"
	"errors"
	"net"
	"time"

	"sixgate/pkg/filter"
	"sixgate/pkg/forwarder"
	"sixgate/pkg/logging"
	"sixgate/pkg/policy"
	"sixgate/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ctxSlack pads context deadlines so per-upstream and per-probe
// timeouts fire before the surrounding context does.
const ctxSlack = 100 * time.Millisecond

// Outcome summarizes how a query was answered, for access logging
type Outcome struct {
	RuleName   string
	Upstream   string
	Rcode      int
	Suppressed int
	Duration   time.Duration
}

// Pipeline resolves queries according to policy. It is safe for
// concurrent use; every query is an independent task sharing only
// read-only snapshots.
type Pipeline struct {
	engine          *policy.Engine
	forwarder       *forwarder.Forwarder
	filter          *filter.Filter
	upstreamTimeout time.Duration
	probeTimeout    time.Duration
	metrics         *telemetry.Metrics
	logger          *logging.Logger
}

// New creates a resolution pipeline
func New(engine *policy.Engine, fwd *forwarder.Forwarder, flt *filter.Filter,
	upstreamTimeout, probeTimeout time.Duration,
	metrics *telemetry.Metrics, logger *logging.Logger,
) *Pipeline {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 2 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 600 * time.Millisecond
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Pipeline{
		engine:          engine,
		forwarder:       fwd,
		filter:          flt,
		upstreamTimeout: upstreamTimeout,
		probeTimeout:    probeTimeout,
		metrics:         metrics,
		logger:          logger,
	}
}

// Resolve handles one query and always produces a response: success,
// success-with-empty-answer, or SERVFAIL. It never blocks past the
// configured upstream and probe deadlines.
func (p *Pipeline) Resolve(ctx context.Context, clientIP net.IP, req *dns.Msg) (*dns.Msg, Outcome) {
	start := time.Now()
	question := req.Question[0]
	domain := question.Name
	qtype := question.Qtype

	decision := p.engine.Decide(clientIP, domain, qtype)
	outcome := Outcome{RuleName: decision.RuleName}

	p.countQuery(ctx, qtype, decision.RuleName)

	p.logger.Debug("Policy decided",
		"domain", domain,
		"client_ip", clientIP,
		"rule", decision.RuleName,
		"upstreams", decision.Upstreams,
	)

	// Policy denies the queried type outright: answer empty success
	// without touching any upstream. The name is not NXDOMAIN; only
	// this record type is withheld.
	if !decision.Allows(qtype) {
		msg := new(dns.Msg)
		msg.SetReply(req)
		outcome.Rcode = dns.RcodeSuccess
		outcome.Duration = time.Since(start)
		p.observeDuration(ctx, outcome)
		return msg, outcome
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.upstreamTimeout+ctxSlack)
	defer cancel()

	resp, err := p.forwarder.Exchange(dispatchCtx, req, decision.Upstreams)
	if err != nil {
		if errors.Is(err, forwarder.ErrAllUpstreamsFailed) {
			p.logger.Warn("All upstreams failed",
				"domain", domain,
				"upstreams", decision.Upstreams,
				"error", err,
			)
		}
		p.metrics.UpstreamFailures.Add(ctx, 1)
		msg := new(dns.Msg)
		msg.SetRcode(req, dns.RcodeServerFailure)
		outcome.Rcode = dns.RcodeServerFailure
		outcome.Duration = time.Since(start)
		p.observeDuration(ctx, outcome)
		return msg, outcome
	}
	outcome.Upstream = decision.Upstreams[0]

	filterCtx := ctx
	if decision.RequireReachable {
		var filterCancel context.CancelFunc
		filterCtx, filterCancel = context.WithTimeout(ctx, p.probeTimeout+ctxSlack)
		defer filterCancel()
	}

	before := len(resp.Answer)
	resp.Answer = p.filter.Apply(filterCtx, resp.Answer, &decision)
	resp.Id = req.Id

	outcome.Suppressed = before - len(resp.Answer)
	if outcome.Suppressed > 0 {
		p.metrics.AnswersSuppressed.Add(ctx, int64(outcome.Suppressed))
		p.logger.Debug("Answers suppressed by filtering",
			"domain", domain,
			"suppressed", outcome.Suppressed,
			"remaining", len(resp.Answer),
		)
	}

	outcome.Rcode = resp.Rcode
	outcome.Duration = time.Since(start)
	p.observeDuration(ctx, outcome)
	return resp, outcome
}

func (p *Pipeline) countQuery(ctx context.Context, qtype uint16, ruleName string) {
	p.metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", dns.TypeToString[qtype]),
	))
	if ruleName != "" {
		p.metrics.RuleMatches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", ruleName),
		))
	}
}

func (p *Pipeline) observeDuration(ctx context.Context, outcome Outcome) {
	p.metrics.QueryDuration.Record(ctx, outcome.Duration.Seconds(), metric.WithAttributes(
		attribute.String("rcode", dns.RcodeToString[outcome.Rcode]),
	))
}
