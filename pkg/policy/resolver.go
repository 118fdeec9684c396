package policy

import (
	"context"

	"github.com/miekg/dns"

	"sinkhole/pkg/dnsutil"
)

// Decision identifies which branch of the chain terminated a query. The
// values feed metrics labels, the query log, and per-query log lines.
type Decision string

const (
	DecisionBanned       Decision = "banned"
	DecisionOverlayA     Decision = "overlay_a"
	DecisionOverlayCNAME Decision = "overlay_cname"
	DecisionNoData       Decision = "aaaa_nodata"
	DecisionForwarded    Decision = "forwarded"
	DecisionNXDomain     Decision = "nxdomain"
	DecisionServfail     Decision = "servfail"
)

// Forwarder relays a query to the upstream resolver. A nil response with a
// nil error is never returned.
type Forwarder interface {
	Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

// Resolver answers queries from an immutable Policy. It keeps no per-query
// state, so a single Resolver serves all goroutines of the DNS listener.
type Resolver struct {
	policy    *Policy
	forwarder Forwarder
	logger    Logger
}

// NewResolver wires the decision chain. fwd may be nil when the fallback
// mode is nxdomain.
func NewResolver(p *Policy, fwd Forwarder, logger Logger) *Resolver {
	return &Resolver{
		policy:    p,
		forwarder: fwd,
		logger:    logger,
	}
}

// Policy returns the snapshot this resolver answers from.
func (r *Resolver) Policy() *Policy {
	return r.policy
}

// Resolve executes the decision chain: banned check, overlay A, overlay
// CNAME, AAAA suppression, then the configured fallback. The first matching
// rule wins and every query terminates in exactly one branch. The caller
// guarantees req carries at least one question.
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, Decision) {
	q := req.Question[0]
	name := dnsutil.Normalize(q.Name)

	// 1. Banned check, any query type.
	if r.policy.IsBanned(name) {
		m := answerTemplate(req)
		if r.policy.BannedCNAME != "" {
			m.Answer = append(m.Answer, cnameRecord(q.Name, r.policy.BannedCNAME, r.policy.TTL))
		} else {
			m.Answer = append(m.Answer, aRecord(q.Name, r.policy.BannedIP, r.policy.TTL))
		}
		return m, DecisionBanned
	}

	// 2. Overlay A, only for A/ANY questions.
	if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
		if ip, ok := r.policy.ARecords[name]; ok {
			m := answerTemplate(req)
			m.Answer = append(m.Answer, aRecord(q.Name, ip, r.policy.TTL))
			return m, DecisionOverlayA
		}
	}

	// 3. Overlay CNAME, regardless of query type.
	if target, ok := r.policy.CNAMERecords[name]; ok {
		m := answerTemplate(req)
		m.Answer = append(m.Answer, cnameRecord(q.Name, target, r.policy.TTL))
		return m, DecisionOverlayCNAME
	}

	// 4. AAAA suppression: the name is ours but has no IPv6 data. NOERROR
	// with zero answers tells stubs to retry over A instead of giving up.
	if q.Qtype == dns.TypeAAAA && r.policy.HasOverlay(name) {
		return answerTemplate(req), DecisionNoData
	}

	// 5. Fallback.
	if r.policy.Fallback == FallbackNXDomain {
		return nxdomainResponse(req), DecisionNXDomain
	}
	return r.forward(ctx, req)
}

func (r *Resolver) forward(ctx context.Context, req *dns.Msg) (*dns.Msg, Decision) {
	if r.forwarder == nil {
		r.logger.Error("forward fallback configured but no forwarder wired")
		return servfailResponse(req), DecisionServfail
	}

	resp, err := r.forwarder.Forward(ctx, req)
	if err != nil {
		r.logger.Warn("upstream forward failed",
			"name", req.Question[0].Name,
			"upstream", r.policy.Upstream,
			"error", err,
		)
		return servfailResponse(req), DecisionServfail
	}
	return resp, DecisionForwarded
}
