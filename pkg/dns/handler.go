// Package dns runs the UDP listener and carries each query through the
// policy decision chain.
package dns

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"sinkhole/pkg/acl"
	"sinkhole/pkg/dnsutil"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/policy"
	"sinkhole/pkg/ratelimit"
	"sinkhole/pkg/storage"
	"sinkhole/pkg/telemetry"
)

// Handler answers DNS requests. The resolver decides; everything here is
// gating, observability, and the wire.
type Handler struct {
	resolver *policy.Resolver
	access   *acl.List
	limiter  *ratelimit.Manager
	store    storage.Store
	metrics  *telemetry.Metrics
	logger   *logging.Logger
}

// NewHandler creates a DNS handler around a compiled policy resolver.
func NewHandler(resolver *policy.Resolver, logger *logging.Logger) *Handler {
	return &Handler{
		resolver: resolver,
		logger:   logger,
	}
}

// SetACL wires the client allow list. A nil list allows everyone.
func (h *Handler) SetACL(l *acl.List) {
	h.access = l
}

// SetRateLimiter wires the per-client rate limiter.
func (h *Handler) SetRateLimiter(rl *ratelimit.Manager) {
	h.limiter = rl
}

// SetStore wires the query log.
func (h *Handler) SetStore(s storage.Store) {
	h.store = s
}

// SetMetrics wires the telemetry instruments.
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.metrics = m
}

// writeMsg writes a response. A failed write means the client went away;
// there is nobody left to tell.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	_ = w.WriteMsg(msg)
}

// ServeDNS implements the dns.Handler interface.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	ctx := context.Background()
	clientIP := getClientIP(w)

	if !h.access.Allowed(net.ParseIP(clientIP)) {
		h.refuse(ctx, w, r, clientIP, "acl", start)
		return
	}
	if !h.limiter.Allow(clientIP) {
		h.refuse(ctx, w, r, clientIP, "ratelimit", start)
		return
	}

	if len(r.Question) == 0 {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeFormatError)
		h.writeMsg(w, msg)
		return
	}

	resp, decision := h.resolver.Resolve(ctx, r)

	// Locally built answers echo the client's OPT record. Forwarded
	// responses already carry whatever the upstream sent.
	if decision != policy.DecisionForwarded {
		applyEDNS0(r, resp)
	}
	h.writeMsg(w, resp)

	duration := time.Since(start)
	q := r.Question[0]
	qtypeLabel := dnsutil.TypeLabel(q.Qtype)

	h.recordQuery(ctx, string(decision), qtypeLabel, duration)

	h.logger.Info("query",
		"name", dnsutil.Normalize(q.Name),
		"type", qtypeLabel,
		"client", clientIP,
		"decision", string(decision),
		"rcode", dns.RcodeToString[resp.Rcode],
		"duration_ms", durationMs(duration),
		"target", dnsutil.AnswerTarget(resp),
	)

	h.logQueryAsync(start, clientIP, dnsutil.Normalize(q.Name), qtypeLabel, string(decision), resp.Rcode, duration)
}

// refuse answers REFUSED without consulting the resolver.
func (h *Handler) refuse(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, clientIP, reason string, start time.Time) {
	msg := new(dns.Msg)
	msg.SetRcode(r, dns.RcodeRefused)
	applyEDNS0(r, msg)
	h.writeMsg(w, msg)

	name := ""
	qtypeLabel := ""
	if len(r.Question) > 0 {
		name = dnsutil.Normalize(r.Question[0].Name)
		qtypeLabel = dnsutil.TypeLabel(r.Question[0].Qtype)
	}

	if h.metrics != nil {
		h.metrics.RefusedQueries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
	h.logger.Warn("query refused",
		"client", clientIP,
		"reason", reason,
		"name", name,
		"type", qtypeLabel,
	)

	h.logQueryAsync(start, clientIP, name, qtypeLabel, "refused_"+reason, dns.RcodeRefused, time.Since(start))
}

func (h *Handler) recordQuery(ctx context.Context, decision, qtypeLabel string, duration time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("qtype", qtypeLabel),
	))
	h.metrics.QueryDuration.Record(ctx, durationMs(duration), metric.WithAttributes(
		attribute.String("decision", decision),
	))
	if decision == string(policy.DecisionServfail) {
		h.metrics.UpstreamFailures.Add(ctx, 1)
	}
}

// logQueryAsync hands the entry to the query log off the hot path.
func (h *Handler) logQueryAsync(start time.Time, clientIP, name, qtypeLabel, decision string, rcode int, duration time.Duration) {
	if h.store == nil {
		return
	}

	upstream := ""
	if decision == string(policy.DecisionForwarded) || decision == string(policy.DecisionServfail) {
		upstream = h.resolver.Policy().Upstream
	}

	go func() {
		logCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		entry := &storage.QueryLog{
			Timestamp:    start,
			ClientIP:     clientIP,
			Name:         name,
			QueryType:    qtypeLabel,
			Decision:     decision,
			ResponseCode: rcode,
			DurationMs:   durationMs(duration),
			Upstream:     upstream,
		}
		if err := h.store.LogQuery(logCtx, entry); err != nil {
			h.logger.Debug("failed to record query",
				"name", name,
				"client", clientIP,
				"error", err,
			)
		}
	}()
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// getClientIP extracts the client address from the response writer,
// dropping the port when present.
func getClientIP(w dns.ResponseWriter) string {
	if w.RemoteAddr() != nil {
		host, _, err := net.SplitHostPort(w.RemoteAddr().String())
		if err == nil {
			return host
		}
		return w.RemoteAddr().String()
	}
	return "unknown"
}
