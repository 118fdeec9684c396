// Package forwarder relays queries that no local rule matched to the
// upstream resolver over UDP.
package forwarder

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"sinkhole/pkg/dnsutil"
	"sinkhole/pkg/logging"
)

// DefaultTimeout bounds a single upstream exchange.
const DefaultTimeout = 2 * time.Second

// Forwarder performs one-shot exchanges with a single upstream. Exactly one
// attempt per query: no retries, no connection reuse across queries; each
// exchange dials its own short-lived socket.
type Forwarder struct {
	upstream string
	timeout  time.Duration
	client   *dns.Client
	logger   *logging.Logger
}

// New creates a forwarder for upstream (host:port). A non-positive timeout
// falls back to DefaultTimeout.
func New(upstream string, timeout time.Duration, logger *logging.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f := &Forwarder{
		upstream: upstream,
		timeout:  timeout,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
			UDPSize: dns.DefaultMsgSize,
		},
		logger: logger,
	}

	logger.Info("forwarder initialized",
		"upstream", upstream,
		"timeout", timeout,
	)
	return f
}

// Forward relays the query and returns the upstream reply verbatim: its
// rcode, TTLs, and answers are never rewritten here, so an upstream SERVFAIL
// is passed through rather than treated as an error. Socket errors, the
// timeout, and replies that fail to parse all surface as an error; the
// caller turns that into a SERVFAIL templated from the request.
func (f *Forwarder) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, rtt, err := f.client.ExchangeContext(ctx, req, f.upstream)
	if err != nil {
		return nil, fmt.Errorf("exchange with %s: %w", f.upstream, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("empty reply from %s", f.upstream)
	}

	f.logger.Debug("forwarded query",
		"name", req.Question[0].Name,
		"type", dnsutil.TypeLabel(req.Question[0].Qtype),
		"upstream", f.upstream,
		"rcode", dns.RcodeToString[resp.Rcode],
		"answers", len(resp.Answer),
		"rtt", rtt,
	)
	return resp, nil
}

// Upstream returns the configured upstream address.
func (f *Forwarder) Upstream() string {
	return f.upstream
}

// Timeout returns the per-exchange deadline.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}
