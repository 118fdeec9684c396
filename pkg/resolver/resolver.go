// Package resolver centralizes outbound DNS resolution so banned-list
// downloads do not depend on the host resolver, which may well point at
// this very server before it is up.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"sinkhole/pkg/logging"
)

// Resolver resolves hostnames through the configured upstream instead of
// /etc/resolv.conf. An empty upstream falls back to the system resolver.
type Resolver struct {
	upstream string // host:port
	dialer   *net.Dialer
	logger   *logging.Logger
}

// New creates a resolver that sends lookups to upstream. A bare host gets
// the default DNS port appended.
func New(upstream string, logger *logging.Logger) *Resolver {
	if upstream != "" {
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstream = net.JoinHostPort(upstream, "53")
		}
	}
	return &Resolver{
		upstream: upstream,
		logger:   logger,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves a hostname via the upstream. When the upstream fails,
// the system resolver is tried before giving up; list downloads are
// best-effort and should not die with a flaky upstream.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if r.upstream == "" {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	netResolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return r.dialer.DialContext(ctx, "udp", r.upstream)
		},
	}

	ips, err := netResolver.LookupIP(ctx, network, host)
	if err == nil {
		return ips, nil
	}

	r.logger.Warn("upstream lookup failed, falling back to system resolver",
		"host", host,
		"upstream", r.upstream,
		"error", err,
	)
	ips, sysErr := net.DefaultResolver.LookupIP(ctx, network, host)
	if sysErr != nil {
		return nil, fmt.Errorf("resolving %s via %s: %w", host, r.upstream, err)
	}
	return ips, nil
}

// DialContext dials an address, resolving any hostname through the
// upstream first. Compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}

	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// Upstream returns the configured upstream address.
func (r *Resolver) Upstream() string {
	return r.upstream
}
