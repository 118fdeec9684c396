// Package policy holds the compiled resolution policy and the decision
// engine that answers queries from it. A Policy is built exactly once at
// startup and never mutated afterwards, so the resolver can read it from
// any number of goroutines without locking.
package policy

import (
	"net"
	"strings"
	"time"

	"sinkhole/pkg/config"
	"sinkhole/pkg/dnsutil"
)

// MatchMode selects how banned-domain entries cover query names.
type MatchMode string

const (
	// MatchExact matches only the literal normalized name.
	MatchExact MatchMode = "exact"
	// MatchSuffix matches the entry itself and every subdomain of it.
	MatchSuffix MatchMode = "suffix"
)

// FallbackMode selects what happens to queries no rule matched.
type FallbackMode string

const (
	// FallbackForward relays unmatched queries to the upstream resolver.
	FallbackForward FallbackMode = "forward"
	// FallbackNXDomain answers unmatched queries with NXDOMAIN locally.
	FallbackNXDomain FallbackMode = "nxdomain"
)

// Logger is the minimal observability contract the policy layer needs.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Policy is the immutable, validated snapshot every query is answered from.
// All map keys are normalized names. Fields are exported for inspection by
// the status API but must be treated as read-only after Compile returns.
type Policy struct {
	TTL        uint32
	BannedMode MatchMode
	Banned     map[string]struct{}

	// Exactly one of BannedIP / BannedCNAME is set; it decides whether a
	// banned name gets a synthetic A or a synthetic CNAME answer.
	BannedIP    net.IP
	BannedCNAME string

	Fallback       FallbackMode
	Upstream       string // host:port
	ForwardTimeout time.Duration

	ARecords     map[string]net.IP
	CNAMERecords map[string]string

	SelfIP string
}

// Compile turns raw configuration plus a loaded banned set into a Policy.
// The "server" sentinel in A record values is rewritten to the self IP here,
// exactly once, before the value is validated. Invalid IPv4 literals are
// dropped with a warning; they never abort startup. Validation writes into a
// fresh map rather than deleting from the one being read.
func Compile(cfg *config.Config, banned map[string]struct{}, logger Logger) *Policy {
	selfIP := cfg.ServerIP
	if config.AutoServerIP(selfIP) {
		selfIP = DetectLocalIP(DefaultProbeAddr, logger)
	}

	aRecords := make(map[string]net.IP, len(cfg.Records.A))
	for name, value := range cfg.Records.A {
		if value == "server" {
			value = selfIP
		}
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			logger.Warn("dropping overlay A record with invalid IPv4 literal",
				"name", name,
				"value", value,
			)
			continue
		}
		aRecords[dnsutil.Normalize(name)] = ip.To4()
	}

	cnameRecords := make(map[string]string, len(cfg.Records.CNAME))
	for name, target := range cfg.Records.CNAME {
		cnameRecords[dnsutil.Normalize(name)] = dnsutil.Normalize(target)
	}

	if banned == nil {
		banned = map[string]struct{}{}
	}

	p := &Policy{
		TTL:            cfg.TTL,
		BannedMode:     MatchMode(cfg.BannedMode),
		Banned:         banned,
		Fallback:       FallbackMode(cfg.Fallback),
		Upstream:       normalizeUpstream(cfg.UpstreamDNS),
		ForwardTimeout: time.Duration(cfg.ForwardTimeout) * time.Second,
		ARecords:       aRecords,
		CNAMERecords:   cnameRecords,
		SelfIP:         selfIP,
	}

	switch {
	case cfg.BannedCNAME != "":
		p.BannedCNAME = dnsutil.Normalize(cfg.BannedCNAME)
	case cfg.BannedIP != "":
		// config validation guarantees this parses when set
		p.BannedIP = net.ParseIP(cfg.BannedIP).To4()
	default:
		p.BannedIP = net.IPv4(127, 0, 0, 1).To4()
	}

	return p
}

// IsBanned reports whether a normalized name is covered by the banned set
// under the configured match mode. In suffix mode a name matches when it
// equals an entry or when any label-suffix of it equals an entry, so
// "ads.example.com" is covered by "example.com" while "notexample.com"
// is not.
func (p *Policy) IsBanned(name string) bool {
	if len(p.Banned) == 0 {
		return false
	}
	if _, ok := p.Banned[name]; ok {
		return true
	}
	if p.BannedMode == MatchExact {
		return false
	}
	for i := strings.IndexByte(name, '.'); i >= 0; i = strings.IndexByte(name, '.') {
		name = name[i+1:]
		if _, ok := p.Banned[name]; ok {
			return true
		}
	}
	return false
}

// HasOverlay reports whether a normalized name appears in either overlay map.
func (p *Policy) HasOverlay(name string) bool {
	if _, ok := p.ARecords[name]; ok {
		return true
	}
	_, ok := p.CNAMERecords[name]
	return ok
}

// normalizeUpstream appends the default DNS port when the configured
// upstream has none.
func normalizeUpstream(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}
