// Package acl gates queries on the client's source address before any
// policy evaluation happens.
package acl

import (
	"net"
	"strings"

	"github.com/yl2chen/cidranger"

	"sinkhole/pkg/logging"
)

// List is an allow list of client networks backed by a prefix trie.
// A nil *List allows every client.
type List struct {
	ranger  cidranger.Ranger
	entries int
	logger  *logging.Logger
}

// New builds an allow list from CIDR strings. Bare addresses get a host
// mask. Malformed entries are logged and skipped; they never abort startup.
// Returns nil when nothing is configured.
func New(entries []string, logger *logging.Logger) *List {
	if len(entries) == 0 {
		return nil
	}

	l := &List{
		ranger: cidranger.NewPCTrieRanger(),
		logger: logger,
	}

	for _, entry := range entries {
		cidr := strings.TrimSpace(entry)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}

		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("skipping malformed acl entry",
				"entry", entry,
				"error", err,
			)
			continue
		}
		if err := l.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			logger.Warn("skipping unusable acl entry",
				"entry", entry,
				"error", err,
			)
			continue
		}
		l.entries++
	}

	if l.entries == 0 {
		logger.Error("acl configured but no entries parsed; all clients will be refused")
	} else {
		logger.Info("acl loaded", "networks", l.entries)
	}
	return l
}

// Allowed reports whether the client address may query. A nil list allows
// everyone; an unparsable address is refused.
func (l *List) Allowed(ip net.IP) bool {
	if l == nil {
		return true
	}
	if ip == nil {
		return false
	}
	ok, err := l.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return ok
}

// Size returns the number of loaded networks.
func (l *List) Size() int {
	if l == nil {
		return 0
	}
	return l.entries
}
