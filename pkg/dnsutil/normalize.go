// Package dnsutil provides small name helpers shared by the policy,
// blocklist, and config packages.
package dnsutil

import "strings"

// Normalize canonicalizes a domain name for policy comparisons: surrounding
// whitespace is trimmed, at most one trailing root dot is stripped, and the
// result is lowercased. Total over all inputs; an empty string maps to an
// empty string.
func Normalize(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}

// IsSubdomainOf reports whether name sits at or below zone. Both arguments
// must already be normalized. The zone covers itself and every label under
// it, so "ads.example.com" is within "example.com" while "notexample.com"
// is not.
func IsSubdomainOf(name, zone string) bool {
	if zone == "" {
		return false
	}
	return name == zone || strings.HasSuffix(name, "."+zone)
}
