package utils

import (
	"strings"
)

// commonHostPrefixes are stripped before host comparisons so that
// "www.example.com", "m.example.com" and "example.com" compare equal.
var commonHostPrefixes = []string{"www.", "m.", "mobile."}

// CanonicalHost returns a host name in canonical form:
// - Lowercased
// - Trimmed of surrounding whitespace
// - No trailing dot
// - No port and no IPv6 brackets
func CanonicalHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.ToLower(host)
	if strings.HasPrefix(host, "[") {
		if i := strings.IndexByte(host, ']'); i > 0 {
			host = host[1:i]
		}
	} else if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	// remove all trailing dots
	for strings.HasSuffix(host, ".") {
		host = strings.TrimSuffix(host, ".")
	}
	return host
}

// StripCommonPrefixes removes one leading "www.", "m." or "mobile." label from
// host. The host is canonicalized first.
func StripCommonPrefixes(host string) string {
	host = CanonicalHost(host)
	for _, p := range commonHostPrefixes {
		if rest, ok := strings.CutPrefix(host, p); ok && rest != "" {
			return rest
		}
	}
	return host
}

// IsSubdomainOrSelf reports whether host equals parent or is a subdomain of it.
func IsSubdomainOrSelf(host, parent string) bool {
	host = CanonicalHost(host)
	parent = CanonicalHost(parent)
	if parent == "" {
		return false
	}
	return host == parent || strings.HasSuffix(host, "."+parent)
}
