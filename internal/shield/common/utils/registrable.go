package utils

import "golang.org/x/net/publicsuffix"

// RegistrableDomain returns the eTLD+1 of name (e.g. "news.example.co.uk" ->
// "example.co.uk"), falling back to the canonical name when the public
// suffix list cannot answer (single labels, IP addresses).
func RegistrableDomain(name string) string {
	name = CanonicalHost(name)
	apex, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return name
	}
	return apex
}

// IsThirdParty reports whether host belongs to a different registrable domain
// than mainDocumentHost. An empty main document host means the request is
// itself a top-level navigation, which is never third-party.
func IsThirdParty(host, mainDocumentHost string) bool {
	if mainDocumentHost == "" {
		return false
	}
	return RegistrableDomain(host) != RegistrableDomain(mainDocumentHost)
}
