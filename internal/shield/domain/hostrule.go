package domain

import (
	"fmt"
	"strings"
)

// HostRuleKind defines how a host rule matches request hosts.
//
// exact  - the host itself only
// suffix - the host and every subdomain of it
type HostRuleKind uint8

const (
	HostRuleExact HostRuleKind = iota
	HostRuleSuffix
)

// String returns a stable string representation of the rule kind.
func (k HostRuleKind) String() string {
	switch k {
	case HostRuleExact:
		return "exact"
	case HostRuleSuffix:
		return "suffix"
	default:
		return fmt.Sprintf("HostRuleKind(%d)", k)
	}
}

// HostRule is one host entry of a host-list blob (safe-browsing or tracker
// list). Host is canonical: lowercase, no trailing dot, no port.
type HostRule struct {
	Host   string
	Kind   HostRuleKind
	Source string // rule source name the entry came from
}

// NewHostRule constructs a HostRule and validates its fields.
func NewHostRule(host string, kind HostRuleKind, source string) (HostRule, error) {
	r := HostRule{
		Host:   strings.TrimSpace(host),
		Kind:   kind,
		Source: strings.TrimSpace(source),
	}
	if err := r.Validate(); err != nil {
		return HostRule{}, err
	}
	return r, nil
}

// Validate checks the HostRule for required fields and supported values.
func (r HostRule) Validate() error {
	if r.Host == "" {
		return fmt.Errorf("rule host must not be empty")
	}
	if r.Source == "" {
		return fmt.Errorf("rule source must not be empty")
	}
	switch r.Kind {
	case HostRuleExact, HostRuleSuffix:
	default:
		return fmt.Errorf("unsupported HostRuleKind: %d", r.Kind)
	}
	return nil
}

// Matches reports whether host is covered by the rule. host must already be
// canonical.
func (r HostRule) Matches(host string) bool {
	if host == r.Host {
		return true
	}
	return r.Kind == HostRuleSuffix && strings.HasSuffix(host, "."+r.Host)
}
