package parsers

import (
	"net/netip"
	"strings"
	"unicode"

	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

// lineFormat is the syntax a single list line is written in.
type lineFormat uint8

const (
	formatPlain   lineFormat = iota // "example.com", "*.example.com", ".example.com"
	formatHosts                     // "0.0.0.0 example.com other.example"
	formatNetwork                   // "||example.com^" with optional "$options"
)

// detectFormat picks the line syntax from its first token.
func detectFormat(line string) lineFormat {
	if strings.HasPrefix(line, "||") {
		return formatNetwork
	}
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		if _, err := netip.ParseAddr(fields[0]); err == nil {
			return formatHosts
		}
	}
	return formatPlain
}

// ruleKindFromRaw returns HostRuleSuffix if the raw name begins with "*." or
// ".", otherwise HostRuleExact.
func ruleKindFromRaw(raw string) domain.HostRuleKind {
	if strings.HasPrefix(raw, "*.") || strings.HasPrefix(raw, ".") {
		return domain.HostRuleSuffix
	}
	return domain.HostRuleExact
}

// isValidHost checks that name is a plausible DNS host name:
//   - at most 255 characters
//   - at least two labels, each 1..63 characters
//   - labels made of letters, digits, '-' and '_' only
//   - the first label starts with a letter or digit
func isValidHost(name string) bool {
	if len(name) > 255 {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !isAlphaNumeric(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return isAlphaNumeric([]rune(labels[0])[0])
}

// normalizeHost trims whitespace and a leading "*." or "." marker and returns
// the canonical host.
func normalizeHost(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "*.")
	name = strings.TrimPrefix(name, ".")
	return utils.CanonicalHost(name)
}

func isAlphaNumeric(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// isComment reports whole-line comments in any supported syntax: '#' for
// hosts and plain lists, '!' and "[Adblock" headers for network lists.
func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#") ||
		strings.HasPrefix(trimmed, "!") ||
		strings.HasPrefix(trimmed, "[")
}

// stripInlineComment drops everything after the first " #" or tab-#.
func stripInlineComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}
