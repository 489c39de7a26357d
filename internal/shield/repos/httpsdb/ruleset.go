package httpsdb

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

// Rule rewrites URLs matching From into To. To may reference capture groups
// as $1..$9.
type Rule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Ruleset is one HTTPS upgrade ruleset: the hosts it applies to, URL
// patterns it must leave alone, and its rewrite rules in priority order.
//
// Targets are host names, optionally with a leading "*." wildcard that
// covers every subdomain.
type Ruleset struct {
	Name       string   `yaml:"name"`
	Targets    []string `yaml:"targets"`
	Exclusions []string `yaml:"exclusions,omitempty"`
	Rules      []Rule   `yaml:"rules"`
	DefaultOff bool     `yaml:"default_off,omitempty"`
}

type rulesetFile struct {
	Rulesets []Ruleset `yaml:"rulesets"`
}

// ParseRulesets decodes a ruleset blob. The blob is a YAML or JSON document
// with a top-level "rulesets" list. Disabled rulesets are dropped; any other
// invalid ruleset makes the whole blob corrupt.
func ParseRulesets(data []byte) ([]Ruleset, error) {
	var f rulesetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decoding rulesets: %w", domain.ErrCorruptData, err)
	}
	if f.Rulesets == nil {
		return nil, fmt.Errorf("%w: no rulesets key", domain.ErrCorruptData)
	}

	out := make([]Ruleset, 0, len(f.Rulesets))
	for i, rs := range f.Rulesets {
		if rs.DefaultOff {
			continue
		}
		if err := rs.Validate(); err != nil {
			return nil, fmt.Errorf("%w: ruleset %d: %w", domain.ErrCorruptData, i, err)
		}
		out = append(out, rs.normalized())
	}
	return out, nil
}

// Validate checks that the ruleset has targets and compilable rules whose
// replacements produce https URLs.
func (rs Ruleset) Validate() error {
	if strings.TrimSpace(rs.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(rs.Targets) == 0 {
		return fmt.Errorf("%s: no targets", rs.Name)
	}
	for _, t := range rs.Targets {
		if strings.TrimPrefix(utils.CanonicalHost(t), "*.") == "" {
			return fmt.Errorf("%s: empty target", rs.Name)
		}
	}
	if len(rs.Rules) == 0 {
		return fmt.Errorf("%s: no rules", rs.Name)
	}
	for _, r := range rs.Rules {
		if _, err := regexp.Compile(r.From); err != nil {
			return fmt.Errorf("%s: rule from %q: %w", rs.Name, r.From, err)
		}
		if !strings.HasPrefix(strings.ToLower(r.To), "https:") {
			return fmt.Errorf("%s: rule to %q is not https", rs.Name, r.To)
		}
	}
	for _, e := range rs.Exclusions {
		if _, err := regexp.Compile(e); err != nil {
			return fmt.Errorf("%s: exclusion %q: %w", rs.Name, e, err)
		}
	}
	return nil
}

func (rs Ruleset) normalized() Ruleset {
	targets := make([]string, 0, len(rs.Targets))
	for _, t := range rs.Targets {
		targets = append(targets, utils.CanonicalHost(t))
	}
	rs.Targets = targets
	rs.Name = strings.TrimSpace(rs.Name)
	return rs
}

var groupRef = regexp.MustCompile(`\$(\d)`)

// expandTemplate converts "$1" references to "${1}" so that a digit or
// letter following the reference is not read as part of the group name.
func expandTemplate(to string) string {
	return groupRef.ReplaceAllString(to, `$${${1}}`)
}
