// Package hostset is an immutable host matcher built from a host-list blob.
// Lookups go through a Bloom prefilter before touching the exact and suffix
// maps, so the common "not listed" answer costs a few hash probes.
package hostset

import (
	"bytes"
	"fmt"
	"strings"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	logpkg "github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/hostset/parsers"
)

// Set is a read-only host matcher. It is safe for concurrent use.
type Set struct {
	source string
	exact  map[string]struct{}
	suffix map[string]struct{}
	filter *bitsbloom.BloomFilter
}

// Load parses data and builds a Set. A blob that is not text, or whose
// content lines yield no rule at all, is rejected with domain.ErrCorruptData.
// An empty or comment-only list is valid and matches nothing.
func Load(source string, data []byte, logger logpkg.Logger) (*Set, error) {
	if logger == nil {
		logger = logpkg.NewNoopLogger()
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: %s: binary content", domain.ErrCorruptData, source)
	}

	res, err := parsers.ParseList(bytes.NewReader(data), source, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCorruptData, source, err)
	}
	if res.Lines > 0 && len(res.Rules) == 0 {
		return nil, fmt.Errorf("%w: %s: %d lines, no host rules", domain.ErrCorruptData, source, res.Lines)
	}

	return New(source, res.Rules), nil
}

// New builds a Set from already parsed rules.
func New(source string, rules []domain.HostRule) *Set {
	s := &Set{
		source: source,
		exact:  make(map[string]struct{}),
		suffix: make(map[string]struct{}),
		filter: newPrefilter(uint64(len(rules))),
	}
	for _, r := range rules {
		switch r.Kind {
		case domain.HostRuleSuffix:
			s.suffix[r.Host] = struct{}{}
		default:
			s.exact[r.Host] = struct{}{}
		}
		s.filter.AddString(r.Host)
	}
	return s
}

// Source returns the name of the rule source the set was built from.
func (s *Set) Source() string { return s.source }

// Len returns the number of distinct rules.
func (s *Set) Len() int { return len(s.exact) + len(s.suffix) }

// MatchHost reports whether host is listed, either exactly or under a
// suffix rule of one of its parents.
func (s *Set) MatchHost(host string) bool {
	if s == nil {
		return false
	}
	host = utils.CanonicalHost(host)
	if host == "" {
		return false
	}

	if s.filter.TestString(host) {
		if _, ok := s.exact[host]; ok {
			return true
		}
		if _, ok := s.suffix[host]; ok {
			return true
		}
	}

	for i := strings.IndexByte(host, '.'); i >= 0; {
		parent := host[i+1:]
		if s.filter.TestString(parent) {
			if _, ok := s.suffix[parent]; ok {
				return true
			}
		}
		next := strings.IndexByte(parent, '.')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}
