// Package shields resolves the shield toggles of a main document host from
// static settings: one default ShieldState plus the hosts (and their
// subdomains) on which every shield is off.
package shields

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/config"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/hostset"
)

const disabledSource = "disabled_hosts"

// Resolver serves ShieldState lookups. Reads are lock-free; updates rebuild
// the disabled host set and notify OnChange.
type Resolver struct {
	defaults atomic.Pointer[domain.ShieldState]
	disabled atomic.Pointer[hostset.Set]

	mu       sync.Mutex
	hosts    map[string]struct{}
	onChange func()
}

// New returns a Resolver. onChange may be nil.
func New(defaults domain.ShieldState, disabledHosts []string, onChange func()) (*Resolver, error) {
	if onChange == nil {
		onChange = func() {}
	}
	r := &Resolver{hosts: make(map[string]struct{}), onChange: onChange}
	for _, h := range disabledHosts {
		c := utils.CanonicalHost(h)
		if c == "" {
			return nil, fmt.Errorf("shields: invalid host %q", h)
		}
		r.hosts[c] = struct{}{}
	}
	r.defaults.Store(&defaults)
	if err := r.rebuild(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig builds a Resolver from the shields section of the config.
func FromConfig(cfg config.ShieldsConfig, onChange func()) (*Resolver, error) {
	return New(domain.ShieldState{
		AdBlockAndTrackingEnabled: cfg.AdBlock,
		HTTPSUpgradeEnabled:       cfg.HTTPSUpgrade,
		SafeBrowsingEnabled:       cfg.SafeBrowsing,
		ScriptBlockingEnabled:     cfg.ScriptBlocking,
	}, cfg.DisabledHosts, onChange)
}

// ShieldState returns AllOff for disabled hosts and the defaults otherwise.
func (r *Resolver) ShieldState(_ context.Context, mainDocumentHost string) domain.ShieldState {
	if r.disabled.Load().MatchHost(mainDocumentHost) {
		return domain.ShieldState{AllOff: true}
	}
	return *r.defaults.Load()
}

// SetDefaults replaces the default toggles.
func (r *Resolver) SetDefaults(s domain.ShieldState) {
	r.defaults.Store(&s)
	r.onChange()
}

// SetHostDisabled turns every shield off (or back on) for host and its
// subdomains.
func (r *Resolver) SetHostDisabled(host string, disabled bool) error {
	c := utils.CanonicalHost(host)
	if c == "" {
		return fmt.Errorf("shields: invalid host %q", host)
	}

	r.mu.Lock()
	_, present := r.hosts[c]
	if present == disabled {
		r.mu.Unlock()
		return nil
	}
	if disabled {
		r.hosts[c] = struct{}{}
	} else {
		delete(r.hosts, c)
	}
	err := r.rebuildLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.onChange()
	return nil
}

// DisabledHosts returns the disabled hosts, sorted.
func (r *Resolver) DisabledHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.hosts))
	for h := range r.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) rebuild() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked()
}

func (r *Resolver) rebuildLocked() error {
	rules := make([]domain.HostRule, 0, len(r.hosts))
	for h := range r.hosts {
		rule, err := domain.NewHostRule(h, domain.HostRuleSuffix, disabledSource)
		if err != nil {
			return fmt.Errorf("shields: %w", err)
		}
		rules = append(rules, rule)
	}
	r.disabled.Store(hostset.New(disabledSource, rules))
	return nil
}
