package domain

// ShieldState is the per-request-context toggle set. It is owned by the
// settings layer and read-only to the filtering engine. AllOff short-circuits
// every engine.
type ShieldState struct {
	AdBlockAndTrackingEnabled bool
	HTTPSUpgradeEnabled       bool
	SafeBrowsingEnabled       bool
	ScriptBlockingEnabled     bool
	AllOff                    bool
}

// DefaultShieldState returns the toggles a fresh profile starts with: every
// engine on except script blocking.
func DefaultShieldState() ShieldState {
	return ShieldState{
		AdBlockAndTrackingEnabled: true,
		HTTPSUpgradeEnabled:       true,
		SafeBrowsingEnabled:       true,
	}
}

// AnyEnabled reports whether at least one engine would be consulted.
func (s ShieldState) AnyEnabled() bool {
	if s.AllOff {
		return false
	}
	return s.AdBlockAndTrackingEnabled || s.HTTPSUpgradeEnabled || s.SafeBrowsingEnabled || s.ScriptBlockingEnabled
}
