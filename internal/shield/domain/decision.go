package domain

import "fmt"

// EngineKind identifies the classification engine that produced a decision.
type EngineKind uint8

const (
	EngineNone EngineKind = iota
	EngineSafeBrowsing
	EngineAdTracker
	EngineTrackingProtection
	EngineHTTPSUpgrade
)

// String returns a stable string representation of the engine kind.
func (k EngineKind) String() string {
	switch k {
	case EngineNone:
		return "none"
	case EngineSafeBrowsing:
		return "safe_browsing"
	case EngineAdTracker:
		return "ad_tracker"
	case EngineTrackingProtection:
		return "tracking_protection"
	case EngineHTTPSUpgrade:
		return "https_upgrade"
	default:
		return fmt.Sprintf("EngineKind(%d)", k)
	}
}

// DecisionKind tags the Decision union.
type DecisionKind uint8

const (
	DecisionAllow DecisionKind = iota
	DecisionBlockEmpty
	DecisionBlockPixel
	DecisionBlockPage
	DecisionRedirect
)

// String returns a stable string representation of the decision kind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionAllow:
		return "allow"
	case DecisionBlockEmpty:
		return "block_empty"
	case DecisionBlockPixel:
		return "block_pixel"
	case DecisionBlockPage:
		return "block_page"
	case DecisionRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("DecisionKind(%d)", k)
	}
}

// Decision is the outcome of classifying one request:
// Allow | BlockEmpty | BlockPixel | BlockPage(html) | Redirect(url).
// Pure value type; decisions are cached and must never be partially applied.
type Decision struct {
	Kind        DecisionKind
	Engine      EngineKind // engine that produced a non-Allow decision
	Page        []byte     // BlockPage only: HTML body to serve
	RedirectURL string     // Redirect only: target URL
	SetCookie   string     // Redirect only: Set-Cookie value for workaround reloads
}

// AllowDecision returns the pass-through decision.
func AllowDecision() Decision { return Decision{Kind: DecisionAllow} }

// BlockEmptyDecision returns a zero-length-response block.
func BlockEmptyDecision(engine EngineKind) Decision {
	return Decision{Kind: DecisionBlockEmpty, Engine: engine}
}

// BlockPixelDecision returns a 1x1 image block.
func BlockPixelDecision(engine EngineKind) Decision {
	return Decision{Kind: DecisionBlockPixel, Engine: engine}
}

// BlockPageDecision returns a block that serves page as an explanation.
func BlockPageDecision(engine EngineKind, page []byte) Decision {
	return Decision{Kind: DecisionBlockPage, Engine: engine, Page: page}
}

// RedirectDecision returns a redirect to target.
func RedirectDecision(engine EngineKind, target string) Decision {
	return Decision{Kind: DecisionRedirect, Engine: engine, RedirectURL: target}
}

// IsBlock reports whether the decision blocks the request.
func (d Decision) IsBlock() bool {
	switch d.Kind {
	case DecisionBlockEmpty, DecisionBlockPixel, DecisionBlockPage:
		return true
	default:
		return false
	}
}

// IsAllow is a convenience accessor.
func (d Decision) IsAllow() bool { return d.Kind == DecisionAllow }

// String returns a short description for logs.
func (d Decision) String() string {
	switch d.Kind {
	case DecisionAllow:
		return "allow"
	case DecisionRedirect:
		return fmt.Sprintf("redirect(%s) by %s", d.RedirectURL, d.Engine)
	default:
		return fmt.Sprintf("%s by %s", d.Kind, d.Engine)
	}
}
