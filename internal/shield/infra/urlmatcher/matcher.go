// Package urlmatcher compiles ad-block network rule lists with AdGuard's
// urlfilter and matches request URLs against them.
package urlmatcher

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/AdguardTeam/urlfilter"
	"github.com/AdguardTeam/urlfilter/filterlist"
	"github.com/AdguardTeam/urlfilter/rules"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

// listID is the filter list id of every compiled list; a Matcher holds one
// list.
const listID = 1

// Matcher is an immutable compiled rule list. It is safe for concurrent use.
type Matcher struct {
	name   string
	engine *urlfilter.NetworkEngine
	rules  int
}

// Load compiles data into a Matcher. Cosmetic rules are ignored. A blob that
// is binary, or whose content yields no rule, is rejected with
// domain.ErrCorruptData.
func Load(name string, data []byte) (*Matcher, error) {
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: %s: binary content", domain.ErrCorruptData, name)
	}

	text := string(data)
	count := 0
	scanner := filterlist.NewRuleScanner(strings.NewReader(text), listID, true)
	for scanner.Scan() {
		count++
	}
	if count == 0 && hasContent(text) {
		return nil, fmt.Errorf("%w: %s: no network rules", domain.ErrCorruptData, name)
	}

	list := filterlist.NewString(&filterlist.StringConfig{
		RulesText:      text,
		ID:             listID,
		IgnoreCosmetic: true,
	})
	storage, err := filterlist.NewRuleStorage([]filterlist.Interface{list})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCorruptData, name, err)
	}

	return &Matcher{
		name:   name,
		engine: urlfilter.NewNetworkEngine(storage),
		rules:  count,
	}, nil
}

// Name returns the rule source name the matcher was built from.
func (m *Matcher) Name() string { return m.name }

// Rules returns the number of compiled rules.
func (m *Matcher) Rules() int { return m.rules }

// Match reports whether req is blocked. An exception rule ("@@") that wins
// the match means not blocked. rule is the text of the winning rule.
func (m *Matcher) Match(req domain.RequestDescriptor) (blocked bool, rule string) {
	if m == nil || m.engine == nil || req.URL == nil {
		return false, ""
	}
	source := ""
	if req.MainDocumentURL != nil {
		source = req.MainDocumentURL.String()
	}

	r := rules.NewRequest(req.URL.String(), source, RequestType(req))
	nr, ok := m.engine.Match(r)
	if !ok || nr == nil {
		return false, ""
	}
	text := nr.Text()
	if strings.HasPrefix(text, "@@") {
		return false, text
	}
	return true, text
}

// RequestType infers the resource type of req from the path extension and
// the Accept header.
func RequestType(req domain.RequestDescriptor) rules.RequestType {
	if req.IsMainDocument() {
		return rules.TypeDocument
	}

	accept := strings.ToLower(req.AcceptHeader)
	switch ext := strings.ToLower(path.Ext(req.URL.Path)); ext {
	case ".js", ".mjs":
		return rules.TypeScript
	case ".css":
		return rules.TypeStylesheet
	case ".gif", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".bmp", ".avif":
		return rules.TypeImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return rules.TypeFont
	case ".mp4", ".webm", ".mp3", ".m3u8", ".ogg", ".wav":
		return rules.TypeMedia
	case ".html", ".htm":
		return rules.TypeSubdocument
	}

	switch {
	case strings.HasPrefix(accept, "image/"):
		return rules.TypeImage
	case strings.Contains(accept, "javascript"):
		return rules.TypeScript
	case strings.HasPrefix(accept, "text/css"):
		return rules.TypeStylesheet
	case strings.HasPrefix(accept, "text/html"):
		return rules.TypeSubdocument
	case strings.Contains(accept, "application/json"):
		return rules.TypeXmlhttprequest
	}
	return rules.TypeOther
}

func hasContent(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "!") && !strings.HasPrefix(line, "[") {
			return true
		}
	}
	return false
}
