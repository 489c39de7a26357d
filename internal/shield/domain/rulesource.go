package domain

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// RuleSource identifies one downloadable rule-data blob. It is immutable once
// constructed; one instance exists per engine list (base ad-block list, safe
// browsing list, a regional ad-block list, ...).
type RuleSource struct {
	Name               string // unique source name, e.g. "adblock" or "adblock-fr"
	RemoteURL          string // http(s) URL of the blob
	LocalFileName      string // file name of the cached blob
	LocalDirectoryName string // directory under the cache root holding the blob
}

// NewRuleSource constructs a RuleSource and validates its fields.
func NewRuleSource(name, remoteURL, localFileName, localDirectoryName string) (RuleSource, error) {
	s := RuleSource{
		Name:               strings.TrimSpace(name),
		RemoteURL:          strings.TrimSpace(remoteURL),
		LocalFileName:      strings.TrimSpace(localFileName),
		LocalDirectoryName: strings.TrimSpace(localDirectoryName),
	}
	if err := s.Validate(); err != nil {
		return RuleSource{}, err
	}
	return s, nil
}

// Validate checks the RuleSource for required fields and safe file names.
func (s RuleSource) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("rule source name must not be empty")
	}
	u, err := url.Parse(s.RemoteURL)
	if err != nil {
		return fmt.Errorf("rule source %q: invalid remote url: %w", s.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("rule source %q: remote url scheme must be http or https, got %q", s.Name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("rule source %q: remote url has no host", s.Name)
	}
	if err := validatePathElement(s.LocalFileName); err != nil {
		return fmt.Errorf("rule source %q: local file name: %w", s.Name, err)
	}
	if err := validatePathElement(s.LocalDirectoryName); err != nil {
		return fmt.Errorf("rule source %q: local directory name: %w", s.Name, err)
	}
	return nil
}

// RegionalSource derives the per-locale source of base: the locale is
// appended to the name and file name, and substituted for "{locale}" in the
// remote URL (or appended as a "-<locale>" suffix to the last path element).
func RegionalSource(base RuleSource, locale string) (RuleSource, error) {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if len(locale) != 2 {
		return RuleSource{}, fmt.Errorf("locale must be a 2-letter code, got %q", locale)
	}

	remote := base.RemoteURL
	if strings.Contains(remote, "{locale}") {
		remote = strings.ReplaceAll(remote, "{locale}", locale)
	} else {
		ext := filepath.Ext(remote)
		remote = strings.TrimSuffix(remote, ext) + "-" + locale + ext
	}

	ext := filepath.Ext(base.LocalFileName)
	file := strings.TrimSuffix(base.LocalFileName, ext) + "-" + locale + ext

	return NewRuleSource(base.Name+"-"+locale, remote, file, base.LocalDirectoryName)
}

// ETagFileName is the name of the sidecar file holding the blob's validator.
func (s RuleSource) ETagFileName() string {
	return s.LocalFileName + ".etag"
}

func validatePathElement(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("must not be empty")
	case p == "." || p == "..":
		return fmt.Errorf("must not be %q", p)
	case strings.ContainsAny(p, `/\`):
		return fmt.Errorf("must not contain path separators: %q", p)
	}
	return nil
}
