// Package parsers turns host-list blobs into HostRule values. A list may mix
// hosts-file lines, plain host lines and "||host^" network lines; each line
// is parsed on its own.
package parsers

import (
	"bufio"
	"io"
	"strings"

	logpkg "github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

// maxLineSize bounds a single list line; longer lines fail the scan.
const maxLineSize = 64 * 1024

// Result is the outcome of parsing one list.
type Result struct {
	Rules []domain.HostRule
	// Lines is the number of non-empty, non-comment lines seen.
	Lines int
	// Skipped is the number of content lines that produced no rule.
	Skipped int
}

// ParseList parses a host list into HostRules attributed to source.
//
// Behavior:
//   - Skips blank lines and whole-line comments ('#', '!', '[')
//   - hosts lines ignore the IP field and yield exact rules for each name
//   - plain lines yield exact rules, or suffix rules for "*." / "." prefixes
//   - "||host^" lines yield suffix rules; lines with options, paths or
//     exceptions are not host rules and are skipped
//   - De-duplicates by (host, kind) preserving first-seen order
func ParseList(r io.Reader, source string, logger logpkg.Logger) (Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	seen := make(map[string]struct{})
	res := Result{Rules: make([]domain.HostRule, 0, 256)}

	logger.Debug(map[string]any{"source": source}, "parse_list_start")

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}
		res.Lines++

		var candidates []candidate
		switch detectFormat(trimmed) {
		case formatHosts:
			candidates = hostsLine(trimmed)
		case formatNetwork:
			candidates = networkLine(trimmed)
		default:
			candidates = plainLine(trimmed)
		}

		emitted := 0
		for _, c := range candidates {
			if !isValidHost(c.host) {
				logger.Debug(map[string]any{"line": lineNum, "host": c.host}, "list_skip_invalid_host")
				continue
			}
			seenKey := c.host + "|" + c.kind.String()
			if _, ok := seen[seenKey]; ok {
				emitted++
				continue
			}
			rule, err := domain.NewHostRule(c.host, c.kind, source)
			if err != nil {
				logger.Debug(map[string]any{"line": lineNum, "host": c.host, "error": err.Error()}, "list_skip_constructor_error")
				continue
			}
			res.Rules = append(res.Rules, rule)
			seen[seenKey] = struct{}{}
			emitted++
		}
		if emitted == 0 {
			res.Skipped++
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug(map[string]any{"source": source, "error": err.Error()}, "parse_list_scan_error")
		return Result{}, err
	}

	logger.Debug(map[string]any{"source": source, "count": len(res.Rules), "skipped": res.Skipped}, "parse_list_done")
	return res, nil
}

type candidate struct {
	host string
	kind domain.HostRuleKind
}

// hostsLine handles "IP name [name...]" lines. Wildcards are not valid in a
// hosts file and are dropped.
func hostsLine(line string) []candidate {
	fields := strings.Fields(stripInlineComment(line))
	if len(fields) < 2 {
		return nil
	}
	out := make([]candidate, 0, len(fields)-1)
	for _, raw := range fields[1:] {
		if strings.HasPrefix(raw, ".") || strings.Contains(raw, "*") {
			continue
		}
		name := normalizeHost(raw)
		if name == "localhost" || name == "broadcasthost" {
			continue
		}
		out = append(out, candidate{host: name, kind: domain.HostRuleExact})
	}
	return out
}

// plainLine handles a single host per line.
func plainLine(line string) []candidate {
	s := strings.TrimSpace(stripInlineComment(line))
	if s == "" || strings.ContainsAny(s, " \t/") {
		return nil
	}
	return []candidate{{host: normalizeHost(s), kind: ruleKindFromRaw(s)}}
}

// networkLine handles "||host^" lines. Only pure host blocks qualify.
func networkLine(line string) []candidate {
	s := strings.TrimPrefix(line, "||")
	s, ok := strings.CutSuffix(s, "^")
	if !ok || strings.ContainsAny(s, "/$*^|") {
		return nil
	}
	return []candidate{{host: normalizeHost(s), kind: domain.HostRuleSuffix}}
}
