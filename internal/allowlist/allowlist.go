// Package allowlist gates which hosts the origin resolver will trust.
// The match logic is kept free of I/O so the security boundary can be
// tested as a single unit.
package allowlist

import (
	"net/url"
	"strings"
)

type List struct {
	patterns []string
}

// New builds a host allow-list from configured patterns. A pattern is
// either an exact host, a "*.suffix" wildcard matching one or more
// subdomain labels, or "*" matching every host. An empty pattern set
// matches nothing.
func New(patterns []string) *List {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &List{patterns: cleaned}
}

func (l *List) Empty() bool {
	return l == nil || len(l.patterns) == 0
}

// MatchHost reports whether host matches any configured pattern.
func (l *List) MatchHost(host string) bool {
	if l == nil {
		return false
	}

	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	if host == "" {
		return false
	}

	for _, pattern := range l.patterns {
		if pattern == "*" {
			return true
		}
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// MatchURL matches the host of a raw URL. Values that do not parse as a
// URL are matched as a bare host string, which covers referrers sent
// without a scheme.
func (l *List) MatchURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}

	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return l.MatchHost(parsed.Host)
	}
	return l.MatchHost(raw)
}
