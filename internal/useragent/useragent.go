// Package useragent resolves per-domain user agent overrides.
package useragent

import (
	"strings"

	"github.com/JakeFAU/capture-service/internal/config"
)

// Override is the user agent customization for one domain.
type Override struct {
	ValidatorUA   string
	ScoopUASuffix string
}

// Matcher finds the first configured domain contained in a hostname.
type Matcher struct {
	entries []config.CustomAgentConfig
}

// NewMatcher keeps the configured order; earlier entries win.
func NewMatcher(entries []config.CustomAgentConfig) *Matcher {
	cp := make([]config.CustomAgentConfig, len(entries))
	copy(cp, entries)
	return &Matcher{entries: cp}
}

// Lookup returns the override for host, if any.
func (m *Matcher) Lookup(host string) (Override, bool) {
	if m == nil || host == "" {
		return Override{}, false
	}
	host = strings.ToLower(host)
	for _, e := range m.entries {
		if e.Domain != "" && strings.Contains(host, strings.ToLower(e.Domain)) {
			return Override{ValidatorUA: e.ValidatorUA, ScoopUASuffix: e.ScoopUASuffix}, true
		}
	}
	return Override{}, false
}
