package useragent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/capture-service/internal/config"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	m := NewMatcher([]config.CustomAgentConfig{
		{Domain: "example.com", ValidatorUA: "first", ScoopUASuffix: "suffix"},
		{Domain: "www.example.com", ValidatorUA: "second"},
	})

	got, ok := m.Lookup("WWW.Example.com")
	assert.True(t, ok)
	assert.Equal(t, Override{ValidatorUA: "first", ScoopUASuffix: "suffix"}, got)

	_, ok = m.Lookup("example.org")
	assert.False(t, ok)

	var nilMatcher *Matcher
	_, ok = nilMatcher.Lookup("example.com")
	assert.False(t, ok)
}
