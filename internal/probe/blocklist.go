package probe

import (
	"fmt"
	"net/netip"
)

// IPBlocklist rejects addresses inside any configured CIDR range.
type IPBlocklist struct {
	prefixes []netip.Prefix
}

// NewIPBlocklist parses CIDR strings such as "10.0.0.0/8" or "::1/128".
func NewIPBlocklist(ranges []string) (*IPBlocklist, error) {
	b := &IPBlocklist{}
	for _, raw := range ranges {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse blocked range %q: %w", raw, err)
		}
		b.prefixes = append(b.prefixes, p.Masked())
	}
	return b, nil
}

// IsBlocked reports whether addr falls inside a blocked range.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func (b *IPBlocklist) IsBlocked(addr netip.Addr) bool {
	if b == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range b.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
