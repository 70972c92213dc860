package probe

import (
	"net"
	"net/url"
	"strings"
)

// ValidURL reports whether raw is an absolute http(s) URL with a plausible host.
// In strict mode every query component must be a key=value pair with a non-empty key.
func ValidURL(raw string, strict bool) bool {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Opaque != "" || u.User != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if net.ParseIP(host) == nil && !validHostname(host) {
		return false
	}
	if port := u.Port(); port != "" && !validPort(port) {
		return false
	}
	if strict && u.RawQuery != "" {
		for _, part := range strings.Split(u.RawQuery, "&") {
			key, _, found := strings.Cut(part, "=")
			if !found || key == "" {
				return false
			}
		}
	}
	return true
}

func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if len(host) > 253 || !strings.Contains(host, ".") {
		return false
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			case r > 127:
			default:
				return false
			}
		}
	}
	tld := labels[len(labels)-1]
	for _, r := range tld {
		if r >= '0' && r <= '9' {
			return false
		}
	}
	return true
}

func validPort(port string) bool {
	if len(port) > 5 {
		return false
	}
	n := 0
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n > 0 && n <= 65535
}
