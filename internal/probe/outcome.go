package probe

// Kind classifies the result of probing a URL.
type Kind string

// Probe outcomes, in the order the checks run.
const (
	KindInvalidSyntax  Kind = "invalid_syntax"
	KindUnresolvable   Kind = "unresolvable"
	KindResolveTimeout Kind = "resolve_timeout"
	KindBlockedIP      Kind = "blocked_ip"
	KindUnreachable    Kind = "unreachable"
	KindRedirectLoop   Kind = "redirect_loop"
	KindReachable      Kind = "reachable"
)

// Outcome is the result of Prober.Probe.
type Outcome struct {
	Kind Kind
	// StatusCode and ContentLength are only set for KindReachable.
	StatusCode    int
	ContentLength *int64
}

// OK reports whether the URL may be captured.
func (o Outcome) OK() bool {
	return o.Kind == KindReachable
}

// Message is the user-facing explanation of a rejected URL.
func (o Outcome) Message() string {
	switch o.Kind {
	case KindInvalidSyntax:
		return "Not a valid URL."
	case KindUnresolvable:
		return "Couldn't resolve domain."
	case KindResolveTimeout:
		return "Couldn't resolve domain promptly."
	case KindBlockedIP:
		return "Not a valid IP."
	case KindRedirectLoop:
		return "URL caused a redirect loop."
	case KindReachable:
		return ""
	default:
		return "Couldn't load URL."
	}
}
