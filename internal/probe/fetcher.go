package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"
)

// ErrTooManyRedirects is returned by a Fetcher when the redirect limit is hit.
var ErrTooManyRedirects = errors.New("too many redirects")

// errBlockedDial rejects connections to blocked addresses reached after DNS, e.g. via redirects.
var errBlockedDial = errors.New("dial to blocked address")

// FetchRequest describes one liveness GET.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration
}

// FetchResponse carries the status line and headers of the final response.
type FetchResponse struct {
	StatusCode int
	Header     http.Header
}

// Fetcher performs the liveness GET.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// CollyFetcher implements Fetcher using a fresh Colly collector per request.
type CollyFetcher struct {
	transport    http.RoundTripper
	maxRedirects int
}

// NewCollyFetcher builds a fetcher that tolerates legacy TLS and refuses to
// connect to blocked addresses.
func NewCollyFetcher(maxRedirects int, blocklist *IPBlocklist) *CollyFetcher {
	if maxRedirects <= 0 {
		maxRedirects = 30
	}
	return &CollyFetcher{
		transport:    newProbeTransport(blocklist),
		maxRedirects: maxRedirects,
	}
}

// Fetch issues a GET and returns as soon as the final response headers arrive.
// The body is never read. Canceling ctx aborts the request.
func (f *CollyFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	)
	c.WithTransport(f.transport)
	if req.Timeout > 0 {
		c.SetRequestTimeout(req.Timeout)
	}
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= f.maxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	})

	var (
		result FetchResponse
		got    bool
	)
	c.OnResponseHeaders(func(r *colly.Response) {
		result = FetchResponse{StatusCode: r.StatusCode}
		if r.Headers != nil {
			result.Header = r.Headers.Clone()
		}
		got = true
		r.Request.Abort()
	})

	hdr := http.Header{}
	if req.UserAgent != "" {
		hdr.Set("User-Agent", req.UserAgent)
	}
	for k, v := range req.Headers {
		hdr.Set(k, v)
	}
	err := c.Request(http.MethodGet, req.URL, nil, nil, hdr)
	if err != nil && !errors.Is(err, colly.ErrAbortedAfterHeaders) {
		return FetchResponse{}, fmt.Errorf("colly visit failed: %w", err)
	}
	if !got {
		return FetchResponse{}, errors.New("colly returned no response")
	}
	return result, nil
}

func newProbeTransport(blocklist *IPBlocklist) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return nil
			}
			if blocklist.IsBlocked(ap.Addr()) {
				return fmt.Errorf("%w: %s", errBlockedDial, ap.Addr())
			}
			return nil
		},
	}
	return &http.Transport{
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // captures target insecure sites too
			MinVersion:         tls.VersionTLS10,
			CipherSuites:       legacyCipherSuites(),
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
}

func legacyCipherSuites() []uint16 {
	var ids []uint16
	for _, s := range tls.CipherSuites() {
		ids = append(ids, s.ID)
	}
	for _, s := range tls.InsecureCipherSuites() {
		ids = append(ids, s.ID)
	}
	return ids
}
