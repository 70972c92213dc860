// Package probe checks that a URL is safe and alive before a capture is queued.
//
// The HTTP step runs in its own goroutine. When it outlives the configured
// ceiling the caller stops waiting and reports the URL unreachable; the
// abandoned request may keep its connection open until its own read timeout.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/useragent"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Prober runs the syntax, DNS, IP range, and liveness checks in order.
type Prober struct {
	cfg       config.ValidationConfig
	blocklist *IPBlocklist
	agents    *useragent.Matcher
	resolver  Resolver
	fetcher   Fetcher
	logger    *zap.Logger
}

// Option customizes a Prober.
type Option func(*Prober)

// WithResolver replaces the system DNS resolver.
func WithResolver(r Resolver) Option {
	return func(p *Prober) { p.resolver = r }
}

// WithFetcher replaces the Colly-backed fetcher.
func WithFetcher(f Fetcher) Option {
	return func(p *Prober) { p.fetcher = f }
}

// New builds a Prober from validation settings and user agent overrides.
func New(cfg config.ValidationConfig, agents *useragent.Matcher, logger *zap.Logger, opts ...Option) (*Prober, error) {
	blocklist, err := NewIPBlocklist(cfg.BlockedRanges)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = cfg.Timeout
	}
	p := &Prober{
		cfg:       cfg,
		blocklist: blocklist,
		agents:    agents,
		resolver:  net.DefaultResolver,
		logger:    logging.OrNop(logger).Named("probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fetcher == nil {
		p.fetcher = NewCollyFetcher(cfg.MaxRedirects, blocklist)
	}
	return p, nil
}

// Probe classifies raw. It never returns an error; every failure maps to an Outcome.
func (p *Prober) Probe(ctx context.Context, raw string) Outcome {
	out := p.probe(ctx, raw)
	metrics.ObserveProbe(string(out.Kind))
	return out
}

func (p *Prober) probe(ctx context.Context, raw string) Outcome {
	if !ValidURL(raw, p.cfg.StrictURL) {
		return Outcome{Kind: KindInvalidSyntax}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Outcome{Kind: KindInvalidSyntax}
	}
	host := u.Hostname()

	addrs, kind := p.resolve(ctx, host)
	if kind != "" {
		return Outcome{Kind: kind}
	}
	for _, addr := range addrs {
		if p.blocklist.IsBlocked(addr) {
			p.logger.Debug("blocked address", zap.String("url", raw), zap.String("ip", addr.String()))
			return Outcome{Kind: KindBlockedIP}
		}
	}

	return p.fetch(ctx, raw, host)
}

func (p *Prober) resolve(ctx context.Context, host string) ([]netip.Addr, Kind) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, ""
	}
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ResolveTimeout)
	defer cancel()

	addrs, err := p.resolver.LookupNetIP(rctx, "ip", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.Is(rctx.Err(), context.DeadlineExceeded) || (errors.As(err, &dnsErr) && dnsErr.IsTimeout) {
			p.logger.Info("dns resolution timed out", zap.String("host", host))
			return nil, KindResolveTimeout
		}
		return nil, KindUnresolvable
	}
	if len(addrs) == 0 {
		return nil, KindUnresolvable
	}
	return addrs, ""
}

type fetchResult struct {
	resp FetchResponse
	err  error
}

func (p *Prober) fetch(ctx context.Context, raw, host string) Outcome {
	ua := p.cfg.UserAgent
	if override, ok := p.agents.Lookup(host); ok && override.ValidatorUA != "" {
		ua = override.ValidatorUA
	}
	req := FetchRequest{
		URL:       raw,
		UserAgent: ua,
		Headers:   p.cfg.ExtraHeaders,
		Timeout:   max(p.cfg.Timeout-time.Second, time.Second),
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan fetchResult, 1)
	go func() {
		resp, err := p.fetcher.Fetch(fctx, req)
		done <- fetchResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	var res fetchResult
	select {
	case res = <-done:
	case <-timer.C:
		p.logger.Info("header retrieval timed out", zap.String("url", raw))
		return Outcome{Kind: KindUnreachable}
	case <-ctx.Done():
		return Outcome{Kind: KindUnreachable}
	}

	if res.err != nil {
		if errors.Is(res.err, ErrTooManyRedirects) {
			return Outcome{Kind: KindRedirectLoop}
		}
		p.logger.Debug("communication with url failed during validation", zap.String("url", raw), zap.Error(res.err))
		return Outcome{Kind: KindUnreachable}
	}

	out := Outcome{Kind: KindReachable, StatusCode: res.resp.StatusCode}
	if n, ok := contentLength(res.resp); ok {
		out.ContentLength = &n
	}
	return out
}

func contentLength(resp FetchResponse) (int64, bool) {
	if resp.Header == nil {
		return 0, false
	}
	raw := strings.TrimSpace(resp.Header.Get("Content-Length"))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// String renders an outcome for logs and the CLI.
func (o Outcome) String() string {
	if o.Kind != KindReachable {
		return string(o.Kind)
	}
	if o.ContentLength != nil {
		return fmt.Sprintf("reachable status=%d content_length=%d", o.StatusCode, *o.ContentLength)
	}
	return fmt.Sprintf("reachable status=%d", o.StatusCode)
}
