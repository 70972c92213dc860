// Package ports maps worker identity to proxy ports and checks whether a port is in use.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Stride is the width of the port range reserved for one worker ordinal.
// Sub-indexes above Stride-1 collide with the next ordinal; this is not checked.
const Stride = 100

// Identity locates one capture supervisor among all workers.
type Identity struct {
	// Ordinal is the host-assigned worker number, starting at 1.
	Ordinal int
	// SubIndex is the supervisor's position inside its worker's pool, starting at 0.
	SubIndex int
}

// Allocate returns base + Stride*(ordinal-1) + subIndex. Non-positive ordinals
// are treated as 1 and negative sub-indexes as 0.
func Allocate(base int, id Identity) int {
	ordinal := id.Ordinal
	if ordinal < 1 {
		ordinal = 1
	}
	sub := id.SubIndex
	if sub < 0 {
		sub = 0
	}
	return base + Stride*(ordinal-1) + sub
}

// OrdinalEnv is consulted when no ordinal is configured explicitly.
const OrdinalEnv = "CAPTURE_WORKER_ORDINAL"

var workerHostPattern = regexp.MustCompile(`^w(\d+)@`)

// ResolveOrdinal picks the worker ordinal from, in order: the explicit value,
// the CAPTURE_WORKER_ORDINAL environment variable, a "w<N>@..." worker name, or 1.
func ResolveOrdinal(explicit int, workerName string) int {
	if explicit > 0 {
		return explicit
	}
	if raw, ok := os.LookupEnv(OrdinalEnv); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	if m := workerHostPattern.FindStringSubmatch(workerName); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// Checker decides whether a local proxy port is free to use.
type Checker struct {
	host    string
	timeout time.Duration
}

// NewChecker returns a Checker probing localhost with the given timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Checker{host: "localhost", timeout: timeout}
}

// IsFree issues a HEAD request to the port. A refused connection or any other
// transport error means the port is free. Any HTTP response, or a timeout,
// means something is holding it.
func (c *Checker) IsFree(ctx context.Context, port int) bool {
	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("http://%s:%d", c.host, port), nil)
	if err != nil {
		return true
	}
	resp, err := client.Do(req)
	if err == nil {
		_ = resp.Body.Close()
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}
