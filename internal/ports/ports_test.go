package ports

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAllocateIsDeterministic(t *testing.T) {
	t.Parallel()

	id := Identity{Ordinal: 3, SubIndex: 7}
	assert.Equal(t, 9207, Allocate(9000, id))
	assert.Equal(t, Allocate(9000, id), Allocate(9000, id))
}

func TestAllocateDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 9000, Allocate(9000, Identity{}))
	assert.Equal(t, 9000, Allocate(9000, Identity{Ordinal: -2, SubIndex: -1}))
}

func TestAllocateOrdinalsDoNotOverlap(t *testing.T) {
	t.Parallel()

	seen := map[int]Identity{}
	for ordinal := 1; ordinal <= 5; ordinal++ {
		for sub := 0; sub < Stride; sub++ {
			id := Identity{Ordinal: ordinal, SubIndex: sub}
			port := Allocate(9000, id)
			prev, dup := seen[port]
			require.Falsef(t, dup, "port %d shared by %+v and %+v", port, prev, id)
			seen[port] = id
		}
	}
}

func TestResolveOrdinal(t *testing.T) {
	t.Setenv(OrdinalEnv, "")

	assert.Equal(t, 4, ResolveOrdinal(4, "w9@host"))
	assert.Equal(t, 9, ResolveOrdinal(0, "w9@host"))
	assert.Equal(t, 1, ResolveOrdinal(0, "celery@host"))
	assert.Equal(t, 1, ResolveOrdinal(0, ""))

	t.Setenv(OrdinalEnv, "6")
	assert.Equal(t, 6, ResolveOrdinal(0, "w9@host"))
	assert.Equal(t, 2, ResolveOrdinal(2, "w9@host"))
}

func portOf(t *testing.T, addr net.Addr) int {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	return tcp.Port
}

func newTestChecker() *Checker {
	return &Checker{host: "127.0.0.1", timeout: 200 * time.Millisecond}
}

func TestIsFreeWhenRefused(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := portOf(t, ln.Addr())
	require.NoError(t, ln.Close())

	assert.True(t, newTestChecker().IsFree(context.Background(), port))
}

func TestIsBusyWhenSomethingAnswers(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.False(t, newTestChecker().IsFree(context.Background(), portOf(t, srv.Listener.Addr())))
}

func TestIsBusyWhenProbeTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	defer func() {
		_ = ln.Close()
		wg.Wait()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	assert.False(t, newTestChecker().IsFree(context.Background(), portOf(t, ln.Addr())))
}
