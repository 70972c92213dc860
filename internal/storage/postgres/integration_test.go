package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/capture-service/internal/capture"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "capture",
				"POSTGRES_PASSWORD": "capture",
				"POSTGRES_DB":       "capture",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://capture:capture@%s:%s/capture?sslmode=disable", host, port.Port())
}

func TestPostgresConcurrentClaimIsExactlyOnce(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := New(ctx, Config{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	const jobs = 60
	base := time.Now().UTC().Add(-time.Hour)
	want := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id := uuid.NewString()
		want = append(want, id)
		require.NoError(t, store.CreateCapture(ctx, capture.Capture{
			ID:        id,
			URL:       "https://example.com",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := store.ClaimNext(ctx, time.Now().UTC())
				if err != nil || c == nil {
					return
				}
				mu.Lock()
				got = append(got, c.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, want, got)

	done := capture.Completion{Status: capture.StatusSuccess, EndedAt: time.Now().UTC(), Summary: []byte(`{"attachments":{}}`)}
	require.NoError(t, store.CompleteCapture(ctx, want[0], done))
	require.ErrorIs(t, store.CompleteCapture(ctx, want[0], done), capture.ErrNotClaimed)

	c, err := store.GetCapture(ctx, want[0])
	require.NoError(t, err)
	assert.Equal(t, capture.StatusSuccess, c.Status)
	assert.NotNil(t, c.EndedAt)
	assert.JSONEq(t, `{"attachments":{}}`, string(c.Summary))
}
