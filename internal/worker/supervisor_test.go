package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/clock/system"
	"github.com/JakeFAU/capture-service/internal/hash/sha256"
	"github.com/JakeFAU/capture-service/internal/notify"
	pubmemory "github.com/JakeFAU/capture-service/internal/publisher/memory"
	"github.com/JakeFAU/capture-service/internal/scoop"
	"github.com/JakeFAU/capture-service/internal/storage/memory"
)

const testCaptureID = "9b2f5a1e-3c4d-4e5f-8a6b-7c8d9e0f1a2b"

type fakeRunner struct {
	calls  atomic.Int32
	result scoop.Result
	panics bool
}

func (f *fakeRunner) Run(_ context.Context, _, _ string, _ int) scoop.Result {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	return f.result
}

type fakePorts struct{ free bool }

func (f fakePorts) IsFree(context.Context, int) bool { return f.free }

type fixture struct {
	store  *memory.CaptureStore
	blobs  *memory.BlobStore
	pub    *pubmemory.Publisher
	runner *fakeRunner
	clock  *system.Manual
	deps   Deps
	opts   Options
	logs   *observer.ObservedLogs
	logger *zap.Logger
}

func newFixture(t *testing.T, callbackURL string) *fixture {
	t.Helper()
	clk := system.NewManual(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	store := memory.NewCaptureStore()
	require.NoError(t, store.CreateCapture(context.Background(), capture.Capture{
		ID:          testCaptureID,
		Status:      capture.StatusPending,
		URL:         "https://example.com",
		CallbackURL: callbackURL,
		CreatedAt:   clk.Now(),
	}))
	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		store:  store,
		blobs:  memory.NewBlobStore(),
		pub:    pubmemory.New(),
		runner: &fakeRunner{},
		clock:  clk,
		logs:   logs,
		logger: zap.New(core),
	}
	f.deps = Deps{
		Store:     store,
		Runner:    f.runner,
		Ports:     fakePorts{free: true},
		Blobs:     f.blobs,
		Publisher: f.pub,
		Notifier:  notify.New(time.Second, nil),
		Hasher:    sha256.New(),
		Clock:     clk,
	}
	f.opts = Options{Topic: "capture-events", BlobPrefix: "captures", Projection: capture.ProjectionOptions{APIDomain: "https://api.test"}}
	return f
}

func (f *fixture) supervisor() *Supervisor {
	return NewSupervisor(f.deps, f.opts, 9000, f.logger)
}

func TestRunOnceSuccess(t *testing.T) {
	t.Parallel()

	callbacks := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		callbacks <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.runner.result = scoop.Result{
		Status:      capture.StatusSuccess,
		Archive:     []byte("wacz"),
		Summary:     []byte(`{"attachments":{}}`),
		Attachments: []byte("zip"),
		Stdout:      "ok",
	}

	require.Equal(t, OutcomeProcessed, f.supervisor().RunOnce(context.Background()))

	got, err := f.store.GetCapture(context.Background(), testCaptureID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusSuccess, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, "memory://captures/"+testCaptureID+"/archive.wacz", got.ArchiveURI)
	assert.Equal(t, "memory://captures/"+testCaptureID+"/attachments.zip", got.AttachmentsURI)
	mirrored, ok := f.blobs.Object("captures/" + testCaptureID + "/archive.wacz")
	require.True(t, ok)
	assert.Equal(t, "wacz", string(mirrored))

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	event, ok := msgs[0].Payload.(CompletionEvent)
	require.True(t, ok)
	assert.Equal(t, "success", event.Status)
	assert.Len(t, event.ArchiveSHA256, 64)

	select {
	case body := <-callbacks:
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, testCaptureID, body["id_capture"])
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestRunOnceFailureLogsReason(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.runner.result = scoop.Result{Status: capture.StatusFailed, FailedReason: scoop.ReasonTimeout, TimedOut: true, Stderr: "partial"}

	require.Equal(t, OutcomeProcessed, f.supervisor().RunOnce(context.Background()))

	got, err := f.store.GetCapture(context.Background(), testCaptureID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, got.Status)
	assert.Equal(t, "partial", got.StderrLogs)
	assert.NotNil(t, got.EndedAt)
	assert.Empty(t, f.blobs.Paths())

	entries := f.logs.FilterMessage("capture failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, scoop.ReasonTimeout, entries[0].ContextMap()["reason"])
}

func TestRunOncePortBusyDoesNotClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.deps.Ports = fakePorts{free: false}

	assert.Equal(t, OutcomePortBusy, f.supervisor().RunOnce(context.Background()))
	assert.Zero(t, f.runner.calls.Load())
	got, err := f.store.GetCapture(context.Background(), testCaptureID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusPending, got.Status)
}

func TestRunOnceSentinelStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	sentinel := filepath.Join(t.TempDir(), "shutdown")
	require.NoError(t, os.WriteFile(sentinel, nil, 0o600))
	f.opts.SentinelPath = sentinel

	assert.Equal(t, OutcomeStopped, f.supervisor().RunOnce(context.Background()))
	assert.Zero(t, f.runner.calls.Load())
}

func TestRunOnceIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.runner.result = scoop.Result{Status: capture.StatusSuccess, Archive: []byte("a")}
	sup := f.supervisor()
	require.Equal(t, OutcomeProcessed, sup.RunOnce(context.Background()))
	assert.Equal(t, OutcomeIdle, sup.RunOnce(context.Background()))
}

func TestRunOncePanicForcesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.runner.panics = true

	assert.Equal(t, OutcomeProcessed, f.supervisor().RunOnce(context.Background()))

	got, err := f.store.GetCapture(context.Background(), testCaptureID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, got.Status)
	assert.Contains(t, got.FailedReason, "internal error")
	assert.Equal(t, 1, f.logs.FilterMessage("supervisor panic").Len())
}

type panicStore struct{ capture.Store }

func (panicStore) ClaimNext(context.Context, time.Time) (*capture.Capture, error) {
	panic("store exploded")
}

func TestRunOncePanicBeforeClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.deps.Store = panicStore{Store: f.store}

	assert.Equal(t, OutcomeError, f.supervisor().RunOnce(context.Background()))
	assert.Zero(t, f.runner.calls.Load())
}

type flakyStore struct {
	*memory.CaptureStore
	failures atomic.Int32
}

func (s *flakyStore) CompleteCapture(ctx context.Context, id string, done capture.Completion) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.CaptureStore.CompleteCapture(ctx, id, done)
}

func TestRunOnceRetriesTerminalWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	store := &flakyStore{CaptureStore: f.store}
	store.failures.Store(1)
	f.deps.Store = store
	f.runner.result = scoop.Result{Status: capture.StatusSuccess, Archive: []byte("wacz")}

	require.Equal(t, OutcomeProcessed, f.supervisor().RunOnce(context.Background()))

	got, err := f.store.GetCapture(context.Background(), testCaptureID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusSuccess, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Len(t, f.pub.Messages(), 1)
	assert.Equal(t, 1, f.logs.FilterMessage("terminal write attempt failed").Len())
}

func TestRunOnceForcesFailureWhenTerminalWriteKeepsFailing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	store := &flakyStore{CaptureStore: f.store}
	store.failures.Store(terminalWriteAttempts)
	f.deps.Store = store
	f.runner.result = scoop.Result{Status: capture.StatusSuccess, Archive: []byte("wacz")}

	require.Equal(t, OutcomeProcessed, f.supervisor().RunOnce(context.Background()))

	got, err := f.store.GetCapture(context.Background(), testCaptureID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, got.Status)
	assert.Contains(t, got.FailedReason, "terminal write failed")
	require.NotNil(t, got.EndedAt)

	entries := f.logs.FilterMessage("capture failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["reason"], "connection reset by peer")
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	b := backoff{base: 100 * time.Millisecond, max: time.Second}
	for attempt := range 10 {
		d := b.next(attempt)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.GreaterOrEqual(t, b.next(20), 500*time.Millisecond)
}
