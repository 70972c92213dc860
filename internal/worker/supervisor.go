// Package worker runs capture supervisors: claim a job, run the capture tool,
// persist the result, and go again.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/scoop"
	"github.com/JakeFAU/capture-service/internal/telemetry"
)

// Runner executes the capture tool for one capture.
type Runner interface {
	Run(ctx context.Context, captureID, targetURL string, port int) scoop.Result
}

// PortChecker reports whether a local port is free to use.
type PortChecker interface {
	IsFree(ctx context.Context, port int) bool
}

// Notifier delivers completion callbacks.
type Notifier interface {
	Notify(ctx context.Context, url string, payload any) error
}

// Outcome describes what a single supervisor cycle did.
type Outcome int

// Cycle outcomes.
const (
	// OutcomeProcessed means a capture was claimed and reached a terminal state.
	OutcomeProcessed Outcome = iota
	// OutcomeIdle means nothing was pending.
	OutcomeIdle
	// OutcomePortBusy means the allocated port was in use; nothing was claimed.
	OutcomePortBusy
	// OutcomeStopped means the shutdown sentinel is present.
	OutcomeStopped
	// OutcomeError means the cycle failed before a claim, e.g. the store was unreachable.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeIdle:
		return "idle"
	case OutcomePortBusy:
		return "port_busy"
	case OutcomeStopped:
		return "stopped"
	default:
		return "error"
	}
}

// Deps are the collaborators a Supervisor talks to. Blobs, Publisher and
// Notifier are optional.
type Deps struct {
	Store     capture.Store
	Runner    Runner
	Ports     PortChecker
	Blobs     capture.BlobStore
	Publisher capture.Publisher
	Notifier  Notifier
	Hasher    capture.Hasher
	Clock     capture.Clock
}

// Options tune a Supervisor.
type Options struct {
	SentinelPath string
	Topic        string
	BlobPrefix   string
	Projection   capture.ProjectionOptions
}

// CompletionEvent is published once per terminal capture.
type CompletionEvent struct {
	CaptureID      string `json:"capture_id"`
	Status         string `json:"status"`
	URL            string `json:"url"`
	EndedTimestamp string `json:"ended_timestamp"`
	ArchiveSHA256  string `json:"archive_sha256,omitempty"`
}

// Terminal writes are retried before the capture is forced to failed.
const (
	terminalWriteAttempts = 3
	terminalWriteDelay    = 100 * time.Millisecond
)

// Supervisor owns one proxy port and processes one capture per cycle.
type Supervisor struct {
	deps   Deps
	opts   Options
	port   int
	logger *zap.Logger
}

// NewSupervisor builds a Supervisor bound to port.
func NewSupervisor(deps Deps, opts Options, port int, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		deps:   deps,
		opts:   opts,
		port:   port,
		logger: logging.OrNop(logger).With(zap.Int("port", port)),
	}
}

// Port returns the proxy port this supervisor uses.
func (s *Supervisor) Port() int {
	return s.port
}

type claimedJob struct {
	capture  capture.Capture
	finished bool
}

// RunOnce performs one supervisor cycle. It never panics: a panic after a
// claim forces the capture to failed, a panic before a claim is reported as
// OutcomeError.
func (s *Supervisor) RunOnce(ctx context.Context) (out Outcome) {
	var job *claimedJob
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.Error("supervisor panic", zap.Any("panic", r), zap.Stack("stack"))
		if job == nil {
			out = OutcomeError
			return
		}
		if !job.finished {
			s.forceFail(ctx, job, fmt.Sprintf("internal error: %v", r))
		}
		out = OutcomeProcessed
	}()

	if s.sentinelPresent() {
		s.logger.Info("shutdown sentinel present", zap.String("path", s.opts.SentinelPath))
		return OutcomeStopped
	}

	if !s.deps.Ports.IsFree(ctx, s.port) {
		metrics.ObservePortBusy()
		s.logger.Warn("proxy port busy, rescheduling")
		return OutcomePortBusy
	}

	c, err := s.deps.Store.ClaimNext(ctx, s.deps.Clock.Now())
	if err != nil {
		s.logger.Error("claim capture failed", zap.Error(err))
		return OutcomeError
	}
	if c == nil {
		return OutcomeIdle
	}
	job = &claimedJob{capture: *c}
	s.process(ctx, job)
	return OutcomeProcessed
}

func (s *Supervisor) sentinelPresent() bool {
	if s.opts.SentinelPath == "" {
		return false
	}
	_, err := os.Stat(s.opts.SentinelPath)
	return err == nil
}

func (s *Supervisor) process(ctx context.Context, job *claimedJob) {
	c := job.capture
	ctx, span := telemetry.Tracer("worker").Start(ctx, "capture.process")
	defer span.End()
	span.SetAttributes(attribute.String("capture.id", c.ID), attribute.Int("capture.port", s.port))

	logger := s.logger.With(zap.String("capture_id", c.ID), zap.String("url", c.URL))
	logger.Info("capture started")

	res := s.deps.Runner.Run(ctx, c.ID, c.URL, s.port)
	done := res.Completion(s.deps.Clock.Now())

	// The terminal write and side effects must survive a worker shutdown.
	finishCtx := context.WithoutCancel(ctx)
	s.mirror(finishCtx, c.ID, &done, logger)

	if err := s.complete(finishCtx, c.ID, done, logger); err != nil {
		if errors.Is(err, capture.ErrNotClaimed) {
			logger.Error("terminal write rejected", zap.Error(err))
			return
		}
		logger.Error("terminal write failed", zap.Error(err))
		s.forceFail(finishCtx, job, fmt.Sprintf("terminal write failed: %v", err))
		return
	}
	job.finished = true
	c.Apply(done)
	job.capture = c

	metrics.ObserveCapture(string(done.Status), res.Duration)
	span.SetAttributes(attribute.String("capture.status", string(done.Status)))
	if done.Status == capture.StatusFailed {
		logger.Warn("capture failed",
			zap.String("reason", done.FailedReason),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("duration", res.Duration),
		)
	} else {
		logger.Info("capture succeeded", zap.Duration("duration", res.Duration))
	}

	s.publish(finishCtx, c, logger)
	s.notify(finishCtx, c, logger)
}

// forceFail closes out a claimed capture after an unexpected error.
func (s *Supervisor) forceFail(ctx context.Context, job *claimedJob, reason string) {
	c := job.capture
	done := capture.Completion{
		Status:       capture.StatusFailed,
		EndedAt:      s.deps.Clock.Now(),
		FailedReason: reason,
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := s.complete(finishCtx, c.ID, done, s.logger.With(zap.String("capture_id", c.ID))); err != nil {
		s.logger.Error("force fail capture", zap.String("capture_id", c.ID), zap.Error(err))
		return
	}
	job.finished = true
	c.Apply(done)
	metrics.ObserveCapture(string(capture.StatusFailed), 0)
	s.logger.Warn("capture failed", zap.String("capture_id", c.ID), zap.String("reason", reason))
	s.notify(finishCtx, c, s.logger)
}

// complete performs the terminal write, retrying transient store errors.
// ErrNotClaimed is final.
func (s *Supervisor) complete(ctx context.Context, id string, done capture.Completion, logger *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= terminalWriteAttempts; attempt++ {
		err = s.deps.Store.CompleteCapture(ctx, id, done)
		if err == nil || errors.Is(err, capture.ErrNotClaimed) {
			return err
		}
		logger.Warn("terminal write attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < terminalWriteAttempts {
			time.Sleep(terminalWriteDelay * time.Duration(attempt))
		}
	}
	return err
}

// mirror copies the archive and attachment bundles to the blob store and
// records their URIs on done. Mirror failures are logged, never fatal.
func (s *Supervisor) mirror(ctx context.Context, id string, done *capture.Completion, logger *zap.Logger) {
	if s.deps.Blobs == nil {
		return
	}
	if len(done.Archive) > 0 {
		uri, err := s.deps.Blobs.PutObject(ctx, capture.BlobPath(s.opts.BlobPrefix, id, capture.ArchiveFilename), "application/wacz", bytes.NewReader(done.Archive))
		if err != nil {
			logger.Warn("mirror archive failed", zap.Error(err))
		} else {
			done.ArchiveURI = uri
		}
	}
	if len(done.Attachments) > 0 {
		uri, err := s.deps.Blobs.PutObject(ctx, capture.BlobPath(s.opts.BlobPrefix, id, capture.AttachmentsBlobName), "application/zip", bytes.NewReader(done.Attachments))
		if err != nil {
			logger.Warn("mirror attachments failed", zap.Error(err))
		} else {
			done.AttachmentsURI = uri
		}
	}
}

func (s *Supervisor) publish(ctx context.Context, c capture.Capture, logger *zap.Logger) {
	if s.deps.Publisher == nil || s.opts.Topic == "" {
		return
	}
	event := CompletionEvent{
		CaptureID: c.ID,
		Status:    string(c.Status),
		URL:       c.URL,
	}
	if c.EndedAt != nil {
		event.EndedTimestamp = c.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.deps.Hasher != nil {
		sum, err := s.deps.Hasher.Hash(c.Archive)
		if err != nil {
			logger.Warn("hash archive failed", zap.Error(err))
		}
		event.ArchiveSHA256 = sum
	}
	id, err := s.deps.Publisher.Publish(ctx, s.opts.Topic, event)
	if err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
		return
	}
	logger.Debug("completion event published", zap.String("message_id", id))
}

func (s *Supervisor) notify(ctx context.Context, c capture.Capture, logger *zap.Logger) {
	if s.deps.Notifier == nil || c.CallbackURL == "" {
		return
	}
	err := s.deps.Notifier.Notify(ctx, c.CallbackURL, capture.Project(c, s.opts.Projection))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("callback failed", zap.String("callback_url", c.CallbackURL), zap.Error(err))
	}
}
