// Package scoop runs the external capture tool under a hard timeout and
// validates what it leaves behind.
package scoop

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/useragent"
)

// waitDelay bounds how long Wait blocks on output pipes held open by orphans after a kill.
const waitDelay = 5 * time.Second

// Failure reasons recorded on the capture.
const (
	ReasonTimeout         = "timeout violation"
	ReasonArchiveMissing  = "archive not found"
	ReasonArchiveTooLarge = "archive over maximum filesize"
	ReasonSummaryMissing  = "summary not found"
)

// Result is the validated outcome of one tool run.
type Result struct {
	Status       capture.Status
	FailedReason string
	Archive      []byte
	Summary      []byte
	Attachments  []byte
	Stdout       string
	Stderr       string
	Duration     time.Duration
	TimedOut     bool
}

// Completion converts the result into the terminal write for a capture.
func (r Result) Completion(endedAt time.Time) capture.Completion {
	return capture.Completion{
		Status:       r.Status,
		EndedAt:      endedAt,
		Archive:      r.Archive,
		Summary:      r.Summary,
		Attachments:  r.Attachments,
		StdoutLogs:   r.Stdout,
		StderrLogs:   r.Stderr,
		FailedReason: r.FailedReason,
	}
}

// Runner executes the capture tool for one capture at a time.
type Runner struct {
	cfg    config.ScoopConfig
	agents *useragent.Matcher
	logger *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(cfg config.ScoopConfig, agents *useragent.Matcher, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, agents: agents, logger: logging.OrNop(logger).Named("scoop")}
}

// Run captures targetURL through the proxy on port. The working directory is
// removed on every exit path.
func (r *Runner) Run(ctx context.Context, captureID, targetURL string, port int) Result {
	logger := r.logger.With(zap.String("capture_id", captureID), zap.Int("port", port))

	dir, err := os.MkdirTemp(r.cfg.TempDir, "capture-")
	if err != nil {
		return failed(fmt.Sprintf("create working directory: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("remove working directory", zap.String("dir", dir), zap.Error(err))
		}
	}()
	logger.Info("temporary storage folder", zap.String("dir", dir))

	paths := Paths{
		Dir:         dir,
		Archive:     filepath.Join(dir, ArchiveName),
		Summary:     filepath.Join(dir, SummaryName),
		Attachments: filepath.Join(dir, AttachmentsName),
	}
	if err := os.Mkdir(paths.Attachments, 0o755); err != nil {
		return failed(fmt.Sprintf("create attachments directory: %v", err))
	}

	args, err := BuildArgs(r.cfg, r.agents, targetURL, paths, port)
	if err != nil {
		return failed(err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.HardTimeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() != nil {
		res.Status = capture.StatusFailed
		res.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		res.FailedReason = ReasonTimeout
		if !res.TimedOut {
			res.FailedReason = "capture canceled"
		}
		return res
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.Status = capture.StatusFailed
			res.FailedReason = fmt.Sprintf("exit code %d", exitErr.ExitCode())
			return res
		}
		res.Status = capture.StatusFailed
		res.FailedReason = fmt.Sprintf("run capture tool: %v", runErr)
		return res
	}

	r.validate(paths, &res, logger)
	return res
}

// validate checks the tool's outputs in order and fills res.
func (r *Runner) validate(paths Paths, res *Result, logger *zap.Logger) {
	res.Status = capture.StatusFailed

	info, err := os.Stat(paths.Archive)
	if err != nil || !info.Mode().IsRegular() {
		res.FailedReason = ReasonArchiveMissing
		return
	}
	if info.Size() >= r.cfg.MaxArchiveSize {
		res.FailedReason = ReasonArchiveTooLarge
		return
	}
	archive, err := os.ReadFile(paths.Archive)
	if err != nil {
		res.FailedReason = fmt.Sprintf("read archive: %v", err)
		return
	}
	res.Archive = archive

	raw, err := os.ReadFile(paths.Summary)
	if err != nil {
		res.FailedReason = ReasonSummaryMissing
		return
	}
	summary, err := capture.ParseSummary(raw)
	if err != nil {
		res.FailedReason = fmt.Sprintf("summary unreadable: %v", err)
		return
	}
	res.Summary = raw

	expected := summary.Filenames()
	bundle, missing, err := bundleAttachments(paths.Attachments, expected)
	if err != nil {
		res.FailedReason = fmt.Sprintf("bundle attachments: %v", err)
		return
	}
	for _, name := range missing {
		logger.Error("attachment not found", zap.String("file", name))
	}
	if len(expected) > 0 && len(missing) < len(expected) {
		res.Attachments = bundle
	}
	if len(missing) > 0 {
		res.FailedReason = fmt.Sprintf("attachments not found: %s", strings.Join(missing, ", "))
		return
	}

	res.Status = capture.StatusSuccess
}

// bundleAttachments zips every expected file present under dir and reports the missing ones.
func bundleAttachments(dir string, names []string) ([]byte, []string, error) {
	var (
		buf     bytes.Buffer
		missing []string
	)
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		if !filepath.IsLocal(name) {
			missing = append(missing, name)
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			missing = append(missing, name)
			continue
		}
		w, err := zw.Create(filepath.ToSlash(name))
		if err == nil {
			_, err = io.Copy(w, f)
		}
		_ = f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), missing, nil
}

func failed(reason string) Result {
	return Result{Status: capture.StatusFailed, FailedReason: reason}
}
