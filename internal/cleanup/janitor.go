// Package cleanup implements housekeeping for captures, mirrored artifacts,
// and leftover capture working directories.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/logging"
)

// TempDirPattern is the prefix of working directories created by the capture runner.
const TempDirPattern = "capture-"

// Report summarizes one housekeeping pass.
type Report struct {
	StaleFailed     int64 `json:"stale_failed"`
	Deleted         int   `json:"deleted"`
	BlobsDeleted    int   `json:"blobs_deleted"`
	TempDirsRemoved int   `json:"temp_dirs_removed"`
}

// Options locate the artifacts to clean.
type Options struct {
	TempDir    string
	BlobPrefix string
}

// Janitor runs housekeeping passes.
type Janitor struct {
	store  capture.Housekeeper
	blobs  capture.BlobStore
	clock  capture.Clock
	cfg    config.CleanupConfig
	opts   Options
	logger *zap.Logger
}

// New builds a Janitor. blobs may be nil when artifacts are not mirrored.
func New(store capture.Housekeeper, blobs capture.BlobStore, clock capture.Clock, cfg config.CleanupConfig, opts Options, logger *zap.Logger) *Janitor {
	return &Janitor{
		store:  store,
		blobs:  blobs,
		clock:  clock,
		cfg:    cfg,
		opts:   opts,
		logger: logging.OrNop(logger).Named("cleanup"),
	}
}

// Run fails stale captures, deletes expired ones with their mirrored blobs,
// and removes expired working directories.
func (j *Janitor) Run(ctx context.Context) (Report, error) {
	var report Report
	now := j.clock.Now()

	if j.cfg.StaleStartedAfter > 0 {
		n, err := j.store.FailStale(ctx, now.Add(-j.cfg.StaleStartedAfter), now)
		if err != nil {
			return report, fmt.Errorf("fail stale captures: %w", err)
		}
		report.StaleFailed = n
	}

	if j.cfg.TemporaryStorageExpiration > 0 {
		cutoff := now.Add(-j.cfg.TemporaryStorageExpiration)
		ids, err := j.store.DeleteExpired(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("delete expired captures: %w", err)
		}
		report.Deleted = len(ids)
		report.BlobsDeleted = j.deleteBlobs(ctx, ids)

		removed, err := j.removeTempDirs(cutoff)
		if err != nil {
			return report, err
		}
		report.TempDirsRemoved = removed
	}

	j.logger.Info("housekeeping finished",
		zap.Int64("stale_failed", report.StaleFailed),
		zap.Int("deleted", report.Deleted),
		zap.Int("blobs_deleted", report.BlobsDeleted),
		zap.Int("temp_dirs_removed", report.TempDirsRemoved),
	)
	return report, nil
}

func (j *Janitor) deleteBlobs(ctx context.Context, ids []string) int {
	if j.blobs == nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		for _, name := range []string{capture.ArchiveFilename, capture.AttachmentsBlobName} {
			path := capture.BlobPath(j.opts.BlobPrefix, id, name)
			if err := j.blobs.DeleteObject(ctx, path); err != nil {
				j.logger.Warn("delete mirrored artifact", zap.String("path", path), zap.Error(err))
				continue
			}
			n++
		}
	}
	return n
}

func (j *Janitor) removeTempDirs(cutoff time.Time) (int, error) {
	dir := j.opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), TempDirPattern) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("remove temp dir", zap.String("dir", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
