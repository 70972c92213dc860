// Package postgres provides the Postgres-backed capture store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/capture-service/internal/capture"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool used for captures.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// CaptureStore implements capture.Store and capture.Housekeeper on Postgres.
type CaptureStore struct {
	pool pool
}

const captureColumns = `id, status, url, callback_url, created_timestamp, started_timestamp, ended_timestamp,
	archive, summary, attachments, stdout_logs, stderr_logs, failed_reason, archive_uri, attachments_uri`

// The subselect takes a row lock and skips rows other claimers hold, so
// concurrent callers never receive the same capture.
const claimSQL = `UPDATE captures SET status = 'started', started_timestamp = $1
WHERE id = (
	SELECT id FROM captures
	WHERE status = 'pending'
	ORDER BY created_timestamp ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + captureColumns

const completeSQL = `UPDATE captures SET
	status = $1, ended_timestamp = $2, archive = $3, summary = $4, attachments = $5,
	stdout_logs = $6, stderr_logs = $7, failed_reason = $8, archive_uri = $9, attachments_uri = $10
WHERE id = $11 AND status = 'started'`

const insertSQL = `INSERT INTO captures (id, status, url, callback_url, created_timestamp)
VALUES ($1, $2, $3, $4, $5)`

const selectSQL = `SELECT ` + captureColumns + ` FROM captures WHERE id = $1`

const countPendingSQL = `SELECT count(*) FROM captures WHERE status = 'pending'`

const failStaleSQL = `UPDATE captures SET status = 'failed', ended_timestamp = $1, failed_reason = $2
WHERE status = 'started' AND started_timestamp < $3`

const deleteExpiredSQL = `DELETE FROM captures WHERE started_timestamp < $1 RETURNING id`

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*CaptureStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &CaptureStore{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*CaptureStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CaptureStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *CaptureStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the captures table and its index when missing.
func (s *CaptureStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateCapture inserts a new capture.
func (s *CaptureStore) CreateCapture(ctx context.Context, c capture.Capture) error {
	status := c.Status
	if status == "" {
		status = capture.StatusPending
	}
	_, err := s.pool.Exec(ctx, insertSQL, c.ID, string(status), c.URL, nullableString(c.CallbackURL), c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", capture.ErrAlreadyExists, c.ID)
		}
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// ClaimNext atomically moves the oldest pending capture to started.
func (s *CaptureStore) ClaimNext(ctx context.Context, startedAt time.Time) (*capture.Capture, error) {
	c, err := scanCapture(s.pool.QueryRow(ctx, claimSQL, startedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim capture: %w", err)
	}
	return &c, nil
}

// CompleteCapture writes the terminal state of a started capture in one statement.
func (s *CaptureStore) CompleteCapture(ctx context.Context, id string, done capture.Completion) error {
	if !done.Status.Terminal() {
		return fmt.Errorf("complete capture %s: status %q is not terminal", id, done.Status)
	}
	tag, err := s.pool.Exec(ctx, completeSQL,
		string(done.Status),
		done.EndedAt,
		done.Archive,
		done.Summary,
		done.Attachments,
		done.StdoutLogs,
		done.StderrLogs,
		done.FailedReason,
		done.ArchiveURI,
		done.AttachmentsURI,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete capture: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", capture.ErrNotClaimed, id)
	}
	return nil
}

// GetCapture loads a capture by ID.
func (s *CaptureStore) GetCapture(ctx context.Context, id string) (capture.Capture, error) {
	c, err := scanCapture(s.pool.QueryRow(ctx, selectSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Capture{}, fmt.Errorf("%w: %s", capture.ErrNotFound, id)
	}
	if err != nil {
		return capture.Capture{}, fmt.Errorf("get capture: %w", err)
	}
	return c, nil
}

// CountPending returns the number of pending captures.
func (s *CaptureStore) CountPending(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending captures: %w", err)
	}
	return int(n), nil
}

// FailStale marks captures stuck in started as failed.
func (s *CaptureStore) FailStale(ctx context.Context, startedBefore, endedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, failStaleSQL, endedAt, capture.ReasonStale, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("fail stale captures: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes captures started before startedBefore.
func (s *CaptureStore) DeleteExpired(ctx context.Context, startedBefore time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, deleteExpiredSQL, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("delete expired captures: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete expired captures: %w", err)
	}
	return ids, nil
}

func scanCapture(row pgx.Row) (capture.Capture, error) {
	var (
		c        capture.Capture
		status   string
		callback *string
	)
	err := row.Scan(
		&c.ID,
		&status,
		&c.URL,
		&callback,
		&c.CreatedAt,
		&c.StartedAt,
		&c.EndedAt,
		&c.Archive,
		&c.Summary,
		&c.Attachments,
		&c.StdoutLogs,
		&c.StderrLogs,
		&c.FailedReason,
		&c.ArchiveURI,
		&c.AttachmentsURI,
	)
	if err != nil {
		return capture.Capture{}, err
	}
	c.Status = capture.Status(status)
	if callback != nil {
		c.CallbackURL = *callback
	}
	return c, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
