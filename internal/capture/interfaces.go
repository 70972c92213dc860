package capture

import (
	"context"
	"io"
	"time"
)

// Store persists captures and implements the claim protocol.
type Store interface {
	// CreateCapture inserts a new capture, normally in pending status.
	CreateCapture(ctx context.Context, c Capture) error
	// ClaimNext atomically moves the oldest pending capture to started.
	// It returns (nil, nil) when nothing is pending.
	ClaimNext(ctx context.Context, startedAt time.Time) (*Capture, error)
	// CompleteCapture writes the terminal status and every result field at once.
	CompleteCapture(ctx context.Context, id string, done Completion) error
	// GetCapture loads a capture or returns ErrNotFound.
	GetCapture(ctx context.Context, id string) (Capture, error)
	// CountPending returns the number of captures waiting to be claimed.
	CountPending(ctx context.Context) (int, error)
}

// Housekeeper removes or closes out old captures.
type Housekeeper interface {
	// FailStale marks captures stuck in started since before startedBefore as failed.
	FailStale(ctx context.Context, startedBefore, endedAt time.Time) (int64, error)
	// DeleteExpired removes captures started before startedBefore and returns their IDs.
	DeleteExpired(ctx context.Context, startedBefore time.Time) ([]string, error)
}

// BlobStore mirrors artifacts to long-term storage.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of produced artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces capture IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
