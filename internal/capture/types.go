// Package capture defines the capture job model shared by the store, worker, and API layers.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a capture.
type Status string

// Capture status values persisted in the job store.
const (
	StatusPending Status = "pending"
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

var (
	// ErrNotFound signals that the requested capture does not exist.
	ErrNotFound = errors.New("capture not found")
	// ErrInvalidID signals a capture identifier that is not a well-formed UUID.
	ErrInvalidID = errors.New("invalid capture id")
	// ErrNotClaimed is returned when a terminal write targets a capture that is not started.
	ErrNotClaimed = errors.New("capture is not in started state")
	// ErrAlreadyExists is returned when inserting a duplicate capture id.
	ErrAlreadyExists = errors.New("capture already exists")
)

// ReasonStale is recorded when housekeeping fails a capture left in started.
const ReasonStale = "stale: worker never finished"

// Capture is one capture request and, once terminal, its persisted result.
type Capture struct {
	ID          string     `json:"id_capture"`
	Status      Status     `json:"status"`
	URL         string     `json:"url"`
	CallbackURL string     `json:"callback_url,omitempty"`
	CreatedAt   time.Time  `json:"created_timestamp"`
	StartedAt   *time.Time `json:"started_timestamp,omitempty"`
	EndedAt     *time.Time `json:"ended_timestamp,omitempty"`

	Archive      []byte `json:"-"`
	Summary      []byte `json:"-"`
	Attachments  []byte `json:"-"`
	StdoutLogs   string `json:"-"`
	StderrLogs   string `json:"-"`
	FailedReason string `json:"-"`

	ArchiveURI     string `json:"-"`
	AttachmentsURI string `json:"-"`
}

// Completion carries everything written by the single terminal transition of a capture.
type Completion struct {
	Status         Status
	EndedAt        time.Time
	Archive        []byte
	Summary        []byte
	Attachments    []byte
	StdoutLogs     string
	StderrLogs     string
	FailedReason   string
	ArchiveURI     string
	AttachmentsURI string
}

// Apply copies the completion onto the capture.
func (c *Capture) Apply(done Completion) {
	ended := done.EndedAt
	c.Status = done.Status
	c.EndedAt = &ended
	c.Archive = done.Archive
	c.Summary = done.Summary
	c.Attachments = done.Attachments
	c.StdoutLogs = done.StdoutLogs
	c.StderrLogs = done.StderrLogs
	c.FailedReason = done.FailedReason
	c.ArchiveURI = done.ArchiveURI
	c.AttachmentsURI = done.AttachmentsURI
}

// NormalizeID validates that raw is a well-formed UUID and returns its canonical form.
func NormalizeID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return id.String(), nil
}
