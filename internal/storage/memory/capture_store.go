package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// CaptureStore provides an in-memory job store for development and tests.
// A single mutex makes ClaimNext atomic across goroutines of one process.
type CaptureStore struct {
	mu       sync.RWMutex
	captures map[string]*capture.Capture
	order    []string
}

// NewCaptureStore constructs a CaptureStore.
func NewCaptureStore() *CaptureStore {
	return &CaptureStore{captures: make(map[string]*capture.Capture)}
}

// CreateCapture stores a new capture.
func (s *CaptureStore) CreateCapture(_ context.Context, c capture.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.captures[c.ID]; exists {
		return fmt.Errorf("%w: %s", capture.ErrAlreadyExists, c.ID)
	}
	if c.Status == "" {
		c.Status = capture.StatusPending
	}
	stored := c
	s.captures[c.ID] = &stored
	s.order = append(s.order, c.ID)
	return nil
}

// ClaimNext moves the oldest pending capture to started.
func (s *CaptureStore) ClaimNext(_ context.Context, startedAt time.Time) (*capture.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *capture.Capture
	for _, id := range s.order {
		c := s.captures[id]
		if c.Status != capture.StatusPending {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, nil
	}
	started := startedAt
	oldest.Status = capture.StatusStarted
	oldest.StartedAt = &started
	claimed := *oldest
	return &claimed, nil
}

// CompleteCapture writes the terminal state of a started capture.
func (s *CaptureStore) CompleteCapture(_ context.Context, id string, done capture.Completion) error {
	if !done.Status.Terminal() {
		return fmt.Errorf("complete capture %s: status %q is not terminal", id, done.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return fmt.Errorf("%w: %s", capture.ErrNotFound, id)
	}
	if c.Status != capture.StatusStarted {
		return fmt.Errorf("%w: %s is %s", capture.ErrNotClaimed, id, c.Status)
	}
	c.Apply(done)
	return nil
}

// GetCapture fetches a capture by ID.
func (s *CaptureStore) GetCapture(_ context.Context, id string) (capture.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.captures[id]
	if !ok {
		return capture.Capture{}, fmt.Errorf("%w: %s", capture.ErrNotFound, id)
	}
	return *c, nil
}

// CountPending returns the number of pending captures.
func (s *CaptureStore) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.captures {
		if c.Status == capture.StatusPending {
			n++
		}
	}
	return n, nil
}

// FailStale marks started captures claimed before startedBefore as failed.
func (s *CaptureStore) FailStale(_ context.Context, startedBefore, endedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.captures {
		if c.Status != capture.StatusStarted || c.StartedAt == nil || !c.StartedAt.Before(startedBefore) {
			continue
		}
		ended := endedAt
		c.Status = capture.StatusFailed
		c.EndedAt = &ended
		c.FailedReason = capture.ReasonStale
		n++
	}
	return n, nil
}

// DeleteExpired removes captures started before startedBefore and returns their IDs.
func (s *CaptureStore) DeleteExpired(_ context.Context, startedBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	kept := s.order[:0]
	for _, id := range s.order {
		c := s.captures[id]
		if c.StartedAt != nil && c.StartedAt.Before(startedBefore) {
			delete(s.captures, id)
			deleted = append(deleted, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}
