// Package notify delivers best-effort completion callbacks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single callback attempt.
const DefaultTimeout = 10 * time.Second

// Notifier posts a JSON body to a callback URL exactly once.
type Notifier struct {
	client *http.Client
	logger *zap.Logger
}

// New builds a Notifier. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: &http.Client{Timeout: timeout}, logger: logger}
}

// Notify sends payload to url. Errors are returned for logging only; callers
// never change capture state based on them.
func (n *Notifier) Notify(ctx context.Context, url string, payload any) error {
	if url == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("callback delivery failed", zap.String("callback_url", url), zap.Error(err))
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		n.logger.Warn("callback rejected", zap.String("callback_url", url), zap.Int("status_code", resp.StatusCode))
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	n.logger.Debug("callback delivered", zap.String("callback_url", url), zap.Int("status_code", resp.StatusCode))
	return nil
}
