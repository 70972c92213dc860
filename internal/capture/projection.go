package capture

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ArchiveFilename is the name under which the archive bundle is served.
const ArchiveFilename = "archive.wacz"

// ProjectionOptions controls which fields a status projection exposes.
type ProjectionOptions struct {
	// APIDomain prefixes follow and artifact links, e.g. https://api.example.org.
	APIDomain     string
	ExposeLogs    bool
	ExposeSummary bool
}

// Project formats a capture into the user-facing status document.
func Project(c Capture, opts ProjectionOptions) map[string]any {
	domain := strings.TrimRight(opts.APIDomain, "/")
	out := map[string]any{
		"id_capture":        c.ID,
		"status":            c.Status,
		"created_timestamp": c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"started_timestamp": formatOptionalTime(c.StartedAt),
		"ended_timestamp":   formatOptionalTime(c.EndedAt),
		"url":               c.URL,
		"callback_url":      nil,
	}
	if c.CallbackURL != "" {
		out["callback_url"] = c.CallbackURL
	}

	switch c.Status {
	case StatusPending, StatusStarted:
		out["follow"] = fmt.Sprintf("%s/capture/%s", domain, c.ID)
	case StatusSuccess:
		names := []string{ArchiveFilename}
		if summary, err := ParseSummary(c.Summary); err == nil {
			names = append(names, summary.Filenames()...)
		}
		artifacts := make([]string, 0, len(names))
		for _, name := range names {
			artifacts = append(artifacts, fmt.Sprintf("%s/artifact/%s/%s", domain, c.ID, name))
		}
		out["artifacts"] = artifacts
		out["temporary_playback_url"] = "https://replayweb.page/?source=" + artifacts[0]
	}

	if c.Status.Terminal() {
		if opts.ExposeLogs {
			out["stdout_logs"] = c.StdoutLogs
			out["stderr_logs"] = c.StderrLogs
		}
		if opts.ExposeSummary {
			out["capture_summary"] = rawOrNil(c.Summary)
		}
	}
	return out
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
