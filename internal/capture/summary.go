package capture

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Summary is the subset of the capture tool's JSON summary the service inspects.
type Summary struct {
	Attachments map[string]AttachmentEntry `json:"attachments"`
}

// AttachmentEntry holds one attachment category: a single filename or a list of them.
type AttachmentEntry []string

// UnmarshalJSON accepts either a string or an array of strings.
func (e *AttachmentEntry) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = AttachmentEntry{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("attachment entry must be a string or list of strings: %w", err)
	}
	*e = AttachmentEntry(many)
	return nil
}

// ParseSummary decodes the raw JSON summary.
func ParseSummary(raw []byte) (Summary, error) {
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}

// Filenames flattens every attachment category into a list ordered by category name.
func (s Summary) Filenames() []string {
	keys := make([]string, 0, len(s.Attachments))
	for k := range s.Attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		for _, name := range s.Attachments[k] {
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
