package scoop

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"

	"github.com/google/shlex"

	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/useragent"
)

// Output file names inside a capture's working directory.
const (
	ArchiveName     = "archive.wacz"
	SummaryName     = "archive.json"
	AttachmentsName = "attachments"
)

const videoAttachmentOption = "--capture-video-as-attachment"

// Paths are the per-capture output locations handed to the tool.
type Paths struct {
	Dir         string
	Archive     string
	Summary     string
	Attachments string
}

// BuildArgs returns the full argv for one capture, prefix included.
// Options are emitted in key order.
func BuildArgs(cfg config.ScoopConfig, agents *useragent.Matcher, targetURL string, paths Paths, port int) ([]string, error) {
	prefix, err := shlex.Split(cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("split scoop prefix: %w", err)
	}
	domain := ""
	if u, err := url.Parse(targetURL); err == nil {
		domain = u.Hostname()
	}

	args := make([]string, 0, len(prefix)+len(cfg.Command)+12+2*len(cfg.Options))
	args = append(args, prefix...)
	args = append(args, cfg.Command...)
	args = append(args,
		targetURL,
		"--output", paths.Archive,
		"--format", "wacz",
		"--json-summary-output", paths.Summary,
		"--export-attachments-output", paths.Attachments,
		"--proxy-port", strconv.Itoa(port),
	)

	keys := make([]string, 0, len(cfg.Options))
	for k := range cfg.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := cfg.Options[k]
		if k == videoAttachmentOption && len(cfg.VideoAttachmentDomains) > 0 &&
			!slices.Contains(cfg.VideoAttachmentDomains, domain) {
			value = "false"
		}
		args = append(args, k, value)
	}

	if override, ok := agents.Lookup(domain); ok && override.ScoopUASuffix != "" {
		args = append(args, "--user-agent-suffix", " "+override.ScoopUASuffix)
	}
	return args, nil
}
