// Package artifact resolves requests for files produced by a capture.
package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// WARCMember is the path of the WARC file inside the archive bundle.
const WARCMember = "archive/data.warc.gz"

var (
	// ErrInvalidFilename is returned for names outside the allow-list.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrNotFound is returned when the capture or the requested member is unavailable.
	ErrNotFound = errors.New("requested file was not found")
)

var attachmentPattern = regexp.MustCompile(`^[\w._-]+\.(pem|png|pdf|html|mp4|vtt)$`)

// Kind classifies a requested filename.
type Kind int

// Filename kinds.
const (
	KindInvalid Kind = iota
	KindArchive
	KindWARC
	KindAttachment
)

// Classify maps a requested filename onto the artifact it refers to.
func Classify(filename string) Kind {
	switch filename {
	case capture.ArchiveFilename:
		return KindArchive
	case "data.warc.gz", "archive.warc.gz":
		return KindWARC
	}
	if attachmentPattern.MatchString(filename) {
		return KindAttachment
	}
	return KindInvalid
}

// File is a resolved artifact ready to be served.
type File struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Service reads artifacts out of the capture store.
type Service struct {
	store capture.Store
}

// NewService wires a Service to a capture store.
func NewService(store capture.Store) *Service {
	return &Service{store: store}
}

// Get validates the id and filename, then loads the requested member.
// Malformed input yields capture.ErrInvalidID or ErrInvalidFilename; anything
// missing, including a capture that has not finished, yields ErrNotFound.
func (s *Service) Get(ctx context.Context, rawID, filename string) (File, error) {
	id, err := capture.NormalizeID(rawID)
	if err != nil {
		return File{}, err
	}
	kind := Classify(filename)
	if kind == KindInvalid {
		return File{}, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	c, err := s.store.GetCapture(ctx, id)
	if errors.Is(err, capture.ErrNotFound) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("load capture: %w", err)
	}
	if !c.Status.Terminal() {
		return File{}, ErrNotFound
	}

	var data []byte
	switch kind {
	case KindArchive:
		if len(c.Archive) == 0 {
			return File{}, ErrNotFound
		}
		data = c.Archive
	case KindWARC:
		data, err = extractMember(c.Archive, WARCMember)
	case KindAttachment:
		data, err = extractMember(c.Attachments, filename)
	}
	if err != nil {
		return File{}, err
	}

	file := File{Name: filename, Data: data}
	if c.EndedAt != nil {
		file.ModTime = *c.EndedAt
	}
	return file, nil
}

// extractMember returns the named member of a zip bundle. A missing or
// unreadable bundle counts as a missing member; an empty member is returned as is.
func extractMember(bundle []byte, name string) ([]byte, error) {
	if len(bundle) == 0 {
		return nil, ErrNotFound
	}
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, fmt.Errorf("%w: open bundle: %v", ErrNotFound, err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, ErrNotFound
}
