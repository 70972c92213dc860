package artifact_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/capture-service/internal/artifact"
	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/storage/memory"
)

const (
	doneID    = "6f1c1d2e-7a4b-4c1d-9e2f-0a1b2c3d4e5f"
	pendingID = "0e9d8c7b-6a5f-4e3d-8c2b-1a0f9e8d7c6b"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newService(t *testing.T) *artifact.Service {
	t.Helper()
	ctx := context.Background()
	store := memory.NewCaptureStore()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.CreateCapture(ctx, capture.Capture{ID: doneID, Status: capture.StatusPending, URL: "https://example.com", CreatedAt: created}))
	claimed, err := store.ClaimNext(ctx, created.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, doneID, claimed.ID)
	require.NoError(t, store.CompleteCapture(ctx, doneID, capture.Completion{
		Status:      capture.StatusSuccess,
		EndedAt:     created.Add(time.Minute),
		Archive:     zipOf(t, map[string]string{artifact.WARCMember: "warc-bytes", "datapackage.json": "{}"}),
		Attachments: zipOf(t, map[string]string{"screenshot.png": "png-bytes"}),
	}))

	require.NoError(t, store.CreateCapture(ctx, capture.Capture{ID: pendingID, Status: capture.StatusPending, URL: "https://example.org", CreatedAt: created.Add(time.Hour)}))
	return artifact.NewService(store)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := map[string]artifact.Kind{
		"archive.wacz":      artifact.KindArchive,
		"data.warc.gz":      artifact.KindWARC,
		"archive.warc.gz":   artifact.KindWARC,
		"screenshot.png":    artifact.KindAttachment,
		"provenance-1.html": artifact.KindAttachment,
		"cert.pem":          artifact.KindAttachment,
		"foo":               artifact.KindInvalid,
		"lorem.docx":        artifact.KindInvalid,
		"foo.warc.gz":       artifact.KindInvalid,
		"../etc/passwd.png": artifact.KindInvalid,
	}
	for name, want := range cases {
		assert.Equal(t, want, artifact.Classify(name), name)
	}
}

func TestServiceGet(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	f, err := svc.Get(ctx, doneID, "archive.warc.gz")
	require.NoError(t, err)
	assert.Equal(t, "warc-bytes", string(f.Data))
	assert.False(t, f.ModTime.IsZero())

	f, err = svc.Get(ctx, doneID, "screenshot.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(f.Data))

	f, err = svc.Get(ctx, doneID, "archive.wacz")
	require.NoError(t, err)
	assert.NotEmpty(t, f.Data)
}

func TestServiceGetErrors(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "not-a-uuid", "archive.wacz")
	require.ErrorIs(t, err, capture.ErrInvalidID)

	_, err = svc.Get(ctx, doneID, "lorem.docx")
	require.ErrorIs(t, err, artifact.ErrInvalidFilename)

	_, err = svc.Get(ctx, doneID, "missing.pdf")
	require.ErrorIs(t, err, artifact.ErrNotFound)

	_, err = svc.Get(ctx, pendingID, "archive.wacz")
	require.ErrorIs(t, err, artifact.ErrNotFound)

	_, err = svc.Get(ctx, "11111111-2222-4333-8444-555555555555", "archive.wacz")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestServiceGetBundleEdgeCases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewCaptureStore()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	finish := func(id string, done capture.Completion) {
		require.NoError(t, store.CreateCapture(ctx, capture.Capture{ID: id, Status: capture.StatusPending, URL: "https://example.com", CreatedAt: created}))
		claimed, err := store.ClaimNext(ctx, created)
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)
		require.NoError(t, store.CompleteCapture(ctx, id, done))
	}

	emptyMemberID := "3c2b1a09-8f7e-4d6c-9b5a-4f3e2d1c0b9a"
	corruptID := "7d6c5b4a-3f2e-4e1d-8c0b-9a8f7e6d5c4b"
	finish(emptyMemberID, capture.Completion{
		Status:      capture.StatusSuccess,
		EndedAt:     created.Add(time.Minute),
		Archive:     zipOf(t, map[string]string{artifact.WARCMember: ""}),
		Attachments: zipOf(t, map[string]string{"provenance.html": ""}),
	})
	finish(corruptID, capture.Completion{
		Status:      capture.StatusSuccess,
		EndedAt:     created.Add(time.Minute),
		Archive:     []byte("not a zip"),
		Attachments: []byte("not a zip either"),
	})
	svc := artifact.NewService(store)

	f, err := svc.Get(ctx, emptyMemberID, "provenance.html")
	require.NoError(t, err)
	assert.Empty(t, f.Data)

	f, err = svc.Get(ctx, emptyMemberID, "data.warc.gz")
	require.NoError(t, err)
	assert.Empty(t, f.Data)

	_, err = svc.Get(ctx, corruptID, "provenance.html")
	require.ErrorIs(t, err, artifact.ErrNotFound)

	_, err = svc.Get(ctx, corruptID, "data.warc.gz")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}
