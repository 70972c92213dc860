package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "captures/abc/archive.wacz", "application/wacz", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://captures/abc/archive.wacz", uri)

	payload[0] = 'C'
	stored, ok := store.Object("captures/abc/archive.wacz")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))
}

func TestBlobStoreDeleteObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "a", "", bytes.NewReader([]byte("1")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "b", "", bytes.NewReader([]byte("2")))
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject(ctx, "a"))
	require.NoError(t, store.DeleteObject(ctx, "missing"))
	assert.Equal(t, []string{"b"}, store.Paths())
}
