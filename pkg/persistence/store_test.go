package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadMissingDocumentReturnsNilWithoutError(t *testing.T) {
	s := newTestStore(t)
	blob, err := s.Load(context.Background(), "doc-missing")
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "doc-1", []byte("snapshot-v1")))
	blob, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot-v1"), blob)
}

func TestStoreUpsertsExistingDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "doc-1", []byte("v1")))
	require.NoError(t, s.Store(ctx, "doc-1", []byte("v2")))

	blob, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), blob)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeleteRemovesDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "doc-1", []byte("v1")))
	require.NoError(t, s.Delete(ctx, "doc-1"))

	blob, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestCountReflectsStoredDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.Store(ctx, "doc-1", []byte("v1")))
	require.NoError(t, s.Store(ctx, "doc-2", []byte("v1")))

	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
