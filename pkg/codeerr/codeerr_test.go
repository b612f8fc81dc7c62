package codeerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapsWithErrorsIs(t *testing.T) {
	sentinel := errors.New("boom")
	wrapped := Wrap(InvalidOperation, "bad position", sentinel)

	require.ErrorIs(t, wrapped, sentinel)
}

func TestFatalOnlyForInternalMerge(t *testing.T) {
	require.True(t, New(InternalMerge, "crdt invariant violated").Fatal())
	require.False(t, New(NotJoined, "").Fatal())
	require.False(t, New(Capacity, "").Fatal())
}

func TestErrorMessageIncludesKind(t *testing.T) {
	err := New(DocumentNotFound, "doc-123")
	require.Contains(t, err.Error(), "DocumentNotFound")
	require.Contains(t, err.Error(), "doc-123")
}
