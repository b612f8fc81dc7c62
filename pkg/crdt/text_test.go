package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvergenceConcurrentInsertSamePosition(t *testing.T) {
	// Two-peer convergence: initial "ABC", P1 (site 1) inserts "X" at 1,
	// P2 (site 2) inserts "Y" at 1, concurrently. Expected "AXYBC" on both.
	base := New(99)
	base.InsertLocal(0, "ABC")
	baseSnapshot, err := base.Snapshot()
	require.NoError(t, err)

	r1 := New(1)
	require.NoError(t, r1.Restore(baseSnapshot))
	r2 := New(2)
	require.NoError(t, r2.Restore(baseSnapshot))

	op1 := r1.InsertLocal(1, "X")
	op2 := r2.InsertLocal(1, "Y")

	require.True(t, r1.ApplyRemote(op2))
	require.True(t, r2.ApplyRemote(op1))

	require.Equal(t, "AXYBC", r1.Content())
	require.Equal(t, r1.Content(), r2.Content())
}

func TestConvergenceDeleteAfterMergedDelete(t *testing.T) {
	// Initial "ABCDEF", P1 deletes [1,2) ("B"); P2 merges that delete and
	// then deletes [1,2) on its own view, which is now "C". Final "ADEF".
	base := New(99)
	base.InsertLocal(0, "ABCDEF")
	snap, err := base.Snapshot()
	require.NoError(t, err)

	r1 := New(1)
	require.NoError(t, r1.Restore(snap))
	r2 := New(2)
	require.NoError(t, r2.Restore(snap))

	op1 := r1.DeleteLocal(1, 1) // removes "B"
	op2 := r2.DeleteLocal(1, 1) // removes "C" (same index, disjoint identity)

	require.True(t, r1.ApplyRemote(op2))
	require.True(t, r2.ApplyRemote(op1))

	require.Equal(t, "ADEF", r1.Content())
	require.Equal(t, r1.Content(), r2.Content())
}

func TestConvergenceConcurrentDeleteOverlap(t *testing.T) {
	// Concurrent delete overlap: initial "HELLO WORLD", P1 deletes [0,6),
	// P2 deletes [6,11) concurrently. Final "".
	base := New(99)
	base.InsertLocal(0, "HELLO WORLD")
	snap, err := base.Snapshot()
	require.NoError(t, err)

	r1 := New(1)
	require.NoError(t, r1.Restore(snap))
	r2 := New(2)
	require.NoError(t, r2.Restore(snap))

	op1 := r1.DeleteLocal(0, 6)
	op2 := r2.DeleteLocal(6, 5)

	require.True(t, r1.ApplyRemote(op2))
	require.True(t, r2.ApplyRemote(op1))

	require.Equal(t, "", r1.Content())
	require.Equal(t, r1.Content(), r2.Content())
}

func TestApplyRemoteIdempotent(t *testing.T) {
	r1 := New(1)
	r2 := New(2)

	op := r1.InsertLocal(0, "hello")
	require.True(t, r2.ApplyRemote(op))
	before := r2.Content()
	beforeLen := r2.Len()

	applied := r2.ApplyRemote(op)
	require.False(t, applied)
	require.Equal(t, before, r2.Content())
	require.Equal(t, beforeLen, r2.Len())
}

func TestInsertSizeArithmetic(t *testing.T) {
	r := New(1)
	r.InsertLocal(0, "hello")
	before := r.Len()
	r.InsertLocal(2, "XY")
	require.Equal(t, before+2, r.Len())
}

func TestDeleteSizeArithmeticTruncatesPastEnd(t *testing.T) {
	r := New(1)
	r.InsertLocal(0, "hello")
	op := r.DeleteLocal(3, 10) // spans past end of text
	require.Equal(t, uint32(2), op.Length)
	require.Equal(t, "hel", r.Content())
}

func TestInsertClampsOutOfRangePosition(t *testing.T) {
	r := New(1)
	r.InsertLocal(0, "abc")
	op := r.InsertLocal(9999, "Z")
	require.Equal(t, uint32(3), op.Position)
	require.Equal(t, "abcZ", r.Content())
}

func TestRestoreRoundTrip(t *testing.T) {
	r := New(1)
	r.InsertLocal(0, "hello world")
	r.DeleteLocal(5, 1)

	blob, err := r.Snapshot()
	require.NoError(t, err)

	restored := New(7)
	require.NoError(t, restored.Restore(blob))

	require.Equal(t, r.Content(), restored.Content())
	require.Equal(t, r.Len(), restored.Len())
}

func TestRestoreRejectsNonEmptyReplica(t *testing.T) {
	r := New(1)
	r.InsertLocal(0, "x")
	blob, err := r.Snapshot()
	require.NoError(t, err)

	populated := New(2)
	populated.InsertLocal(0, "already has content")
	require.ErrorIs(t, populated.Restore(blob), ErrAlreadyPopulated)
}

func TestRetainConsumesLamportTickWithoutEffect(t *testing.T) {
	r := New(1)
	r.InsertLocal(0, "abc")
	before := r.Content()
	r.RetainLocal(1)
	require.Equal(t, before, r.Content())
	require.Len(t, r.Operations(), 2)
}
