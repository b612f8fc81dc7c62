package ot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolabtext/colabtext/pkg/crdt"
)

func TestTransformInsertInsertShiftsLaterPosition(t *testing.T) {
	pending := crdt.Operation{Kind: crdt.Insert, Position: 5, Content: "xy", Site: 2}
	committed := crdt.Operation{Kind: crdt.Insert, Position: 2, Content: "ab", Site: 1}

	rebased := Transform(pending, committed, 2)
	require.Equal(t, uint32(7), rebased.Position)
}

func TestTransformInsertInsertTieBreakBySite(t *testing.T) {
	committed := crdt.Operation{Kind: crdt.Insert, Position: 3, Content: "Y", Site: 5}

	higherSite := crdt.Operation{Kind: crdt.Insert, Position: 3, Content: "X", Site: 9}
	rebasedHigher := Transform(higherSite, committed, 9)
	require.Equal(t, uint32(4), rebasedHigher.Position, "higher site yields to lower site at a tie")

	lowerSite := crdt.Operation{Kind: crdt.Insert, Position: 3, Content: "X", Site: 1}
	rebasedLower := Transform(lowerSite, committed, 1)
	require.Equal(t, uint32(3), rebasedLower.Position, "lower site keeps its position at a tie")
}

func TestTransformInsertAgainstDeleteBeforeIt(t *testing.T) {
	pending := crdt.Operation{Kind: crdt.Insert, Position: 10, Content: "z"}
	committed := crdt.Operation{Kind: crdt.Delete, Position: 2, Length: 3}

	rebased := Transform(pending, committed, 1)
	require.Equal(t, uint32(7), rebased.Position)
}

func TestTransformInsertAgainstDeleteSpanningIt(t *testing.T) {
	pending := crdt.Operation{Kind: crdt.Insert, Position: 5, Content: "z"}
	committed := crdt.Operation{Kind: crdt.Delete, Position: 2, Length: 10}

	rebased := Transform(pending, committed, 1)
	require.Equal(t, uint32(2), rebased.Position)
}

func TestTransformDeleteAgainstInsertWithinRangeExtendsLength(t *testing.T) {
	pending := crdt.Operation{Kind: crdt.Delete, Position: 2, Length: 4} // removes [2,6)
	committed := crdt.Operation{Kind: crdt.Insert, Position: 4, Content: "ab"}

	rebased := Transform(pending, committed, 1)
	require.Equal(t, uint32(2), rebased.Position)
	require.Equal(t, uint32(6), rebased.Length)
}

func TestTransformDeleteDeleteOverlapShrinks(t *testing.T) {
	pending := crdt.Operation{Kind: crdt.Delete, Position: 0, Length: 6}
	committed := crdt.Operation{Kind: crdt.Delete, Position: 3, Length: 6}

	rebased := Transform(pending, committed, 1)
	require.Equal(t, uint32(0), rebased.Position)
	require.Equal(t, uint32(3), rebased.Length)
}

func TestTransformDeleteDeleteDisjointBefore(t *testing.T) {
	pending := crdt.Operation{Kind: crdt.Delete, Position: 10, Length: 2}
	committed := crdt.Operation{Kind: crdt.Delete, Position: 0, Length: 5}

	rebased := Transform(pending, committed, 1)
	require.Equal(t, uint32(5), rebased.Position)
	require.Equal(t, uint32(2), rebased.Length)
}

func TestTransformIndexInsertBeforeCursor(t *testing.T) {
	committed := crdt.Operation{Kind: crdt.Insert, Position: 2, Content: "abc"}
	require.Equal(t, uint32(8), TransformIndex(committed, 5))
}

func TestTransformIndexDeleteSpanningCursorClampsToStart(t *testing.T) {
	committed := crdt.Operation{Kind: crdt.Delete, Position: 2, Length: 10}
	require.Equal(t, uint32(2), TransformIndex(committed, 5))
}

func TestTransformIndexDeleteAfterCursorIsNoop(t *testing.T) {
	committed := crdt.Operation{Kind: crdt.Delete, Position: 8, Length: 3}
	require.Equal(t, uint32(5), TransformIndex(committed, 5))
}
