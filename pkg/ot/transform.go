// Package ot rebases pending positions against operations that committed
// ahead of them. It is advisory: the replicated text in pkg/crdt is the
// authority on content and converges independent of this package. ot only
// keeps a not-yet-acknowledged local edit, or a peer's cursor, pointing at
// the right place in the text the moment a remote operation lands.
package ot

import "github.com/kolabtext/colabtext/pkg/crdt"

// Transform rebases op so that it expresses the same intent after against
// has already been applied, following the classic Insert/Delete position
// arithmetic: an insert ahead of op's position shifts it right, a delete
// ahead of it shifts it left, and a delete that overlaps op's own span
// shrinks it. siteID breaks ties when both operations insert at the
// identical position — the lower site sorts first, mirroring the CRDT's
// own tie-break so cursor rebasing and content merge never disagree about
// ordering.
func Transform(op, against crdt.Operation, siteID uint64) crdt.Operation {
	switch {
	case op.Kind == crdt.Insert && against.Kind == crdt.Insert:
		return transformInsertInsert(op, against, siteID)
	case op.Kind == crdt.Insert && against.Kind == crdt.Delete:
		return transformInsertDelete(op, against)
	case op.Kind == crdt.Delete && against.Kind == crdt.Insert:
		return transformDeleteInsert(op, against)
	case op.Kind == crdt.Delete && against.Kind == crdt.Delete:
		return transformDeleteDelete(op, against)
	default:
		// Retain carries no span; nothing to rebase.
		return op
	}
}

func transformInsertInsert(op, against crdt.Operation, siteID uint64) crdt.Operation {
	out := op
	switch {
	case against.Position < op.Position:
		out.Position += uint32(len([]rune(against.Content)))
	case against.Position == op.Position:
		if siteID > against.Site {
			out.Position += uint32(len([]rune(against.Content)))
		}
	}
	return out
}

func transformInsertDelete(op, against crdt.Operation) crdt.Operation {
	out := op
	switch {
	case against.Position+against.Length <= op.Position:
		out.Position -= against.Length
	case against.Position < op.Position:
		out.Position = against.Position
	}
	return out
}

func transformDeleteInsert(op, against crdt.Operation) crdt.Operation {
	out := op
	switch {
	case against.Position <= op.Position:
		out.Position += uint32(len([]rune(against.Content)))
	case against.Position < op.Position+op.Length:
		out.Length += uint32(len([]rune(against.Content)))
	}
	return out
}

func transformDeleteDelete(op, against crdt.Operation) crdt.Operation {
	out := op
	opEnd := op.Position + op.Length
	againstEnd := against.Position + against.Length

	switch {
	case againstEnd <= op.Position:
		out.Position -= against.Length
	case against.Position >= opEnd:
		// disjoint, no change
	default:
		overlapStart := max32(op.Position, against.Position)
		overlapEnd := min32(opEnd, againstEnd)
		overlap := overlapEnd - overlapStart
		if against.Position < op.Position {
			out.Position = against.Position
		}
		if overlap > out.Length {
			overlap = out.Length
		}
		out.Length -= overlap
	}
	return out
}

// TransformIndex rebases a bare cursor/selection index through an
// operation that has just committed, the same way a pending op's own
// Position would be rebased.
func TransformIndex(against crdt.Operation, index uint32) uint32 {
	switch against.Kind {
	case crdt.Insert:
		if against.Position <= index {
			return index + uint32(len([]rune(against.Content)))
		}
		return index
	case crdt.Delete:
		end := against.Position + against.Length
		switch {
		case end <= index:
			return index - against.Length
		case against.Position < index:
			return against.Position
		default:
			return index
		}
	default:
		return index
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
