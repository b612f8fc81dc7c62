// Package awareness tracks soft per-peer presence: identity, cursor,
// selection, and liveness. None of it participates in document
// convergence; it exists purely to be diffed and broadcast.
package awareness

import (
	"hash/fnv"
	"time"
)

// Cursor is a single clamped caret position with the time it was set.
type Cursor struct {
	Pos uint32
	At  time.Time
}

// Selection is a clamped, normalized (Start <= End) range.
type Selection struct {
	Start uint32
	End   uint32
	At    time.Time
}

// Entry is one peer's awareness state.
type Entry struct {
	PeerID      string
	DisplayName string
	Color       string
	Cursor      *Cursor
	Selection   *Selection
	Online      bool
	LastSeen    time.Time
}

func (e Entry) clone() Entry {
	cp := e
	if e.Cursor != nil {
		c := *e.Cursor
		cp.Cursor = &c
	}
	if e.Selection != nil {
		s := *e.Selection
		cp.Selection = &s
	}
	return cp
}

// Diff is what a registry mutation produces, for the caller to translate
// into broadcast events. Exactly one of Added/Updated/Removed holds.
type Diff struct {
	Added   *Entry
	Updated *Entry
	Removed *Entry
}

// Registry holds one document's peer awareness state. It is not
// goroutine-safe on its own — the owning session coordinator serializes
// all access, matching the rest of the single-writer-per-document model.
type Registry struct {
	palette []string
	peers   map[string]*Entry
}

// New creates an empty registry using the given color palette. The
// palette order is significant only in that it is fixed: color
// assignment is a deterministic hash of PeerId modulo its length, not
// round-robin, so a peer keeps its color across rejoin and two
// independent sessions colorize the same peer identically.
func New(palette []string) *Registry {
	return &Registry{
		palette: palette,
		peers:   make(map[string]*Entry),
	}
}

// Join registers a peer (or reactivates an existing one on a second
// connection) and returns the resulting entry plus a diff describing the
// change.
func (r *Registry) Join(peerID, displayName string, now time.Time) (Entry, Diff) {
	if existing, ok := r.peers[peerID]; ok {
		existing.Online = true
		existing.LastSeen = now
		if displayName != "" {
			existing.DisplayName = displayName
		}
		return existing.clone(), Diff{Updated: ptr(existing.clone())}
	}

	e := &Entry{
		PeerID:      peerID,
		DisplayName: displayName,
		Color:       colorFor(peerID, r.palette),
		Online:      true,
		LastSeen:    now,
	}
	r.peers[peerID] = e
	return e.clone(), Diff{Added: ptr(e.clone())}
}

// Leave marks a peer offline. The caller decides whether to evict
// immediately (no remaining connections) or let the timeout sweep do it.
func (r *Registry) Leave(peerID string, now time.Time) (Diff, bool) {
	e, ok := r.peers[peerID]
	if !ok {
		return Diff{}, false
	}
	e.Online = false
	e.LastSeen = now
	return Diff{Updated: ptr(e.clone())}, true
}

// Evict removes a peer outright, e.g. after evictThreshold has elapsed
// since it went offline.
func (r *Registry) Evict(peerID string) (Diff, bool) {
	e, ok := r.peers[peerID]
	if !ok {
		return Diff{}, false
	}
	delete(r.peers, peerID)
	return Diff{Removed: ptr(e.clone())}, true
}

// UpdateCursor clamps pos into [0, textLen] and records it.
func (r *Registry) UpdateCursor(peerID string, pos uint32, textLen int, now time.Time) (Diff, bool) {
	e, ok := r.peers[peerID]
	if !ok {
		return Diff{}, false
	}
	e.Cursor = &Cursor{Pos: clamp(pos, textLen), At: now}
	e.LastSeen = now
	return Diff{Updated: ptr(e.clone())}, true
}

// UpdateSelection normalizes start <= end then clamps both endpoints into
// [0, textLen].
func (r *Registry) UpdateSelection(peerID string, start, end uint32, textLen int, now time.Time) (Diff, bool) {
	e, ok := r.peers[peerID]
	if !ok {
		return Diff{}, false
	}
	if start > end {
		start, end = end, start
	}
	e.Selection = &Selection{Start: clamp(start, textLen), End: clamp(end, textLen), At: now}
	e.LastSeen = now
	return Diff{Updated: ptr(e.clone())}, true
}

// Snapshot returns every entry currently tracked, for the JoinResult sent
// to a newly joining peer.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.clone())
	}
	return out
}

// Get returns a copy of a single peer's entry.
func (r *Registry) Get(peerID string) (Entry, bool) {
	e, ok := r.peers[peerID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// SweepStale walks every online peer and, for any whose LastSeen is older
// than staleThreshold, marks it offline; for any ALREADY offline peer
// whose LastSeen is older than evictThreshold past that, evicts it. It
// returns the diffs produced, in no particular order.
func (r *Registry) SweepStale(now time.Time, staleThreshold, evictThreshold time.Duration) []Diff {
	var diffs []Diff
	for id, e := range r.peers {
		idle := now.Sub(e.LastSeen)
		switch {
		case e.Online && idle >= staleThreshold:
			e.Online = false
			diffs = append(diffs, Diff{Updated: ptr(e.clone())})
		case !e.Online && idle >= staleThreshold+evictThreshold:
			delete(r.peers, id)
			diffs = append(diffs, Diff{Removed: ptr(e.clone())})
		}
	}
	return diffs
}

func clamp(v uint32, ln int) uint32 {
	if ln < 0 {
		ln = 0
	}
	if int(v) > ln {
		return uint32(ln)
	}
	return v
}

// colorFor deterministically maps a peer identity to a palette entry via
// FNV-1a, so color assignment needs no coordination and is stable across
// reconnects and independent sessions.
func colorFor(peerID string, palette []string) string {
	if len(palette) == 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(peerID))
	return palette[h.Sum32()%uint32(len(palette))]
}

func ptr(e Entry) *Entry { return &e }
