package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// ReplicatedText is an in-memory replicated sequence CRDT. Each replica
// owns one instance; InsertLocal/DeleteLocal/RetainLocal mutate it and
// return a broadcastable Operation, ApplyRemote merges an Operation produced (locally or
// remotely) by another replica. Two replicas that have applied the same
// causal set of operations converge to identical content, independent of
// arrival order.
type ReplicatedText struct {
	mu sync.RWMutex

	site    uint64
	lamport uint64

	root     *node
	registry map[ID]*node

	// pending buffers nodes/tombstones whose target isn't registered yet,
	// keyed by the missing ID, so causally out-of-order delivery doesn't
	// corrupt ordering. Flushed once the missing node is integrated.
	pending        map[ID][]*node
	pendingDeletes map[ID]struct{}

	vclock map[uint64]uint64
	seen   map[uuid.UUID]struct{}
	ops    []Operation

	visibleCount int
}

// New creates an empty replica stamped with the given site identifier.
// Site must be unique among replicas merging into the same document.
func New(site uint64) *ReplicatedText {
	root := &node{id: rootID}
	return &ReplicatedText{
		site:           site,
		root:           root,
		registry:       map[ID]*node{rootID: root},
		pending:        make(map[ID][]*node),
		pendingDeletes: make(map[ID]struct{}),
		vclock:         make(map[uint64]uint64),
		seen:           make(map[uuid.UUID]struct{}),
	}
}

// Site returns this replica's site identifier.
func (r *ReplicatedText) Site() uint64 { return r.site }

// Len returns the number of visible (non-tombstoned) characters.
func (r *ReplicatedText) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibleCount
}

// Content materializes the current visible text.
func (r *ReplicatedText) Content() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contentLocked()
}

func (r *ReplicatedText) contentLocked() string {
	chars := make([]rune, 0, r.visibleCount)
	for cur := r.root.next; cur != nil; cur = cur.next {
		if !cur.deleted {
			chars = append(chars, cur.ch)
		}
	}
	return string(chars)
}

// Operations returns the causally ordered operation log, for late joiners
// who need to replay history rather than merge a live op stream.
func (r *ReplicatedText) Operations() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Operation, len(r.ops))
	copy(out, r.ops)
	return out
}

// clampPos folds an out-of-range position into [0, len]; per spec this is
// always silent, to preserve liveness under adversarial clients.
func clampPos(pos uint32, ln int) uint32 {
	if int(pos) > ln {
		return uint32(ln)
	}
	return pos
}

// InsertLocal stamps, applies, and returns an Insert operation at the
// given (clamped) position, attributed to this replica's own site.
func (r *ReplicatedText) InsertLocal(pos uint32, content string) Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(r.site, uuid.New(), pos, content)
}

// InsertLocalAs is InsertLocal generalized to an explicit site and
// operation id. A session coordinator hosting the single authoritative
// replica for a document uses this to apply each connected peer's edit
// as if that peer were its own replica: the peer's assigned SiteId
// drives tie-breaking, while the document itself still has one RT
// instance and one linear history.
func (r *ReplicatedText) InsertLocalAs(site uint64, opID uuid.UUID, pos uint32, content string) Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(site, opID, pos, content)
}

func (r *ReplicatedText) insertLocked(site uint64, opID uuid.UUID, pos uint32, content string) Operation {
	pos = clampPos(pos, r.visibleCount)
	r.lamport++
	lamport := r.lamport

	parentAnchor := r.anchorBeforeLocked(pos)
	parent := parentAnchor
	chars := []rune(content)
	for i, ch := range chars {
		id := ID{Site: site, Lamport: lamport, Seq: uint32(i)}
		n := &node{id: id, parent: parent, ch: ch}
		r.integrate(n)
		parent = id
	}
	r.visibleCount += len(chars)
	if lamport > r.vclock[site] {
		r.vclock[site] = lamport
	}

	op := Operation{
		Kind:     Insert,
		Position: pos,
		Content:  content,
		Site:     site,
		Lamport:  lamport,
		OpID:     opID,
		Parent:   parentAnchor,
	}
	r.ops = append(r.ops, op)
	r.seen[op.OpID] = struct{}{}
	return op
}

// DeleteLocal resolves [pos, pos+length) against the current visible
// sequence, tombstones the matching characters, and returns a Delete
// operation carrying their resolved identities. Length is truncated to
// the available tail, per spec boundary behavior. Attributed to this
// replica's own site.
func (r *ReplicatedText) DeleteLocal(pos, length uint32) Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(r.site, uuid.New(), pos, length)
}

// DeleteLocalAs is DeleteLocal generalized to an explicit site and
// operation id; see InsertLocalAs.
func (r *ReplicatedText) DeleteLocalAs(site uint64, opID uuid.UUID, pos, length uint32) Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(site, opID, pos, length)
}

func (r *ReplicatedText) deleteLocked(site uint64, opID uuid.UUID, pos, length uint32) Operation {
	pos = clampPos(pos, r.visibleCount)
	maxLen := uint32(r.visibleCount) - pos
	if length > maxLen {
		length = maxLen
	}

	targets := r.targetsInRangeLocked(pos, length)
	for _, id := range targets {
		if n := r.registry[id]; n != nil && !n.deleted {
			n.deleted = true
			r.visibleCount--
		}
	}

	r.lamport++
	lamport := r.lamport
	if lamport > r.vclock[site] {
		r.vclock[site] = lamport
	}

	op := Operation{
		Kind:     Delete,
		Position: pos,
		Length:   uint32(len(targets)),
		Site:     site,
		Lamport:  lamport,
		OpID:     opID,
		Targets:  targets,
	}
	r.ops = append(r.ops, op)
	r.seen[op.OpID] = struct{}{}
	return op
}

// RetainLocal has no effect on content; it exists for protocol
// compatibility with peers that still emit position-based Retain spans,
// and still consumes a Lamport tick so causal counts stay consistent.
func (r *ReplicatedText) RetainLocal(pos uint32) Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retainLocked(r.site, uuid.New(), pos)
}

// RetainLocalAs is RetainLocal generalized to an explicit site and
// operation id; see InsertLocalAs.
func (r *ReplicatedText) RetainLocalAs(site uint64, opID uuid.UUID, pos uint32) Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retainLocked(site, opID, pos)
}

func (r *ReplicatedText) retainLocked(site uint64, opID uuid.UUID, pos uint32) Operation {
	pos = clampPos(pos, r.visibleCount)
	r.lamport++
	if r.lamport > r.vclock[site] {
		r.vclock[site] = r.lamport
	}

	op := Operation{Kind: Retain, Position: pos, Site: site, Lamport: r.lamport, OpID: opID}
	r.ops = append(r.ops, op)
	r.seen[op.OpID] = struct{}{}
	return op
}

// ApplyRemote merges an operation produced by InsertLocal, DeleteLocal or
// RetainLocal (on this or any other replica). It is idempotent: re-applying the same OpID, or an op
// whose (site, lamport) is already reflected in the vector clock, is a
// silent no-op that reports applied=false.
func (r *ReplicatedText) ApplyRemote(op Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[op.OpID]; dup {
		return false
	}
	if v, ok := r.vclock[op.Site]; ok && op.Lamport <= v {
		r.seen[op.OpID] = struct{}{}
		return false
	}

	switch op.Kind {
	case Insert:
		parent := op.Parent
		chars := []rune(op.Content)
		for i, ch := range chars {
			id := ID{Site: op.Site, Lamport: op.Lamport, Seq: uint32(i)}
			if _, exists := r.registry[id]; !exists {
				n := &node{id: id, parent: parent, ch: ch}
				r.integrateOrBuffer(n)
			}
			parent = id
		}
	case Delete:
		for _, id := range op.Targets {
			r.deleteOrBuffer(id)
		}
	case Retain:
		// no content effect
	}

	if v := r.vclock[op.Site]; op.Lamport > v {
		r.vclock[op.Site] = op.Lamport
	}
	if op.Lamport > r.lamport {
		r.lamport = op.Lamport
	}
	r.seen[op.OpID] = struct{}{}
	r.ops = append(r.ops, op)
	return true
}

// integrateOrBuffer integrates n if its parent is already known, flushing
// any children that were buffered waiting on n itself; otherwise it
// parks n under its missing parent until that parent arrives.
func (r *ReplicatedText) integrateOrBuffer(n *node) {
	if _, known := r.registry[n.parent]; known || n.parent == rootID {
		r.integrate(n)
		r.visibleCount++
		if _, pendingDel := r.pendingDeletes[n.id]; pendingDel {
			n.deleted = true
			r.visibleCount--
			delete(r.pendingDeletes, n.id)
		}
		if kids, ok := r.pending[n.id]; ok {
			delete(r.pending, n.id)
			for _, kid := range kids {
				r.integrateOrBuffer(kid)
			}
		}
		return
	}
	r.pending[n.parent] = append(r.pending[n.parent], n)
}

// deleteOrBuffer tombstones id if known, otherwise remembers to tombstone
// it the moment it is integrated (the insert may arrive after the delete).
func (r *ReplicatedText) deleteOrBuffer(id ID) {
	if n, ok := r.registry[id]; ok {
		if !n.deleted {
			n.deleted = true
			r.visibleCount--
		}
		return
	}
	r.pendingDeletes[id] = struct{}{}
}

// anchorBeforeLocked returns the ID of the visible character immediately
// before position pos, or rootID if pos is 0. Caller must hold the lock.
func (r *ReplicatedText) anchorBeforeLocked(pos uint32) ID {
	if pos == 0 {
		return rootID
	}
	var count uint32
	var last ID = rootID
	for cur := r.root.next; cur != nil; cur = cur.next {
		if !cur.deleted {
			count++
			last = cur.id
			if count == pos {
				return last
			}
		}
	}
	return last
}

// targetsInRangeLocked resolves the visible characters in [pos, pos+length)
// to their identities. Caller must hold the lock.
func (r *ReplicatedText) targetsInRangeLocked(pos, length uint32) []ID {
	if length == 0 {
		return nil
	}
	end := pos + length
	var idx uint32
	ids := make([]ID, 0, length)
	for cur := r.root.next; cur != nil; cur = cur.next {
		if cur.deleted {
			continue
		}
		if idx >= pos && idx < end {
			ids = append(ids, cur.id)
		}
		idx++
		if idx >= end {
			break
		}
	}
	return ids
}
