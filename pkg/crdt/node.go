package crdt

// node is one character in the replicated sequence. Tombstoned nodes stay
// in the linked list and registry so that late-arriving concurrent ops can
// still resolve positions and parents against them; they are only elided
// when materializing Content().
type node struct {
	id      ID
	parent  ID
	ch      rune
	deleted bool
	next    *node
}

// integrate splices newNode into the list after its parent, skipping every
// node that outranks it: a higher Lamport value, or the same Lamport value
// and a smaller ID by Less. Skipped siblings carry their descendants along
// (those always outrank n too), so a fresh local insert lands right after
// its parent, and concurrent inserts at one position with equal Lamport
// values sit in ascending site order. The result is independent of arrival
// order, which is what makes Merge commutative and associative.
func (r *ReplicatedText) integrate(n *node) {
	parent := r.registry[n.parent]
	if parent == nil {
		// Caller is responsible for only integrating nodes whose parent is
		// already known; see integrateOrBuffer for the causal buffering path.
		parent = r.root
	}

	prev := parent
	cur := parent.next
	for cur != nil {
		if cur.id.Lamport < n.id.Lamport || (cur.id.Lamport == n.id.Lamport && n.id.Less(cur.id)) {
			break
		}
		prev = cur
		cur = cur.next
	}

	n.next = cur
	prev.next = n
	r.registry[n.id] = n

	if n.id.Lamport > r.lamport {
		r.lamport = n.id.Lamport
	}
}
