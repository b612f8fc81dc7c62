// Package crdt implements the replicated text data type: an RGA-style
// sequence CRDT with per-character identity, vector-clock causality, and
// deterministic tie-breaking for concurrent insertions.
package crdt

// ID identifies a single character in the replicated sequence. Site and
// Lamport come from the op that created the character; Seq disambiguates
// the characters of a single multi-rune Insert (they share Site/Lamport but
// occupy successive Seq values).
type ID struct {
	Site    uint64
	Lamport uint64
	Seq     uint32
}

// rootID anchors position zero. No real character ever carries it.
var rootID = ID{}

// Less orders IDs ascending by (Site, Lamport, Seq). integrate uses it to
// break ties between inserts that carry the same Lamport value, so at the
// same visible position the smaller site stays left.
func (a ID) Less(b ID) bool {
	if a.Site != b.Site {
		return a.Site < b.Site
	}
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	return a.Seq < b.Seq
}
