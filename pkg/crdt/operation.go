package crdt

import "github.com/google/uuid"

// Kind tags an Operation's effect on the sequence.
type Kind int

const (
	Insert Kind = iota
	Delete
	// Retain has no observable effect on content; it is preserved for
	// protocol compatibility with legacy position-based peers and still
	// consumes a Lamport tick.
	Retain
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Retain:
		return "retain"
	default:
		return "unknown"
	}
}

// Operation is the causally-ordered unit of change produced by
// InsertLocal/DeleteLocal/RetainLocal (and their *As variants) and
// consumed by ApplyRemote. Position/Content/Length describe intent for
// display and for legacy OT rebasing; Parent and Targets are the resolved
// identity-based addressing that makes merge commutative and idempotent
// regardless of what any other replica has inserted or deleted concurrently.
type Operation struct {
	Kind     Kind
	Position uint32
	Content  string // Insert only
	Length   uint32 // Delete only
	Site     uint64
	Lamport  uint64
	OpID     uuid.UUID

	// Parent is the ID of the character immediately preceding the first
	// inserted rune, resolved against the originating replica's state at
	// apply time. Zero value (rootID) means "insert at the very start".
	Parent ID `json:"-"`

	// Targets are the resolved character IDs a Delete removes. Populated
	// at apply time so that every replica tombstones exactly the same
	// characters regardless of concurrent structural changes elsewhere.
	Targets []ID `json:"-"`
}
