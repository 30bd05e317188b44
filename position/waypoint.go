// Package position implements the dense, totally-ordered position
// identifiers that back the list and text CRDTs (spec.md §4.4): an opaque
// (senderID, counter, valueIndex) triple that names a slot in the
// sequence, generated by a waypoint tree so that concurrent left-to-right
// insertion bursts never interleave.
package position

import "sort"

// Position names one slot in a totally-ordered dense sequence. Positions
// are allocated once and never reused; deleting a value does not delete
// its position.
type Position struct {
	Sender     string
	Counter    uint64
	ValueIndex uint64
}

// Key identifies a Waypoint by the stable (sender, counter) pair used for
// lookups, both inside Source and by external owners such as indexedlist.
type Key struct {
	Sender  string
	Counter uint64
}

// KeyOf returns the waypoint key a Position belongs to.
func (p Position) KeyOf() Key { return Key{p.Sender, p.Counter} }

// rootKey is the key of the synthetic root waypoint. No real waypoint
// created by CreatePositions/ReceiveAndAddPositions ever uses the empty
// sender, since replica ids are always non-empty, so this can't collide.
var rootKey = Key{Sender: "", Counter: 0}

// Waypoint is an internal record representing a contiguous run of
// positions created by one replica in one burst, attached at a single
// point in its parent. See spec.md §3 for the invariants.
//
// Waypoint is owned exclusively by a Source. External packages (such as
// indexedlist) may read every field but must never mutate one directly;
// all mutation happens through Source's methods.
type Waypoint struct {
	Sender           string
	Counter          uint64
	Parent           *Waypoint
	ParentValueIndex uint64
	IsRight          bool
	ValueCount       uint64
	Children         []*Waypoint
}

// Key returns this waypoint's stable lookup key.
func (w *Waypoint) Key() Key { return Key{w.Sender, w.Counter} }

// IsRoot reports whether w is the synthetic forest root. The root never
// holds values of its own (ValueCount is always 0); it exists purely as
// the attachment point for "insert at the very beginning" waypoints.
func (w *Waypoint) IsRoot() bool { return w.Parent == nil }

// childLess implements the sibling ordering of spec.md §3: "left children
// in ascending parentValueIndex, then right children in descending
// parentValueIndex; ties broken by senderID ... of the sender who created
// the child". In this implementation only the root ever has left children
// (every other attachment happens to the right of an existing value, per
// the CreatePositions algorithm), but the comparator is written generally.
func childLess(a, b *Waypoint) bool {
	if a.IsRight != b.IsRight {
		return !a.IsRight // all left children sort before all right children
	}
	if !a.IsRight {
		if a.ParentValueIndex != b.ParentValueIndex {
			return a.ParentValueIndex < b.ParentValueIndex
		}
		return a.Sender < b.Sender
	}
	if a.ParentValueIndex != b.ParentValueIndex {
		return a.ParentValueIndex > b.ParentValueIndex
	}
	return a.Sender < b.Sender
}

// insertChild inserts child into parent's sorted Children slice.
func insertChild(parent, child *Waypoint) {
	i := sort.Search(len(parent.Children), func(i int) bool {
		return !childLess(parent.Children[i], child)
	})
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[i+1:], parent.Children[i:])
	parent.Children[i] = child
}

// rightSiblingAfter reports whether w has a right child attached at a
// value index strictly greater than v — used by CreatePositions to decide
// whether an in-place extension is still legal (spec.md §4.4 step 2).
func rightSiblingAfter(w *Waypoint, v uint64) bool {
	for _, c := range w.Children {
		if c.IsRight && c.ParentValueIndex > v {
			return true
		}
	}
	return false
}

// Meta describes a newly-created waypoint so a remote replica can
// reconstruct it via ReceiveAndAddPositions. A nil *Meta in
// CreatePositions' return means "no new waypoint — extend an existing
// one", matching spec.md §4.4.
type Meta struct {
	Sender           string
	Counter          uint64
	ParentSender     string
	ParentCounter    uint64
	ParentValueIndex uint64
	IsRight          bool
}
