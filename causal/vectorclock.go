// Package causal provides the vector-clock and causal-broadcast-buffer
// machinery that lets a Document Runtime deliver transactions in a causally
// consistent order.
package causal

import "maps"

// VClock maps replicaID -> highest delivered sender-counter from that
// replica. A missing entry is implied to be 0.
type VClock map[string]uint64

// Get returns the counter for id, or 0 if absent.
func (v VClock) Get(id string) uint64 {
	return v[id]
}

// Clone returns a deep copy.
func (v VClock) Clone() VClock {
	c := make(VClock, len(v))
	maps.Copy(c, v)
	return c
}

// Merge returns the component-wise maximum of v and other. v is not
// mutated.
func (v VClock) Merge(other VClock) VClock {
	merged := v.Clone()
	for id, cnt := range other {
		if cnt > merged[id] {
			merged[id] = cnt
		}
	}
	return merged
}

// Dominates reports whether v[id] >= c for every (id, c) in other. An empty
// other is dominated by any v, including an empty one.
func (v VClock) Dominates(other VClock) bool {
	for id, cnt := range other {
		if v[id] < cnt {
			return false
		}
	}
	return true
}

// Equal reports whether v and other have identical non-zero entries.
func (v VClock) Equal(other VClock) bool {
	for id, cnt := range v {
		if cnt != 0 && other[id] != cnt {
			return false
		}
	}
	for id, cnt := range other {
		if cnt != 0 && v[id] != cnt {
			return false
		}
	}
	return true
}

// MaximalEntry is one entry of a causally-maximal-set snapshot: the
// replica id and the counter value that was maximal at snapshot time.
type MaximalEntry struct {
	ReplicaID string
	Counter   uint64
}

// maximalSet tracks the subset of VClock keys whose entries are not
// dominated by any other entry recorded so far. In this implementation the
// maximal set is always the full VClock (every transaction we deliver
// strictly advances exactly one replica's counter, and causal dependencies
// are resolved transitively through VClock dominance), so computing it is
// just a snapshot of the clock. It is kept as a distinct type so callers
// don't confuse "the current clock" with "the dependency metadata attached
// to one outgoing message".
type maximalSet = VClock

// snapshotMaximal copies vc into a maximal-set snapshot suitable for
// attaching to an outgoing transaction.
func snapshotMaximal(vc VClock) maximalSet {
	return vc.Clone()
}
