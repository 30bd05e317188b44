package collab

import (
	"fmt"

	"github.com/cshekharsharma/collabs/wire"
)

// Collab is a node in the document tree (spec.md §3, §4.3). Every
// concrete CRDT in crdts/ implements this by embedding *Node and
// providing ReceiveLocal/SavePayload/LoadPayload/CanGC.
type Collab interface {
	// Name returns this Collab's name among its siblings.
	Name() string
	// ReceiveLocal applies one fragment addressed exactly to this Collab
	// (the path has already been fully consumed by the tree walk).
	ReceiveLocal(payload []byte, meta wire.Meta) error
	// SavePayload returns this Collab's own opaque state, excluding any
	// children (those are walked separately by the runtime).
	SavePayload() ([]byte, error)
	// LoadPayload restores state previously returned by SavePayload.
	LoadPayload(data []byte) error
	// CanGC reports whether this Collab's state is indistinguishable from
	// a freshly constructed instance, making it eligible for eviction by
	// a container parent (spec.md §4.3).
	CanGC() bool
}

// Container is implemented by Collabs that route fragments to
// dynamically named or keyed children (the Runtime, as the tree root,
// keeps its own registered roots and does not implement it): CList,
// LazyMap, CSet, RichText (routing to its Text and SpanLog children).
type Container interface {
	Collab
	// ResolveChild returns the child addressed by seg, instantiating it
	// lazily if the container supports that (spec.md §4.3's "instantiating
	// lazy children as needed").
	ResolveChild(seg wire.Segment) (any, error)
	// Children enumerates this container's current children for save/gc
	// walks. Keys with IsBytes set use opaque byte identity; others are
	// plain names.
	Children() []wire.Segment
}

// Node is embedded by every concrete Collab to provide the shared parent
// link, name, and upward Send path (spec.md §4.3's child_send hook).
// Mirrors the parent-pointer-plus-owned-children shape the teacher uses
// for RGA's tree of nodes, generalized from a value tree to a Collab
// tree.
type Node struct {
	name    string
	parent  upstream
	runtime *Runtime
}

// upstream is implemented by both *Node (non-root Collabs) and *Runtime
// (the tree root), so Send can walk all the way up without special-casing
// the last hop.
type upstream interface {
	forward(path []wire.Segment, payload []byte) error
}

// Init attaches this Node to its parent and runtime. Must be called
// exactly once, before the Collab is reachable from any tree operation —
// normally from the container's child constructor.
func (n *Node) Init(name string, parent upstream, rt *Runtime) {
	n.name = name
	n.parent = parent
	n.runtime = rt
}

// Name implements Collab.
func (n *Node) Name() string { return n.name }

// Runtime returns the owning Runtime.
func (n *Node) Runtime() *Runtime { return n.runtime }

// Send composes a single-segment fragment naming this Collab and routes
// it upward, each ancestor prepending its own segment (spec.md §2 step 2,
// §4.3's child_send). The segment defaults to this Collab's name; callers
// addressing a dynamic child use SendFrom instead.
func (n *Node) Send(payload []byte) error {
	return n.parent.forward([]wire.Segment{wire.StringSegment(n.name)}, payload)
}

// forward implements upstream for non-root Collabs: it prepends this
// node's own segment and continues toward the runtime.
func (n *Node) forward(path []wire.Segment, payload []byte) error {
	full := append([]wire.Segment{wire.StringSegment(n.name)}, path...)
	return n.parent.forward(full, payload)
}

// SendFrom lets a container Collab (CList, LazyMap, CSet) send a fragment
// on behalf of a dynamically-keyed child: childSeg addresses the child
// within this container, and the container's own name is prepended as
// usual.
func (n *Node) SendFrom(childSeg wire.Segment, payload []byte) error {
	return n.parent.forward([]wire.Segment{wire.StringSegment(n.name), childSeg}, payload)
}

// ResolveNamePath walks from any Container to a descendant, given the
// sequence of segments separating them — the Node-side half of spec.md
// §4.3's descendant resolution, supplementing the spec's root-only
// ResolveNamePath with one usable from an arbitrary interior Collab
// (SPEC_FULL.md §C.1).
func ResolveNamePath(from Container, path []wire.Segment) (Collab, error) {
	cur := any(from)
	for i, seg := range path {
		container, ok := cur.(Container)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a container, cannot resolve further segments", ErrMisuse, describeCollab(cur))
		}
		child, err := container.ResolveChild(seg)
		if err != nil {
			return nil, err
		}
		if i == len(path)-1 {
			c, ok := child.(Collab)
			if !ok {
				return nil, fmt.Errorf("%w: resolved child is not a Collab", ErrMalformed)
			}
			return c, nil
		}
		cur = child
	}
	c, ok := cur.(Collab)
	if !ok {
		return nil, fmt.Errorf("%w: empty path did not resolve to a Collab", ErrMisuse)
	}
	return c, nil
}

func describeCollab(c any) string {
	if named, ok := c.(Collab); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", c)
}
