package crdts

import (
	"fmt"
	"sort"
	"sync"
	"weak"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/wire"
	"golang.org/x/sync/singleflight"
)

// LazyMap is the lazy map of spec.md §4.7: keys are conceptually always
// present, and each value is a child Collab built on demand by ctor. A
// key is reported present iff its value's CanGC() is false. Deletion is
// unsupported (there is nothing to delete — absence is just "never
// diverged from a fresh instance").
//
// Backing storage mirrors the spec's strong/weak split using the
// standard library's own weak references (the "weak" package, Go 1.24):
// non-trivial children (CanGC() == false) live in a strong map so they
// survive and get saved; trivial ones are downgraded to a weak.Pointer so
// the runtime is free to reclaim them, matching "a key that's still at
// its zero value costs nothing to keep around". singleflight dedupes
// concurrent first-touches of the same key so Gets that are in flight
// together share one ctor call (SPEC_FULL.md §B); a trivial child whose
// weak pointer has been reclaimed is built again by ctor on its next Get.
type LazyMap struct {
	collab.Node
	ctor func(*collab.Node) collab.Collab

	mu     sync.Mutex
	strong map[string]collab.Collab
	weak   map[string]weak.Pointer[collab.Collab]
	group  singleflight.Group
}

// NewLazyMap builds a constructor for RegisterChild/ResolveChild: ctor
// constructs a fresh, untouched value Collab for a key the first time
// it's referenced.
func NewLazyMap(ctor func(*collab.Node) collab.Collab) func(*collab.Node) collab.Collab {
	return func(n *collab.Node) collab.Collab {
		return &LazyMap{
			Node:   *n,
			ctor:   ctor,
			strong: make(map[string]collab.Collab),
			weak:   make(map[string]weak.Pointer[collab.Collab]),
		}
	}
}

// Get returns (creating if necessary) the child Collab at key.
func (m *LazyMap) Get(key string) collab.Collab {
	m.mu.Lock()
	if c, ok := m.strong[key]; ok {
		m.mu.Unlock()
		return c
	}
	if wp, ok := m.weak[key]; ok {
		if p := wp.Value(); p != nil {
			m.mu.Unlock()
			return *p
		}
		delete(m.weak, key)
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		if c, ok := m.strong[key]; ok {
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		n := &collab.Node{}
		n.Init(key, m, m.Runtime())
		c := m.ctor(n)
		m.classify(key, c)
		return c, nil
	})
	return v.(collab.Collab)
}

// Has reports whether key's value has diverged from a fresh instance.
func (m *LazyMap) Has(key string) bool {
	return !m.Get(key).CanGC()
}

// classify stores c under key in the strong map (CanGC()==false) or the
// weak map (CanGC()==true). Must be called without m.mu held.
func (m *LazyMap) classify(key string, c collab.Collab) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strong, key)
	delete(m.weak, key)
	if c.CanGC() {
		ptr := &c
		m.weak[key] = weak.Make(ptr)
	} else {
		m.strong[key] = c
	}
}

// reclassify re-evaluates key's bucket after an operation may have
// changed its CanGC status (a receive, a load, or a local mutation).
func (m *LazyMap) reclassify(key string, c collab.Collab) {
	m.classify(key, c)
}

func (m *LazyMap) ResolveChild(seg wire.Segment) (any, error) {
	if seg.IsBytes {
		return nil, fmt.Errorf("%w: LazyMap keys are strings, got a bytes segment", collab.ErrMalformed)
	}
	c := m.Get(seg.Name)
	return &lazyMapChild{Collab: c, owner: m, key: seg.Name}, nil
}

func (m *LazyMap) Children() []wire.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs := make([]wire.Segment, 0, len(m.strong))
	for k := range m.strong {
		segs = append(segs, wire.StringSegment(k))
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Name < segs[j].Name })
	return segs
}

func (m *LazyMap) ReceiveLocal(payload []byte, meta wire.Meta) error {
	return fmt.Errorf("%w: LazyMap received a fragment addressed to itself, not a key", collab.ErrMalformed)
}

// lazyMapChild wraps a child Get/ResolveChild hands back to the runtime so
// a receive or load routed through it re-evaluates which bucket the child
// belongs in afterward. One level deep only: a grandchild's own mutations
// are reclassified by its own lazyMapChild if it too came from a LazyMap,
// not by this wrapper.
type lazyMapChild struct {
	collab.Collab
	owner *LazyMap
	key   string
}

func (c *lazyMapChild) ReceiveLocal(payload []byte, meta wire.Meta) error {
	err := c.Collab.ReceiveLocal(payload, meta)
	c.owner.reclassify(c.key, c.Collab)
	return err
}

func (c *lazyMapChild) LoadPayload(data []byte) error {
	err := c.Collab.LoadPayload(data)
	c.owner.reclassify(c.key, c.Collab)
	return err
}

func (c *lazyMapChild) ResolveChild(seg wire.Segment) (any, error) {
	container, ok := c.Collab.(collab.Container)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a container", collab.ErrMalformed, c.Collab)
	}
	return container.ResolveChild(seg)
}

func (c *lazyMapChild) Children() []wire.Segment {
	if container, ok := c.Collab.(collab.Container); ok {
		return container.Children()
	}
	return nil
}

func (m *LazyMap) SavePayload() ([]byte, error) { return nil, nil }
func (m *LazyMap) LoadPayload(data []byte) error { return nil }

func (m *LazyMap) CanGC() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.strong) == 0
}
