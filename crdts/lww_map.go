package crdts

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/wire"
)

// LWWMap is a map from string keys to last-writer-wins values (spec.md
// §4.7): every key is backed by its own LWWRegister child, created lazily
// the first time it is referenced locally or remotely (spec.md §4.3's
// "instantiating lazy children as needed"). A key that has never been Set
// reads back as absent even though its LWWRegister may already exist (for
// instance because a sibling operation addressed it first); Has reports
// the register's own isSet bit, not mere existence in the children map.
type LWWMap struct {
	collab.Node
	mu       sync.RWMutex
	children map[string]*LWWRegister
}

// NewLWWMap constructs an LWWMap as a container child.
func NewLWWMap(n *collab.Node) collab.Collab {
	return &LWWMap{Node: *n, children: make(map[string]*LWWRegister)}
}

// child returns (creating if necessary) the LWWRegister backing key.
func (m *LWWMap) child(key string) *LWWRegister {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.children[key]; ok {
		return c
	}
	n := &collab.Node{}
	n.Init(key, m, m.Runtime())
	c := &LWWRegister{Node: *n}
	m.children[key] = c
	return c
}

// Set assigns value at key.
func (m *LWWMap) Set(key string, value []byte) error {
	return m.Runtime().WithAutoTransaction(func() error {
		return m.child(key).Set(value)
	})
}

// Get returns key's value and whether it has ever been set.
func (m *LWWMap) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	c, ok := m.children[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.Get()
}

// Has reports whether key currently has a value.
func (m *LWWMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns every key with a currently-set value, sorted for
// deterministic iteration.
func (m *LWWMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, c := range m.children {
		if _, ok := c.Get(); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *LWWMap) ResolveChild(seg wire.Segment) (any, error) {
	if seg.IsBytes {
		return nil, fmt.Errorf("%w: LWWMap keys are strings, got a bytes segment", collab.ErrMalformed)
	}
	return m.child(seg.Name), nil
}

func (m *LWWMap) Children() []wire.Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	segs := make([]wire.Segment, 0, len(m.children))
	for k := range m.children {
		segs = append(segs, wire.StringSegment(k))
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Name < segs[j].Name })
	return segs
}

// ReceiveLocal is never addressed directly: every fragment targeting this
// map resolves one more segment down to a key's LWWRegister.
func (m *LWWMap) ReceiveLocal(payload []byte, meta wire.Meta) error {
	return fmt.Errorf("%w: LWWMap received a fragment addressed to itself, not a key", collab.ErrMalformed)
}

func (m *LWWMap) SavePayload() ([]byte, error) { return nil, nil }
func (m *LWWMap) LoadPayload(data []byte) error { return nil }

func (m *LWWMap) CanGC() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.children {
		if !c.CanGC() {
			return false
		}
	}
	return true
}
