package crdts

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/wire"
)

// LWWRegister is a last-writer-wins register (spec.md §4.7): Set
// overwrites unconditionally, but convergence relies on every replica
// applying the same tie-break over (Lamport, senderID) rather than wall
// clocks, since wall clocks aren't ordered across replicas.
type LWWRegister struct {
	collab.Node
	mu      sync.RWMutex
	value   []byte
	lamport uint64
	sender  string
	isSet   bool
}

// NewLWWRegister constructs an LWWRegister as a container child.
func NewLWWRegister(n *collab.Node) collab.Collab {
	return &LWWRegister{Node: *n}
}

// Set assigns value, to be applied wherever it lands in Lamport order.
func (r *LWWRegister) Set(value []byte) error {
	return r.Runtime().WithAutoTransaction(func() error {
		return r.Send(value)
	})
}

// Get returns the current value and whether one has ever been set.
func (r *LWWRegister) Get() ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.isSet
}

func (r *LWWRegister) ReceiveLocal(payload []byte, meta wire.Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wins(meta.Lamport, meta.Sender) {
		r.value = payload
		r.lamport = meta.Lamport
		r.sender = meta.Sender
		r.isSet = true
	}
	return nil
}

// wins must be called with mu held.
func (r *LWWRegister) wins(lamport uint64, sender string) bool {
	if !r.isSet {
		return true
	}
	if lamport != r.lamport {
		return lamport > r.lamport
	}
	return sender > r.sender
}

func (r *LWWRegister) SavePayload() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isSet {
		return nil, nil
	}
	head := make([]byte, 10+len(r.sender))
	binary.BigEndian.PutUint64(head, r.lamport)
	binary.BigEndian.PutUint16(head[8:], uint16(len(r.sender)))
	copy(head[10:], r.sender)
	return append(head, r.value...), nil
}

func (r *LWWRegister) LoadPayload(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) < 10 {
		return fmt.Errorf("%w: truncated LWWRegister save", collab.ErrMalformed)
	}
	lamport := binary.BigEndian.Uint64(data)
	senderLen := int(binary.BigEndian.Uint16(data[8:]))
	if len(data) < 10+senderLen {
		return fmt.Errorf("%w: truncated LWWRegister sender", collab.ErrMalformed)
	}
	sender := string(data[10 : 10+senderLen])
	value := data[10+senderLen:]

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wins(lamport, sender) {
		r.value = value
		r.lamport = lamport
		r.sender = sender
		r.isSet = true
	}
	return nil
}

func (r *LWWRegister) CanGC() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.isSet
}

// mvEntry is one surviving write in an MVRegister: a concurrent write
// that no other write causally dominates. counter is that write's own
// transaction counter (sender, counter) — the identity later writes'
// Maximal sets are checked against to decide whether this entry has been
// superseded.
type mvEntry struct {
	value   []byte
	sender  string
	counter uint64
	lamport uint64
}

// MVRegister is a multi-value register (spec.md §4.7): concurrent
// conflicting writes are all retained; a write supersedes exactly the
// entries its sender had already observed when it was made. "Observed"
// is read directly off the transaction's Maximal set (the same
// full vector-clock snapshot causal.Buffer attaches to every
// transaction, spec.md §3): an existing entry is evicted when the new
// write's Maximal records a counter for that entry's sender at least as
// high as the entry's own counter. Two writers who haven't seen each
// other's update each leave the other's entry untouched, so both survive
// until a later write (made after both were delivered) observes and
// replaces them both.
type MVRegister struct {
	collab.Node
	mu      sync.RWMutex
	entries []mvEntry
}

// NewMVRegister constructs an MVRegister as a container child.
func NewMVRegister(n *collab.Node) collab.Collab {
	return &MVRegister{Node: *n}
}

func (m *MVRegister) Set(value []byte) error {
	return m.Runtime().WithAutoTransaction(func() error {
		return m.Send(value)
	})
}

// Values returns every currently-surviving concurrent value, in an
// unspecified but stable order (sorted by (lamport, sender) for
// determinism across replicas).
func (m *MVRegister) Values() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.value
	}
	return out
}

func (m *MVRegister) ReceiveLocal(payload []byte, meta wire.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var surviving []mvEntry
	for _, e := range m.entries {
		if observed, ok := meta.Maximal[e.sender]; ok && observed >= e.counter {
			continue // this write's sender already saw e; e is superseded
		}
		surviving = append(surviving, e)
	}
	m.entries = insertEntrySorted(surviving, mvEntry{
		value:   payload,
		sender:  meta.Sender,
		counter: meta.Counter,
		lamport: meta.Lamport,
	})
	return nil
}

func insertEntrySorted(entries []mvEntry, e mvEntry) []mvEntry {
	i := 0
	for i < len(entries) {
		if entries[i].lamport > e.lamport || (entries[i].lamport == e.lamport && entries[i].sender > e.sender) {
			break
		}
		i++
	}
	out := make([]mvEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, e)
	out = append(out, entries[i:]...)
	return out
}

func (m *MVRegister) SavePayload() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var buf []byte
	for _, e := range m.entries {
		head := make([]byte, 8+8+2+len(e.sender)+4)
		binary.BigEndian.PutUint64(head, e.lamport)
		binary.BigEndian.PutUint64(head[8:], e.counter)
		binary.BigEndian.PutUint16(head[16:], uint16(len(e.sender)))
		copy(head[18:], e.sender)
		binary.BigEndian.PutUint32(head[18+len(e.sender):], uint32(len(e.value)))
		buf = append(buf, head...)
		buf = append(buf, e.value...)
	}
	return buf, nil
}

func (m *MVRegister) LoadPayload(data []byte) error {
	var entries []mvEntry
	for len(data) > 0 {
		if len(data) < 18 {
			return fmt.Errorf("%w: truncated MVRegister entry header", collab.ErrMalformed)
		}
		lamport := binary.BigEndian.Uint64(data)
		counter := binary.BigEndian.Uint64(data[8:])
		senderLen := int(binary.BigEndian.Uint16(data[16:]))
		if len(data) < 18+senderLen+4 {
			return fmt.Errorf("%w: truncated MVRegister sender/length", collab.ErrMalformed)
		}
		sender := string(data[18 : 18+senderLen])
		valueLen := int(binary.BigEndian.Uint32(data[18+senderLen:]))
		data = data[18+senderLen+4:]
		if len(data) < valueLen {
			return fmt.Errorf("%w: truncated MVRegister value", collab.ErrMalformed)
		}
		entries = insertEntrySorted(entries, mvEntry{value: data[:valueLen], lamport: lamport, counter: counter, sender: sender})
		data = data[valueLen:]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	merged := m.entries
	for _, e := range entries {
		dup := false
		for _, existing := range merged {
			if existing.sender == e.sender && existing.counter == e.counter {
				dup = true
				break
			}
		}
		if !dup {
			merged = insertEntrySorted(merged, e)
		}
	}
	m.entries = merged
	return nil
}

func (m *MVRegister) CanGC() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) == 0
}
