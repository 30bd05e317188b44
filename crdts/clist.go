package crdts

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/indexedlist"
	"github.com/cshekharsharma/collabs/position"
	"github.com/cshekharsharma/collabs/wire"
)

// clistEntry is one CList element. id (its creation position) is a
// permanent identity; currentPos is the position it currently occupies in
// the visible order and changes under Move, the same delete-old/
// insert-new-position discipline a position.Source already uses for
// ValueList, specialized so the value Collab itself keeps its identity
// across a move (spec.md §4.6: "move: value retains identity").
type clistEntry struct {
	value       collab.Collab
	currentPos  position.Position
	archived    bool
	archLamport uint64
	archSender  string
}

// CList is spec.md §4.6's mutable list of Collab values: insert creates a
// fresh child of the caller-supplied kind, delete permanently removes an
// element (eligible for GC), archive/restore reversibly toggles
// visibility without losing the element's state, and move relocates an
// element without creating a new identity. All elements share one Collab
// kind (the ctor passed to NewCList), the same one-ctor-per-container
// shape lazy_map.go already uses for its children.
type CList struct {
	collab.Node
	mu      sync.RWMutex
	ctor    func(*collab.Node) collab.Collab
	source  *position.Source
	index   *indexedlist.OrderedIndex
	posToID map[position.Position]position.Position
	entries map[position.Position]*clistEntry
}

// NewCList returns a constructor for a CList whose elements are all built
// via ctor, for use with Runtime.RegisterChild or as a LazyMap/CSet value
// type.
func NewCList(ctor func(*collab.Node) collab.Collab) func(*collab.Node) collab.Collab {
	return func(n *collab.Node) collab.Collab {
		src := position.NewSource(n.Runtime().ReplicaID())
		return &CList{
			Node:    *n,
			ctor:    ctor,
			source:  src,
			index:   indexedlist.New(src),
			posToID: make(map[position.Position]position.Position),
			entries: make(map[position.Position]*clistEntry),
		}
	}
}

// Length returns the number of present (including archived) elements.
func (l *CList) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Len()
}

// Get returns the element at index and whether it is currently archived.
func (l *CList) Get(index int) (collab.Collab, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, err := l.index.GetByIndex(index)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", collab.ErrMisuse, err)
	}
	id := l.posToID[pos]
	e := l.entries[id]
	return e.value, e.archived, nil
}

const (
	clistOpInsert  byte = 0
	clistOpDelete  byte = 1
	clistOpMove    byte = 2
	clistOpArchive byte = 3
	clistOpRestore byte = 4
)

// Insert creates one new element at index and returns it.
func (l *CList) Insert(index int) (collab.Collab, error) {
	var created collab.Collab
	err := l.Runtime().WithAutoTransaction(func() error {
		l.mu.Lock()
		if index < 0 || index > l.index.Len() {
			l.mu.Unlock()
			return fmt.Errorf("%w: insert index %d out of range [0,%d]", collab.ErrMisuse, index, l.index.Len())
		}
		var prev *position.Position
		if index > 0 {
			p, err := l.index.GetByIndex(index - 1)
			if err != nil {
				l.mu.Unlock()
				return err
			}
			prev = &p
		}
		counter, start, meta, err := l.source.CreatePositions(prev, 1)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		if err := l.Send(encodeListInsert(counter, start, meta, nil)); err != nil {
			return err
		}
		id := position.Position{Sender: l.Runtime().ReplicaID(), Counter: counter, ValueIndex: start}
		l.mu.RLock()
		e := l.entries[id]
		l.mu.RUnlock()
		if e != nil {
			created = e.value
		}
		return nil
	})
	return created, err
}

// Delete permanently removes count elements starting at index.
func (l *CList) Delete(index, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: delete count must be > 0", collab.ErrMisuse)
	}
	return l.Runtime().WithAutoTransaction(func() error {
		l.mu.RLock()
		if index < 0 || index+count > l.index.Len() {
			l.mu.RUnlock()
			return fmt.Errorf("%w: delete range [%d,%d) out of range [0,%d)", collab.ErrMisuse, index, index+count, l.index.Len())
		}
		positions := make([]position.Position, count)
		for i := 0; i < count; i++ {
			p, err := l.index.GetByIndex(index + i)
			if err != nil {
				l.mu.RUnlock()
				return err
			}
			positions[i] = p
		}
		l.mu.RUnlock()
		return l.Send(encodeListDelete(positions))
	})
}

// Move relocates the element at from so it lands at to in the post-move
// order (to measured in the list with the element already removed, same
// convention as slice.insert), retaining its identity and state.
func (l *CList) Move(from, to int) error {
	return l.Runtime().WithAutoTransaction(func() error {
		l.mu.Lock()
		if from < 0 || from >= l.index.Len() {
			l.mu.Unlock()
			return fmt.Errorf("%w: move source %d out of range", collab.ErrMisuse, from)
		}
		if to < 0 || to > l.index.Len()-1 {
			l.mu.Unlock()
			return fmt.Errorf("%w: move destination %d out of range", collab.ErrMisuse, to)
		}
		oldPos, err := l.index.GetByIndex(from)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		id := l.posToID[oldPos]

		// Resolve the destination's "prev" in terms of the list with the
		// moving element already removed.
		remaining := make([]position.Position, 0, l.index.Len()-1)
		for i := 0; i < l.index.Len(); i++ {
			p, _ := l.index.GetByIndex(i)
			if p != oldPos {
				remaining = append(remaining, p)
			}
		}
		var prev *position.Position
		if to > 0 {
			prev = &remaining[to-1]
		}
		counter, start, meta, err := l.source.CreatePositions(prev, 1)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		return l.Send(encodeMove(id, counter, start, meta))
	})
}

// SetArchived archives or restores count elements starting at index.
func (l *CList) SetArchived(index, count int, archived bool) error {
	if count <= 0 {
		return fmt.Errorf("%w: count must be > 0", collab.ErrMisuse)
	}
	return l.Runtime().WithAutoTransaction(func() error {
		l.mu.RLock()
		if index < 0 || index+count > l.index.Len() {
			l.mu.RUnlock()
			return fmt.Errorf("%w: range [%d,%d) out of range [0,%d)", collab.ErrMisuse, index, index+count, l.index.Len())
		}
		ids := make([]position.Position, count)
		for i := 0; i < count; i++ {
			p, err := l.index.GetByIndex(index + i)
			if err != nil {
				l.mu.RUnlock()
				return err
			}
			ids[i] = l.posToID[p]
		}
		l.mu.RUnlock()

		op := clistOpRestore
		if archived {
			op = clistOpArchive
		}
		for _, id := range ids {
			if err := l.Send(append([]byte{op}, encodePosition(id)...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *CList) ReceiveLocal(payload []byte, meta wire.Meta) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty CList payload", collab.ErrMalformed)
	}
	switch payload[0] {
	case clistOpInsert:
		return l.applyInsert(payload[1:], meta)
	case clistOpDelete:
		return l.applyDelete(payload[1:])
	case clistOpMove:
		return l.applyMove(payload[1:], meta)
	case clistOpArchive:
		return l.applyArchiveFlag(payload[1:], meta, true)
	case clistOpRestore:
		return l.applyArchiveFlag(payload[1:], meta, false)
	default:
		return fmt.Errorf("%w: unknown CList op %d", collab.ErrMalformed, payload[0])
	}
}

func (l *CList) applyInsert(data []byte, meta wire.Meta) error {
	counter, start, pmeta, _, err := decodeListInsert(data, meta.Sender)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.source.ReceiveAndAddPositions(meta.Sender, counter, start, pmeta, 1); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	id := position.Position{Sender: meta.Sender, Counter: counter, ValueIndex: start}
	if _, exists := l.entries[id]; exists {
		return nil
	}
	childNode := &collab.Node{}
	childNode.Init(segmentNameFor(id), l, l.Runtime())
	l.entries[id] = &clistEntry{value: l.ctor(childNode), currentPos: id}
	l.posToID[id] = id
	if _, err := l.index.InsertAtPosition(id); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	return nil
}

func (l *CList) applyDelete(data []byte) error {
	positions, err := decodeListDelete(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range positions {
		id := l.posToID[pos]
		delete(l.entries, id)
		delete(l.posToID, pos)
		if err := l.index.DeletePosition(pos); err != nil {
			return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
		}
	}
	return nil
}

func (l *CList) applyMove(data []byte, meta wire.Meta) error {
	id, rest, err := decodePosition(data)
	if err != nil {
		return err
	}
	counter, start, pmeta, _, err := decodeListInsert(rest, meta.Sender)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.source.ReceiveAndAddPositions(meta.Sender, counter, start, pmeta, 1); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	newPos := position.Position{Sender: meta.Sender, Counter: counter, ValueIndex: start}

	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("%w: move references unknown element", collab.ErrMalformed)
	}
	if err := l.index.DeletePosition(e.currentPos); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	delete(l.posToID, e.currentPos)
	if _, err := l.index.InsertAtPosition(newPos); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	l.posToID[newPos] = id
	e.currentPos = newPos
	return nil
}

func (l *CList) applyArchiveFlag(data []byte, meta wire.Meta, archived bool) error {
	id, _, err := decodePosition(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("%w: archive flag references unknown element", collab.ErrMalformed)
	}
	if !lamportSenderWins(meta.Lamport, meta.Sender, e.archLamport, e.archSender) {
		return nil
	}
	e.archived = archived
	e.archLamport = meta.Lamport
	e.archSender = meta.Sender
	return nil
}

func encodeMove(id position.Position, counter, start uint64, meta *position.Meta) []byte {
	buf := []byte{clistOpMove}
	buf = append(buf, encodePosition(id)...)
	buf = append(buf, encodeListInsert(counter, start, meta, nil)[1:]...)
	return buf
}

func segmentNameFor(id position.Position) string {
	return fmt.Sprintf("%s/%d/%d", id.Sender, id.Counter, id.ValueIndex)
}

func (l *CList) ResolveChild(seg wire.Segment) (any, error) {
	if !seg.IsBytes {
		// An element's own Send addresses it by its Node name
		// (segmentNameFor), not by its byte key.
		l.mu.RLock()
		defer l.mu.RUnlock()
		for id, e := range l.entries {
			if segmentNameFor(id) == seg.Name {
				return e.value, nil
			}
		}
		return nil, fmt.Errorf("%w: CList has no element %q", collab.ErrMalformed, seg.Name)
	}
	id, _, err := decodePosition(seg.Bytes)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: CList has no element %v", collab.ErrMalformed, id)
	}
	return e.value, nil
}

func (l *CList) Children() []wire.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]position.Position, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		c, _ := l.source.Compare(ids[i], ids[j])
		return c < 0
	})
	segs := make([]wire.Segment, len(ids))
	for i, id := range ids {
		segs[i] = wire.BytesSegment(encodePosition(id))
	}
	return segs
}

func (l *CList) SavePayload() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	srcBlob, err := l.source.Save()
	if err != nil {
		return nil, err
	}
	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, uint32(len(srcBlob)))
	buf := append(head, srcBlob...)

	entries := l.index.Entries()
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(entries)))
	buf = append(buf, countBuf...)
	for _, pos := range entries {
		id := l.posToID[pos]
		e := l.entries[id]
		buf = append(buf, encodePosition(pos)...)
		buf = append(buf, encodePosition(id)...)
		if e.archived {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		lamport := make([]byte, 8)
		binary.BigEndian.PutUint64(lamport, e.archLamport)
		buf = append(buf, lamport...)
	}
	return buf, nil
}

func (l *CList) LoadPayload(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: truncated CList save header", collab.ErrMalformed)
	}
	srcLen := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if len(data) < srcLen {
		return fmt.Errorf("%w: truncated CList source blob", collab.ErrMalformed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.source.Load(data[:srcLen]); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	data = data[srcLen:]

	if len(data) < 4 {
		return fmt.Errorf("%w: truncated CList entry count", collab.ErrMalformed)
	}
	count := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	for i := 0; i < count; i++ {
		pos, rest, err := decodePosition(data)
		if err != nil {
			return err
		}
		data = rest
		id, rest2, err := decodePosition(data)
		if err != nil {
			return err
		}
		data = rest2
		if len(data) < 9 {
			return fmt.Errorf("%w: truncated CList entry flags", collab.ErrMalformed)
		}
		archived := data[0] == 1
		lamport := binary.BigEndian.Uint64(data[1:])
		data = data[9:]

		if _, ok := l.entries[id]; ok {
			continue
		}
		childNode := &collab.Node{}
		childNode.Init(segmentNameFor(id), l, l.Runtime())
		l.entries[id] = &clistEntry{value: l.ctor(childNode), currentPos: pos, archived: archived, archLamport: lamport}
		l.posToID[pos] = id
		if _, err := l.index.InsertAtPosition(pos); err != nil {
			return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
		}
	}
	return nil
}

func (l *CList) CanGC() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries) == 0
}

var _ collab.Container = (*CList)(nil)
