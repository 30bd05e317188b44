package crdts

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/indexedlist"
	"github.com/cshekharsharma/collabs/position"
	"github.com/cshekharsharma/collabs/wire"
)

// ListEntry is one (index, position, value) triple, spec.md §4.6's entries
// accessor.
type ListEntry struct {
	Index    int
	Position position.Position
	Value    []byte
}

// ValueList is spec.md §4.6's Value List: positions are allocated by a
// private position.Source and never conflict with each other, so the only
// thing concurrent inserts can disagree about is ordering — which the
// Source's total order resolves identically on every replica. Deletion
// clears a position's value and flips its presence bit; the position
// itself is never reused or removed (spec.md §3).
type ValueList struct {
	collab.Node
	mu     sync.RWMutex
	source *position.Source
	index  *indexedlist.OrderedIndex
	values map[position.Position][]byte
}

// NewValueList constructs a ValueList as a container child. Its Source is
// keyed by the owning runtime's replica id, matching every position this
// list's own inserts will ever allocate.
func NewValueList(n *collab.Node) collab.Collab {
	src := position.NewSource(n.Runtime().ReplicaID())
	return &ValueList{
		Node:   *n,
		source: src,
		index:  indexedlist.New(src),
		values: make(map[position.Position][]byte),
	}
}

// Length returns the number of present values.
func (l *ValueList) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Len()
}

// Get returns the value at index.
func (l *ValueList) Get(index int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, err := l.index.GetByIndex(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", collab.ErrMisuse, err)
	}
	return l.values[pos], nil
}

// GetPosition returns the stable position backing index.
func (l *ValueList) GetPosition(index int) (position.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, err := l.index.GetByIndex(index)
	if err != nil {
		return position.Position{}, fmt.Errorf("%w: %v", collab.ErrMisuse, err)
	}
	return pos, nil
}

// IndexOfPosition returns pos's present index, resolving a deleted
// position per dir (indexedlist.DirNone/DirLeft/DirRight).
func (l *ValueList) IndexOfPosition(pos position.Position, dir indexedlist.Dir) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.IndexOfPosition(pos, dir)
}

// Slice returns the present values in [start, end).
func (l *ValueList) Slice(start, end int) ([][]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start < 0 || end < start || end > l.index.Len() {
		return nil, fmt.Errorf("%w: slice [%d,%d) out of range [0,%d)", collab.ErrMisuse, start, end, l.index.Len())
	}
	out := make([][]byte, 0, end-start)
	for i := start; i < end; i++ {
		pos, err := l.index.GetByIndex(i)
		if err != nil {
			return nil, err
		}
		out = append(out, l.values[pos])
	}
	return out, nil
}

// Entries returns every present (index, position, value) triple in order.
func (l *ValueList) Entries() []ListEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	positions := l.index.Entries()
	out := make([]ListEntry, len(positions))
	for i, pos := range positions {
		out[i] = ListEntry{Index: i, Position: pos, Value: l.values[pos]}
	}
	return out
}

// Insert adds values starting at index, shifting present values at and
// after index to the right.
func (l *ValueList) Insert(index int, values ...[]byte) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: insert requires at least one value", collab.ErrMisuse)
	}
	return l.Runtime().WithAutoTransaction(func() error {
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
		counter, start, meta, err := l.source.CreatePositions(prev, uint64(len(values)))
		l.mu.Unlock()
		if err != nil {
			return err
		}
		return l.Send(encodeListInsert(counter, start, meta, values))
	})
}

// Delete removes count present values starting at index. Permanent: the
// underlying positions remain allocated but never again hold a value.
func (l *ValueList) Delete(index, count int) error {
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

const (
	listOpInsert byte = 0
	listOpDelete byte = 1
)

func (l *ValueList) ReceiveLocal(payload []byte, meta wire.Meta) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty ValueList payload", collab.ErrMalformed)
	}
	switch payload[0] {
	case listOpInsert:
		return l.applyInsert(payload[1:], meta)
	case listOpDelete:
		return l.applyDelete(payload[1:])
	default:
		return fmt.Errorf("%w: unknown ValueList op %d", collab.ErrMalformed, payload[0])
	}
}

func (l *ValueList) applyInsert(data []byte, meta wire.Meta) error {
	counter, start, pmeta, values, err := decodeListInsert(data, meta.Sender)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.source.ReceiveAndAddPositions(meta.Sender, counter, start, pmeta, uint64(len(values))); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	for i, v := range values {
		pos := position.Position{Sender: meta.Sender, Counter: counter, ValueIndex: start + uint64(i)}
		l.values[pos] = v
		if _, err := l.index.InsertAtPosition(pos); err != nil {
			return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
		}
	}
	return nil
}

func (l *ValueList) applyDelete(data []byte) error {
	positions, err := decodeListDelete(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range positions {
		delete(l.values, pos)
		if err := l.index.DeletePosition(pos); err != nil {
			return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
		}
	}
	return nil
}

func (l *ValueList) SavePayload() ([]byte, error) {
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
		buf = append(buf, encodePosition(pos)...)
		v := l.values[pos]
		vlen := make([]byte, 4)
		binary.BigEndian.PutUint32(vlen, uint32(len(v)))
		buf = append(buf, vlen...)
		buf = append(buf, v...)
	}
	return buf, nil
}

func (l *ValueList) LoadPayload(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: truncated ValueList save header", collab.ErrMalformed)
	}
	srcLen := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if len(data) < srcLen {
		return fmt.Errorf("%w: truncated ValueList source blob", collab.ErrMalformed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.source.Load(data[:srcLen]); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
	}
	data = data[srcLen:]

	if len(data) < 4 {
		return fmt.Errorf("%w: truncated ValueList entry count", collab.ErrMalformed)
	}
	count := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	for i := 0; i < count; i++ {
		pos, rest, err := decodePosition(data)
		if err != nil {
			return err
		}
		data = rest
		if len(data) < 4 {
			return fmt.Errorf("%w: truncated ValueList value length", collab.ErrMalformed)
		}
		vlen := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < vlen {
			return fmt.Errorf("%w: truncated ValueList value", collab.ErrMalformed)
		}
		v := append([]byte(nil), data[:vlen]...)
		data = data[vlen:]

		if _, ok := l.values[pos]; !ok {
			l.values[pos] = v
			if _, err := l.index.InsertAtPosition(pos); err != nil {
				return fmt.Errorf("%w: %v", collab.ErrMalformed, err)
			}
		}
	}
	return nil
}

func (l *ValueList) CanGC() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Len() == 0
}

func encodePosition(pos position.Position) []byte {
	buf := make([]byte, 2+len(pos.Sender)+16)
	binary.BigEndian.PutUint16(buf, uint16(len(pos.Sender)))
	copy(buf[2:], pos.Sender)
	binary.BigEndian.PutUint64(buf[2+len(pos.Sender):], pos.Counter)
	binary.BigEndian.PutUint64(buf[2+len(pos.Sender)+8:], pos.ValueIndex)
	return buf
}

func decodePosition(data []byte) (position.Position, []byte, error) {
	if len(data) < 2 {
		return position.Position{}, nil, fmt.Errorf("%w: truncated position header", collab.ErrMalformed)
	}
	senderLen := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < senderLen+16 {
		return position.Position{}, nil, fmt.Errorf("%w: truncated position body", collab.ErrMalformed)
	}
	sender := string(data[:senderLen])
	counter := binary.BigEndian.Uint64(data[senderLen:])
	valueIndex := binary.BigEndian.Uint64(data[senderLen+8:])
	return position.Position{Sender: sender, Counter: counter, ValueIndex: valueIndex}, data[senderLen+16:], nil
}

func encodeListInsert(counter, start uint64, meta *position.Meta, values [][]byte) []byte {
	buf := []byte{listOpInsert}
	if meta == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		parentSeg := make([]byte, 2+len(meta.ParentSender)+17)
		binary.BigEndian.PutUint16(parentSeg, uint16(len(meta.ParentSender)))
		copy(parentSeg[2:], meta.ParentSender)
		binary.BigEndian.PutUint64(parentSeg[2+len(meta.ParentSender):], meta.ParentCounter)
		binary.BigEndian.PutUint64(parentSeg[2+len(meta.ParentSender)+8:], meta.ParentValueIndex)
		if meta.IsRight {
			parentSeg[2+len(meta.ParentSender)+16] = 1
		}
		buf = append(buf, parentSeg...)
	}

	rest := make([]byte, 16+4)
	binary.BigEndian.PutUint64(rest, counter)
	binary.BigEndian.PutUint64(rest[8:], start)
	binary.BigEndian.PutUint32(rest[16:], uint32(len(values)))
	buf = append(buf, rest...)

	for _, v := range values {
		vlen := make([]byte, 4)
		binary.BigEndian.PutUint32(vlen, uint32(len(v)))
		buf = append(buf, vlen...)
		buf = append(buf, v...)
	}
	return buf
}

func decodeListInsert(data []byte, sender string) (counter, start uint64, meta *position.Meta, values [][]byte, err error) {
	if len(data) < 1 {
		return 0, 0, nil, nil, fmt.Errorf("%w: truncated insert payload", collab.ErrMalformed)
	}
	hasMeta := data[0] == 1
	data = data[1:]

	if hasMeta {
		if len(data) < 2 {
			return 0, 0, nil, nil, fmt.Errorf("%w: truncated insert meta header", collab.ErrMalformed)
		}
		parentSenderLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < parentSenderLen+17 {
			return 0, 0, nil, nil, fmt.Errorf("%w: truncated insert meta body", collab.ErrMalformed)
		}
		parentSender := string(data[:parentSenderLen])
		parentCounter := binary.BigEndian.Uint64(data[parentSenderLen:])
		parentValueIndex := binary.BigEndian.Uint64(data[parentSenderLen+8:])
		isRight := data[parentSenderLen+16] == 1
		data = data[parentSenderLen+17:]
		meta = &position.Meta{
			ParentSender:     parentSender,
			ParentCounter:    parentCounter,
			ParentValueIndex: parentValueIndex,
			IsRight:          isRight,
		}
	}

	if len(data) < 20 {
		return 0, 0, nil, nil, fmt.Errorf("%w: truncated insert counter/start/count", collab.ErrMalformed)
	}
	counter = binary.BigEndian.Uint64(data)
	start = binary.BigEndian.Uint64(data[8:])
	count := int(binary.BigEndian.Uint32(data[16:]))
	data = data[20:]

	if meta != nil {
		meta.Sender = sender
		meta.Counter = counter
	}

	values = make([][]byte, count)
	for i := 0; i < count; i++ {
		if len(data) < 4 {
			return 0, 0, nil, nil, fmt.Errorf("%w: truncated insert value length", collab.ErrMalformed)
		}
		vlen := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < vlen {
			return 0, 0, nil, nil, fmt.Errorf("%w: truncated insert value", collab.ErrMalformed)
		}
		values[i] = append([]byte(nil), data[:vlen]...)
		data = data[vlen:]
	}
	return counter, start, meta, values, nil
}

func encodeListDelete(positions []position.Position) []byte {
	buf := []byte{listOpDelete}
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(positions)))
	buf = append(buf, count...)
	for _, pos := range positions {
		buf = append(buf, encodePosition(pos)...)
	}
	return buf
}

func decodeListDelete(data []byte) ([]position.Position, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated delete payload", collab.ErrMalformed)
	}
	count := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	out := make([]position.Position, count)
	for i := 0; i < count; i++ {
		pos, rest, err := decodePosition(data)
		if err != nil {
			return nil, err
		}
		out[i] = pos
		data = rest
	}
	return out, nil
}
