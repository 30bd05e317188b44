package crdts

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/position"
	"github.com/cshekharsharma/collabs/wire"
)

// csetEntry is one CSet member. id is permanent once allocated (spec.md
// §4.6: "elements expose a stable internal ID derived from (sender,
// senderCounter)"); deleted removes it entirely, while archived only
// hides it reversibly.
type csetEntry struct {
	value        collab.Collab
	archived     bool
	archLamport  uint64
	archSender   string
	resetLamport uint64
	resetSender  string
}

// CSet is spec.md §4.6's mutable set: Add creates a fresh member of the
// caller-supplied kind, Delete removes one permanently (GC-eligible),
// Archive/Restore reversibly hides or reveals one without losing its
// state, and Reset replaces one's internal state with a freshly
// constructed instance while it remains a member under the same id —
// this module's resolution of spec.md §4.6's "resetting... allows
// reconstruction": Reset is a last-(Lamport, sender)-wins replacement of the
// member's value, not a removal, so a member surviving a Reset keeps its
// id and membership.
type CSet struct {
	collab.Node
	mu          sync.RWMutex
	ctor        func(*collab.Node) collab.Collab
	selfCounter uint64
	entries     map[position.Key]*csetEntry
}

// NewCSet returns a constructor for a CSet whose elements are all built
// via ctor, the same one-ctor-per-container shape as NewCList.
func NewCSet(ctor func(*collab.Node) collab.Collab) func(*collab.Node) collab.Collab {
	return func(n *collab.Node) collab.Collab {
		return &CSet{Node: *n, ctor: ctor, entries: make(map[position.Key]*csetEntry)}
	}
}

const (
	csetOpAdd     byte = 0
	csetOpDelete  byte = 1
	csetOpArchive byte = 2
	csetOpRestore byte = 3
	csetOpReset   byte = 4
)

// Add creates a new member and returns it together with its id.
func (s *CSet) Add() (position.Key, collab.Collab, error) {
	s.mu.Lock()
	s.selfCounter++
	counter := s.selfCounter
	s.mu.Unlock()

	if err := s.Runtime().WithAutoTransaction(func() error {
		return s.Send(encodeCSetAdd(counter))
	}); err != nil {
		return position.Key{}, nil, err
	}
	id := position.Key{Sender: s.Runtime().ReplicaID(), Counter: counter}
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	return id, e.value, nil
}

// Delete permanently removes id.
func (s *CSet) Delete(id position.Key) error {
	return s.Runtime().WithAutoTransaction(func() error {
		return s.Send(append([]byte{csetOpDelete}, encodeKey(id)...))
	})
}

// SetArchived archives or restores id.
func (s *CSet) SetArchived(id position.Key, archived bool) error {
	op := csetOpRestore
	if archived {
		op = csetOpArchive
	}
	return s.Runtime().WithAutoTransaction(func() error {
		return s.Send(append([]byte{op}, encodeKey(id)...))
	})
}

// Reset replaces id's internal value state with a freshly constructed
// instance, keeping it a member under the same id.
func (s *CSet) Reset(id position.Key) error {
	return s.Runtime().WithAutoTransaction(func() error {
		return s.Send(append([]byte{csetOpReset}, encodeKey(id)...))
	})
}

// Get returns id's value and whether it is currently archived.
func (s *CSet) Get(id position.Key) (collab.Collab, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false, false
	}
	return e.value, e.archived, true
}

// Elements returns every current member id, sorted for deterministic
// iteration.
func (s *CSet) Elements() []position.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]position.Key, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Sender != ids[j].Sender {
			return ids[i].Sender < ids[j].Sender
		}
		return ids[i].Counter < ids[j].Counter
	})
	return ids
}

func (s *CSet) ReceiveLocal(payload []byte, meta wire.Meta) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty CSet payload", collab.ErrMalformed)
	}
	switch payload[0] {
	case csetOpAdd:
		return s.applyAdd(payload[1:], meta)
	case csetOpDelete:
		return s.applyDelete(payload[1:])
	case csetOpArchive:
		return s.applyArchiveFlag(payload[1:], meta, true)
	case csetOpRestore:
		return s.applyArchiveFlag(payload[1:], meta, false)
	case csetOpReset:
		return s.applyReset(payload[1:], meta)
	default:
		return fmt.Errorf("%w: unknown CSet op %d", collab.ErrMalformed, payload[0])
	}
}

func (s *CSet) applyAdd(data []byte, meta wire.Meta) error {
	counter, _, err := decodeCSetAdd(data)
	if err != nil {
		return err
	}
	id := position.Key{Sender: meta.Sender, Counter: counter}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return nil
	}
	childNode := &collab.Node{}
	childNode.Init(segmentNameForKey(id), s, s.Runtime())
	s.entries[id] = &csetEntry{value: s.ctor(childNode)}
	return nil
}

func (s *CSet) applyDelete(data []byte) error {
	id, _, err := decodeKey(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *CSet) applyArchiveFlag(data []byte, meta wire.Meta, archived bool) error {
	id, _, err := decodeKey(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
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

func (s *CSet) applyReset(data []byte, meta wire.Meta) error {
	id, _, err := decodeKey(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: reset references unknown element", collab.ErrMalformed)
	}
	if !lamportSenderWins(meta.Lamport, meta.Sender, e.resetLamport, e.resetSender) {
		return nil
	}
	childNode := &collab.Node{}
	childNode.Init(segmentNameForKey(id), s, s.Runtime())
	e.value = s.ctor(childNode)
	e.resetLamport = meta.Lamport
	e.resetSender = meta.Sender
	return nil
}

func segmentNameForKey(id position.Key) string {
	return fmt.Sprintf("%s/%d", id.Sender, id.Counter)
}

func encodeKey(id position.Key) []byte {
	buf := make([]byte, 2+len(id.Sender)+8)
	binary.BigEndian.PutUint16(buf, uint16(len(id.Sender)))
	copy(buf[2:], id.Sender)
	binary.BigEndian.PutUint64(buf[2+len(id.Sender):], id.Counter)
	return buf
}

func decodeKey(data []byte) (position.Key, []byte, error) {
	if len(data) < 2 {
		return position.Key{}, nil, fmt.Errorf("%w: truncated key header", collab.ErrMalformed)
	}
	senderLen := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < senderLen+8 {
		return position.Key{}, nil, fmt.Errorf("%w: truncated key body", collab.ErrMalformed)
	}
	sender := string(data[:senderLen])
	counter := binary.BigEndian.Uint64(data[senderLen:])
	return position.Key{Sender: sender, Counter: counter}, data[senderLen+8:], nil
}

func encodeCSetAdd(counter uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = csetOpAdd
	binary.BigEndian.PutUint64(buf[1:], counter)
	return buf
}

func decodeCSetAdd(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("%w: truncated add counter", collab.ErrMalformed)
	}
	return binary.BigEndian.Uint64(data), data[8:], nil
}

func (s *CSet) ResolveChild(seg wire.Segment) (any, error) {
	if !seg.IsBytes {
		// A member's own Send addresses it by its Node name
		// (segmentNameForKey), not by its byte key.
		s.mu.RLock()
		defer s.mu.RUnlock()
		for id, e := range s.entries {
			if segmentNameForKey(id) == seg.Name {
				return e.value, nil
			}
		}
		return nil, fmt.Errorf("%w: CSet has no element %q", collab.ErrMalformed, seg.Name)
	}
	id, _, err := decodeKey(seg.Bytes)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: CSet has no element %v", collab.ErrMalformed, id)
	}
	return e.value, nil
}

func (s *CSet) Children() []wire.Segment {
	ids := s.Elements()
	segs := make([]wire.Segment, len(ids))
	for i, id := range ids {
		segs[i] = wire.BytesSegment(encodeKey(id))
	}
	return segs
}

func (s *CSet) SavePayload() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]position.Key, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Sender != ids[j].Sender {
			return ids[i].Sender < ids[j].Sender
		}
		return ids[i].Counter < ids[j].Counter
	})

	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, uint32(len(ids)))
	buf := head
	for _, id := range ids {
		e := s.entries[id]
		buf = append(buf, encodeKey(id)...)
		if e.archived {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		rest := make([]byte, 16)
		binary.BigEndian.PutUint64(rest, e.archLamport)
		binary.BigEndian.PutUint64(rest[8:], e.resetLamport)
		buf = append(buf, rest...)
		buf = append(buf, encodeLenPrefixed(e.archSender)...)
		buf = append(buf, encodeLenPrefixed(e.resetSender)...)
	}
	return buf, nil
}

func encodeLenPrefixed(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func decodeLenPrefixed(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: truncated length-prefixed string header", collab.ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, fmt.Errorf("%w: truncated length-prefixed string body", collab.ErrMalformed)
	}
	return string(data[:n]), data[n:], nil
}

func (s *CSet) LoadPayload(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: truncated CSet save header", collab.ErrMalformed)
	}
	count := int(binary.BigEndian.Uint32(data))
	data = data[4:]

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < count; i++ {
		id, rest, err := decodeKey(data)
		if err != nil {
			return err
		}
		data = rest
		if len(data) < 17 {
			return fmt.Errorf("%w: truncated CSet entry", collab.ErrMalformed)
		}
		archived := data[0] == 1
		archLamport := binary.BigEndian.Uint64(data[1:])
		resetLamport := binary.BigEndian.Uint64(data[9:])
		data = data[17:]
		archSender, rest2, err := decodeLenPrefixed(data)
		if err != nil {
			return err
		}
		data = rest2
		resetSender, rest3, err := decodeLenPrefixed(data)
		if err != nil {
			return err
		}
		data = rest3

		if _, exists := s.entries[id]; exists {
			continue
		}
		childNode := &collab.Node{}
		childNode.Init(segmentNameForKey(id), s, s.Runtime())
		s.entries[id] = &csetEntry{
			value:        s.ctor(childNode),
			archived:     archived,
			archLamport:  archLamport,
			archSender:   archSender,
			resetLamport: resetLamport,
			resetSender:  resetSender,
		}
		if id.Sender == s.Runtime().ReplicaID() && id.Counter > s.selfCounter {
			s.selfCounter = id.Counter
		}
	}
	return nil
}

func (s *CSet) CanGC() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries) == 0
}

var _ collab.Container = (*CSet)(nil)
