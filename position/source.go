package position

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

// ErrUnknownWaypoint is returned when an operation references a position
// or a parent waypoint this Source has never seen. Causal delivery
// guarantees a waypoint's creation is always applied before any position
// within it is referenced, so seeing this error indicates either a bug in
// the caller or message reordering that bypassed the causal buffer.
var ErrUnknownWaypoint = errors.New("position: unknown waypoint")

// ErrEmptyBulk is returned by CreatePositions when count == 0.
var ErrEmptyBulk = errors.New("position: count must be > 0")

// Source generates and resolves Position values for one list/text Collab.
// Each list/text Collab owns exactly one Source (spec.md §5).
type Source struct {
	self    string
	root    *Waypoint
	table   map[Key]*Waypoint
	nextCtr map[string]uint64
}

// NewSource creates a Source for the given replica id.
func NewSource(self string) *Source {
	root := &Waypoint{}
	return &Source{
		self:    self,
		root:    root,
		table:   map[Key]*Waypoint{rootKey: root},
		nextCtr: make(map[string]uint64),
	}
}

// FirstPosition is a convenience alias for "no previous position", meaning
// "insert at the very beginning of the sequence".
var FirstPosition *Position

// CreatePositions allocates count new position slots immediately after
// prev (nil meaning "at the very start"). It returns the waypoint counter
// and starting value index positions should be built from
// (Position{Sender: source.Self(), Counter: counter, ValueIndex:
// startValueIndex+i}), and optionally a Meta describing a brand new
// waypoint that must be broadcast alongside the values so remote replicas
// can reconstruct it (nil if an existing waypoint of ours was simply
// extended).
func (s *Source) CreatePositions(prev *Position, count uint64) (counter uint64, startValueIndex uint64, meta *Meta, err error) {
	if count == 0 {
		return 0, 0, nil, ErrEmptyBulk
	}

	var w *Waypoint
	var v uint64
	if prev == nil {
		w = s.root
		v = 0
	} else {
		var ok bool
		w, ok = s.table[prev.KeyOf()]
		if !ok {
			return 0, 0, nil, fmt.Errorf("%w: %s/%d", ErrUnknownWaypoint, prev.Sender, prev.Counter)
		}
		if prev.ValueIndex >= w.ValueCount {
			return 0, 0, nil, fmt.Errorf("position: value index %d out of range for waypoint %s/%d (len %d)", prev.ValueIndex, w.Sender, w.Counter, w.ValueCount)
		}
		v = prev.ValueIndex
	}

	if prev != nil && w.Sender == s.self && v == w.ValueCount-1 && !rightSiblingAfter(w, v) {
		start := w.ValueCount
		w.ValueCount += count
		return w.Counter, start, nil, nil
	}

	s.nextCtr[s.self]++
	newCounter := s.nextCtr[s.self]
	nw := &Waypoint{
		Sender:           s.self,
		Counter:          newCounter,
		Parent:           w,
		ParentValueIndex: v,
		IsRight:          prev != nil,
		ValueCount:       count,
	}
	insertChild(w, nw)
	s.table[nw.Key()] = nw

	m := &Meta{
		Sender:           nw.Sender,
		Counter:          nw.Counter,
		ParentSender:     w.Sender,
		ParentCounter:    w.Counter,
		ParentValueIndex: v,
		IsRight:          nw.IsRight,
	}
	return newCounter, 0, m, nil
}

// ReceiveAndAddPositions applies a remote (or replayed local) position
// allocation: sender/counter identify the waypoint being extended or
// created, startValueIndex/count the value-index range being reserved,
// and meta (non-nil only the first time a waypoint is announced)
// describes how to attach a brand new waypoint. Idempotent: re-receiving
// an already-known waypoint or an already-covered range is a no-op.
func (s *Source) ReceiveAndAddPositions(sender string, counter uint64, startValueIndex uint64, meta *Meta, count uint64) error {
	key := Key{sender, counter}
	w, exists := s.table[key]
	if !exists {
		if meta == nil {
			return fmt.Errorf("%w: %s/%d (no creation metadata)", ErrUnknownWaypoint, sender, counter)
		}
		parent, ok := s.table[Key{meta.ParentSender, meta.ParentCounter}]
		if !ok {
			return fmt.Errorf("%w: parent %s/%d of %s/%d", ErrUnknownWaypoint, meta.ParentSender, meta.ParentCounter, sender, counter)
		}
		w = &Waypoint{
			Sender:           sender,
			Counter:          counter,
			Parent:           parent,
			ParentValueIndex: meta.ParentValueIndex,
			IsRight:          meta.IsRight,
		}
		insertChild(parent, w)
		s.table[key] = w

		if sender == s.self && counter > s.nextCtr[s.self] {
			s.nextCtr[s.self] = counter
		}
	}

	if end := startValueIndex + count; end > w.ValueCount {
		w.ValueCount = end
	}
	return nil
}

// Waypoint looks up the waypoint for key, reporting false if unknown.
func (s *Source) Waypoint(key Key) (*Waypoint, bool) {
	w, ok := s.table[key]
	return w, ok
}

// Self returns the replica id this Source allocates new waypoints for.
func (s *Source) Self() string { return s.self }

// pathStep is one level of the root-to-leaf breadcrumb used by Compare.
type pathStep struct {
	waypoint     *Waypoint
	attachValue  uint64
	isLeaf       bool
	childSender  string
	childCounter uint64
}

// pathOf builds the leaf-to-root breadcrumb for p.
func (s *Source) pathOf(p Position) ([]pathStep, error) {
	w, ok := s.table[p.KeyOf()]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownWaypoint, p.Sender, p.Counter)
	}
	path := []pathStep{{waypoint: w, attachValue: p.ValueIndex, isLeaf: true}}
	cur := w
	for cur.Parent != nil {
		path = append(path, pathStep{
			waypoint:     cur.Parent,
			attachValue:  cur.ParentValueIndex,
			childSender:  cur.Sender,
			childCounter: cur.Counter,
		})
		cur = cur.Parent
	}
	return path, nil
}

func reversed(path []pathStep) []pathStep {
	out := make([]pathStep, len(path))
	for i, s := range path {
		out[len(path)-1-i] = s
	}
	return out
}

// Compare implements total_order (spec.md §4.4): returns <0, 0, or >0
// exactly when a sorts before, equal to, or after b in the list's total
// order. Positions whose waypoints are unknown produce an error.
func (s *Source) Compare(a, b Position) (int, error) {
	if a.Sender == b.Sender && a.Counter == b.Counter {
		switch {
		case a.ValueIndex < b.ValueIndex:
			return -1, nil
		case a.ValueIndex > b.ValueIndex:
			return 1, nil
		default:
			return 0, nil
		}
	}

	pathA, err := s.pathOf(a)
	if err != nil {
		return 0, err
	}
	pathB, err := s.pathOf(b)
	if err != nil {
		return 0, err
	}
	rA := reversed(pathA)
	rB := reversed(pathB)

	l := 0
	for l < len(rA) && l < len(rB) && rA[l].waypoint == rB[l].waypoint {
		l++
	}

	switch {
	case l == len(rA) && l == len(rB):
		return 0, nil // identical position
	case l == len(rA):
		// a's path ends at the shared waypoint (a is a value directly in
		// it); b's path continues into a child attached there.
		leaf := rA[l-1]
		branch := rB[l-1]
		return compareValueToBranch(leaf.attachValue, branch.attachValue), nil
	case l == len(rB):
		leaf := rB[l-1]
		branch := rA[l-1]
		return -compareValueToBranch(leaf.attachValue, branch.attachValue), nil
	default:
		// Both continue past the shared waypoint via different children.
		ta := rA[l-1]
		tb := rB[l-1]
		if !ta.waypoint.IsRoot() && ta.attachValue != tb.attachValue {
			if ta.attachValue < tb.attachValue {
				return -1, nil
			}
			return 1, nil
		}
		if ta.childSender != tb.childSender {
			return compareStrings(ta.childSender, tb.childSender), nil
		}
		// Two children of one sender at the same attach point: the newer
		// waypoint (higher counter) was inserted closer to the attach point.
		if ta.childCounter > tb.childCounter {
			return -1, nil
		}
		return 1, nil
	}
}

// compareValueToBranch compares a waypoint's own value at index v against
// a right-child branch attaching at attachValue. Per the tree walk rule
// (spec.md §3), the value at v is visited before any right child attached
// at >= v, so a tie (v == attachValue) favors the value.
func compareValueToBranch(v, attachValue uint64) int {
	if v <= attachValue {
		return -1
	}
	return 1
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ─────────────────────────────────────────────────────────────
// Save / load
// ─────────────────────────────────────────────────────────────

type savedWaypoint struct {
	Sender           string
	Counter          uint64
	ParentSender     string
	ParentCounter    uint64
	ParentValueIndex uint64
	IsRight          bool
	ValueCount       uint64
}

var cborHandle = &codec.CborHandle{}

// Save serializes every waypoint in the forest (excluding the synthetic
// root, which is implicit).
func (s *Source) Save() ([]byte, error) {
	out := make([]savedWaypoint, 0, len(s.table))
	for key, w := range s.table {
		if key == rootKey {
			continue
		}
		out = append(out, savedWaypoint{
			Sender:           w.Sender,
			Counter:          w.Counter,
			ParentSender:     w.Parent.Sender,
			ParentCounter:    w.Parent.Counter,
			ParentValueIndex: w.ParentValueIndex,
			IsRight:          w.IsRight,
			ValueCount:       w.ValueCount,
		})
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, cborHandle).Encode(out); err != nil {
		return nil, fmt.Errorf("position: encode saved state: %w", err)
	}
	return buf.Bytes(), nil
}

// Load merges a saved forest into this Source. Waypoints are applied in
// an order that respects parent-before-child (the save format has no
// inherent order guarantee from a remote encoder, so Load retries
// unresolved entries until a full pass makes no progress).
func (s *Source) Load(data []byte) error {
	var saved []savedWaypoint
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(&saved); err != nil {
		return fmt.Errorf("position: decode saved state: %w", err)
	}

	remaining := saved
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, sw := range remaining {
			key := Key{sw.Sender, sw.Counter}
			if existing, ok := s.table[key]; ok {
				if sw.ValueCount > existing.ValueCount {
					existing.ValueCount = sw.ValueCount
				}
				progressed = true
				continue
			}
			parent, ok := s.table[Key{sw.ParentSender, sw.ParentCounter}]
			if !ok {
				next = append(next, sw)
				continue
			}
			w := &Waypoint{
				Sender:           sw.Sender,
				Counter:          sw.Counter,
				Parent:           parent,
				ParentValueIndex: sw.ParentValueIndex,
				IsRight:          sw.IsRight,
				ValueCount:       sw.ValueCount,
			}
			insertChild(parent, w)
			s.table[key] = w
			if sw.Sender == s.self && sw.Counter > s.nextCtr[s.self] {
				s.nextCtr[s.self] = sw.Counter
			}
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("position: saved state references waypoints with no resolvable parent (%d entries)", len(next))
		}
		remaining = next
	}
	return nil
}
