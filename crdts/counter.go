// Package crdts implements the representative CRDT semantics of spec.md
// §4.6–§4.8, mounted as collab.Collab leaves and containers: counters,
// registers, maps, lists, text, and presence.
package crdts

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/wire"
)

// counterModulus is spec.md §4.8's overflow guard: add/reset arithmetic
// wraps at (2^53-1)/2 so per-sender totals never cross the float64-safe
// integer boundary, the same ceiling the teacher's PNCounter and GCounter
// never needed because Go's int64 doesn't have a "sometimes decoded as a
// double" problem — but the spec's modulus is part of its observable
// exhaustion behavior (§7), so it is kept even though Go wouldn't force it.
const counterModulus float64 = 4503599627370495

// growCounterSlot is one sender's contribution to a grow-only counter: p
// is the running total of everything add() has ever applied from that
// sender, n is the high-water mark zeroed out by a reset, and idCounter
// is the Lamport timestamp of the most recent reset this slot has
// absorbed — resets carry their own Lamport stamp (meta.Lamport already
// threads through every ReceiveLocal call) rather than a separately
// allocated id, since Lamport order is exactly "strictly newer reset than
// any previously applied for this sender" (see DESIGN.md for why this
// resolves spec.md §4.8's underspecified "if idCounter matches").
type growCounterSlot struct {
	p, n      float64
	idCounter uint64
	idSender  string
}

// growCounter is spec.md §4.8's grow-only counter core, shared by
// CCounter directly and by SignedCounter's plus/minus pair.
type growCounter struct {
	mu    sync.RWMutex
	slots map[string]*growCounterSlot
}

func newGrowCounter() growCounter { return growCounter{slots: make(map[string]*growCounterSlot)} }

// slot returns (creating if necessary) sender's slot. Caller must hold mu.
func (g *growCounter) slot(sender string) *growCounterSlot {
	s, ok := g.slots[sender]
	if !ok {
		s = &growCounterSlot{}
		g.slots[sender] = s
	}
	return s
}

func (g *growCounter) add(sender string, delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slot(sender)
	s.p = math.Mod(s.p+delta, counterModulus)
}

// applyReset replaces every named sender's high-water mark with the
// snapshot's v, provided (resetLamport, resetSender) wins against
// whatever reset last touched that sender's slot — the same
// (Lamport, sender) tie-break register.go's wins() uses, so every replica
// picks the same winning reset regardless of delivery order.
func (g *growCounter) applyReset(snapshot map[string]float64, resetLamport uint64, resetSender string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sender, v := range snapshot {
		s := g.slot(sender)
		if !lamportSenderWins(resetLamport, resetSender, s.idCounter, s.idSender) {
			continue
		}
		// n is replaced, not maxed, with the winning reset's own snapshot:
		// maxing against whatever a locally-applied losing reset already
		// wrote would make the result depend on delivery order, the same
		// divergence the (Lamport, sender) tie-break is meant to remove.
		s.n = v
		s.idCounter = resetLamport
		s.idSender = resetSender
	}
}

// lamportSenderWins is the (Lamport, sender) tie-break register.go's
// wins() uses, shared by every other LWW-flavored conflict in this
// package (counter resets, CList/CSet archive flags, CSet resets). A
// zero curLamport with an empty curSender means the slot has never been
// stamped, so the first stamp always wins.
func lamportSenderWins(lamport uint64, sender string, curLamport uint64, curSender string) bool {
	if curLamport == 0 && curSender == "" {
		return true
	}
	if lamport != curLamport {
		return lamport > curLamport
	}
	return sender > curSender
}

// snapshot captures the current per-sender totals for a reset() call.
func (g *growCounter) snapshot() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.slots))
	for sender, s := range g.slots {
		out[sender] = s.p
	}
	return out
}

func (g *growCounter) value() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var total float64
	for _, s := range g.slots {
		if d := s.p - s.n; d > 0 {
			total += d
		}
	}
	return total
}

// CounterSnapshot is a point-in-time, per-replica breakdown of a
// counter's state, supplementing spec.md §4.6's bare Value() accessor for
// debugging and metrics export (SPEC_FULL.md §C.3).
type CounterSnapshot struct {
	Total      float64
	PerReplica map[string]float64
}

func (g *growCounter) describe() CounterSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := CounterSnapshot{PerReplica: make(map[string]float64, len(g.slots))}
	for sender, s := range g.slots {
		if d := s.p - s.n; d > 0 {
			out.PerReplica[sender] = d
			out.Total += d
		}
	}
	return out
}

func (g *growCounter) canGC() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.slots) == 0
}

func (g *growCounter) save() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.slots))
	for id := range g.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var buf []byte
	for _, id := range ids {
		s := g.slots[id]
		seg := make([]byte, 2+len(id)+8+8+8+2+len(s.idSender))
		binary.BigEndian.PutUint16(seg, uint16(len(id)))
		copy(seg[2:], id)
		off := 2 + len(id)
		binary.BigEndian.PutUint64(seg[off:], math.Float64bits(s.p))
		binary.BigEndian.PutUint64(seg[off+8:], math.Float64bits(s.n))
		binary.BigEndian.PutUint64(seg[off+16:], s.idCounter)
		binary.BigEndian.PutUint16(seg[off+24:], uint16(len(s.idSender)))
		copy(seg[off+26:], s.idSender)
		buf = append(buf, seg...)
	}
	return buf
}

func (g *growCounter) load(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("%w: truncated counter slot header", collab.ErrMalformed)
		}
		nameLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < nameLen+24 {
			return fmt.Errorf("%w: truncated counter slot body", collab.ErrMalformed)
		}
		name := string(data[:nameLen])
		p := math.Float64frombits(binary.BigEndian.Uint64(data[nameLen:]))
		n := math.Float64frombits(binary.BigEndian.Uint64(data[nameLen+8:]))
		idCounter := binary.BigEndian.Uint64(data[nameLen+16:])
		data = data[nameLen+24:]
		if len(data) < 2 {
			return fmt.Errorf("%w: truncated counter slot reset-sender header", collab.ErrMalformed)
		}
		senderLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < senderLen {
			return fmt.Errorf("%w: truncated counter slot reset-sender body", collab.ErrMalformed)
		}
		idSender := string(data[:senderLen])
		data = data[senderLen:]

		s := g.slot(name)
		if p > s.p {
			s.p = p
		}
		if lamportSenderWins(idCounter, idSender, s.idCounter, s.idSender) {
			s.n = n
			s.idCounter = idCounter
			s.idSender = idSender
		}
	}
	return nil
}

func encodeFloat(f float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf
}

func decodeFloat(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: expected 8-byte float payload, got %d", collab.ErrMalformed, len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

func encodeSnapshot(snapshot map[string]float64) []byte {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(ids)))
	for _, id := range ids {
		seg := make([]byte, 2+len(id)+8)
		binary.BigEndian.PutUint16(seg, uint16(len(id)))
		copy(seg[2:], id)
		binary.BigEndian.PutUint64(seg[2+len(id):], math.Float64bits(snapshot[id]))
		buf = append(buf, seg...)
	}
	return buf
}

func decodeSnapshot(data []byte) (map[string]float64, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated reset snapshot header", collab.ErrMalformed)
	}
	count := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	out := make(map[string]float64, count)
	for i := 0; i < count; i++ {
		if len(data) < 2 {
			return nil, nil, fmt.Errorf("%w: truncated reset snapshot entry", collab.ErrMalformed)
		}
		nameLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < nameLen+8 {
			return nil, nil, fmt.Errorf("%w: truncated reset snapshot value", collab.ErrMalformed)
		}
		name := string(data[:nameLen])
		out[name] = math.Float64frombits(binary.BigEndian.Uint64(data[nameLen:]))
		data = data[nameLen+8:]
	}
	return out, data, nil
}

const (
	counterOpAdd   byte = 0
	counterOpReset byte = 1
)

// CCounter is a grow-only counter (spec.md §4.8): Add rejects negative
// deltas so the total is monotonic non-decreasing between resets, and
// Reset snapshots every known sender's running total so receivers can
// zero out exactly the contributions that existed when reset was called
// — adds that arrive afterward (causally) still count.
type CCounter struct {
	collab.Node
	g growCounter
}

// NewCCounter constructs a CCounter as a container child.
func NewCCounter(n *collab.Node) collab.Collab {
	return &CCounter{Node: *n, g: newGrowCounter()}
}

// Add increments the counter by delta, which must be >= 0.
func (c *CCounter) Add(delta float64) error {
	if delta < 0 {
		return fmt.Errorf("%w: CCounter.Add requires a non-negative delta, got %v", collab.ErrMisuse, delta)
	}
	return c.Runtime().WithAutoTransaction(func() error {
		return c.Send(append([]byte{counterOpAdd}, encodeFloat(delta)...))
	})
}

// Reset zeroes the counter: every sender's contribution observed so far
// is excluded from Value until it adds again.
func (c *CCounter) Reset() error {
	return c.Runtime().WithAutoTransaction(func() error {
		return c.Send(append([]byte{counterOpReset}, encodeSnapshot(c.g.snapshot())...))
	})
}

// Value returns the current total.
func (c *CCounter) Value() float64 { return c.g.value() }

// Snapshot returns the per-replica breakdown of currently-counted totals.
func (c *CCounter) Snapshot() CounterSnapshot { return c.g.describe() }

func (c *CCounter) ReceiveLocal(payload []byte, meta wire.Meta) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty CCounter payload", collab.ErrMalformed)
	}
	switch payload[0] {
	case counterOpAdd:
		delta, err := decodeFloat(payload[1:])
		if err != nil {
			return err
		}
		if delta < 0 {
			return fmt.Errorf("%w: received a negative delta for a grow-only counter", collab.ErrMalformed)
		}
		c.g.add(meta.Sender, delta)
		return nil
	case counterOpReset:
		snapshot, _, err := decodeSnapshot(payload[1:])
		if err != nil {
			return err
		}
		c.g.applyReset(snapshot, meta.Lamport, meta.Sender)
		return nil
	default:
		return fmt.Errorf("%w: unknown CCounter op %d", collab.ErrMalformed, payload[0])
	}
}

func (c *CCounter) SavePayload() ([]byte, error) { return c.g.save(), nil }
func (c *CCounter) LoadPayload(data []byte) error { return c.g.load(data) }
func (c *CCounter) CanGC() bool                   { return c.g.canGC() }

// SignedCounter is a PN-counter (spec.md §4.8): composed of two grow-only
// counters, plus and minus, so value = plus - minus; Add routes a
// positive delta to plus and a negative one (as its absolute value) to
// minus.
type SignedCounter struct {
	collab.Node
	plus, minus growCounter
}

// NewSignedCounter constructs a SignedCounter as a container child.
func NewSignedCounter(n *collab.Node) collab.Collab {
	return &SignedCounter{Node: *n, plus: newGrowCounter(), minus: newGrowCounter()}
}

const (
	signedOpPlusAdd    byte = 0
	signedOpMinusAdd   byte = 1
	signedOpPlusReset  byte = 2
	signedOpMinusReset byte = 3
)

// Add adds delta (positive or negative) to the counter.
func (c *SignedCounter) Add(delta float64) error {
	op, abs := signedOpPlusAdd, delta
	if delta < 0 {
		op, abs = signedOpMinusAdd, -delta
	}
	return c.Runtime().WithAutoTransaction(func() error {
		return c.Send(append([]byte{op}, encodeFloat(abs)...))
	})
}

// Reset zeroes both the plus and minus components.
func (c *SignedCounter) Reset() error {
	return c.Runtime().WithAutoTransaction(func() error {
		plusMsg := append([]byte{signedOpPlusReset}, encodeSnapshot(c.plus.snapshot())...)
		if err := c.Send(plusMsg); err != nil {
			return err
		}
		minusMsg := append([]byte{signedOpMinusReset}, encodeSnapshot(c.minus.snapshot())...)
		return c.Send(minusMsg)
	})
}

// Value returns the current total.
func (c *SignedCounter) Value() float64 { return c.plus.value() - c.minus.value() }

func (c *SignedCounter) ReceiveLocal(payload []byte, meta wire.Meta) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty SignedCounter payload", collab.ErrMalformed)
	}
	switch payload[0] {
	case signedOpPlusAdd:
		delta, err := decodeFloat(payload[1:])
		if err != nil {
			return err
		}
		c.plus.add(meta.Sender, delta)
		return nil
	case signedOpMinusAdd:
		delta, err := decodeFloat(payload[1:])
		if err != nil {
			return err
		}
		c.minus.add(meta.Sender, delta)
		return nil
	case signedOpPlusReset:
		snapshot, _, err := decodeSnapshot(payload[1:])
		if err != nil {
			return err
		}
		c.plus.applyReset(snapshot, meta.Lamport, meta.Sender)
		return nil
	case signedOpMinusReset:
		snapshot, _, err := decodeSnapshot(payload[1:])
		if err != nil {
			return err
		}
		c.minus.applyReset(snapshot, meta.Lamport, meta.Sender)
		return nil
	default:
		return fmt.Errorf("%w: unknown SignedCounter op %d", collab.ErrMalformed, payload[0])
	}
}

func (c *SignedCounter) SavePayload() ([]byte, error) {
	plus := c.plus.save()
	minus := c.minus.save()
	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, uint32(len(plus)))
	out := append(head, plus...)
	return append(out, minus...), nil
}

func (c *SignedCounter) LoadPayload(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) < 4 {
		return fmt.Errorf("%w: truncated SignedCounter save", collab.ErrMalformed)
	}
	plusLen := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if len(data) < plusLen {
		return fmt.Errorf("%w: truncated SignedCounter plus half", collab.ErrMalformed)
	}
	if err := c.plus.load(data[:plusLen]); err != nil {
		return err
	}
	return c.minus.load(data[plusLen:])
}

func (c *SignedCounter) CanGC() bool { return c.plus.canGC() && c.minus.canGC() }
