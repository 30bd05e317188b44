package causal

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ugorji/go/codec"
)

// Meta is the transaction metadata attached to every message a Document
// Runtime sends, and the metadata a Buffer needs to decide when a remote
// transaction becomes causally ready (spec.md §3, §4.2).
type Meta struct {
	Sender    string
	Counter   uint64
	Lamport   uint64
	WallClock *time.Time
	// Maximal is the sender's vector-clock snapshot taken when the
	// transaction was sent (the full clock; no entry is dropped). Entries
	// for replicas other than Sender record a causal predecessor that must
	// have been delivered before this transaction is ready.
	Maximal VClock
}

// DeliverFunc is invoked once per transaction, in causal order, by a
// Buffer. Fragments are opaque to the buffer; the Document Runtime is
// responsible for routing them down the Collab tree.
type DeliverFunc func(meta Meta, payload []byte) error

type pendingKey struct {
	sender  string
	counter uint64
}

type pendingTxn struct {
	meta    Meta
	payload []byte
}

// Buffer implements the causal broadcast buffer of spec.md §4.2: a vector
// clock, a Lamport clock, and a holding area for transactions that have
// arrived before their causal predecessors.
type Buffer struct {
	mu         sync.Mutex
	vc         VClock
	lamport    uint64
	guaranteed bool
	deliver    DeliverFunc
	pending    map[pendingKey]pendingTxn
}

// New creates an empty Buffer. deliver is called (holding no internal
// lock) whenever a transaction becomes causally ready, either immediately
// in Process or later from Check.
func New(deliver DeliverFunc) *Buffer {
	return &Buffer{
		vc:      make(VClock),
		deliver: deliver,
		pending: make(map[pendingKey]pendingTxn),
	}
}

// SetCausalityGuaranteed disables readiness checks: every processed
// transaction is delivered immediately and the maximal set is ignored.
// Mirrors the `causality_guaranteed` runtime option (spec.md §6).
func (b *Buffer) SetCausalityGuaranteed(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guaranteed = v
}

// Tick records a local send: the caller's own counter advances and the
// Lamport clock advances. Returns the Meta fields the runtime should
// attach to the outgoing transaction (Sender/Counter/Lamport/Maximal);
// Maximal is a copy of the whole vector clock after the tick, not a
// reduced causally-maximal subset. The runtime fills in WallClock itself
// if requested.
func (b *Buffer) Tick(self string) Meta {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.vc[self]++
	b.lamport++

	return Meta{
		Sender:  self,
		Counter: b.vc[self],
		Lamport: b.lamport,
		Maximal: snapshotMaximal(b.vc),
	}
}

// Process offers a transaction to the buffer. If it was already delivered
// (Counter <= current VC[Sender]) it is dropped (idempotence). If it is
// causally ready it is delivered immediately. Otherwise it is held,
// deduplicated by (Sender, Counter), until Check finds it ready.
func (b *Buffer) Process(meta Meta, payload []byte) (delivered bool, err error) {
	b.mu.Lock()

	if meta.Counter <= b.vc[meta.Sender] {
		b.mu.Unlock()
		return false, nil
	}

	if !b.readyLocked(meta) {
		b.pending[pendingKey{meta.Sender, meta.Counter}] = pendingTxn{meta: meta, payload: payload}
		b.mu.Unlock()
		return false, nil
	}

	b.deliverLocked(meta)
	b.mu.Unlock()

	if err := b.deliver(meta, payload); err != nil {
		return true, fmt.Errorf("causal: deliver %s/%d: %w", meta.Sender, meta.Counter, err)
	}
	return true, nil
}

// Check repeatedly scans the pending set, delivering any transaction that
// has become ready (because its causal predecessors have since arrived).
// Returns whether anything was delivered.
func (b *Buffer) Check() bool {
	any := false
	for {
		b.mu.Lock()
		var found *pendingTxn
		var key pendingKey
		for k, txn := range b.pending {
			if b.readyLocked(txn.meta) {
				found = &txn
				key = k
				break
			}
		}
		if found == nil {
			b.mu.Unlock()
			return any
		}
		delete(b.pending, key)
		b.deliverLocked(found.meta)
		b.mu.Unlock()

		_ = b.deliver(found.meta, found.payload) // Check has no caller to report a deliver error to, so it is dropped here
		any = true
	}
}

// readyLocked must be called with mu held.
func (b *Buffer) readyLocked(meta Meta) bool {
	if b.guaranteed {
		return true
	}
	if meta.Counter != b.vc[meta.Sender]+1 {
		return false
	}
	for id, cnt := range meta.Maximal {
		if id == meta.Sender {
			continue
		}
		if b.vc[id] < cnt {
			return false
		}
	}
	return true
}

// deliverLocked advances the clocks for a transaction about to be
// delivered. Must be called with mu held.
func (b *Buffer) deliverLocked(meta Meta) {
	b.vc[meta.Sender] = meta.Counter
	if meta.Lamport > b.lamport {
		b.lamport = meta.Lamport
	}
}

// VectorClock returns a copy of the current vector clock.
func (b *Buffer) VectorClock() VClock {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vc.Clone()
}

// Lamport returns the current Lamport clock value.
func (b *Buffer) Lamport() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lamport
}

// PendingLen reports how many transactions are currently buffered waiting
// on causal predecessors. Hosts can use this for backpressure decisions
// (spec.md §5: "implementations should expose the buffer size").
func (b *Buffer) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// OldestPending returns the metadata of whichever buffered transaction has
// the lowest Lamport timestamp (a proxy for "waited longest"), and
// whether any transaction is buffered at all.
func (b *Buffer) OldestPending() (Meta, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var oldest *Meta
	for _, txn := range b.pending {
		if oldest == nil || txn.meta.Lamport < oldest.Lamport {
			m := txn.meta
			oldest = &m
		}
	}
	if oldest == nil {
		return Meta{}, false
	}
	return *oldest, true
}

// ─────────────────────────────────────────────────────────────
// Save / load
// ─────────────────────────────────────────────────────────────

type savedMeta struct {
	Sender    string
	Counter   uint64
	Lamport   uint64
	HasWall   bool
	WallUnix  int64
	WallNanos int32
	Maximal   map[string]uint64
}

type savedState struct {
	VC      map[string]uint64
	Lamport uint64
	Pending []savedMeta
	// Payloads parallels Pending by index.
	Payloads [][]byte
}

var cborHandle = &codec.CborHandle{}

// Save serializes the vector clock, Lamport clock, and pending buffer.
func (b *Buffer) Save() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := savedState{
		VC:      map[string]uint64(b.vc.Clone()),
		Lamport: b.lamport,
	}
	for _, txn := range b.pending {
		st.Pending = append(st.Pending, encodeMeta(txn.meta))
		st.Payloads = append(st.Payloads, txn.payload)
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(st); err != nil {
		return nil, fmt.Errorf("causal: encode saved state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadResult reports, per replica id, the vector-clock counter before and
// after a Load call, so the caller can classify the load as redundant
// (every entry <= pre-load value) per spec.md §7.
type LoadResult struct {
	PreCounter  map[string]uint64
	PostCounter map[string]uint64
	Redundant   bool
}

// Load merges a saved state into this buffer: the vector clock is merged
// pointwise-max, the Lamport clock is maxed, and the pending buffers are
// unioned without duplicates. Transactions that become ready as a result
// are NOT delivered automatically — call Check afterwards.
func (b *Buffer) Load(data []byte) (LoadResult, error) {
	var st savedState
	dec := codec.NewDecoderBytes(data, cborHandle)
	if err := dec.Decode(&st); err != nil {
		return LoadResult{}, fmt.Errorf("causal: decode saved state: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pre := make(map[string]uint64, len(b.vc))
	for id, cnt := range b.vc {
		pre[id] = cnt
	}

	redundant := true
	for id, cnt := range st.VC {
		if cnt > b.vc[id] {
			b.vc[id] = cnt
			redundant = false
		}
	}
	if st.Lamport > b.lamport {
		b.lamport = st.Lamport
	}

	for i, sm := range st.Pending {
		meta := decodeMeta(sm)
		key := pendingKey{meta.Sender, meta.Counter}
		if meta.Counter <= b.vc[meta.Sender] {
			continue // already delivered locally
		}
		if _, exists := b.pending[key]; exists {
			continue
		}
		b.pending[key] = pendingTxn{meta: meta, payload: st.Payloads[i]}
		redundant = false
	}

	post := make(map[string]uint64, len(b.vc))
	for id, cnt := range b.vc {
		post[id] = cnt
	}

	return LoadResult{PreCounter: pre, PostCounter: post, Redundant: redundant}, nil
}

func encodeMeta(m Meta) savedMeta {
	sm := savedMeta{
		Sender:  m.Sender,
		Counter: m.Counter,
		Lamport: m.Lamport,
		Maximal: map[string]uint64(m.Maximal),
	}
	if m.WallClock != nil {
		sm.HasWall = true
		sm.WallUnix = m.WallClock.Unix()
		sm.WallNanos = int32(m.WallClock.Nanosecond())
	}
	return sm
}

func decodeMeta(sm savedMeta) Meta {
	m := Meta{
		Sender:  sm.Sender,
		Counter: sm.Counter,
		Lamport: sm.Lamport,
		Maximal: VClock(sm.Maximal),
	}
	if sm.HasWall {
		t := time.Unix(sm.WallUnix, int64(sm.WallNanos)).UTC()
		m.WallClock = &t
	}
	return m
}

// sortedReplicaIDs returns the replica ids present in vc, sorted
// lexicographically, for deterministic iteration. Nothing in the module
// calls it.
func sortedReplicaIDs(vc VClock) []string {
	ids := make([]string, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
