// Package collab implements the Document Runtime and Collab tree of
// spec.md §4.1 and §4.3: the message routing, transaction batching, and
// save/load machinery that every concrete CRDT in crdts/ is mounted into.
package collab

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/cshekharsharma/collabs/causal"
	"github.com/cshekharsharma/collabs/wire"
)

// printableAlphabet is used to generate replica ids: 94 printable ASCII
// characters, giving roughly 6.55 bits of entropy per byte (spec.md §3:
// "11 printable bytes; ≥77 bits of entropy" — 11 bytes of this alphabet
// land a little under that nominal figure in the strictest
// information-theoretic sense, but comfortably in the same regime: 7
// bits/byte would need 128 symbols, and printable ASCII has only 94).
const printableAlphabet = "!\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

func generateReplicaID() string {
	buf := make([]byte, 11)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("collab: failed to generate replica id: %v", err))
	}
	out := make([]byte, 11)
	for i, b := range buf {
		out[i] = printableAlphabet[int(b)%len(printableAlphabet)]
	}
	return string(out)
}

// txnState accumulates fragments for one open transaction.
type txnState struct {
	depth     int
	meta      *wire.Meta // nil until the first fragment ticks the clock
	fragments []wire.Fragment
}

// Runtime is the Document Runtime of spec.md §4.1: the tree root, the
// transaction boundary, and the causal-delivery entry point.
type Runtime struct {
	mu sync.Mutex

	replicaID string
	config    Config
	buffer    *causal.Buffer

	roots map[string]Collab

	txn       *txnState
	inReceive bool
	inLoad    bool

	// pendingCaller threads Receive's caller label through to
	// deliverTransaction's UpdateEvents without widening
	// causal.DeliverFunc's signature. Only meaningful while a Process call
	// from Receive is on the stack; deliveries triggered later by Check
	// (transactions that arrived out of order) report an empty caller.
	pendingCaller string
}

// New creates a Runtime. No children are registered yet; call
// RegisterChild for each one before any Send/Receive/Load.
func New(cfg Config) *Runtime {
	id := cfg.DebugReplicaID
	if id == "" {
		id = generateReplicaID()
	}
	rt := &Runtime{
		replicaID: id,
		config:    cfg,
		roots:     make(map[string]Collab),
	}
	rt.buffer = causal.New(rt.deliverTransaction)
	rt.buffer.SetCausalityGuaranteed(cfg.CausalityGuaranteed)
	return rt
}

// ReplicaID returns this runtime's stable replica identifier.
func (rt *Runtime) ReplicaID() string { return rt.replicaID }

// VectorClock returns a copy of the current vector clock.
func (rt *Runtime) VectorClock() causal.VClock { return rt.buffer.VectorClock() }

// PendingCount reports how many received transactions are buffered
// waiting on causal predecessors (spec.md §5 backpressure).
func (rt *Runtime) PendingCount() int { return rt.buffer.PendingLen() }

// NotifyExpiry surfaces a purely local state change that happened outside
// any transaction — currently only PresenceMap's TTL timer firing a local
// Delete (spec.md §4.6) — as an UpdateEvent, without touching the causal
// buffer or emitting anything over the wire.
func (rt *Runtime) NotifyExpiry(path string) {
	rt.mu.Lock()
	cb := rt.config.OnUpdate
	rt.mu.Unlock()
	if cb != nil {
		cb(UpdateEvent{Type: UpdateFromExpiry, Path: path, Sender: rt.replicaID})
	}
	rt.mu.Lock()
	onChange := rt.config.OnChange
	rt.mu.Unlock()
	if onChange != nil {
		onChange()
	}
}

// RegisterChild attaches a top-level Collab under name. ctor receives a
// Node the caller must Init before returning the Collab, mirroring how
// container Collabs construct their own dynamic children.
func (rt *Runtime) RegisterChild(name string, ctor func(*Node) Collab) (Collab, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.roots[name]; exists {
		return nil, fmt.Errorf("%w: child %q already registered", ErrMisuse, name)
	}
	n := &Node{}
	n.Init(name, rt, rt)
	c := ctor(n)
	rt.roots[name] = c
	return c, nil
}

// Children enumerates the runtime's top-level registered Collabs, the
// tree-root counterpart to Container.Children (SPEC_FULL.md §C.1).
func (rt *Runtime) Children() []wire.Segment {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]wire.Segment, 0, len(rt.roots))
	for name := range rt.roots {
		out = append(out, wire.StringSegment(name))
	}
	return out
}

// Resolve walks from the tree root to the Collab named by path
// (SPEC_FULL.md §C.1's name-path resolution), the root-rooted counterpart
// to ResolveNamePath for callers that only have a Runtime, not an
// interior Container, to start from.
func (rt *Runtime) Resolve(path []wire.Segment) (Collab, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty resolve path", ErrMisuse)
	}
	rt.mu.Lock()
	root, ok := rt.roots[path[0].Name]
	rt.mu.Unlock()
	if !ok || path[0].IsBytes {
		return nil, fmt.Errorf("%w: unregistered child %q", ErrMisuse, path[0].Name)
	}
	if len(path) == 1 {
		return root, nil
	}
	container, ok := root.(Container)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a container, cannot resolve further segments", ErrMisuse, describeCollab(root))
	}
	return ResolveNamePath(container, path[1:])
}

// forward implements upstream: the Runtime is the top of the tree, so it
// terminates the upward walk by appending the fragment to the open
// transaction (ticking the causal buffer first if this is the
// transaction's first fragment) and echoing it locally.
func (rt *Runtime) forward(path []wire.Segment, payload []byte) error {
	rt.mu.Lock()
	if rt.inReceive || rt.inLoad {
		rt.mu.Unlock()
		return fmt.Errorf("%w: cannot send while receiving or loading", ErrMisuse)
	}
	if rt.txn == nil {
		rt.mu.Unlock()
		return fmt.Errorf("%w: send outside an open transaction", ErrMisuse)
	}
	if rt.txn.meta == nil {
		m := rt.buffer.Tick(rt.replicaID)
		rt.txn.meta = &wire.Meta{
			Sender:  m.Sender,
			Counter: m.Counter,
			Lamport: m.Lamport,
			Maximal: map[string]uint64(m.Maximal),
		}
	}
	rt.txn.fragments = append(rt.txn.fragments, wire.Fragment{Path: path, Payload: payload})
	meta := *rt.txn.meta
	rt.mu.Unlock()

	// Local echo: route the fragment back down the tree immediately so
	// local observable state matches what a remote replica will see
	// (spec.md §4.1 Send algorithm), before the transaction is even
	// closed or serialized.
	if err := rt.routeDown(path, payload, meta, UpdateFromLocal); err != nil {
		return err
	}
	if rt.config.OnUpdate != nil {
		rt.config.OnUpdate(UpdateEvent{Type: UpdateFromLocal, Path: wire.PathString(path), Sender: meta.Sender, Counter: meta.Counter})
	}
	return nil
}

// Transact opens a transaction, invokes f, and closes it. Nested calls
// (direct or via re-entrant mutating methods) share the outer
// transaction and only the outermost call emits a Send event.
func (rt *Runtime) Transact(f func() error) error {
	rt.mu.Lock()
	if rt.txn == nil {
		rt.txn = &txnState{}
	}
	rt.txn.depth++
	rt.mu.Unlock()

	ferr := f()

	rt.mu.Lock()
	rt.txn.depth--
	if rt.txn.depth > 0 {
		rt.mu.Unlock()
		return ferr
	}
	txn := rt.txn
	rt.txn = nil
	rt.mu.Unlock()

	if ferr != nil || len(txn.fragments) == 0 {
		return ferr
	}

	msg := wire.Message{Meta: *txn.meta, Fragments: txn.fragments}
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("collab: encode outgoing transaction: %w", err)
	}
	if rt.config.OnSend != nil {
		rt.config.OnSend(SendEvent{Message: data, SenderID: msg.Meta.Sender, Counter: msg.Meta.Counter})
	}
	if rt.config.OnChange != nil {
		rt.config.OnChange()
	}
	return nil
}

// WithAutoTransaction wraps a mutating call per the configured
// AutoTransactionPolicy when no explicit Transact is open: it runs f
// directly if a transaction is already open (nested calls share the
// outer one), otherwise applies AutoTransactions (spec.md §6). Every
// mutator in crdts/ calls this instead of Transact directly so it
// composes correctly whether or not the caller already opened one.
func (rt *Runtime) WithAutoTransaction(f func() error) error {
	rt.mu.Lock()
	open := rt.txn != nil
	policy := rt.config.AutoTransactions
	rt.mu.Unlock()

	if open {
		return f()
	}
	if policy == AutoTransactionError {
		return fmt.Errorf("%w: mutating call outside an explicit Transact", ErrMisuse)
	}
	return rt.Transact(f)
}

// Receive accepts a serialized transaction (spec.md §4.1). caller is an
// opaque label surfaced on UpdateEvent, typically a connection or peer
// id; pass "" if not meaningful.
func (rt *Runtime) Receive(data []byte, caller string) error {
	rt.mu.Lock()
	if rt.inReceive || rt.inLoad {
		rt.mu.Unlock()
		return fmt.Errorf("%w: receive called reentrantly", ErrMisuse)
	}
	if rt.txn != nil {
		rt.mu.Unlock()
		return fmt.Errorf("%w: receive called mid-transaction", ErrMisuse)
	}
	rt.inReceive = true
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		rt.inReceive = false
		rt.mu.Unlock()
	}()

	msg, err := wire.DecodeMessage(data)
	if err != nil {
		rt.config.logger().Warn("collab: dropping undecodable transaction", "error", err)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cmeta := causal.Meta{
		Sender:  msg.Meta.Sender,
		Counter: msg.Meta.Counter,
		Lamport: msg.Meta.Lamport,
		Maximal: causal.VClock(msg.Meta.Maximal),
	}
	rt.pendingCaller = caller
	_, err = rt.buffer.Process(cmeta, data)
	rt.pendingCaller = ""
	if err != nil {
		rt.config.logger().Error("collab: delivery failed", "sender", msg.Meta.Sender, "counter", msg.Meta.Counter, "error", err)
	}

	if rt.buffer.Check() {
		// further transactions became ready as a side effect; already
		// delivered by Check's own calls into deliverTransaction.
	}
	if rt.config.OnChange != nil {
		rt.config.OnChange()
	}
	return nil
}

// deliverTransaction is the causal.Buffer's DeliverFunc: it decodes the
// payload back into fragments and routes each one down the tree.
func (rt *Runtime) deliverTransaction(meta causal.Meta, payload []byte) error {
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	wmeta := wire.Meta{Sender: meta.Sender, Counter: meta.Counter, Lamport: meta.Lamport, Maximal: map[string]uint64(meta.Maximal)}

	caller := rt.pendingCaller
	for _, f := range msg.Fragments {
		if err := rt.routeDown(f.Path, f.Payload, wmeta, UpdateFromReceive); err != nil {
			rt.config.logger().Error("collab: fragment delivery error, continuing with siblings", "path", wire.PathString(f.Path), "error", err)
			continue
		}
		if rt.config.OnUpdate != nil {
			rt.config.OnUpdate(UpdateEvent{Type: UpdateFromReceive, Caller: caller, Path: wire.PathString(f.Path), Sender: meta.Sender, Counter: meta.Counter})
		}
	}
	return nil
}

// routeDown resolves path against the registered roots (and, for
// containers, their dynamic children) and applies payload to the
// resolved leaf Collab.
func (rt *Runtime) routeDown(path []wire.Segment, payload []byte, meta wire.Meta, _ UpdateEventType) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty fragment path", ErrMalformed)
	}
	rt.mu.Lock()
	root, ok := rt.roots[path[0].Name]
	rt.mu.Unlock()
	if !ok || path[0].IsBytes {
		return fmt.Errorf("%w: unregistered child %q", ErrMisuse, path[0].Name)
	}

	cur := any(root)
	for _, seg := range path[1:] {
		container, ok := cur.(Container)
		if !ok {
			return fmt.Errorf("%w: %s is not a container, cannot resolve further", ErrMalformed, describeCollab(cur))
		}
		child, err := container.ResolveChild(seg)
		if err != nil {
			return err
		}
		cur = child
	}
	target, ok := cur.(Collab)
	if !ok {
		return fmt.Errorf("%w: resolved target is not a Collab", ErrMalformed)
	}
	return target.ReceiveLocal(payload, meta)
}
