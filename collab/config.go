package collab

import "log/slog"

// AutoTransactionPolicy controls what happens when a mutating Collab
// method is invoked outside an explicit Transact call (spec.md §6).
type AutoTransactionPolicy int

const (
	// AutoTransactionMicrotask closes the implicit transaction once control
	// returns to the caller of the outermost mutating call. Go has no
	// microtask queue to hook into, so this implementation treats it
	// identically to AutoTransactionPerOp — each top-level mutating call
	// gets its own transaction. Documented in DESIGN.md as an accepted
	// platform-driven deviation, not a silent one.
	AutoTransactionMicrotask AutoTransactionPolicy = iota
	// AutoTransactionPerOp opens and closes one transaction per mutating
	// call made outside an explicit Transact.
	AutoTransactionPerOp
	// AutoTransactionError rejects mutating calls made outside an explicit
	// Transact with ErrMisuse.
	AutoTransactionError
)

// Config enumerates the runtime constructor options of spec.md §6.
type Config struct {
	// CausalityGuaranteed skips causal readiness checks (the transport
	// already guarantees ordered, complete delivery).
	CausalityGuaranteed bool
	// AutoTransactions selects the default transaction closure policy.
	AutoTransactions AutoTransactionPolicy
	// DebugReplicaID overrides the randomly generated replica id. Intended
	// for deterministic tests and demos, never production use.
	DebugReplicaID string
	// AllowRedundantLoads forces Load to report its events even when the
	// incoming saved state is a strict subset of local state.
	AllowRedundantLoads bool
	// Logger receives structured diagnostics (malformed input, dropped
	// delivery errors, redundant loads). Defaults to slog.Default() if nil.
	Logger *slog.Logger

	// OnSend, OnUpdate and OnChange are the runtime's event hooks
	// (spec.md §4.1's Send/Update/Change events). Any may be nil.
	OnSend   func(SendEvent)
	OnUpdate func(UpdateEvent)
	OnChange func()
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// SendEvent is emitted once per closed transaction that produced at least
// one fragment.
type SendEvent struct {
	Message  []byte
	SenderID string
	Counter  uint64
}

// UpdateEventType distinguishes the origin of an UpdateEvent.
type UpdateEventType int

const (
	UpdateFromLocal UpdateEventType = iota
	UpdateFromReceive
	UpdateFromLoad
	// UpdateFromExpiry marks a PresenceMap entry's local TTL timer firing
	// (spec.md §4.6): the key is marked absent with no network effect, but
	// is still surfaced as an UpdateEvent like any other observable change.
	UpdateFromExpiry
)

// UpdateEvent is emitted once per delivered fragment, local or remote,
// once per applied Load, and once per presence expiry.
type UpdateEvent struct {
	Type    UpdateEventType
	Caller  string
	Path    string
	Sender  string
	Counter uint64
}
