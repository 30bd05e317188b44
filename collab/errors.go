package collab

import "errors"

// Sentinel errors implementing spec.md §7's error taxonomy. Kinds are
// distinguished by these sentinels rather than by concrete error types,
// so callers branch with errors.Is.
var (
	// ErrMisuse covers spec.md §7's "Misuse" row: send during receive,
	// receive during receive, load mid-transaction, an unregistered child
	// name, an empty insert bulk, or an out-of-bounds index.
	ErrMisuse = errors.New("collab: misuse")

	// ErrMalformed covers undecodable bytes or an invariant violated by a
	// saved state.
	ErrMalformed = errors.New("collab: malformed input")

	// ErrVersionMismatch covers a saved state whose child was built with a
	// different Collab kind than the one currently registered under that
	// name.
	ErrVersionMismatch = errors.New("collab: version mismatch")
)
