package wire

import (
	"bytes"
	"fmt"
)

// SavedNode is one node of a saved-state tree: a Collab's own opaque
// payload plus its children keyed by name (spec.md §6). Byte-key
// children (used by maps whose keys aren't valid Collab names, e.g.
// CSet/CList entries) are kept in a parallel slice since map keys must be
// strings for CBOR's canonical map encoding.
type SavedNode struct {
	Payload       []byte
	Children      map[string]SavedNode
	BytesChildren []BytesChild
}

// BytesChild is a saved-state child addressed by an opaque byte key
// rather than a string name.
type BytesChild struct {
	Key  []byte
	Node SavedNode
}

// SavedState is a full saved-state blob: the causal buffer's own saved
// state plus the document tree, in the load order spec.md §6 requires
// ("the causal buffer sub-blob is loaded first so delivery predicates are
// up to date before per-Collab merges").
type SavedState struct {
	CausalBuffer []byte
	Root         SavedNode
}

type wireNode struct {
	Payload  []byte
	Names    []string
	Children []wireNode
	ByteKeys [][]byte
	ByteKids []wireNode
}

func toWireNode(n SavedNode) wireNode {
	w := wireNode{Payload: n.Payload}
	for name, child := range n.Children {
		w.Names = append(w.Names, name)
		w.Children = append(w.Children, toWireNode(child))
	}
	for _, bc := range n.BytesChildren {
		w.ByteKeys = append(w.ByteKeys, bc.Key)
		w.ByteKids = append(w.ByteKids, toWireNode(bc.Node))
	}
	return w
}

func fromWireNode(w wireNode) SavedNode {
	n := SavedNode{Payload: w.Payload}
	if len(w.Names) > 0 {
		n.Children = make(map[string]SavedNode, len(w.Names))
		for i, name := range w.Names {
			n.Children[name] = fromWireNode(w.Children[i])
		}
	}
	for i, key := range w.ByteKeys {
		n.BytesChildren = append(n.BytesChildren, BytesChild{Key: key, Node: fromWireNode(w.ByteKids[i])})
	}
	return n
}

type wireSavedState struct {
	CausalBuffer []byte
	Root         wireNode
}

// EncodeSavedState serializes a full document save.
func EncodeSavedState(st SavedState) ([]byte, error) {
	w := wireSavedState{CausalBuffer: st.CausalBuffer, Root: toWireNode(st.Root)}
	var buf bytes.Buffer
	if err := cborEncode(&buf, w); err != nil {
		return nil, fmt.Errorf("wire: encode saved state: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSavedState parses a blob produced by EncodeSavedState.
func DecodeSavedState(data []byte) (SavedState, error) {
	var w wireSavedState
	if err := cborDecode(data, &w); err != nil {
		return SavedState{}, fmt.Errorf("wire: decode saved state: %w", err)
	}
	return SavedState{CausalBuffer: w.CausalBuffer, Root: fromWireNode(w.Root)}, nil
}
