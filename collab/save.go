package collab

import (
	"fmt"

	"github.com/cshekharsharma/collabs/wire"
)

// Save produces a snapshot containing the causal buffer state and every
// registered Collab's own state, recursively through containers
// (spec.md §4.1, §6).
func (rt *Runtime) Save() ([]byte, error) {
	rt.mu.Lock()
	if rt.txn != nil {
		rt.mu.Unlock()
		return nil, fmt.Errorf("%w: save called mid-transaction", ErrMisuse)
	}
	rt.mu.Unlock()

	bufBlob, err := rt.buffer.Save()
	if err != nil {
		return nil, fmt.Errorf("collab: save causal buffer: %w", err)
	}

	root := wire.SavedNode{Children: make(map[string]wire.SavedNode)}
	rt.mu.Lock()
	for name, c := range rt.roots {
		node, err := saveNode(c)
		if err != nil {
			rt.mu.Unlock()
			return nil, fmt.Errorf("collab: save %q: %w", name, err)
		}
		root.Children[name] = node
	}
	rt.mu.Unlock()

	return wire.EncodeSavedState(wire.SavedState{CausalBuffer: bufBlob, Root: root})
}

func saveNode(c Collab) (wire.SavedNode, error) {
	payload, err := c.SavePayload()
	if err != nil {
		return wire.SavedNode{}, err
	}
	node := wire.SavedNode{Payload: payload}

	container, ok := c.(Container)
	if !ok {
		return node, nil
	}
	for _, seg := range container.Children() {
		child, err := container.ResolveChild(seg)
		if err != nil {
			return wire.SavedNode{}, err
		}
		childCollab, ok := child.(Collab)
		if !ok {
			return wire.SavedNode{}, fmt.Errorf("%w: container child is not a Collab", ErrMalformed)
		}
		childNode, err := saveNode(childCollab)
		if err != nil {
			return wire.SavedNode{}, err
		}
		if seg.IsBytes {
			node.BytesChildren = append(node.BytesChildren, wire.BytesChild{Key: seg.Bytes, Node: childNode})
		} else {
			if node.Children == nil {
				node.Children = make(map[string]wire.SavedNode)
			}
			node.Children[seg.Name] = childNode
		}
	}
	return node, nil
}

// Load applies a snapshot produced by Save (spec.md §4.1, §6). The causal
// buffer sub-blob is merged first so delivery predicates are current
// before any per-Collab merge runs, matching spec.md §6's ordering
// requirement.
func (rt *Runtime) Load(data []byte, caller string) error {
	rt.mu.Lock()
	if rt.inReceive || rt.inLoad {
		rt.mu.Unlock()
		return fmt.Errorf("%w: load called reentrantly", ErrMisuse)
	}
	if rt.txn != nil {
		rt.mu.Unlock()
		return fmt.Errorf("%w: load called mid-transaction", ErrMisuse)
	}
	rt.inLoad = true
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.inLoad = false
		rt.mu.Unlock()
	}()

	st, err := wire.DecodeSavedState(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	loadResult, err := rt.buffer.Load(st.CausalBuffer)
	if err != nil {
		return fmt.Errorf("%w: causal buffer: %v", ErrMalformed, err)
	}

	if loadResult.Redundant && !rt.config.AllowRedundantLoads {
		rt.config.logger().Debug("collab: dropping redundant load")
		return nil
	}

	rt.mu.Lock()
	roots := make(map[string]Collab, len(rt.roots))
	for k, v := range rt.roots {
		roots[k] = v
	}
	rt.mu.Unlock()

	for name, node := range st.Root.Children {
		c, ok := roots[name]
		if !ok {
			return fmt.Errorf("%w: saved state references unregistered child %q", ErrVersionMismatch, name)
		}
		if err := loadNode(c, node); err != nil {
			return fmt.Errorf("collab: load %q: %w", name, err)
		}
	}

	if rt.buffer.Check() {
		// Transactions that were pending purely for want of this causal
		// buffer merge are now delivered via deliverTransaction.
	}
	if rt.config.OnUpdate != nil {
		rt.config.OnUpdate(UpdateEvent{Type: UpdateFromLoad, Caller: caller})
	}
	if rt.config.OnChange != nil {
		rt.config.OnChange()
	}
	return nil
}

func loadNode(c Collab, node wire.SavedNode) error {
	if err := c.LoadPayload(node.Payload); err != nil {
		return err
	}
	if len(node.Children) == 0 && len(node.BytesChildren) == 0 {
		return nil
	}
	container, ok := c.(Container)
	if !ok {
		return fmt.Errorf("%w: saved state has children for a non-container Collab", ErrVersionMismatch)
	}
	for name, childNode := range node.Children {
		child, err := container.ResolveChild(wire.StringSegment(name))
		if err != nil {
			return err
		}
		childCollab, ok := child.(Collab)
		if !ok {
			return fmt.Errorf("%w: resolved child is not a Collab", ErrMalformed)
		}
		if err := loadNode(childCollab, childNode); err != nil {
			return err
		}
	}
	for _, bc := range node.BytesChildren {
		child, err := container.ResolveChild(wire.BytesSegment(bc.Key))
		if err != nil {
			return err
		}
		childCollab, ok := child.(Collab)
		if !ok {
			return fmt.Errorf("%w: resolved child is not a Collab", ErrMalformed)
		}
		if err := loadNode(childCollab, bc.Node); err != nil {
			return err
		}
	}
	return nil
}
