package indexedlist

import "github.com/cshekharsharma/collabs/position"

// Cursor streams present positions out of an OrderedIndex in list order
// without repeatedly paying the O(log n) GetByIndex cost per step — each
// Next is amortized O(1) except at subtree boundaries. Used by
// crdts.SpanLog.EffectiveFormattingRuns to walk a whole RichText document
// once instead of calling GetByIndex per rune (spec.md §C, supplementing
// the bare index-of/get-by-index operations spec.md §4.5 describes).
//
// A Cursor is invalidated by any insert or delete on its index performed
// after it was created; callers that mutate mid-iteration should rebuild
// it.
type Cursor struct {
	idx   *OrderedIndex
	stack []*node // ancestors not yet fully visited, topmost = current
}

// NewCursor creates a Cursor positioned before the first present entry.
func NewCursor(idx *OrderedIndex) *Cursor {
	c := &Cursor{idx: idx}
	c.pushLeftSpine(idx.root)
	return c
}

func (c *Cursor) pushLeftSpine(n *node) {
	for n != nil {
		c.stack = append(c.stack, n)
		n = n.left
	}
}

// Next advances to, and returns, the next present position. ok is false
// once iteration is exhausted.
func (c *Cursor) Next() (pos position.Position, ok bool) {
	for len(c.stack) > 0 {
		top := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		c.pushLeftSpine(top.right)
		if top.present {
			return top.pos, true
		}
	}
	return position.Position{}, false
}

// Rest drains every remaining present position.
func (c *Cursor) Rest() []position.Position {
	var out []position.Position
	for {
		p, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

// CursorAt creates a Cursor positioned so the next Next() call returns the
// first present entry at or after index i (or exhausts immediately if i
// is beyond the end).
func CursorAt(idx *OrderedIndex, i int) (*Cursor, error) {
	if i <= 0 {
		return NewCursor(idx), nil
	}
	if i >= presentSize(idx.root) {
		return &Cursor{idx: idx}, nil
	}

	c := &Cursor{idx: idx}
	n, skip := idx.root, i
	for n != nil {
		leftCount := presentSize(n.left)
		switch {
		case skip < leftCount:
			c.stack = append(c.stack, n)
			n = n.left
		case skip == leftCount && n.present:
			c.stack = append(c.stack, n)
			n = nil
		default:
			self := 0
			if n.present {
				self = 1
			}
			skip -= leftCount + self
			n = n.right
		}
	}
	return c, nil
}
