package crdts

import (
	"fmt"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/wire"
)

// RichText layers formatting spans over a Text (spec.md §4.6): a fixed
// two-child container, "text" holding the characters and "spans" holding
// the append-only SpanLog, mirroring the teacher's parent-pointer child
// wiring (lww_map.go's lazily-created children, specialized here to two
// always-present, statically-named children instead of an open set).
type RichText struct {
	collab.Node
	text  *Text
	spans *SpanLog
}

// NewRichText constructs a RichText as a container child.
func NewRichText(n *collab.Node) collab.Collab {
	r := &RichText{Node: *n}

	textNode := &collab.Node{}
	textNode.Init("text", r, r.Runtime())
	r.text = &Text{ValueList: NewValueList(textNode).(*ValueList)}

	spanNode := &collab.Node{}
	spanNode.Init("spans", r, r.Runtime())
	r.spans = NewSpanLog(spanNode).(*SpanLog)

	return r
}

// InsertText splits s into runes and inserts them at index, then (if any
// formatting is given) stamps the inserted range with an open-ended span
// per key so typing inherits the formatting active at the insertion
// point.
func (r *RichText) InsertText(index int, s string, formatting map[string][]byte) error {
	return r.Runtime().WithAutoTransaction(func() error {
		if err := r.text.InsertText(index, s); err != nil {
			return err
		}
		if len(formatting) == 0 {
			return nil
		}
		start, err := r.text.GetPosition(index)
		if err != nil {
			return err
		}
		for key, value := range formatting {
			if err := r.spans.AddSpan(key, value, true, start, start, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteText removes count runes starting at index. Spans referencing the
// deleted positions remain in the log (spans describe positions, not
// characters, and positions are permanent per spec.md §3); a span whose
// start or end position was deleted still formats the present runes
// between them.
func (r *RichText) DeleteText(index, count int) error {
	return r.text.DeleteText(index, count)
}

// Format asserts key=value over the rune range [start, end).
func (r *RichText) Format(start, end int, key string, value []byte) error {
	return r.applySpan(start, end, key, value, true)
}

// ClearFormat removes key's effect over the rune range [start, end).
func (r *RichText) ClearFormat(start, end int, key string) error {
	return r.applySpan(start, end, key, nil, false)
}

func (r *RichText) applySpan(start, end int, key string, value []byte, hasValue bool) error {
	if end <= start {
		return fmt.Errorf("%w: format range [%d,%d) must be non-empty", collab.ErrMisuse, start, end)
	}
	startPos, err := r.text.GetPosition(start)
	if err != nil {
		return err
	}
	endPos, err := r.text.GetPosition(end - 1)
	if err != nil {
		return err
	}
	return r.spans.AddSpan(key, value, hasValue, startPos, endPos, false)
}

// EffectiveFormatting returns the resolved key->value map covering the
// rune at index.
func (r *RichText) EffectiveFormatting(index int) (map[string][]byte, error) {
	pos, err := r.text.GetPosition(index)
	if err != nil {
		return nil, err
	}
	return r.spans.EffectiveFormatting(pos, r.text.ValueList.source)
}

// FormattedRuns returns the whole document's formatting as maximal runs of
// identical formatting, for renderers and exporters that want the full
// layout instead of probing EffectiveFormatting one index at a time.
func (r *RichText) FormattedRuns() ([]FormattedRun, error) {
	return r.spans.EffectiveFormattingRuns(r.text.ValueList.index, r.text.ValueList.source)
}

// String renders the plain text content, ignoring formatting.
func (r *RichText) String() string { return r.text.String() }

// Length returns the number of present runes.
func (r *RichText) Length() int { return r.text.Length() }

func (r *RichText) ResolveChild(seg wire.Segment) (any, error) {
	switch {
	case seg.IsBytes:
		return nil, fmt.Errorf("%w: RichText has no byte-keyed children", collab.ErrMalformed)
	case seg.Name == "text":
		return r.text, nil
	case seg.Name == "spans":
		return r.spans, nil
	default:
		return nil, fmt.Errorf("%w: RichText has no child named %q", collab.ErrMalformed, seg.Name)
	}
}

func (r *RichText) Children() []wire.Segment {
	return []wire.Segment{wire.StringSegment("text"), wire.StringSegment("spans")}
}

// ReceiveLocal is never addressed directly: every fragment resolves one
// more segment down to "text" or "spans".
func (r *RichText) ReceiveLocal(payload []byte, meta wire.Meta) error {
	return fmt.Errorf("%w: RichText received a fragment addressed to itself", collab.ErrMalformed)
}

func (r *RichText) SavePayload() ([]byte, error) { return nil, nil }
func (r *RichText) LoadPayload(data []byte) error { return nil }

func (r *RichText) CanGC() bool {
	return r.text.CanGC() && r.spans.CanGC()
}

var (
	_ collab.Collab    = (*RichText)(nil)
	_ collab.Container = (*RichText)(nil)
)
