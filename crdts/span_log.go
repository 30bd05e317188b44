package crdts

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/indexedlist"
	"github.com/cshekharsharma/collabs/position"
	"github.com/cshekharsharma/collabs/wire"
)

// Span is one formatting assertion over a position range: "key is value
// (or explicitly cleared, when HasValue is false) from Start to End",
// EndOpen meaning the range has no fixed end and extends to cover any
// value later inserted immediately after Start (spec.md §4.6's rich text
// formatting spans).
type Span struct {
	Key      string
	Value    []byte
	HasValue bool
	Start    position.Position
	End      position.Position
	EndOpen  bool
	Lamport  uint64
	Sender   string
}

// SpanLog is an append-only log of formatting Spans, totally ordered by
// (Lamport, Sender) — the same tie-break register.go already uses for
// LWWRegister, applied here to a log instead of a single cell so the fold
// in EffectiveFormatting is deterministic across replicas regardless of
// delivery order. Grounded on spec.md §4.6's description of rich text as
// "a Text plus an append-only log of formatting spans, total order by
// (lamport, senderID)".
type SpanLog struct {
	collab.Node
	mu    sync.RWMutex
	spans []Span
}

// NewSpanLog constructs a SpanLog as a container child.
func NewSpanLog(n *collab.Node) collab.Collab {
	return &SpanLog{Node: *n}
}

// AddSpan appends one formatting assertion. A nil value with hasValue
// false clears key over the range instead of setting it.
func (l *SpanLog) AddSpan(key string, value []byte, hasValue bool, start position.Position, end position.Position, endOpen bool) error {
	return l.Runtime().WithAutoTransaction(func() error {
		return l.Send(encodeSpan(key, value, hasValue, start, end, endOpen))
	})
}

// EffectiveFormatting folds every span covering pos, in total order, into
// a final key->value map (a key absent from the result means no span ever
// set it, or the last span touching it cleared it).
func (l *SpanLog) EffectiveFormatting(pos position.Position, source *position.Source) (map[string][]byte, error) {
	l.mu.RLock()
	spans := append([]Span(nil), l.spans...)
	l.mu.RUnlock()

	out := make(map[string][]byte)
	for _, sp := range spans {
		covers, err := spanCovers(sp, pos, source)
		if err != nil {
			return nil, err
		}
		if !covers {
			continue
		}
		if sp.HasValue {
			out[sp.Key] = sp.Value
		} else {
			delete(out, sp.Key)
		}
	}
	return out, nil
}

// FormattedRun is one maximal run of consecutive present positions sharing
// identical effective formatting — what a renderer or exporter wants,
// instead of calling EffectiveFormatting position by position.
type FormattedRun struct {
	Start      int
	End        int // exclusive
	Formatting map[string][]byte
}

// EffectiveFormattingRuns walks every present position of idx in order via
// a Cursor, folding spans into maximal runs of identical formatting.
// indexedlist.OrderedIndex.Entries' own doc comment recommends a Cursor
// over Entries for iterating large lists.
func (l *SpanLog) EffectiveFormattingRuns(idx *indexedlist.OrderedIndex, source *position.Source) ([]FormattedRun, error) {
	l.mu.RLock()
	spans := append([]Span(nil), l.spans...)
	l.mu.RUnlock()

	var runs []FormattedRun
	cur := indexedlist.NewCursor(idx)
	for i := 0; ; i++ {
		pos, ok := cur.Next()
		if !ok {
			return runs, nil
		}
		formatting := make(map[string][]byte)
		for _, sp := range spans {
			covers, err := spanCovers(sp, pos, source)
			if err != nil {
				return nil, err
			}
			if !covers {
				continue
			}
			if sp.HasValue {
				formatting[sp.Key] = sp.Value
			} else {
				delete(formatting, sp.Key)
			}
		}
		if n := len(runs); n > 0 && formattingEqual(runs[n-1].Formatting, formatting) {
			runs[n-1].End = i + 1
		} else {
			runs = append(runs, FormattedRun{Start: i, End: i + 1, Formatting: formatting})
		}
	}
}

func formattingEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !bytes.Equal(v, bv) {
			return false
		}
	}
	return true
}

func spanCovers(sp Span, pos position.Position, source *position.Source) (bool, error) {
	fromStart, err := source.Compare(sp.Start, pos)
	if err != nil {
		return false, err
	}
	if fromStart > 0 {
		return false, nil
	}
	if sp.EndOpen {
		return true, nil
	}
	toEnd, err := source.Compare(pos, sp.End)
	if err != nil {
		return false, err
	}
	return toEnd <= 0, nil
}

func (l *SpanLog) ReceiveLocal(payload []byte, meta wire.Meta) error {
	key, value, hasValue, start, end, endOpen, err := decodeSpan(payload)
	if err != nil {
		return err
	}
	sp := Span{
		Key: key, Value: value, HasValue: hasValue,
		Start: start, End: end, EndOpen: endOpen,
		Lamport: meta.Lamport, Sender: meta.Sender,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.spans), func(i int) bool { return spanLess(sp, l.spans[i]) })
	l.spans = append(l.spans, Span{})
	copy(l.spans[i+1:], l.spans[i:])
	l.spans[i] = sp
	return nil
}

// spanLess orders by (Lamport, Sender), the log's total order.
func spanLess(a, b Span) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	return a.Sender < b.Sender
}

func (l *SpanLog) SavePayload() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bySender := make(map[string][]Span)
	for _, sp := range l.spans {
		bySender[sp.Sender] = append(bySender[sp.Sender], sp)
	}
	senders := make([]string, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Strings(senders)

	var buf []byte
	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, uint32(len(senders)))
	buf = append(buf, head...)
	for _, sender := range senders {
		group := bySender[sender]
		sort.Slice(group, func(i, j int) bool { return group[i].Lamport < group[j].Lamport })

		senderHead := make([]byte, 2+len(sender)+4)
		binary.BigEndian.PutUint16(senderHead, uint16(len(sender)))
		copy(senderHead[2:], sender)
		binary.BigEndian.PutUint32(senderHead[2+len(sender):], uint32(len(group)))
		buf = append(buf, senderHead...)
		for _, sp := range group {
			lamport := make([]byte, 8)
			binary.BigEndian.PutUint64(lamport, sp.Lamport)
			buf = append(buf, lamport...)
			buf = append(buf, encodeSpan(sp.Key, sp.Value, sp.HasValue, sp.Start, sp.End, sp.EndOpen)...)
		}
	}
	return buf, nil
}

func (l *SpanLog) LoadPayload(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: truncated span log header", collab.ErrMalformed)
	}
	senderCount := int(binary.BigEndian.Uint32(data))
	data = data[4:]

	l.mu.Lock()
	defer l.mu.Unlock()
	l.spans = l.spans[:0]
	for i := 0; i < senderCount; i++ {
		if len(data) < 2 {
			return fmt.Errorf("%w: truncated span group sender header", collab.ErrMalformed)
		}
		senderLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < senderLen+4 {
			return fmt.Errorf("%w: truncated span group header", collab.ErrMalformed)
		}
		sender := string(data[:senderLen])
		data = data[senderLen:]
		n := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		for j := 0; j < n; j++ {
			if len(data) < 8 {
				return fmt.Errorf("%w: truncated span lamport", collab.ErrMalformed)
			}
			lamport := binary.BigEndian.Uint64(data)
			data = data[8:]
			key, value, hasValue, start, end, endOpen, rest, err := decodeSpanPrefix(data)
			if err != nil {
				return err
			}
			data = rest
			l.spans = append(l.spans, Span{
				Key: key, Value: value, HasValue: hasValue,
				Start: start, End: end, EndOpen: endOpen,
				Lamport: lamport, Sender: sender,
			})
		}
	}
	sort.Slice(l.spans, func(i, j int) bool { return spanLess(l.spans[i], l.spans[j]) })
	return nil
}

func (l *SpanLog) CanGC() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.spans) == 0
}

func encodeSpan(key string, value []byte, hasValue bool, start, end position.Position, endOpen bool) []byte {
	buf := make([]byte, 2+len(key))
	binary.BigEndian.PutUint16(buf, uint16(len(key)))
	copy(buf[2:], key)

	if hasValue {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	vlen := make([]byte, 4)
	binary.BigEndian.PutUint32(vlen, uint32(len(value)))
	buf = append(buf, vlen...)
	buf = append(buf, value...)

	buf = append(buf, encodePosition(start)...)
	if endOpen {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
		buf = append(buf, encodePosition(end)...)
	}
	return buf
}

func decodeSpan(data []byte) (key string, value []byte, hasValue bool, start, end position.Position, endOpen bool, err error) {
	key, value, hasValue, start, end, endOpen, _, err = decodeSpanPrefix(data)
	return
}

func decodeSpanPrefix(data []byte) (key string, value []byte, hasValue bool, start, end position.Position, endOpen bool, rest []byte, err error) {
	if len(data) < 2 {
		err = fmt.Errorf("%w: truncated span key header", collab.ErrMalformed)
		return
	}
	klen := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < klen+1+4 {
		err = fmt.Errorf("%w: truncated span key/value", collab.ErrMalformed)
		return
	}
	key = string(data[:klen])
	data = data[klen:]
	hasValue = data[0] == 1
	data = data[1:]
	vlen := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if len(data) < vlen {
		err = fmt.Errorf("%w: truncated span value", collab.ErrMalformed)
		return
	}
	value = append([]byte(nil), data[:vlen]...)
	data = data[vlen:]

	start, data, err = decodePosition(data)
	if err != nil {
		return
	}
	if len(data) < 1 {
		err = fmt.Errorf("%w: truncated span end marker", collab.ErrMalformed)
		return
	}
	endOpen = data[0] == 1
	data = data[1:]
	if !endOpen {
		end, data, err = decodePosition(data)
		if err != nil {
			return
		}
	}
	rest = data
	return
}
