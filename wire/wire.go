// Package wire implements the byte-blob boundary of spec.md §6: message
// blobs (a transaction's fragments plus its causal metadata) and
// saved-state blobs (a tree mirroring the Collab tree plus the causal
// buffer's own state). Everything inside a Fragment's Payload is opaque
// to this package — callers (collab.Runtime, crdts/*) own that encoding;
// wire only owns the routing envelope around it.
//
// CBOR (github.com/ugorji/go/codec) is used throughout: it already gives
// variable-length integers, a native string/bytes distinction, and
// forward-compatible decoding of unrecognized map keys, which is exactly
// what spec.md §6's format constraints ask for, without this package
// having to hand-roll a length-prefixed scheme.
package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"
)

var cborHandle = &codec.CborHandle{}

func init() {
	cborHandle.Canonical = true
}

// Segment is one step of a Fragment's path: either a UTF-8 child name or
// an opaque byte key. Exactly one of Name/Bytes is meaningful, selected by
// IsBytes — kept as a tagged pair rather than an interface so it encodes
// as a plain CBOR map with no type-registry machinery.
type Segment struct {
	Name    string
	Bytes   []byte
	IsBytes bool
}

// StringSegment builds a string path segment.
func StringSegment(name string) Segment { return Segment{Name: name} }

// BytesSegment builds an opaque byte-key path segment.
func BytesSegment(b []byte) Segment { return Segment{Bytes: b, IsBytes: true} }

// Fragment is one message fragment: the path from the document root to
// the Collab that produced it, plus that Collab's opaque payload
// (spec.md §6: "a list of path segments where segments are either UTF-8
// strings or opaque byte arrays").
type Fragment struct {
	Path    []Segment
	Payload []byte
}

// Meta is the transaction metadata carried alongside a message blob's
// fragments (spec.md §6).
type Meta struct {
	Sender    string
	Counter   uint64
	Lamport   uint64
	HasWall   bool
	WallClock time.Time
	Maximal   map[string]uint64
}

// Message is a full message blob: one transaction's fragments plus its
// metadata.
type Message struct {
	Meta      Meta
	Fragments []Fragment
}

// wireSegment/wireFragment/wireMeta/wireMessage are the CBOR-facing
// shapes. Kept distinct from the exported types so Segment/Fragment stay
// free to evolve without touching the encoding, and so WallClock's
// optionality round-trips explicitly instead of via time.Time's zero
// value (which collides with a deliberately-unset field).
type wireSegment struct {
	S string
	B []byte
	X bool
}

type wireFragment struct {
	Path    []wireSegment
	Payload []byte
}

type wireMeta struct {
	Sender    string
	Counter   uint64
	Lamport   uint64
	HasWall   bool
	WallUnix  int64
	WallNanos int32
	Maximal   map[string]uint64
}

type wireMessage struct {
	Meta      wireMeta
	Fragments []wireFragment
}

// EncodeMessage serializes a transaction into a self-delimited blob.
func EncodeMessage(msg Message) ([]byte, error) {
	w := wireMessage{
		Meta: wireMeta{
			Sender:  msg.Meta.Sender,
			Counter: msg.Meta.Counter,
			Lamport: msg.Meta.Lamport,
			HasWall: msg.Meta.HasWall,
			Maximal: msg.Meta.Maximal,
		},
	}
	if msg.Meta.HasWall {
		w.Meta.WallUnix = msg.Meta.WallClock.Unix()
		w.Meta.WallNanos = int32(msg.Meta.WallClock.Nanosecond())
	}
	for _, f := range msg.Fragments {
		wf := wireFragment{Payload: f.Payload}
		for _, seg := range f.Path {
			wf.Path = append(wf.Path, wireSegment{S: seg.Name, B: seg.Bytes, X: seg.IsBytes})
		}
		w.Fragments = append(w.Fragments, wf)
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, cborHandle).Encode(w); err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a message blob produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(&w); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}

	msg := Message{
		Meta: Meta{
			Sender:  w.Meta.Sender,
			Counter: w.Meta.Counter,
			Lamport: w.Meta.Lamport,
			HasWall: w.Meta.HasWall,
			Maximal: w.Meta.Maximal,
		},
	}
	if w.Meta.HasWall {
		msg.Meta.WallClock = time.Unix(w.Meta.WallUnix, int64(w.Meta.WallNanos)).UTC()
	}
	for _, wf := range w.Fragments {
		f := Fragment{Payload: wf.Payload}
		for _, ws := range wf.Path {
			f.Path = append(f.Path, Segment{Name: ws.S, Bytes: ws.B, IsBytes: ws.X})
		}
		msg.Fragments = append(msg.Fragments, f)
	}
	return msg, nil
}

// cborEncode/cborDecode are shared by savedstate.go so both files use the
// same handle and error-wrapping convention.
func cborEncode(buf *bytes.Buffer, v any) error {
	return codec.NewEncoder(buf, cborHandle).Encode(v)
}

func cborDecode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, cborHandle).Decode(v)
}

// PathString renders a fragment path as a slash-joined debug string;
// bytes segments render as a hex-ish placeholder since they are opaque.
// Not used for routing (collab.Runtime compares segments directly) —
// only for logging.
func PathString(path []Segment) string {
	var buf bytes.Buffer
	for i, seg := range path {
		if i > 0 {
			buf.WriteByte('/')
		}
		if seg.IsBytes {
			fmt.Fprintf(&buf, "<%d bytes>", len(seg.Bytes))
		} else {
			buf.WriteString(seg.Name)
		}
	}
	return buf.String()
}
