package crdts

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cshekharsharma/collabs/collab"
)

// Text is spec.md §4.6's text Collab: a ValueList specialized to single
// Unicode code points, addressed by rune index rather than byte offset.
// It delegates entirely to an embedded ValueList for positions, ordering,
// wire encoding, and save/load, so a Text and a ValueList converge by the
// exact same rule; the only thing this type adds is the rune-oriented
// string-in/string-out surface callers expect from text.
type Text struct {
	*ValueList
}

// NewText constructs a Text as a container child.
func NewText(n *collab.Node) collab.Collab {
	return &Text{ValueList: NewValueList(n).(*ValueList)}
}

// InsertText splits s into runes and inserts them starting at index.
func (t *Text) InsertText(index int, s string) error {
	if s == "" {
		return fmt.Errorf("%w: insert requires a non-empty string", collab.ErrMisuse)
	}
	runes := make([][]byte, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		buf := make([]byte, utf8.RuneLen(r))
		utf8.EncodeRune(buf, r)
		runes = append(runes, buf)
	}
	return t.ValueList.Insert(index, runes...)
}

// DeleteText removes count runes starting at index.
func (t *Text) DeleteText(index, count int) error {
	return t.ValueList.Delete(index, count)
}

// String renders the full present text.
func (t *Text) String() string {
	var b strings.Builder
	for _, e := range t.Entries() {
		b.Write(e.Value)
	}
	return b.String()
}

// Slice renders the present text in [start, end) rune indices.
func (t *Text) Slice(start, end int) (string, error) {
	values, err := t.ValueList.Slice(start, end)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, v := range values {
		b.Write(v)
	}
	return b.String(), nil
}

// GetRune returns the rune at index.
func (t *Text) GetRune(index int) (rune, error) {
	v, err := t.ValueList.Get(index)
	if err != nil {
		return 0, err
	}
	r, _ := utf8.DecodeRune(v)
	return r, nil
}

var _ collab.Collab = (*Text)(nil)
