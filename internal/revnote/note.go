package revnote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Note is the decoded contents of one revision's note blob: its comments
// plus an optional signed push certificate captured when the revision was
// uploaded.
type Note struct {
	Comments []Comment `json:"comments"`
	PushCert string    `json:"pushCert,omitempty"`
}

// Empty reports whether the note carries no structural content and its
// tree entry should be removed.
func (n Note) Empty() bool {
	return len(n.Comments) == 0 && n.PushCert == ""
}

// SortComments orders comments in place by (patch set, filename, position,
// written-on, uuid), the canonical serialization order.
func SortComments(cs []Comment) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].less(cs[j]) })
}

// Encode serializes the note with sorted comments and a trailing newline.
// Encoding is deterministic: equal notes always produce equal bytes.
func (n Note) Encode() ([]byte, error) {
	sorted := make([]Comment, len(n.Comments))
	copy(sorted, n.Comments)
	SortComments(sorted)

	out := Note{Comments: sorted, PushCert: n.PushCert}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("revnote: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeNote parses a revision note blob.
func DecodeNote(data []byte) (Note, error) {
	var n Note
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&n); err != nil {
		return Note{}, fmt.Errorf("revnote: decode: %w", err)
	}
	for i, c := range n.Comments {
		if c.Key.UUID == "" {
			return Note{}, fmt.Errorf("revnote: comment %d has no key", i)
		}
	}
	return n, nil
}

// find returns the index of the comment with the given key, or -1.
func (n Note) find(key Key) int {
	for i, c := range n.Comments {
		if c.Key == key {
			return i
		}
	}
	return -1
}
