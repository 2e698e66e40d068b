// Package revnote implements the per-revision comment blobs and the note
// tree that indexes them by reviewed revision id. Blobs are JSON with a
// stable field ordering so identical logical contents always produce
// identical bytes.
package revnote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// legacy gson date format still present in old note blobs.
const legacyTimeLayout = "Jan 2, 2006 3:04:05 PM"

// Timestamp marshals as RFC3339 UTC and additionally accepts the legacy
// date-string form on read.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates to second precision, the resolution of the wire
// format.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

// MarshalJSON renders RFC3339 in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// UnmarshalJSON accepts RFC3339 and the legacy serialized date format.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse(legacyTimeLayout, raw)
	if err != nil {
		return fmt.Errorf("revnote: cannot parse timestamp %q", raw)
	}
	t.Time = parsed.UTC()
	return nil
}

// Key uniquely identifies a comment within its revision's note entry.
type Key struct {
	UUID     string `json:"uuid"`
	Filename string `json:"filename"`
	PatchSet int    `json:"patchSetId"`
}

// Range is a character-precise comment anchor.
type Range struct {
	StartLine int `json:"startLine"`
	StartChar int `json:"startChar"`
	EndLine   int `json:"endLine"`
	EndChar   int `json:"endChar"`
}

// AccountRef is the serialized form of an account id.
type AccountRef struct {
	ID int `json:"id"`
}

// Comment is one structured comment entity as stored in a revision note.
type Comment struct {
	Key        Key         `json:"key"`
	LineNumber int         `json:"lineNbr,omitempty"`
	Range      *Range      `json:"range,omitempty"`
	Author     AccountRef  `json:"author"`
	RealAuthor *AccountRef `json:"realAuthor,omitempty"`
	WrittenOn  Timestamp   `json:"writtenOn"`
	Side       int         `json:"side,omitempty"`
	Message    string      `json:"message"`
	ParentUUID string      `json:"parentUuid,omitempty"`
	Unresolved bool        `json:"unresolved,omitempty"`
	Tag        string      `json:"tag,omitempty"`
	ServerID   string      `json:"serverId,omitempty"`
}

// less orders comments for deterministic serialization: patch set, then
// file, then position, then written-on time, then uuid.
func (c Comment) less(other Comment) bool {
	if c.Key.PatchSet != other.Key.PatchSet {
		return c.Key.PatchSet < other.Key.PatchSet
	}
	if cmp := strings.Compare(c.Key.Filename, other.Key.Filename); cmp != 0 {
		return cmp < 0
	}
	if c.position() != other.position() {
		return c.position() < other.position()
	}
	if !c.WrittenOn.Equal(other.WrittenOn.Time) {
		return c.WrittenOn.Before(other.WrittenOn.Time)
	}
	return c.Key.UUID < other.Key.UUID
}

func (c Comment) position() int {
	if c.Range != nil {
		return c.Range.StartLine
	}
	return c.LineNumber
}
