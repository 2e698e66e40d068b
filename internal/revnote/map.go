package revnote

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/reviewstack/notedb/internal/gitstore"
)

// note blob loads per ParseTree that may run concurrently.
const parseConcurrency = 4

// Entry is one revision's note as found in a tree, with the raw bytes and
// blob id retained so an unchanged entry can be detected and reused without
// re-encoding.
type Entry struct {
	Note Note
	Raw  []byte
	Blob plumbing.Hash
}

// Map is the decoded note tree of one meta commit, keyed by the 40-hex
// reviewed revision id.
type Map struct {
	Entries map[string]*Entry
}

// NewEmptyMap returns a map with no entries, the state of a brand-new ref.
func NewEmptyMap() *Map {
	return &Map{Entries: map[string]*Entry{}}
}

// ParseTree decodes every note entry reachable from the given tree. Blob
// loads run concurrently; the result is deterministic regardless.
func ParseTree(repo *gitstore.Repo, tree plumbing.Hash) (*Map, error) {
	m := NewEmptyMap()
	if tree.IsZero() {
		return m, nil
	}
	entries, err := repo.ReadTreeEntries(tree)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(parseConcurrency)
	for name, blob := range entries {
		if !plumbing.IsHash(name) {
			return nil, fmt.Errorf("revnote: tree entry %q is not a revision id", name)
		}
		g.Go(func() error {
			raw, err := repo.ReadBlob(blob)
			if err != nil {
				return err
			}
			note, err := DecodeNote(raw)
			if err != nil {
				return fmt.Errorf("revnote: revision %s: %w", name, err)
			}
			mu.Lock()
			m.Entries[name] = &Entry{Note: note, Raw: raw, Blob: blob}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// Revisions returns the revision ids present in the map, sorted.
func (m *Map) Revisions() []string {
	out := make([]string, 0, len(m.Entries))
	for rev := range m.Entries {
		out = append(out, rev)
	}
	sort.Strings(out)
	return out
}

// ContainsKey reports whether any revision's note holds a comment with the
// given key.
func (m *Map) ContainsKey(key Key) bool {
	for _, e := range m.Entries {
		if e.Note.find(key) >= 0 {
			return true
		}
	}
	return false
}
