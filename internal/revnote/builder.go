package revnote

import (
	"bytes"
	"sort"

	"github.com/reviewstack/notedb/internal/gitstore"
)

// Builder accumulates comment puts and deletes against a base note map and
// merges them into a new tree. Detecting that the merge is a no-op requires
// the actual base contents, which is why the builder operates on a parsed
// Map rather than on the raw delta.
type Builder struct {
	base      *Map
	puts      map[string][]Comment
	deletes   map[string]map[Key]struct{}
	pushCerts map[string]string
}

// NewBuilder starts a merge against the given base map.
func NewBuilder(base *Map) *Builder {
	if base == nil {
		base = NewEmptyMap()
	}
	return &Builder{
		base:      base,
		puts:      map[string][]Comment{},
		deletes:   map[string]map[Key]struct{}{},
		pushCerts: map[string]string{},
	}
}

// PutComment stages a comment for the given revision. The last staging of
// a key wins: a put cancels an earlier delete of the same key and replaces
// an earlier put.
func (b *Builder) PutComment(rev string, c Comment) {
	delete(b.deletes[rev], c.Key)
	staged := b.puts[rev]
	for i, existing := range staged {
		if existing.Key == c.Key {
			staged[i] = c
			return
		}
	}
	b.puts[rev] = append(staged, c)
}

// DeleteComment stages removal of a comment key from the given revision,
// cancelling any earlier put of the same key.
func (b *Builder) DeleteComment(rev string, key Key) {
	staged := b.puts[rev]
	for i, existing := range staged {
		if existing.Key == key {
			b.puts[rev] = append(staged[:i], staged[i+1:]...)
			break
		}
	}
	if b.deletes[rev] == nil {
		b.deletes[rev] = map[Key]struct{}{}
	}
	b.deletes[rev][key] = struct{}{}
}

// SetPushCert attaches a signed push certificate to the revision's entry.
func (b *Builder) SetPushCert(rev, cert string) {
	b.pushCerts[rev] = cert
}

// Touched reports whether any put, delete or certificate has been staged.
func (b *Builder) Touched() bool {
	return len(b.puts) > 0 || len(b.deletes) > 0 || len(b.pushCerts) > 0
}

// Merged is the outcome of folding the staged edits into the base tree.
type Merged struct {
	// TreeEntries is the complete new flat tree, reusing base blobs for
	// untouched revisions.
	TreeEntries []gitstore.TreeEntry
	// Changed is false when the staged edits touch zero bytes relative to
	// the base, in which case the caller must not emit a commit.
	Changed bool
	// Empty is true when no entry remains; for a drafts ref this renders as
	// ref deletion rather than an empty-tree commit.
	Empty bool
}

// Merge applies the staged edits revision by revision, re-encoding only the
// touched entries, and inserts new blobs into the repository.
func (b *Builder) Merge(repo *gitstore.Repo) (Merged, error) {
	touched := map[string]struct{}{}
	for rev := range b.puts {
		touched[rev] = struct{}{}
	}
	for rev := range b.deletes {
		touched[rev] = struct{}{}
	}
	for rev := range b.pushCerts {
		touched[rev] = struct{}{}
	}

	var out Merged
	for rev, entry := range b.base.Entries {
		if _, isTouched := touched[rev]; isTouched {
			continue
		}
		out.TreeEntries = append(out.TreeEntries, gitstore.TreeEntry{Name: rev, Blob: entry.Blob})
	}

	revs := make([]string, 0, len(touched))
	for rev := range touched {
		revs = append(revs, rev)
	}
	sort.Strings(revs)

	for _, rev := range revs {
		merged := b.mergeOne(rev)
		var baseRaw []byte
		if base := b.base.Entries[rev]; base != nil {
			baseRaw = base.Raw
		}

		if merged.Empty() {
			if baseRaw != nil {
				out.Changed = true
			}
			continue
		}

		raw, err := merged.Encode()
		if err != nil {
			return Merged{}, err
		}
		if bytes.Equal(raw, baseRaw) {
			out.TreeEntries = append(out.TreeEntries, gitstore.TreeEntry{Name: rev, Blob: b.base.Entries[rev].Blob})
			continue
		}
		blob, err := repo.InsertBlob(raw)
		if err != nil {
			return Merged{}, err
		}
		out.TreeEntries = append(out.TreeEntries, gitstore.TreeEntry{Name: rev, Blob: blob})
		out.Changed = true
	}

	out.Empty = len(out.TreeEntries) == 0
	return out, nil
}

// mergeOne folds the staged edits for one revision over its base note.
func (b *Builder) mergeOne(rev string) Note {
	var merged Note
	if base := b.base.Entries[rev]; base != nil {
		merged.Comments = append(merged.Comments, base.Note.Comments...)
		merged.PushCert = base.Note.PushCert
	}

	deletes := b.deletes[rev]
	puts := b.puts[rev]

	kept := merged.Comments[:0]
	for _, c := range merged.Comments {
		if _, del := deletes[c.Key]; del {
			continue
		}
		replaced := false
		for _, p := range puts {
			if p.Key == c.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, c)
		}
	}
	merged.Comments = kept

	merged.Comments = append(merged.Comments, puts...)

	if cert, ok := b.pushCerts[rev]; ok {
		merged.PushCert = cert
	}
	return merged
}
