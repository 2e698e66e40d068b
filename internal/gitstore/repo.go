// Package gitstore adapts a go-git repository to the narrow object-store
// surface the engine needs: content-addressed blob/tree/commit storage and
// a reference database with compare-and-swap updates.
package gitstore

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"
)

var (
	// ErrNotLinear indicates a meta ref whose history contains a merge
	// commit; change logs are single linear chains by construction.
	ErrNotLinear = errors.New("gitstore: meta history is not linear")

	noOpLogger = zap.NewNop()
)

// Repo wraps one repository plus the identity metadata used when writing
// refs on its behalf.
type Repo struct {
	name   string
	gr     *git.Repository
	logger *zap.Logger
}

// NewInMemory creates an empty bare repository backed by memory storage.
func NewInMemory(name string, logger *zap.Logger) (*Repo, error) {
	gr, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("gitstore: init %s: %w", name, err)
	}
	return wrap(name, gr, logger), nil
}

// Open opens an existing repository at the given path.
func Open(name, path string, logger *zap.Logger) (*Repo, error) {
	gr, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("gitstore: open %s: %w", path, err)
	}
	return wrap(name, gr, logger), nil
}

func wrap(name string, gr *git.Repository, logger *zap.Logger) *Repo {
	if logger == nil {
		logger = noOpLogger
	}
	return &Repo{name: name, gr: gr, logger: logger.With(zap.String("repo", name))}
}

// Name returns the repository's logical name.
func (r *Repo) Name() string {
	return r.name
}

// Tip resolves a ref to its current commit id, or the zero id when the ref
// does not exist.
func (r *Repo) Tip(ref string) (plumbing.Hash, error) {
	stored, err := r.gr.Storer.Reference(plumbing.ReferenceName(ref))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: resolve %s: %w", ref, err)
	}
	return stored.Hash(), nil
}

// Refs lists the name and tip of every ref under the given prefix.
func (r *Repo) Refs(prefix string) (map[string]plumbing.Hash, error) {
	iter, err := r.gr.Storer.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("gitstore: list refs: %w", err)
	}
	defer iter.Close()

	out := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if strings.HasPrefix(string(ref.Name()), prefix) {
			out[string(ref.Name())] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitstore: list refs: %w", err)
	}
	return out, nil
}

// InsertBlob stores raw bytes as a blob object.
func (r *Repo) InsertBlob(data []byte) (plumbing.Hash, error) {
	obj := r.gr.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert blob: %w", err)
	}
	h, err := r.gr.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert blob: %w", err)
	}
	return h, nil
}

// ReadBlob returns the raw bytes of a blob object.
func (r *Repo) ReadBlob(h plumbing.Hash) ([]byte, error) {
	blob, err := object.GetBlob(r.gr.Storer, h)
	if err != nil {
		return nil, fmt.Errorf("gitstore: read blob %s: %w", h, err)
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("gitstore: read blob %s: %w", h, err)
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("gitstore: read blob %s: %w", h, err)
	}
	return data, nil
}

// TreeEntry is one blob entry of a flat tree.
type TreeEntry struct {
	Name string
	Blob plumbing.Hash
}

// InsertTree stores a flat tree of regular-file blob entries. Entries are
// sorted by name so the same contents always produce the same tree id.
func (r *Repo) InsertTree(entries []TreeEntry) (plumbing.Hash, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	tree := &object.Tree{Entries: make([]object.TreeEntry, len(sorted))}
	for i, e := range sorted {
		tree.Entries[i] = object.TreeEntry{Name: e.Name, Mode: filemode.Regular, Hash: e.Blob}
	}
	obj := r.gr.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert tree: %w", err)
	}
	h, err := r.gr.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert tree: %w", err)
	}
	return h, nil
}

// ReadTreeEntries returns the blob entries of a flat tree, keyed by name.
func (r *Repo) ReadTreeEntries(h plumbing.Hash) (map[string]plumbing.Hash, error) {
	tree, err := object.GetTree(r.gr.Storer, h)
	if err != nil {
		return nil, fmt.Errorf("gitstore: read tree %s: %w", h, err)
	}
	out := make(map[string]plumbing.Hash, len(tree.Entries))
	for _, e := range tree.Entries {
		out[e.Name] = e.Hash
	}
	return out, nil
}

// CommitSpec describes a commit object to insert.
type CommitSpec struct {
	Author    object.Signature
	Committer object.Signature
	Message   string
	Tree      plumbing.Hash
	Parent    plumbing.Hash
}

// InsertCommit stores a commit object and returns its id. A zero parent
// hash produces a root commit.
func (r *Repo) InsertCommit(spec CommitSpec) (plumbing.Hash, error) {
	c := &object.Commit{
		Author:    spec.Author,
		Committer: spec.Committer,
		Message:   spec.Message,
		TreeHash:  spec.Tree,
	}
	if !spec.Parent.IsZero() {
		c.ParentHashes = []plumbing.Hash{spec.Parent}
	}
	obj := r.gr.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert commit: %w", err)
	}
	h, err := r.gr.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitstore: insert commit: %w", err)
	}
	return h, nil
}

// ReadCommit loads a commit object.
func (r *Repo) ReadCommit(h plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(r.gr.Storer, h)
	if err != nil {
		return nil, fmt.Errorf("gitstore: read commit %s: %w", h, err)
	}
	return c, nil
}

// WalkLinear visits the commits reachable from tip, newest first, following
// first parents only and rejecting merges.
func (r *Repo) WalkLinear(tip plumbing.Hash, visit func(*object.Commit) error) error {
	for h := tip; !h.IsZero(); {
		c, err := r.ReadCommit(h)
		if err != nil {
			return err
		}
		if c.NumParents() > 1 {
			return fmt.Errorf("%w: commit %s has %d parents", ErrNotLinear, h, c.NumParents())
		}
		if err := visit(c); err != nil {
			return err
		}
		if c.NumParents() == 0 {
			return nil
		}
		h = c.ParentHashes[0]
	}
	return nil
}

// EmptyTree inserts (or re-derives) the canonical empty tree.
func (r *Repo) EmptyTree() (plumbing.Hash, error) {
	return r.InsertTree(nil)
}
