package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/footer"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/revnote"
)

// DraftUpdate is a delta against one author's draft-comment ref in the
// drafts repository. Draft refs hold only a note tree; when the last draft
// is deleted the ref itself renders to deletion.
type DraftUpdate struct {
	cfg      Config
	patchSet int

	puts    []commentPut
	deletes []commentDelete
}

// NewDraft validates the delta identity and returns an empty draft delta.
func NewDraft(cfg Config) (*DraftUpdate, error) {
	if cfg.ChangeID <= 0 {
		return nil, change.ErrInvalidChangeID
	}
	if cfg.Author <= 0 {
		return nil, change.ErrInvalidAccountID
	}
	if cfg.ServerID == "" {
		return nil, errors.New("update: server id is required")
	}
	if cfg.When.IsZero() {
		return nil, errors.New("update: timestamp is required")
	}
	if cfg.RealAuthor == 0 {
		cfg.RealAuthor = cfg.Author
	}
	cfg.When = cfg.When.UTC().Truncate(time.Second)
	return &DraftUpdate{cfg: cfg, patchSet: 1}, nil
}

// RefName is the per-author draft ref this delta renders to.
func (d *DraftUpdate) RefName() string {
	return change.DraftRef(d.cfg.ChangeID, d.cfg.Author)
}

// ChangeID returns the change this delta belongs to.
func (d *DraftUpdate) ChangeID() change.ID {
	return d.cfg.ChangeID
}

// Author returns the account whose drafts this delta edits.
func (d *DraftUpdate) Author() change.AccountID {
	return d.cfg.Author
}

// SetPatchSet names the patch set recorded in the draft commit's footer.
func (d *DraftUpdate) SetPatchSet(n int) { d.patchSet = n }

// PutComment stages a draft comment on the given revision.
func (d *DraftUpdate) PutComment(rev string, c revnote.Comment) {
	d.puts = append(d.puts, commentPut{rev: rev, comment: c})
}

// DeleteComment stages removal of a draft comment.
func (d *DraftUpdate) DeleteComment(rev string, key revnote.Key) {
	d.deletes = append(d.deletes, commentDelete{rev: rev, key: key})
}

// Empty reports whether the delta stages no comment edits.
func (d *DraftUpdate) Empty() bool {
	return len(d.puts) == 0 && len(d.deletes) == 0
}

// DraftCleanup derives the draft delta that removes this update's
// published comments from its author's draft ref. Returns nil when the
// update publishes nothing.
func (u *Update) DraftCleanup() *DraftUpdate {
	if len(u.puts) == 0 {
		return nil
	}
	d := &DraftUpdate{cfg: u.cfg, patchSet: u.patchSet}
	if d.patchSet <= 0 {
		d.patchSet = 1
	}
	for _, p := range u.puts {
		d.deletes = append(d.deletes, commentDelete{rev: p.rev, key: p.comment.Key})
	}
	return d
}

// Apply renders the delta against the parent tip of the draft ref. Unlike
// change deltas, draft refs are created implicitly on the first draft, and
// removing the last draft yields the Deleted outcome instead of an empty
// commit.
func (d *DraftUpdate) Apply(ctx context.Context, repo *gitstore.Repo, parent plumbing.Hash) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if d.Empty() {
		return Result{NoOp: true}, nil
	}

	var base *revnote.Map
	if !parent.IsZero() {
		pc, err := repo.ReadCommit(parent)
		if err != nil {
			return Result{}, err
		}
		if base, err = revnote.ParseTree(repo, pc.TreeHash); err != nil {
			return Result{}, err
		}
	}

	nb := revnote.NewBuilder(base)
	for _, p := range d.puts {
		nb.PutComment(p.rev, p.comment)
	}
	for _, del := range d.deletes {
		nb.DeleteComment(del.rev, del.key)
	}
	merged, err := nb.Merge(repo)
	if err != nil {
		return Result{}, err
	}
	if !merged.Changed {
		return Result{NoOp: true}, nil
	}
	if merged.Empty {
		if parent.IsZero() {
			return Result{NoOp: true}, nil
		}
		return Result{Deleted: true}, nil
	}

	tree, err := repo.InsertTree(merged.TreeEntries)
	if err != nil {
		return Result{}, err
	}
	ident := change.NewIdent(d.cfg.Author, d.cfg.ServerID)
	sig := object.Signature{Name: ident.Name, Email: ident.Email, When: d.cfg.When}

	b := footer.NewBuilder("Update draft comments", "")
	b.Add(footer.KeyPatchSet, fmt.Sprintf("%d", d.patchSet))

	tip, err := repo.InsertCommit(gitstore.CommitSpec{
		Author:    sig,
		Committer: sig,
		Message:   b.String(),
		Tree:      tree,
		Parent:    parent,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Tip: tip}, nil
}
