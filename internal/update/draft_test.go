package update

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/revnote"
)

func newDraft(t *testing.T, account int, when time.Time) *DraftUpdate {
	t.Helper()
	d, err := NewDraft(Config{
		Project:  "demo",
		ChangeID: 1,
		Author:   change.AccountID(account),
		ServerID: testServerID,
		When:     when,
	})
	if err != nil {
		t.Fatalf("NewDraft: %v", err)
	}
	return d
}

func draftComment(uuid string) revnote.Comment {
	return revnote.Comment{
		Key:       revnote.Key{UUID: uuid, Filename: "widget.go", PatchSet: 1},
		Author:    revnote.AccountRef{ID: 2},
		WrittenOn: revnote.NewTimestamp(testWhen),
		Message:   "Draft thought.",
	}
}

func TestDraftLifecycle(t *testing.T) {
	repo := newRepo(t)
	c := draftComment("uuid-draft-1")

	// First draft creates the ref implicitly.
	add := newDraft(t, 2, testWhen)
	add.PutComment(rev1, c)
	res, err := add.Apply(context.Background(), repo, plumbing.ZeroHash)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.Tip.IsZero() || res.NoOp || res.Deleted {
		t.Fatalf("add: got %+v", res)
	}

	commit, err := repo.ReadCommit(res.Tip)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	notes, err := revnote.ParseTree(repo, commit.TreeHash)
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}
	if !notes.ContainsKey(c.Key) {
		t.Fatal("draft comment not stored")
	}

	// Deleting the only draft renders to ref deletion, not an empty commit.
	del := newDraft(t, 2, testWhen.Add(time.Minute))
	del.DeleteComment(rev1, c.Key)
	res2, err := del.Apply(context.Background(), repo, res.Tip)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res2.Deleted || res2.NoOp {
		t.Fatalf("delete: got %+v", res2)
	}
}

func TestDraftDeleteMissingIsNoOp(t *testing.T) {
	repo := newRepo(t)
	del := newDraft(t, 2, testWhen)
	del.DeleteComment(rev1, revnote.Key{UUID: "nope", Filename: "widget.go", PatchSet: 1})
	res, err := del.Apply(context.Background(), repo, plumbing.ZeroHash)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.NoOp {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestDraftEmptyDeltaIsNoOp(t *testing.T) {
	repo := newRepo(t)
	d := newDraft(t, 2, testWhen)
	res, err := d.Apply(context.Background(), repo, plumbing.ZeroHash)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.NoOp {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestDraftRefName(t *testing.T) {
	d := newDraft(t, 7, testWhen)
	if got := d.RefName(); got != "refs/draft-comments/01/1/7" {
		t.Fatalf("ref name: got %q", got)
	}
}
