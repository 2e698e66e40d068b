package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/revnote"
	"github.com/reviewstack/notedb/internal/state"
)

const (
	testServerID = "test-server"
	testKey      = "Iaabbccddeeff00112233445566778899aabbccdd"
)

var (
	rev1     = strings.Repeat("1", 40)
	testWhen = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newRepo(t *testing.T) *gitstore.Repo {
	t.Helper()
	repo, err := gitstore.NewInMemory("changes", nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	return repo
}

func newUpdate(t *testing.T, account int, when time.Time) *Update {
	t.Helper()
	u, err := New(Config{
		Project:  "demo",
		ChangeID: 1,
		Author:   change.AccountID(account),
		ServerID: testServerID,
		When:     when,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return u
}

func createChange(t *testing.T, repo *gitstore.Repo) plumbing.Hash {
	t.Helper()
	u := newUpdate(t, 1, testWhen)
	u.SetAllowWriteToNewRef()
	u.SetPatchSet(1)
	u.SetCommit(plumbing.NewHash(rev1))
	key, err := change.NewKey(testKey)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	u.SetKey(key)
	u.SetSubject("Add widget support")
	u.SetBranch("main")
	u.SetStatus(change.StatusNew)

	res, err := u.Apply(context.Background(), repo, plumbing.ZeroHash)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.NoOp || res.Deleted || res.Tip.IsZero() {
		t.Fatalf("create: got %+v", res)
	}
	return res.Tip
}

func parse(t *testing.T, repo *gitstore.Repo, tip plumbing.Hash) *state.Snapshot {
	t.Helper()
	s, err := state.NewParser(repo, change.ID(1), nil).Parse(context.Background(), tip)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

func TestApplyCreateRoundTrip(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	s := parse(t, repo, tip)
	if s.Key != change.Key(testKey) {
		t.Fatalf("key: got %s", s.Key)
	}
	if s.Branch != "refs/heads/main" {
		t.Fatalf("branch: got %q", s.Branch)
	}
	if s.Subject != "Add widget support" {
		t.Fatalf("subject: got %q", s.Subject)
	}
	if s.Status != change.StatusNew {
		t.Fatalf("status: got %s", s.Status)
	}
	ps := s.PatchSets[1]
	if ps == nil || ps.Revision.String() != rev1 {
		t.Fatalf("patch set: got %+v", ps)
	}
	if s.CurrentPatchSet != 1 {
		t.Fatalf("current: got %d", s.CurrentPatchSet)
	}
}

func TestApplyReviewRoundTrip(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	u := newUpdate(t, 2, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	u.SetChangeMessage("Looks good to me.")
	u.PutReviewer(2, change.ReviewerStateReviewer)
	if err := u.PutApproval("Code-Review", 2); err != nil {
		t.Fatalf("PutApproval: %v", err)
	}
	u.SetTopic("widgets")
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s := parse(t, repo, res.Tip)
	if s.Topic != "widgets" {
		t.Fatalf("topic: got %q", s.Topic)
	}
	if entry, ok := s.Reviewers[2]; !ok || entry.State != change.ReviewerStateReviewer {
		t.Fatalf("reviewers: got %+v", s.Reviewers)
	}
	approvals := s.Approvals[1]
	if len(approvals) != 1 || approvals[0].Value != 2 || approvals[0].Account != 2 {
		t.Fatalf("approvals: got %+v", approvals)
	}
	if len(s.Messages) != 1 || s.Messages[0].Message != "Looks good to me." {
		t.Fatalf("messages: got %+v", s.Messages)
	}
	if s.UpdateCount != 2 {
		t.Fatalf("update count: got %d", s.UpdateCount)
	}
}

func TestApplyOnBehalfVote(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	u := newUpdate(t, 1, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	if err := u.PutApprovalFor(3, "Code-Review", 1); err != nil {
		t.Fatalf("PutApprovalFor: %v", err)
	}
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s := parse(t, repo, res.Tip)
	approvals := s.Approvals[1]
	if len(approvals) != 1 || approvals[0].Account != 3 || approvals[0].Value != 1 {
		t.Fatalf("approvals: got %+v", approvals)
	}
}

func TestApplyEmptyDeltaIsNoOp(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	u := newUpdate(t, 1, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.NoOp {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestApplyNoOpAfterNoteMerge(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	c := revnote.Comment{
		Key:       revnote.Key{UUID: "uuid-1", Filename: "widget.go", PatchSet: 1},
		Author:    revnote.AccountRef{ID: 1},
		WrittenOn: revnote.NewTimestamp(testWhen),
		Message:   "Needs a nil check.",
	}

	u := newUpdate(t, 1, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	u.PutComment(rev1, c)
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if res.NoOp {
		t.Fatal("first put should commit")
	}

	// Re-publishing the identical comment merges to the identical tree.
	dup := newUpdate(t, 1, testWhen.Add(2*time.Minute))
	dup.SetPatchSet(1)
	dup.PutComment(rev1, c)
	res2, err := dup.Apply(context.Background(), repo, res.Tip)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if !res2.NoOp {
		t.Fatalf("expected no-op, got %+v", res2)
	}
}

func TestApplyRootOnlyGuard(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	u := newUpdate(t, 1, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	u.SetRevertOf(7)
	_, err := u.Apply(context.Background(), repo, tip)
	if !errors.Is(err, ErrRootOnly) {
		t.Fatalf("expected ErrRootOnly, got %v", err)
	}
}

func TestApplyNewRefGuard(t *testing.T) {
	repo := newRepo(t)
	u := newUpdate(t, 1, testWhen)
	u.SetPatchSet(1)
	u.SetTopic("widgets")
	_, err := u.Apply(context.Background(), repo, plumbing.ZeroHash)
	if !errors.Is(err, ErrNewRef) {
		t.Fatalf("expected ErrNewRef, got %v", err)
	}
}

func TestApplyDeterministic(t *testing.T) {
	build := func() plumbing.Hash {
		repo := newRepo(t)
		tip := createChange(t, repo)
		u := newUpdate(t, 2, testWhen.Add(time.Minute))
		u.SetPatchSet(1)
		u.SetChangeMessage("Looks good to me.")
		u.PutReviewer(2, change.ReviewerStateReviewer)
		if err := u.PutApproval("Code-Review", 2); err != nil {
			t.Fatalf("PutApproval: %v", err)
		}
		res, err := u.Apply(context.Background(), repo, tip)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		return res.Tip
	}
	if first, second := build(), build(); first != second {
		t.Fatalf("equal deltas produced different tips: %s vs %s", first, second)
	}
}

func TestExemptFromUpdateCount(t *testing.T) {
	for _, tc := range []struct {
		status change.Status
		want   bool
	}{
		{change.StatusMerged, true},
		{change.StatusAbandoned, true},
		{change.StatusNew, false},
	} {
		u := newUpdate(t, 1, testWhen)
		u.SetStatus(tc.status)
		if got := u.ExemptFromUpdateCount(); got != tc.want {
			t.Fatalf("status %s: exempt = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestPublishedComments(t *testing.T) {
	u := newUpdate(t, 1, testWhen)
	u.SetPatchSet(1)
	key := NewCommentKey("widget.go", 1)
	u.PutComment(rev1, revnote.Comment{Key: key, Author: revnote.AccountRef{ID: 1}, Message: "hi"})

	refs := u.PublishedComments()
	if len(refs) != 1 || refs[0].Rev != rev1 || refs[0].Key != key {
		t.Fatalf("published comments: got %+v", refs)
	}
	if key.UUID == "" || key.Filename != "widget.go" || key.PatchSet != 1 {
		t.Fatalf("comment key: got %+v", key)
	}
}

func TestSubmitRecordsRoundTrip(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	u := newUpdate(t, 1, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	u.SetStatus(change.StatusMerged)
	u.SetSubmissionID("1-1648")
	u.SetSubmitRecords([]change.SubmitRecord{{
		Status: change.SubmitRecordOK,
		Labels: []change.SubmitRecordLabel{{
			Status:    change.SubmitLabelOK,
			Label:     "Code-Review",
			AppliedBy: 2,
		}},
	}})
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s := parse(t, repo, res.Tip)
	if s.Status != change.StatusMerged || s.SubmissionID != "1-1648" {
		t.Fatalf("merge state: got %s / %q", s.Status, s.SubmissionID)
	}
	if len(s.SubmitRecords) != 1 {
		t.Fatalf("submit records: got %+v", s.SubmitRecords)
	}
	rec := s.SubmitRecords[0]
	if rec.Status != change.SubmitRecordOK || len(rec.Labels) != 1 || rec.Labels[0].AppliedBy != 2 {
		t.Fatalf("submit record: got %+v", rec)
	}
}

func TestApplyRealUserFooter(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	u, err := New(Config{
		Project:    "demo",
		ChangeID:   1,
		Author:     2,
		RealAuthor: 5,
		ServerID:   testServerID,
		When:       testWhen.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u.SetPatchSet(1)
	u.SetChangeMessage("On behalf of a colleague.")
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s := parse(t, repo, res.Tip)
	if len(s.Messages) != 1 {
		t.Fatalf("messages: got %+v", s.Messages)
	}
	m := s.Messages[len(s.Messages)-1]
	if m.Author != 2 || m.RealAuthor != 5 {
		t.Fatalf("message authorship: got %+v", m)
	}
}

func TestApplyCommitSubjects(t *testing.T) {
	u := newUpdate(t, 1, testWhen)
	u.SetPatchSet(1)
	u.SetCommit(plumbing.NewHash(rev1))
	if got := u.subjectLine(); got != "Create change" {
		t.Fatalf("subject: got %q", got)
	}

	u2 := newUpdate(t, 1, testWhen)
	u2.SetPatchSet(3)
	u2.SetCommit(plumbing.NewHash(rev1))
	if got := u2.subjectLine(); got != "Create patch set 3" {
		t.Fatalf("subject: got %q", got)
	}

	u3 := newUpdate(t, 1, testWhen)
	u3.SetPatchSet(2)
	if got := u3.subjectLine(); got != fmt.Sprintf("Update patch set %d", 2) {
		t.Fatalf("subject: got %q", got)
	}
}

func TestApplyBorrowedBaseNotes(t *testing.T) {
	repo := newRepo(t)
	tip := createChange(t, repo)

	c := revnote.Comment{
		Key:       revnote.Key{UUID: "uuid-1", Filename: "widget.go", PatchSet: 1},
		Author:    revnote.AccountRef{ID: 1},
		WrittenOn: revnote.NewTimestamp(testWhen),
		Message:   "Needs a nil check.",
	}
	u := newUpdate(t, 1, testWhen.Add(time.Minute))
	u.SetPatchSet(1)
	u.PutComment(rev1, c)
	res, err := u.Apply(context.Background(), repo, tip)
	if err != nil || res.NoOp {
		t.Fatalf("publish: %+v err %v", res, err)
	}
	tip = res.Tip

	pc, err := repo.ReadCommit(tip)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	base, err := revnote.ParseTree(repo, pc.TreeHash)
	if err != nil {
		t.Fatalf("ParseTree: %v", err)
	}

	// A borrowed map tagged with the current tip is trusted: re-putting the
	// identical comment merges to a no-op without re-reading the tree.
	again := newUpdate(t, 1, testWhen.Add(2*time.Minute))
	again.SetPatchSet(1)
	again.PutComment(rev1, c)
	again.SetBaseNotes(tip, base)
	res, err = again.Apply(context.Background(), repo, tip)
	if err != nil || !res.NoOp {
		t.Fatalf("borrowed base: %+v err %v", res, err)
	}

	// Tagged with a stale tip, the borrowed map is ignored and the parent
	// tree is parsed fresh; the result is the same no-op.
	stale := newUpdate(t, 1, testWhen.Add(3*time.Minute))
	stale.SetPatchSet(1)
	stale.PutComment(rev1, c)
	stale.SetBaseNotes(plumbing.NewHash(strings.Repeat("9", 40)), revnote.NewEmptyMap())
	res, err = stale.Apply(context.Background(), repo, tip)
	if err != nil || !res.NoOp {
		t.Fatalf("stale borrowed base: %+v err %v", res, err)
	}
}
