package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/revnote"
)

const (
	testServerID = "test-server"
	testKey      = "Iaabbccddeeff00112233445566778899aabbccdd"
)

var (
	rev1 = strings.Repeat("1", 40)
	rev2 = strings.Repeat("2", 40)
)

// metaBuilder appends commits to an in-memory meta chain with strictly
// increasing committer times.
type metaBuilder struct {
	t    *testing.T
	repo *gitstore.Repo
	tip  plumbing.Hash
	when time.Time
}

func newMetaBuilder(t *testing.T) *metaBuilder {
	t.Helper()
	repo, err := gitstore.NewInMemory("changes", nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	return &metaBuilder{
		t:    t,
		repo: repo,
		when: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (b *metaBuilder) commit(account int, message string) plumbing.Hash {
	b.t.Helper()
	tree, err := b.repo.EmptyTree()
	if err != nil {
		b.t.Fatalf("EmptyTree: %v", err)
	}
	return b.commitTree(account, message, tree)
}

func (b *metaBuilder) commitTree(account int, message string, tree plumbing.Hash) plumbing.Hash {
	b.t.Helper()
	b.when = b.when.Add(time.Minute)
	sig := object.Signature{
		Name:  fmt.Sprintf("User %d", account),
		Email: fmt.Sprintf("%d@%s", account, testServerID),
		When:  b.when,
	}
	h, err := b.repo.InsertCommit(gitstore.CommitSpec{
		Author:    sig,
		Committer: sig,
		Message:   message,
		Tree:      tree,
		Parent:    b.tip,
	})
	if err != nil {
		b.t.Fatalf("InsertCommit: %v", err)
	}
	b.tip = h
	return h
}

func (b *metaBuilder) parse(t *testing.T) *Snapshot {
	t.Helper()
	s, err := NewParser(b.repo, change.ID(1), nil).Parse(context.Background(), b.tip)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

func msg(lines ...string) string {
	return strings.Join(lines, "\n")
}

func ident(account int) string {
	return fmt.Sprintf("User %d <%d@%s>", account, account, testServerID)
}

func createChange(b *metaBuilder) plumbing.Hash {
	return b.commit(1, msg(
		"Create change",
		"",
		"Patch-set: 1",
		"Change-id: "+testKey,
		"Subject: Add widget support",
		"Branch: main",
		"Status: new",
		"Commit: "+rev1,
	))
}

func TestParseCreateAndReview(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(1, msg(
		"Update patch set 1",
		"",
		"Asked Bob to take a look.",
		"",
		"Patch-set: 1",
		"Reviewer: "+ident(2),
	))
	b.commit(2, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Label: Code-Review=+2",
	))

	s := b.parse(t)
	if s.ChangeID != 1 || s.Key != change.Key(testKey) {
		t.Fatalf("identity: got change %d key %s", s.ChangeID.Int(), s.Key)
	}
	if s.Owner != 1 {
		t.Fatalf("owner: got %d, want 1", s.Owner.Int())
	}
	if s.Branch != "refs/heads/main" {
		t.Fatalf("branch: got %q", s.Branch)
	}
	if s.Subject != "Add widget support" || s.OriginalSubject != "Add widget support" {
		t.Fatalf("subject: got %q / %q", s.Subject, s.OriginalSubject)
	}
	if s.Status != change.StatusNew {
		t.Fatalf("status: got %s", s.Status)
	}
	if s.CurrentPatchSet != 1 {
		t.Fatalf("current patch set: got %d", s.CurrentPatchSet)
	}
	ps := s.PatchSets[1]
	if ps == nil || ps.Revision.String() != rev1 || ps.Uploader != 1 {
		t.Fatalf("patch set 1: got %+v", ps)
	}
	if entry, ok := s.Reviewers[2]; !ok || entry.State != change.ReviewerStateReviewer {
		t.Fatalf("reviewers: got %+v", s.Reviewers)
	}
	approvals := s.Approvals[1]
	if len(approvals) != 1 {
		t.Fatalf("approvals: got %d, want 1", len(approvals))
	}
	a := approvals[0]
	if a.Account != 2 || a.Label != "Code-Review" || a.Value != 2 || a.PostSubmit {
		t.Fatalf("approval: got %+v", a)
	}
	if len(s.Messages) != 1 || s.Messages[0].Message != "Asked Bob to take a look." {
		t.Fatalf("messages: got %+v", s.Messages)
	}
	if s.UpdateCount != 3 {
		t.Fatalf("update count: got %d, want 3", s.UpdateCount)
	}
	if got := s.AllPastReviewers; len(got) != 1 || got[0] != 2 {
		t.Fatalf("all past reviewers: got %v", got)
	}
	if len(s.ReviewerUpdates) != 1 || s.ReviewerUpdates[0].Reviewer != 2 {
		t.Fatalf("reviewer updates: got %+v", s.ReviewerUpdates)
	}
	if s.MetaID != b.tip {
		t.Fatalf("meta id: got %s, want %s", s.MetaID, b.tip)
	}
	if !s.HasReviewStarted {
		t.Fatal("review should have started")
	}
}

func TestParseNewestValueWins(t *testing.T) {
	b := newMetaBuilder(t)
	b.commit(1, msg(
		"Create change",
		"",
		"Patch-set: 1",
		"Change-id: "+testKey,
		"Subject: First subject",
		"Branch: refs/heads/main",
		"Status: new",
		"Commit: "+rev1,
		"Topic: alpha",
	))
	b.commit(1, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Subject: Second subject",
		"Topic: beta",
	))

	s := b.parse(t)
	if s.Topic != "beta" {
		t.Fatalf("topic: got %q, want beta", s.Topic)
	}
	if s.Subject != "Second subject" {
		t.Fatalf("subject: got %q", s.Subject)
	}
	if s.OriginalSubject != "First subject" {
		t.Fatalf("original subject: got %q", s.OriginalSubject)
	}
}

func TestParsePostSubmitApprovals(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(2, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Label: Code-Review=+2",
	))
	b.commit(1, msg(
		"Submit patch set 1",
		"",
		"Patch-set: 1",
		"Status: merged",
		"Submission-id: 1-1648",
		"Submitted-with: OK",
		"Submitted-with: OK: Code-Review: "+ident(2),
		"Label: SUBM=+1",
		"Label: Verified=+1",
	))
	b.commit(3, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Label: Code-Review=+1",
	))

	s := b.parse(t)
	if s.Status != change.StatusMerged {
		t.Fatalf("status: got %s", s.Status)
	}
	if s.SubmissionID != "1-1648" {
		t.Fatalf("submission id: got %q", s.SubmissionID)
	}
	if len(s.SubmitRecords) != 1 {
		t.Fatalf("submit records: got %d", len(s.SubmitRecords))
	}
	rec := s.SubmitRecords[0]
	if rec.Status != change.SubmitRecordOK || len(rec.Labels) != 1 || rec.Labels[0].AppliedBy != 2 {
		t.Fatalf("submit record: got %+v", rec)
	}

	wantPostSubmit := map[string]bool{
		"2/Code-Review": false, // voted before submit
		"1/SUBM":        false, // legacy submit marker is exempt
		"1/Verified":    true,  // same commit as the merge
		"3/Code-Review": true,  // voted after submit
	}
	approvals := s.Approvals[1]
	if len(approvals) != len(wantPostSubmit) {
		t.Fatalf("approvals: got %d, want %d", len(approvals), len(wantPostSubmit))
	}
	for _, a := range approvals {
		key := fmt.Sprintf("%d/%s", a.Account.Int(), a.Label)
		want, ok := wantPostSubmit[key]
		if !ok {
			t.Fatalf("unexpected approval %+v", a)
		}
		if a.PostSubmit != want {
			t.Fatalf("approval %s: postSubmit = %v, want %v", key, a.PostSubmit, want)
		}
	}
}

func TestParseVoteRemovalWinsOverOlderVote(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(2, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Label: Code-Review=+2",
	))
	b.commit(1, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Label: -Code-Review "+ident(2),
	))

	s := b.parse(t)
	approvals := s.Approvals[1]
	if len(approvals) != 1 {
		t.Fatalf("approvals: got %d, want 1", len(approvals))
	}
	a := approvals[0]
	if a.Account != 2 || a.Value != 0 {
		t.Fatalf("approval: got %+v, want removal for account 2", a)
	}
}

func TestParseDeletedPatchSetPrunes(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(1, msg(
		"Create patch set 2",
		"",
		"Patch-set: 2",
		"Subject: Add widget support",
		"Commit: "+rev2,
	))
	b.commit(2, msg(
		"Update patch set 2",
		"",
		"Looks good.",
		"",
		"Patch-set: 2",
		"Label: Code-Review=+1",
	))
	b.commit(1, msg(
		"Delete patch set 2",
		"",
		"Patch-set: 2 (deleted)",
	))

	s := b.parse(t)
	if s.PatchSets[2] != nil {
		t.Fatal("patch set 2 should have been pruned")
	}
	if s.CurrentPatchSet != 1 {
		t.Fatalf("current patch set: got %d, want 1", s.CurrentPatchSet)
	}
	if len(s.Approvals[2]) != 0 {
		t.Fatalf("approvals on deleted patch set survived: %+v", s.Approvals[2])
	}
	if len(s.Messages) != 0 {
		t.Fatalf("messages on deleted patch set survived: %+v", s.Messages)
	}
}

func TestParseCurrentMarker(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(1, msg(
		"Create patch set 2",
		"",
		"Patch-set: 2",
		"Commit: "+rev2,
	))
	b.commit(1, msg(
		"Make patch set 1 current",
		"",
		"Patch-set: 1",
		"Current: true",
	))

	s := b.parse(t)
	if s.CurrentPatchSet != 1 {
		t.Fatalf("current patch set: got %d, want 1", s.CurrentPatchSet)
	}
}

func TestParseReviewerRemoval(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(1, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Reviewer: "+ident(2),
		"CC: "+ident(3),
	))
	b.commit(1, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Removed: "+ident(2),
	))

	s := b.parse(t)
	if _, ok := s.Reviewers[2]; ok {
		t.Fatal("removed reviewer still present")
	}
	if entry, ok := s.Reviewers[3]; !ok || entry.State != change.ReviewerStateCC {
		t.Fatalf("cc entry: got %+v", s.Reviewers)
	}
	if got := s.AllPastReviewers; len(got) != 2 {
		t.Fatalf("all past reviewers: got %v", got)
	}
	// History keeps both the add and the removal, oldest first.
	if len(s.ReviewerUpdates) != 3 {
		t.Fatalf("reviewer updates: got %+v", s.ReviewerUpdates)
	}
	last := s.ReviewerUpdates[len(s.ReviewerUpdates)-1]
	if last.Reviewer != 2 || last.State != change.ReviewerStateRemoved {
		t.Fatalf("last reviewer update: got %+v", last)
	}
}

func TestParseWorkInProgress(t *testing.T) {
	t.Run("created wip", func(t *testing.T) {
		b := newMetaBuilder(t)
		b.commit(1, msg(
			"Create change",
			"",
			"Patch-set: 1",
			"Change-id: "+testKey,
			"Subject: Add widget support",
			"Branch: refs/heads/main",
			"Status: new",
			"Commit: "+rev1,
			"Work-in-progress: true",
		))
		b.commit(1, msg(
			"Update patch set 1",
			"",
			"Patch-set: 1",
			"Reviewer: "+ident(2),
		))

		s := b.parse(t)
		if !s.WorkInProgress {
			t.Fatal("change should be WIP")
		}
		if s.HasReviewStarted {
			t.Fatal("review should not have started")
		}
		if _, ok := s.PendingReviewers[2]; !ok {
			t.Fatalf("pending reviewers: got %+v", s.PendingReviewers)
		}
	})

	t.Run("review started", func(t *testing.T) {
		b := newMetaBuilder(t)
		b.commit(1, msg(
			"Create change",
			"",
			"Patch-set: 1",
			"Change-id: "+testKey,
			"Subject: Add widget support",
			"Branch: refs/heads/main",
			"Status: new",
			"Commit: "+rev1,
			"Work-in-progress: true",
		))
		b.commit(1, msg(
			"Start review",
			"",
			"Patch-set: 1",
			"Work-in-progress: false",
		))

		s := b.parse(t)
		if s.WorkInProgress {
			t.Fatal("change should not be WIP")
		}
		if !s.HasReviewStarted {
			t.Fatal("review should have started")
		}
	})
}

func TestParseMissingMandatoryFooters(t *testing.T) {
	b := newMetaBuilder(t)
	b.commit(1, msg(
		"Create change",
		"",
		"Patch-set: 1",
		"Change-id: "+testKey,
		"Subject: Add widget support",
		"Commit: "+rev1,
	))

	_, err := NewParser(b.repo, change.ID(1), nil).Parse(context.Background(), b.tip)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Change != 1 || !strings.Contains(pe.Reason, "Branch") {
		t.Fatalf("parse error: got %+v", pe)
	}
}

func TestParseRejectsDoubledScalarFooter(t *testing.T) {
	b := newMetaBuilder(t)
	b.commit(1, msg(
		"Create change",
		"",
		"Patch-set: 1",
		"Change-id: "+testKey,
		"Subject: Add widget support",
		"Branch: refs/heads/main",
		"Topic: one",
		"Topic: two",
		"Commit: "+rev1,
	))

	_, err := NewParser(b.repo, change.ID(1), nil).Parse(context.Background(), b.tip)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !strings.Contains(pe.Reason, "Topic") {
		t.Fatalf("parse error: got %+v", pe)
	}
}

func TestParseDeterminism(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)
	b.commit(1, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
		"Reviewer: "+ident(2),
		"CC: "+ident(3),
		"Hashtags: backend,frontend",
	))
	b.commit(2, msg(
		"Update patch set 1",
		"",
		"Ship it.",
		"",
		"Patch-set: 1",
		"Label: Code-Review=+2",
		"Tag: autogenerated:review",
	))

	parser := NewParser(b.repo, change.ID(1), nil)
	first, err := parser.Parse(context.Background(), b.tip)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	second, err := NewParser(b.repo, change.ID(1), nil).Parse(context.Background(), b.tip)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if got := first.Hashtags; !reflect.DeepEqual(got, []string{"backend", "frontend"}) {
		t.Fatalf("hashtags: got %v", got)
	}
}

func TestParseCommentsFromTipTree(t *testing.T) {
	b := newMetaBuilder(t)
	createChange(b)

	note := revnote.Note{Comments: []revnote.Comment{{
		Key:       revnote.Key{UUID: "uuid-1", Filename: "widget.go", PatchSet: 1},
		Author:    revnote.AccountRef{ID: 2},
		WrittenOn: revnote.NewTimestamp(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)),
		Message:   "Needs a nil check.",
	}}}
	raw, err := note.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	blob, err := b.repo.InsertBlob(raw)
	if err != nil {
		t.Fatalf("InsertBlob: %v", err)
	}
	tree, err := b.repo.InsertTree([]gitstore.TreeEntry{{Name: rev1, Blob: blob}})
	if err != nil {
		t.Fatalf("InsertTree: %v", err)
	}
	b.commitTree(2, msg(
		"Update patch set 1",
		"",
		"Patch-set: 1",
	), tree)

	s := b.parse(t)
	comments := s.Comments[rev1]
	if len(comments) != 1 || comments[0].Message != "Needs a nil check." {
		t.Fatalf("comments: got %+v", s.Comments)
	}
}
