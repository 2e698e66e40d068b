// Package update implements the write side of the change log: deltas that
// accumulate field assignments, reviewer and label changes and comment
// edits for one author at one timestamp, and render themselves into meta
// commits against a parent tip.
package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/footer"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/revnote"
)

var (
	// ErrRootOnly indicates a delta that may only start a new ref was
	// applied to a ref that already has history.
	ErrRootOnly = errors.New("update: delta must create the ref")
	// ErrNewRef indicates a delta not cleared for ref creation was applied
	// to an absent ref.
	ErrNewRef = errors.New("update: ref does not exist and delta may not create it")
	// ErrNoPatchSet indicates a delta rendered without a patch set id.
	ErrNoPatchSet = errors.New("update: no patch set id set")
)

// Result is the outcome of rendering one delta against a parent tip.
type Result struct {
	// Tip is the new commit, zero for the other two outcomes.
	Tip plumbing.Hash
	// NoOp means the delta touches nothing and no commit was written.
	NoOp bool
	// Deleted means all structural content is gone and the ref itself
	// should be deleted; distinct from NoOp.
	Deleted bool
}

// Config carries the identity of one delta. RealAuthor defaults to Author.
type Config struct {
	Project    change.Project
	ChangeID   change.ID
	Author     change.AccountID
	RealAuthor change.AccountID
	ServerID   string
	When       time.Time
}

type approvalEdit struct {
	label   string
	value   int
	removal bool
	// account is zero when the vote belongs to the delta's author.
	account change.AccountID
}

type reviewerEdit struct {
	account change.AccountID
	state   change.ReviewerState
}

type addressEdit struct {
	address change.Address
	state   change.ReviewerState
}

type commentPut struct {
	rev     string
	comment revnote.Comment
}

type commentDelete struct {
	rev string
	key revnote.Key
}

// CommentRef names one staged comment so the transaction manager can queue
// the matching draft deletion.
type CommentRef struct {
	Rev string
	Key revnote.Key
}

// Update is a single delta against one change's meta ref. It is not safe
// for concurrent use; stage everything, then render once.
type Update struct {
	cfg Config

	commitSubject string
	message       string

	patchSet      int
	patchSetState change.PatchSetState
	stateSet      bool
	revision      plumbing.Hash
	current       bool
	description   *string
	groups        []string
	groupsSet     bool

	key          *change.Key
	subject      *string
	branch       *string
	status       *change.Status
	topic        *string
	assignee     *change.AccountID
	assigneeSet  bool
	hashtags     []string
	hashtagsSet  bool
	tag          string
	submissionID *string
	records      []change.SubmitRecord
	private      *bool
	wip          *bool
	revertOf     *change.ID
	cherryPickOf *change.PatchSetID
	cherrySet    bool

	reviewers []reviewerEdit
	addresses []addressEdit
	approvals []approvalEdit

	puts        []commentPut
	deletes     []commentDelete
	pushCertRev string
	pushCert    string

	baseTip   plumbing.Hash
	baseNotes *revnote.Map

	rootOnly           bool
	allowWriteToNewRef bool
}

// New validates the delta identity and returns an empty delta.
func New(cfg Config) (*Update, error) {
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
	return &Update{cfg: cfg}, nil
}

// RefName is the meta ref this delta renders to.
func (u *Update) RefName() string {
	return change.MetaRef(u.cfg.ChangeID)
}

// ChangeID returns the change this delta belongs to.
func (u *Update) ChangeID() change.ID {
	return u.cfg.ChangeID
}

// Author returns the delta's effective author.
func (u *Update) Author() change.AccountID {
	return u.cfg.Author
}

// SetCommitSubject overrides the derived first line of the meta commit.
func (u *Update) SetCommitSubject(s string) { u.commitSubject = s }

// SetChangeMessage attaches a free-text change message.
func (u *Update) SetChangeMessage(m string) { u.message = m }

// SetPatchSet names the patch set this delta applies to. Every delta needs
// one before rendering.
func (u *Update) SetPatchSet(n int) { u.patchSet = n }

// SetPatchSetState tags the patch set footer with a lifecycle state.
func (u *Update) SetPatchSetState(st change.PatchSetState) {
	u.patchSetState = st
	u.stateSet = true
}

// SetCommit records a new revision for the patch set, which also makes it
// the current patch set.
func (u *Update) SetCommit(rev plumbing.Hash) { u.revision = rev }

// SetCurrentPatchSet marks the patch set current without uploading a new
// revision.
func (u *Update) SetCurrentPatchSet() { u.current = true }

// SetPatchSetDescription sets the patch set's description.
func (u *Update) SetPatchSetDescription(d string) { u.description = &d }

// SetGroups records the patch set's group identifiers.
func (u *Update) SetGroups(groups []string) {
	u.groups = groups
	u.groupsSet = true
}

// SetKey records the change's natural key; written once, on creation.
func (u *Update) SetKey(k change.Key) { u.key = &k }

// SetSubject records the commit subject of the uploaded revision.
func (u *Update) SetSubject(s string) { u.subject = &s }

// SetBranch records the destination branch.
func (u *Update) SetBranch(b string) {
	full := change.FullBranchName(b)
	u.branch = &full
}

// SetStatus moves the change's lifecycle state.
func (u *Update) SetStatus(st change.Status) { u.status = &st }

// SetTopic sets the topic; an empty string clears it.
func (u *Update) SetTopic(t string) { u.topic = &t }

// SetAssignee assigns the change to an account.
func (u *Update) SetAssignee(acct change.AccountID) {
	u.assignee = &acct
	u.assigneeSet = true
}

// RemoveAssignee clears the assignee.
func (u *Update) RemoveAssignee() {
	u.assignee = nil
	u.assigneeSet = true
}

// SetHashtags replaces the hashtag set.
func (u *Update) SetHashtags(tags []string) {
	u.hashtags = tags
	u.hashtagsSet = true
}

// SetTag attaches a tag to this delta's message and votes.
func (u *Update) SetTag(tag string) { u.tag = tag }

// SetSubmissionID records the submission this change was merged in.
func (u *Update) SetSubmissionID(id string) { u.submissionID = &id }

// SetSubmitRecords records the submit rule outcomes.
func (u *Update) SetSubmitRecords(records []change.SubmitRecord) { u.records = records }

// SetPrivate flips the private flag.
func (u *Update) SetPrivate(p bool) { u.private = &p }

// SetWorkInProgress flips the work-in-progress flag.
func (u *Update) SetWorkInProgress(w bool) { u.wip = &w }

// SetRevertOf records which change this one reverts. Only valid on the
// first commit of a change, so the delta becomes root-only.
func (u *Update) SetRevertOf(id change.ID) {
	u.revertOf = &id
	u.rootOnly = true
}

// SetCherryPickOf records the patch set this change was cherry-picked
// from.
func (u *Update) SetCherryPickOf(ps change.PatchSetID) {
	u.cherryPickOf = &ps
	u.cherrySet = true
}

// UnsetCherryPickOf clears the cherry-pick origin.
func (u *Update) UnsetCherryPickOf() {
	u.cherryPickOf = nil
	u.cherrySet = true
}

// PutReviewer records an account entering the given reviewer state.
func (u *Update) PutReviewer(acct change.AccountID, st change.ReviewerState) {
	u.reviewers = append(u.reviewers, reviewerEdit{account: acct, state: st})
}

// PutReviewerByEmail records an address without an account entering the
// given reviewer state.
func (u *Update) PutReviewerByEmail(addr change.Address, st change.ReviewerState) {
	u.addresses = append(u.addresses, addressEdit{address: addr, state: st})
}

// PutApproval stages the author's vote on a label.
func (u *Update) PutApproval(label string, value int) error {
	return u.putApproval(approvalEdit{label: label, value: value})
}

// PutApprovalFor stages a vote applied on another account's behalf.
func (u *Update) PutApprovalFor(acct change.AccountID, label string, value int) error {
	return u.putApproval(approvalEdit{label: label, value: value, account: acct})
}

// RemoveApproval stages removal of the author's vote on a label.
func (u *Update) RemoveApproval(label string) error {
	return u.putApproval(approvalEdit{label: label, removal: true})
}

// RemoveApprovalFor stages removal of another account's vote.
func (u *Update) RemoveApprovalFor(acct change.AccountID, label string) error {
	return u.putApproval(approvalEdit{label: label, removal: true, account: acct})
}

func (u *Update) putApproval(e approvalEdit) error {
	if err := change.CheckLabelName(e.label); err != nil {
		return err
	}
	u.approvals = append(u.approvals, e)
	return nil
}

// PutComment publishes a comment on the given revision.
func (u *Update) PutComment(rev string, c revnote.Comment) {
	u.puts = append(u.puts, commentPut{rev: rev, comment: c})
}

// DeleteComment removes a published comment.
func (u *Update) DeleteComment(rev string, key revnote.Key) {
	u.deletes = append(u.deletes, commentDelete{rev: rev, key: key})
}

// SetPushCert attaches the signed push certificate of the uploaded
// revision.
func (u *Update) SetPushCert(rev, cert string) {
	u.pushCertRev, u.pushCert = rev, cert
}

// SetAllowWriteToNewRef permits this delta to create the meta ref. Left
// unset, rendering against an absent ref fails, which guards against
// partially-populated changes appearing before their creation delta.
func (u *Update) SetAllowWriteToNewRef() { u.allowWriteToNewRef = true }

// SetBaseNotes lends an already-parsed note map to the render step,
// tagged with the tip it was read from. Apply reuses it only when that
// tip still equals the parent; a delta re-rendered after a lock failure
// falls back to a fresh parse.
func (u *Update) SetBaseNotes(tip plumbing.Hash, notes *revnote.Map) {
	u.baseTip, u.baseNotes = tip, notes
}

// PublishedComments lists the comments this delta publishes, for draft
// cleanup in the drafts repository.
func (u *Update) PublishedComments() []CommentRef {
	out := make([]CommentRef, 0, len(u.puts))
	for _, p := range u.puts {
		out = append(out, CommentRef{Rev: p.rev, Key: p.comment.Key})
	}
	return out
}

// ExemptFromUpdateCount reports whether this delta bypasses the update
// ceiling. Terminal transitions must stay possible on changes that have
// hit the cap.
func (u *Update) ExemptFromUpdateCount() bool {
	return u.status != nil && u.status.Closed()
}

// Empty reports whether the delta carries no footer content beyond the
// mandatory patch set line, no message, and no staged note edits. A delta
// that stages note edits may still render to a no-op; Apply performs the
// authoritative check after merging against the parent tree.
func (u *Update) Empty() bool {
	return !u.hasFooters() && u.message == "" && !u.touchesNotes()
}

func (u *Update) touchesNotes() bool {
	return len(u.puts) > 0 || len(u.deletes) > 0 || u.pushCert != ""
}

func (u *Update) hasFooters() bool {
	return u.stateSet || !u.revision.IsZero() || u.current ||
		u.description != nil || u.groupsSet ||
		u.key != nil || u.subject != nil || u.branch != nil ||
		u.status != nil || u.topic != nil || u.assigneeSet ||
		u.hashtagsSet || u.submissionID != nil || len(u.records) > 0 ||
		u.private != nil || u.wip != nil || u.revertOf != nil ||
		u.cherrySet || len(u.reviewers) > 0 || len(u.addresses) > 0 ||
		len(u.approvals) > 0
}

// Apply renders the delta against the parent tip and writes the resulting
// objects. The ref itself is not moved; the caller stages the old and new
// tips into a CAS batch.
func (u *Update) Apply(ctx context.Context, repo *gitstore.Repo, parent plumbing.Hash) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if u.rootOnly && !parent.IsZero() {
		return Result{}, fmt.Errorf("%w: %s has history", ErrRootOnly, u.RefName())
	}
	if parent.IsZero() && !u.allowWriteToNewRef {
		return Result{}, fmt.Errorf("%w: %s", ErrNewRef, u.RefName())
	}
	if u.patchSet <= 0 {
		return Result{}, ErrNoPatchSet
	}
	if u.Empty() {
		return Result{NoOp: true}, nil
	}

	parentTree := plumbing.ZeroHash
	var base *revnote.Map
	if !parent.IsZero() {
		pc, err := repo.ReadCommit(parent)
		if err != nil {
			return Result{}, err
		}
		parentTree = pc.TreeHash
		if u.baseNotes != nil && u.baseTip == parent {
			base = u.baseNotes
		} else if base, err = revnote.ParseTree(repo, parentTree); err != nil {
			return Result{}, err
		}
	}

	tree := parentTree
	notesChanged := false
	if u.touchesNotes() {
		nb := revnote.NewBuilder(base)
		for _, p := range u.puts {
			nb.PutComment(p.rev, p.comment)
		}
		for _, d := range u.deletes {
			nb.DeleteComment(d.rev, d.key)
		}
		if u.pushCert != "" {
			nb.SetPushCert(u.pushCertRev, u.pushCert)
		}
		merged, err := nb.Merge(repo)
		if err != nil {
			return Result{}, err
		}
		notesChanged = merged.Changed
		if merged.Changed {
			t, err := repo.InsertTree(merged.TreeEntries)
			if err != nil {
				return Result{}, err
			}
			tree = t
		}
	}

	// The note-tree merge can collapse a structurally non-empty delta into
	// a true no-op, so emptiness is re-checked here with the merge result
	// in hand.
	if !u.hasFooters() && u.message == "" && !notesChanged {
		return Result{NoOp: true}, nil
	}

	if tree.IsZero() {
		t, err := repo.EmptyTree()
		if err != nil {
			return Result{}, err
		}
		tree = t
	}

	sig := u.signature()
	tip, err := repo.InsertCommit(gitstore.CommitSpec{
		Author:    sig,
		Committer: sig,
		Message:   u.renderMessage(),
		Tree:      tree,
		Parent:    parent,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Tip: tip}, nil
}

func (u *Update) signature() object.Signature {
	ident := change.NewIdent(u.cfg.Author, u.cfg.ServerID)
	return object.Signature{Name: ident.Name, Email: ident.Email, When: u.cfg.When}
}

func (u *Update) subjectLine() string {
	if u.commitSubject != "" {
		return u.commitSubject
	}
	if !u.revision.IsZero() {
		if u.patchSet == 1 {
			return "Create change"
		}
		return fmt.Sprintf("Create patch set %d", u.patchSet)
	}
	return fmt.Sprintf("Update patch set %d", u.patchSet)
}

// renderMessage emits the footer block in a fixed order so equal deltas
// always produce byte-identical commits.
func (u *Update) renderMessage() string {
	b := footer.NewBuilder(u.subjectLine(), u.message)

	psValue := fmt.Sprintf("%d", u.patchSet)
	if u.stateSet && u.patchSetState != change.PatchSetPublished {
		psValue = fmt.Sprintf("%d (%s)", u.patchSet, u.patchSetState)
	}
	b.Add(footer.KeyPatchSet, psValue)
	if u.description != nil {
		b.Add(footer.KeyPatchSetDescription, *u.description)
	}
	if u.current {
		b.Add(footer.KeyCurrent, "true")
	}
	if u.key != nil {
		b.Add(footer.KeyChangeID, u.key.String())
	}
	if u.subject != nil {
		b.Add(footer.KeySubject, *u.subject)
	}
	if u.branch != nil {
		b.Add(footer.KeyBranch, *u.branch)
	}
	if u.status != nil {
		b.Add(footer.KeyStatus, u.status.String())
	}
	if u.topic != nil {
		b.Add(footer.KeyTopic, *u.topic)
	}
	if !u.revision.IsZero() {
		b.Add(footer.KeyCommit, u.revision.String())
	}
	if u.assigneeSet {
		if u.assignee == nil {
			b.Add(footer.KeyAssignee, "")
		} else {
			b.Add(footer.KeyAssignee, change.NewIdent(*u.assignee, u.cfg.ServerID).String())
		}
	}

	for _, st := range change.ReviewerStates {
		for _, r := range u.reviewers {
			if r.state == st {
				b.Add(st.FooterKey(), change.NewIdent(r.account, u.cfg.ServerID).String())
			}
		}
		for _, a := range u.addresses {
			if a.state == st {
				b.Add(st.ByEmailFooterKey(), a.address.String())
			}
		}
	}

	if u.hashtagsSet {
		b.Add(footer.KeyHashtags, strings.Join(u.hashtags, ","))
	}
	if u.tag != "" {
		b.Add(footer.KeyTag, u.tag)
	}
	if u.groupsSet {
		b.Add(footer.KeyGroups, strings.Join(u.groups, ","))
	}
	for _, a := range u.approvals {
		b.Add(footer.KeyLabel, u.renderApproval(a))
	}
	if u.submissionID != nil {
		b.Add(footer.KeySubmissionID, *u.submissionID)
	}
	for _, line := range renderSubmitRecords(u.records, u.cfg.ServerID) {
		b.Add(footer.KeySubmittedWith, line)
	}
	if u.cfg.RealAuthor != u.cfg.Author {
		b.Add(footer.KeyRealUser, change.NewIdent(u.cfg.RealAuthor, u.cfg.ServerID).String())
	}
	if u.private != nil {
		b.Add(footer.KeyPrivate, boolString(*u.private))
	}
	if u.wip != nil {
		b.Add(footer.KeyWorkInProgress, boolString(*u.wip))
	}
	if u.revertOf != nil {
		b.Add(footer.KeyRevertOf, u.revertOf.String())
	}
	if u.cherrySet {
		if u.cherryPickOf == nil {
			b.Add(footer.KeyCherryPickOf, "")
		} else {
			b.Add(footer.KeyCherryPickOf, u.cherryPickOf.String())
		}
	}
	return b.String()
}

func (u *Update) renderApproval(a approvalEdit) string {
	var s string
	if a.removal {
		s = "-" + a.label
	} else {
		s = change.LabelVote{Label: a.label, Value: a.value}.String()
	}
	if a.account != 0 && a.account != u.cfg.Author {
		s += " " + change.NewIdent(a.account, u.cfg.ServerID).String()
	}
	return s
}

func renderSubmitRecords(records []change.SubmitRecord, serverID string) []string {
	var out []string
	for _, rec := range records {
		header := string(rec.Status)
		if rec.ErrorMessage != "" {
			header += " " + rec.ErrorMessage
		}
		out = append(out, header)
		for _, lbl := range rec.Labels {
			line := fmt.Sprintf("%s: %s", lbl.Status, lbl.Label)
			if lbl.AppliedBy != 0 {
				line += ": " + change.NewIdent(lbl.AppliedBy, serverID).String()
			}
			out = append(out, line)
		}
	}
	return out
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
