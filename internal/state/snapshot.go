// Package state builds the aggregated view of a change by folding its
// meta ref history, newest commit first. A snapshot is a pure function of
// the byte content of the commit chain it was built from and is immutable
// once returned, which is what makes it safe to cache by tip id.
package state

import (
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/revnote"
)

// PatchSet is one uploaded revision of a change.
type PatchSet struct {
	ID       change.PatchSetID
	Revision plumbing.Hash
	Uploader change.AccountID
	// CreatedOn is the committer time of the commit that recorded the
	// revision.
	CreatedOn   time.Time
	Description string
	Groups      []string
	Draft       bool
}

// Approval is one account's vote on one label of one patch set. A vote
// removal is recorded as a zero-value approval.
type Approval struct {
	PatchSet int
	Account  change.AccountID
	// RealAccount differs from Account when the vote was applied on the
	// account's behalf.
	RealAccount change.AccountID
	Label       string
	Value       int
	Granted     time.Time
	Tag         string
	// PostSubmit marks votes applied at or after the commit that moved the
	// change to merged.
	PostSubmit bool
}

// ReviewerEntry is one row of the reviewer table: the account's
// most-recently recorded state and when it was recorded.
type ReviewerEntry struct {
	State change.ReviewerState
	Since time.Time
}

// AddressEntry is a reviewer-by-email row for addresses without accounts.
type AddressEntry struct {
	Address change.Address
	State   change.ReviewerState
	Since   time.Time
}

// ReviewerUpdate is one event of the chronological reviewer history.
type ReviewerUpdate struct {
	Date      time.Time
	UpdatedBy change.AccountID
	Reviewer  change.AccountID
	State     change.ReviewerState
}

// Message is one free-text change message, extracted from the paragraph
// between a meta commit's subject and its footer block.
type Message struct {
	Commit     plumbing.Hash
	Author     change.AccountID
	RealAuthor change.AccountID
	WrittenOn  time.Time
	PatchSet   int
	Tag        string
	Message    string
}

// Snapshot is the aggregated state of one change at one meta tip.
type Snapshot struct {
	// MetaID is the exact tip the snapshot was built from.
	MetaID   plumbing.Hash
	ChangeID change.ID
	Key      change.Key

	Branch          string
	Subject         string
	OriginalSubject string
	Owner           change.AccountID
	CreatedOn       time.Time
	LastUpdatedOn   time.Time
	Status          change.Status
	// CurrentPatchSet is zero when no patch set survived pruning.
	CurrentPatchSet int
	Topic           string
	SubmissionID    string
	// Assignee is zero when unset or explicitly cleared.
	Assignee         change.AccountID
	PastAssignees    []change.AccountID
	Hashtags         []string
	Private          bool
	WorkInProgress   bool
	HasReviewStarted bool
	RevertOf         change.ID
	CherryPickOf     *change.PatchSetID

	PatchSets map[int]*PatchSet
	// Approvals is keyed by patch set number, each list ordered by grant
	// time.
	Approvals        map[int][]Approval
	Reviewers        map[change.AccountID]ReviewerEntry
	ReviewersByEmail map[string]AddressEntry
	// PendingReviewers holds the reviewers added while the change was
	// work-in-progress; both pending tables are empty for started reviews.
	PendingReviewers        map[change.AccountID]ReviewerEntry
	PendingReviewersByEmail map[string]AddressEntry
	AllPastReviewers        []change.AccountID
	ReviewerUpdates         []ReviewerUpdate
	SubmitRecords           []change.SubmitRecord
	// Messages are chronological, oldest first.
	Messages []Message
	// Comments maps each reviewed revision id to its published comments.
	Comments  map[string][]revnote.Comment
	PushCerts map[string]string

	// UpdateCount is the number of commits folded into the snapshot; the
	// transaction manager checks it against the update ceiling.
	UpdateCount int
}

// CurrentRevision returns the revision of the current patch set, or the
// zero hash when the change has none.
func (s *Snapshot) CurrentRevision() plumbing.Hash {
	if ps := s.PatchSets[s.CurrentPatchSet]; ps != nil {
		return ps.Revision
	}
	return plumbing.ZeroHash
}

// ReviewersByState lists the accounts recorded in the given state, sorted
// by id.
func (s *Snapshot) ReviewersByState(st change.ReviewerState) []change.AccountID {
	var out []change.AccountID
	for acct, entry := range s.Reviewers {
		if entry.State == st {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
