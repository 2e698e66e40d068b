package change

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a change.
type Status string

const (
	// StatusNew marks a change that is still under review.
	StatusNew Status = "new"
	// StatusMerged marks a change whose current patch set was submitted.
	StatusMerged Status = "merged"
	// StatusAbandoned marks a change that was given up on.
	StatusAbandoned Status = "abandoned"
)

// ParseStatus decodes a status footer value, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(raw)) {
	case StatusNew:
		return StatusNew, nil
	case StatusMerged:
		return StatusMerged, nil
	case StatusAbandoned:
		return StatusAbandoned, nil
	}
	return "", fmt.Errorf("change: unknown status %q", raw)
}

// Closed reports whether the status is terminal.
func (s Status) Closed() bool {
	return s == StatusMerged || s == StatusAbandoned
}

func (s Status) String() string {
	return string(s)
}

// PatchSetState is the optional lifecycle tag carried in parentheses on the
// patch set footer.
type PatchSetState string

const (
	// PatchSetPublished is the default state and is never written explicitly.
	PatchSetPublished PatchSetState = "published"
	// PatchSetDraft marks a patch set visible only to its uploader.
	PatchSetDraft PatchSetState = "draft"
	// PatchSetDeleted marks a patch set whose facts must be pruned from the
	// snapshot.
	PatchSetDeleted PatchSetState = "deleted"
)

// ParsePatchSetState decodes a lifecycle tag, case-insensitively.
func ParsePatchSetState(raw string) (PatchSetState, error) {
	switch PatchSetState(strings.ToLower(raw)) {
	case PatchSetPublished:
		return PatchSetPublished, nil
	case PatchSetDraft:
		return PatchSetDraft, nil
	case PatchSetDeleted:
		return PatchSetDeleted, nil
	}
	return "", fmt.Errorf("change: unknown patch set state %q", raw)
}

func (s PatchSetState) String() string {
	return string(s)
}

// ReviewerState classifies an account's relationship to a change.
type ReviewerState int

const (
	// ReviewerStateReviewer means the account is expected to vote.
	ReviewerStateReviewer ReviewerState = iota
	// ReviewerStateCC means the account is kept informed only.
	ReviewerStateCC
	// ReviewerStateRemoved is a removal marker; it never survives into the
	// exposed reviewer table.
	ReviewerStateRemoved
)

// ReviewerStates lists all states in footer-emission order.
var ReviewerStates = []ReviewerState{ReviewerStateReviewer, ReviewerStateCC, ReviewerStateRemoved}

// FooterKey returns the footer key recording this state for an account.
func (s ReviewerState) FooterKey() string {
	switch s {
	case ReviewerStateReviewer:
		return "Reviewer"
	case ReviewerStateCC:
		return "CC"
	default:
		return "Removed"
	}
}

// ByEmailFooterKey returns the footer key recording this state for an
// address that has no account.
func (s ReviewerState) ByEmailFooterKey() string {
	return s.FooterKey() + "-email"
}

func (s ReviewerState) String() string {
	switch s {
	case ReviewerStateReviewer:
		return "reviewer"
	case ReviewerStateCC:
		return "cc"
	default:
		return "removed"
	}
}
