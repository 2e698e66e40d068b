package state

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/footer"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/revnote"
)

// ParseError reports a malformed meta commit. It carries the change id and
// the offending commit so log output can point at the exact object.
type ParseError struct {
	Change change.ID
	Commit plumbing.Hash
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("state: change %d: commit %s: %s", e.Change.Int(), e.Commit, e.Reason)
}

// Parser folds a change's meta ref history into a Snapshot.
type Parser struct {
	repo     *gitstore.Repo
	changeID change.ID
	logger   *zap.Logger
}

// NewParser binds a parser to one change in one repository.
func NewParser(repo *gitstore.Repo, id change.ID, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{repo: repo, changeID: id, logger: logger}
}

// Parse walks the chain from tip to root and returns the snapshot. The
// result depends only on the byte content of the chain: parsing the same
// tip twice yields identical snapshots.
func (p *Parser) Parse(ctx context.Context, tip plumbing.Hash) (*Snapshot, error) {
	if tip.IsZero() {
		return nil, &ParseError{Change: p.changeID, Reason: "no meta commits"}
	}
	f := newFold(p.changeID, p.logger)
	err := p.repo.WalkLinear(tip, func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return f.commit(c)
	})
	if err != nil {
		return nil, err
	}

	tipCommit, err := p.repo.ReadCommit(tip)
	if err != nil {
		return nil, err
	}
	notes, err := revnote.ParseTree(p.repo, tipCommit.TreeHash)
	if err != nil {
		return nil, err
	}
	return f.finish(tip, notes)
}

// approvalKey dedups votes: the newest vote per (patch set, account,
// label) wins.
type approvalKey struct {
	patchSet int
	account  change.AccountID
	label    string
}

// fold is the per-walk accumulator. Scalar fields use pointers so "unset"
// is distinguishable from an explicit zero value; the walk runs newest to
// oldest, so putting only into unset fields implements most-recent-wins.
type fold struct {
	id     change.ID
	logger *zap.Logger

	updateCount   int
	createdOn     time.Time
	lastUpdatedOn time.Time
	owner         change.AccountID

	key             *change.Key
	branch          *string
	subject         *string
	originalSubject string
	status          *change.Status
	topic           *string
	submissionID    *string
	assignee        *change.AccountID
	pastAssignees   map[change.AccountID]struct{}
	hashtags        []string
	hashtagsSet     bool
	private         *bool
	wip             *bool
	prevWIPFooter   *bool
	reviewStarted   *bool
	revertOf        *change.ID
	cherrySeen      bool
	cherryPickOf    *change.PatchSetID

	patchSets      map[int]*PatchSet
	patchSetStates map[int]change.PatchSetState
	descriptions   map[int]string
	groups         map[int][]string
	currentOrder   []int

	approvals    []*Approval
	approvalSeen map[approvalKey]struct{}
	buffered     []*Approval

	reviewers        map[change.AccountID]ReviewerEntry
	reviewersByEmail map[string]AddressEntry
	pendingReviewers map[change.AccountID]ReviewerEntry
	pendingByEmail   map[string]AddressEntry
	allPastReviewers map[change.AccountID]struct{}
	reviewerUpdates  []ReviewerUpdate

	submitRecords       []change.SubmitRecord
	submitRecordsParsed bool

	messages []Message
}

func newFold(id change.ID, logger *zap.Logger) *fold {
	return &fold{
		id:               id,
		logger:           logger,
		pastAssignees:    map[change.AccountID]struct{}{},
		patchSets:        map[int]*PatchSet{},
		patchSetStates:   map[int]change.PatchSetState{},
		descriptions:     map[int]string{},
		groups:           map[int][]string{},
		approvalSeen:     map[approvalKey]struct{}{},
		reviewers:        map[change.AccountID]ReviewerEntry{},
		reviewersByEmail: map[string]AddressEntry{},
		allPastReviewers: map[change.AccountID]struct{}{},
	}
}

func (f *fold) errf(c *object.Commit, format string, args ...any) error {
	e := &ParseError{Change: f.id, Reason: fmt.Sprintf(format, args...)}
	if c != nil {
		e.Commit = c.Hash
	}
	return e
}

// one extracts an at-most-once footer value.
func (f *fold) one(c *object.Commit, msg footer.Message, key string) (string, bool, error) {
	vals := msg.Values(key)
	switch len(vals) {
	case 0:
		return "", false, nil
	case 1:
		return vals[0], true, nil
	}
	return "", false, f.errf(c, "expected at most one %s footer, found %d", key, len(vals))
}

func (f *fold) commit(c *object.Commit) error {
	f.updateCount++
	ts := c.Committer.When.UTC().Truncate(time.Second)
	if f.lastUpdatedOn.IsZero() {
		f.lastUpdatedOn = ts
	}
	f.createdOn = ts

	msg := footer.Parse(c.Message)
	if len(msg.Lines) == 0 {
		return f.errf(c, "commit message has no footer lines")
	}

	author, err := change.Ident{Name: c.Author.Name, Email: c.Author.Email}.AccountID()
	if err != nil {
		return f.errf(c, "cannot resolve author account: %v", err)
	}
	f.owner = author

	real := author
	if v, ok, err := f.one(c, msg, footer.KeyRealUser); err != nil {
		return err
	} else if ok {
		if real, err = change.ParseIdentAccount(v); err != nil {
			return f.errf(c, "invalid %s footer %q", footer.KeyRealUser, v)
		}
	}

	tag, _, err := f.one(c, msg, footer.KeyTag)
	if err != nil {
		return err
	}

	psNum, err := f.parsePatchSetFooter(c, msg)
	if err != nil {
		return err
	}

	if err := f.parseRevision(c, msg, psNum, author, ts); err != nil {
		return err
	}
	if err := f.parseScalars(c, msg); err != nil {
		return err
	}
	if err := f.parseAssignee(c, msg); err != nil {
		return err
	}
	if err := f.parseReviewers(c, msg, author, ts); err != nil {
		return err
	}
	if err := f.parseApprovals(c, msg, psNum, author, real, ts, tag); err != nil {
		return err
	}
	if err := f.parseSubmitRecords(c, msg); err != nil {
		return err
	}
	// Status comes after approvals so votes recorded by the submitting
	// commit itself are still buffered and get the post-submit flag.
	if err := f.parseStatus(c, msg); err != nil {
		return err
	}
	if err := f.parseWorkInProgress(c, msg); err != nil {
		return err
	}

	if msg.Comment != "" {
		f.messages = append(f.messages, Message{
			Commit:     c.Hash,
			Author:     author,
			RealAuthor: real,
			WrittenOn:  ts,
			PatchSet:   psNum,
			Tag:        tag,
			Message:    msg.Comment,
		})
	}
	return nil
}

// parsePatchSetFooter handles the mandatory "Patch-set: N[ (state)]"
// footer and records the lifecycle state, newest mention winning.
func (f *fold) parsePatchSetFooter(c *object.Commit, msg footer.Message) (int, error) {
	vals := msg.Values(footer.KeyPatchSet)
	if len(vals) != 1 {
		return 0, f.errf(c, "expected exactly one %s footer, found %d", footer.KeyPatchSet, len(vals))
	}
	raw := vals[0]
	numStr, stateStr := raw, ""
	if sp := strings.IndexByte(raw, ' '); sp >= 0 {
		numStr, stateStr = raw[:sp], strings.TrimSpace(raw[sp+1:])
	}
	num, err := strconv.Atoi(numStr)
	if err != nil || num <= 0 {
		return 0, f.errf(c, "invalid %s footer %q", footer.KeyPatchSet, raw)
	}
	if stateStr != "" {
		if !strings.HasPrefix(stateStr, "(") || !strings.HasSuffix(stateStr, ")") {
			return 0, f.errf(c, "invalid %s footer %q", footer.KeyPatchSet, raw)
		}
		st, err := change.ParsePatchSetState(stateStr[1 : len(stateStr)-1])
		if err != nil {
			return 0, f.errf(c, "invalid %s footer %q", footer.KeyPatchSet, raw)
		}
		if _, ok := f.patchSetStates[num]; !ok {
			f.patchSetStates[num] = st
		}
	}
	return num, nil
}

// parseRevision handles the "Commit" footer that defines a patch set's
// revision, the "Current" marker, and the deferred per-patch-set
// description and groups facts.
func (f *fold) parseRevision(c *object.Commit, msg footer.Message, psNum int, author change.AccountID, ts time.Time) error {
	commitVal, hasCommit, err := f.one(c, msg, footer.KeyCommit)
	if err != nil {
		return err
	}
	if hasCommit {
		if !plumbing.IsHash(commitVal) {
			return f.errf(c, "invalid %s footer %q", footer.KeyCommit, commitVal)
		}
		ps := f.patchSets[psNum]
		if ps == nil {
			ps = &PatchSet{ID: change.NewPatchSetID(f.id, psNum)}
			f.patchSets[psNum] = ps
		} else if !ps.Revision.IsZero() {
			return f.errf(c, "duplicate revision for patch set %d", psNum)
		}
		ps.Revision = plumbing.NewHash(commitVal)
		ps.Uploader = author
		ps.CreatedOn = ts
	}

	// Creating a patch set implies it becomes current; otherwise an
	// explicit "Current: true" marker is required and "true" is the only
	// accepted value.
	current := hasCommit
	if !current {
		v, ok, err := f.one(c, msg, footer.KeyCurrent)
		if err != nil {
			return err
		}
		if ok {
			if !strings.EqualFold(v, "true") {
				return f.errf(c, "invalid %s footer %q", footer.KeyCurrent, v)
			}
			current = true
		}
	}
	if current {
		f.currentOrder = append(f.currentOrder, psNum)
	}

	if v, ok, err := f.one(c, msg, footer.KeyPatchSetDescription); err != nil {
		return err
	} else if ok {
		if _, seen := f.descriptions[psNum]; !seen {
			f.descriptions[psNum] = v
		}
	}
	if v, ok, err := f.one(c, msg, footer.KeyGroups); err != nil {
		return err
	} else if ok {
		if _, seen := f.groups[psNum]; !seen {
			f.groups[psNum] = splitList(v)
		}
	}
	return nil
}

func (f *fold) parseScalars(c *object.Commit, msg footer.Message) error {
	if v, ok, err := f.one(c, msg, footer.KeyChangeID); err != nil {
		return err
	} else if ok && f.key == nil {
		key, err := change.NewKey(v)
		if err != nil {
			return f.errf(c, "invalid %s footer %q", footer.KeyChangeID, v)
		}
		f.key = &key
	}

	if v, ok, err := f.one(c, msg, footer.KeySubject); err != nil {
		return err
	} else if ok {
		if f.subject == nil {
			f.subject = &v
		}
		f.originalSubject = v
	}

	if v, ok, err := f.one(c, msg, footer.KeyBranch); err != nil {
		return err
	} else if ok && f.branch == nil {
		full := change.FullBranchName(v)
		f.branch = &full
	}

	if v, ok, err := f.one(c, msg, footer.KeyTopic); err != nil {
		return err
	} else if ok && f.topic == nil {
		f.topic = &v
	}

	if v, ok, err := f.one(c, msg, footer.KeySubmissionID); err != nil {
		return err
	} else if ok && f.submissionID == nil {
		f.submissionID = &v
	}

	if v, ok, err := f.one(c, msg, footer.KeyHashtags); err != nil {
		return err
	} else if ok && !f.hashtagsSet {
		f.hashtagsSet = true
		f.hashtags = splitList(v)
		sort.Strings(f.hashtags)
	}

	if v, ok, err := f.one(c, msg, footer.KeyPrivate); err != nil {
		return err
	} else if ok {
		b, err := parseBool(v)
		if err != nil {
			return f.errf(c, "invalid %s footer %q", footer.KeyPrivate, v)
		}
		if f.private == nil {
			f.private = &b
		}
	}

	if v, ok, err := f.one(c, msg, footer.KeyRevertOf); err != nil {
		return err
	} else if ok && f.revertOf == nil {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f.errf(c, "invalid %s footer %q", footer.KeyRevertOf, v)
		}
		id, err := change.NewID(n)
		if err != nil {
			return f.errf(c, "invalid %s footer %q", footer.KeyRevertOf, v)
		}
		f.revertOf = &id
	}

	if v, ok, err := f.one(c, msg, footer.KeyCherryPickOf); err != nil {
		return err
	} else if ok && !f.cherrySeen {
		f.cherrySeen = true
		if v != "" {
			psID, err := change.ParsePatchSetID(v)
			if err != nil {
				return f.errf(c, "invalid %s footer %q", footer.KeyCherryPickOf, v)
			}
			f.cherryPickOf = &psID
		}
	}
	return nil
}

// parseAssignee handles the assignee footer: an empty value clears the
// assignee, and every distinct assignee ever set is remembered.
func (f *fold) parseAssignee(c *object.Commit, msg footer.Message) error {
	v, ok, err := f.one(c, msg, footer.KeyAssignee)
	if err != nil || !ok {
		return err
	}
	if v == "" {
		if f.assignee == nil {
			var cleared change.AccountID
			f.assignee = &cleared
		}
		return nil
	}
	acct, err := change.ParseIdentAccount(v)
	if err != nil {
		return f.errf(c, "invalid %s footer %q", footer.KeyAssignee, v)
	}
	if f.assignee == nil {
		f.assignee = &acct
	}
	f.pastAssignees[acct] = struct{}{}
	return nil
}

func (f *fold) parseReviewers(c *object.Commit, msg footer.Message, author change.AccountID, ts time.Time) error {
	for _, st := range change.ReviewerStates {
		for _, v := range msg.Values(st.FooterKey()) {
			acct, err := change.ParseIdentAccount(v)
			if err != nil {
				return f.errf(c, "invalid %s footer %q", st.FooterKey(), v)
			}
			f.allPastReviewers[acct] = struct{}{}
			if _, seen := f.reviewers[acct]; !seen {
				f.reviewers[acct] = ReviewerEntry{State: st, Since: ts}
			}
			f.reviewerUpdates = append(f.reviewerUpdates, ReviewerUpdate{
				Date:      ts,
				UpdatedBy: author,
				Reviewer:  acct,
				State:     st,
			})
		}
		for _, v := range msg.Values(st.ByEmailFooterKey()) {
			addr, err := change.ParseAddress(v)
			if err != nil {
				return f.errf(c, "invalid %s footer %q", st.ByEmailFooterKey(), v)
			}
			key := strings.ToLower(addr.Email)
			if _, seen := f.reviewersByEmail[key]; !seen {
				f.reviewersByEmail[key] = AddressEntry{Address: addr, State: st, Since: ts}
			}
		}
	}
	return nil
}

// parseApprovals decodes label footers. Votes are buffered until the next
// status footer so a later "merged" can flag them post-submit.
func (f *fold) parseApprovals(c *object.Commit, msg footer.Message, psNum int, author, real change.AccountID, ts time.Time, tag string) error {
	for _, v := range msg.Values(footer.KeyLabel) {
		removal := strings.HasPrefix(v, "-")
		body := strings.TrimPrefix(v, "-")
		votePart, identPart := body, ""
		if sp := strings.IndexByte(body, ' '); sp >= 0 {
			votePart, identPart = body[:sp], body[sp+1:]
		}

		account := author
		if identPart != "" {
			acct, err := change.ParseIdentAccount(identPart)
			if err != nil {
				return f.errf(c, "invalid %s footer %q", footer.KeyLabel, v)
			}
			account = acct
		}

		var label string
		var value int
		if removal {
			if err := change.CheckLabelName(votePart); err != nil {
				return f.errf(c, "invalid %s footer %q", footer.KeyLabel, v)
			}
			label = votePart
		} else {
			vote, err := change.ParseLabelVote(votePart)
			if err != nil {
				return f.errf(c, "invalid %s footer %q", footer.KeyLabel, v)
			}
			label, value = vote.Label, vote.Value
		}

		key := approvalKey{patchSet: psNum, account: account, label: label}
		if _, seen := f.approvalSeen[key]; seen {
			continue
		}
		f.approvalSeen[key] = struct{}{}
		a := &Approval{
			PatchSet:    psNum,
			Account:     account,
			RealAccount: real,
			Label:       label,
			Value:       value,
			Granted:     ts,
			Tag:         tag,
		}
		f.approvals = append(f.approvals, a)
		f.buffered = append(f.buffered, a)
	}
	return nil
}

func (f *fold) parseSubmitRecords(c *object.Commit, msg footer.Message) error {
	vals := msg.Values(footer.KeySubmittedWith)
	if len(vals) == 0 || f.submitRecordsParsed {
		return nil
	}
	// Submit rules are re-evaluated on every submit attempt; only the
	// newest block reflects the final outcome.
	f.submitRecordsParsed = true

	var records []change.SubmitRecord
	for _, line := range vals {
		if !strings.Contains(line, ": ") {
			statusStr, errMsg := line, ""
			if sp := strings.IndexByte(line, ' '); sp >= 0 {
				statusStr, errMsg = line[:sp], line[sp+1:]
			}
			st, err := change.ParseSubmitRecordStatus(statusStr)
			if err != nil {
				return f.errf(c, "invalid %s footer %q", footer.KeySubmittedWith, line)
			}
			records = append(records, change.SubmitRecord{Status: st, ErrorMessage: errMsg})
			continue
		}

		if len(records) == 0 {
			return f.errf(c, "%s label line %q before any record line", footer.KeySubmittedWith, line)
		}
		parts := strings.SplitN(line, ": ", 3)
		st, err := change.ParseSubmitLabelStatus(parts[0])
		if err != nil {
			return f.errf(c, "invalid %s footer %q", footer.KeySubmittedWith, line)
		}
		lbl := change.SubmitRecordLabel{Status: st, Label: parts[1]}
		if len(parts) == 3 {
			acct, err := change.ParseIdentAccount(parts[2])
			if err != nil {
				return f.errf(c, "invalid %s footer %q", footer.KeySubmittedWith, line)
			}
			lbl.AppliedBy = acct
		}
		rec := &records[len(records)-1]
		rec.Labels = append(rec.Labels, lbl)
	}
	f.submitRecords = records
	return nil
}

func (f *fold) parseStatus(c *object.Commit, msg footer.Message) error {
	v, ok, err := f.one(c, msg, footer.KeyStatus)
	if err != nil || !ok {
		return err
	}
	st, err := change.ParseStatus(v)
	if err != nil {
		return f.errf(c, "invalid %s footer %q", footer.KeyStatus, v)
	}
	// Every buffered vote was applied at or after this status change. The
	// legacy submit marker records the act of submitting itself and is
	// exempt.
	if st == change.StatusMerged {
		for _, a := range f.buffered {
			if a.Label != change.LegacySubmitLabel {
				a.PostSubmit = true
			}
		}
	}
	f.buffered = f.buffered[:0]
	if f.status == nil {
		f.status = &st
	}
	return nil
}

// parseWorkInProgress tracks the WIP flag plus the transition memory that
// decides, at the end of the walk, whether review ever started.
func (f *fold) parseWorkInProgress(c *object.Commit, msg footer.Message) error {
	v, ok, err := f.one(c, msg, footer.KeyWorkInProgress)
	if err != nil {
		return err
	}
	if !ok {
		f.prevWIPFooter = nil
		return nil
	}
	b, err := parseBool(v)
	if err != nil {
		return f.errf(c, "invalid %s footer %q", footer.KeyWorkInProgress, v)
	}
	f.prevWIPFooter = &b
	if b {
		if f.wip == nil {
			// The change is currently WIP, so every reviewer recorded so
			// far joined while review was paused.
			f.pendingReviewers = copyReviewers(f.reviewers)
			f.pendingByEmail = copyByEmail(f.reviewersByEmail)
			f.wip = &b
		}
		return nil
	}
	started := true
	f.reviewStarted = &started
	if f.wip == nil {
		f.wip = &b
	}
	return nil
}

func (f *fold) finish(tip plumbing.Hash, notes *revnote.Map) (*Snapshot, error) {
	// Patch sets whose revision never arrived carry deferred facts only;
	// they are dropped, taking their dependents with them.
	for num, ps := range f.patchSets {
		if ps.Revision.IsZero() {
			f.logger.Warn("dropping patch set without a revision",
				zap.Int("change", f.id.Int()), zap.Int("patchSet", num))
			delete(f.patchSets, num)
		}
	}
	for num, st := range f.patchSetStates {
		switch st {
		case change.PatchSetDeleted:
			delete(f.patchSets, num)
		case change.PatchSetDraft:
			if ps := f.patchSets[num]; ps != nil {
				ps.Draft = true
			}
		}
	}
	for num, d := range f.descriptions {
		if ps := f.patchSets[num]; ps != nil {
			ps.Description = d
		}
	}
	for num, g := range f.groups {
		if ps := f.patchSets[num]; ps != nil {
			ps.Groups = g
		}
	}

	var missing []string
	if f.branch == nil {
		missing = append(missing, footer.KeyBranch)
	}
	if f.key == nil {
		missing = append(missing, footer.KeyChangeID)
	}
	if f.subject == nil {
		missing = append(missing, footer.KeySubject)
	}
	if len(missing) > 0 {
		return nil, &ParseError{
			Change: f.id,
			Commit: tip,
			Reason: fmt.Sprintf("missing mandatory footers: %s", strings.Join(missing, ", ")),
		}
	}

	s := &Snapshot{
		MetaID:                  tip,
		ChangeID:                f.id,
		Key:                     *f.key,
		Branch:                  *f.branch,
		Subject:                 *f.subject,
		OriginalSubject:         f.originalSubject,
		Owner:                   f.owner,
		CreatedOn:               f.createdOn,
		LastUpdatedOn:           f.lastUpdatedOn,
		Status:                  change.StatusNew,
		Hashtags:                f.hashtags,
		PatchSets:               f.patchSets,
		Approvals:               map[int][]Approval{},
		Reviewers:               f.reviewers,
		ReviewersByEmail:        f.reviewersByEmail,
		PendingReviewers:        f.pendingReviewers,
		PendingReviewersByEmail: f.pendingByEmail,
		SubmitRecords:           f.submitRecords,
		Comments:                map[string][]revnote.Comment{},
		PushCerts:               map[string]string{},
		CherryPickOf:            f.cherryPickOf,
		UpdateCount:             f.updateCount,
	}
	if f.status != nil {
		s.Status = *f.status
	}
	if f.topic != nil {
		s.Topic = *f.topic
	}
	if f.submissionID != nil {
		s.SubmissionID = *f.submissionID
	}
	if f.assignee != nil {
		s.Assignee = *f.assignee
	}
	if f.private != nil {
		s.Private = *f.private
	}
	if f.wip != nil {
		s.WorkInProgress = *f.wip
	}
	if f.revertOf != nil {
		s.RevertOf = *f.revertOf
	}
	if s.PendingReviewers == nil {
		s.PendingReviewers = map[change.AccountID]ReviewerEntry{}
	}
	if s.PendingReviewersByEmail == nil {
		s.PendingReviewersByEmail = map[string]AddressEntry{}
	}

	// Review has started unless the change was created WIP and was never
	// taken out of it.
	switch {
	case f.reviewStarted != nil:
		s.HasReviewStarted = *f.reviewStarted
	case f.prevWIPFooter != nil:
		s.HasReviewStarted = !*f.prevWIPFooter
	default:
		s.HasReviewStarted = true
	}

	for _, num := range f.currentOrder {
		if f.patchSets[num] != nil {
			s.CurrentPatchSet = num
			break
		}
	}
	if s.CurrentPatchSet == 0 {
		for num := range f.patchSets {
			if num > s.CurrentPatchSet {
				s.CurrentPatchSet = num
			}
		}
	}

	pruned := 0
	for _, a := range f.approvals {
		if f.patchSets[a.PatchSet] == nil {
			pruned++
			continue
		}
		s.Approvals[a.PatchSet] = append(s.Approvals[a.PatchSet], *a)
	}
	for _, list := range s.Approvals {
		sortApprovals(list)
	}

	// Walk order is newest first; messages are exposed chronologically.
	for i := len(f.messages) - 1; i >= 0; i-- {
		m := f.messages[i]
		if f.patchSets[m.PatchSet] == nil {
			pruned++
			continue
		}
		s.Messages = append(s.Messages, m)
	}

	for rev, entry := range notes.Entries {
		var kept []revnote.Comment
		for _, cm := range entry.Note.Comments {
			if f.patchSets[cm.Key.PatchSet] == nil {
				pruned++
				continue
			}
			kept = append(kept, cm)
		}
		if len(kept) > 0 {
			revnote.SortComments(kept)
			s.Comments[rev] = kept
		}
		if entry.Note.PushCert != "" {
			s.PushCerts[rev] = entry.Note.PushCert
		}
	}
	if pruned > 0 {
		f.logger.Warn("pruned entities referencing deleted or missing patch sets",
			zap.Int("change", f.id.Int()), zap.Int("pruned", pruned))
	}

	for acct, entry := range f.reviewers {
		if entry.State == change.ReviewerStateRemoved {
			delete(f.reviewers, acct)
		}
	}
	for email, entry := range f.reviewersByEmail {
		if entry.State == change.ReviewerStateRemoved {
			delete(f.reviewersByEmail, email)
		}
	}
	for acct, entry := range s.PendingReviewers {
		if entry.State == change.ReviewerStateRemoved {
			delete(s.PendingReviewers, acct)
		}
	}
	for email, entry := range s.PendingReviewersByEmail {
		if entry.State == change.ReviewerStateRemoved {
			delete(s.PendingReviewersByEmail, email)
		}
	}

	for acct := range f.allPastReviewers {
		s.AllPastReviewers = append(s.AllPastReviewers, acct)
	}
	sortAccountIDs(s.AllPastReviewers)

	for acct := range f.pastAssignees {
		s.PastAssignees = append(s.PastAssignees, acct)
	}
	sortAccountIDs(s.PastAssignees)

	// Replay reviewer events oldest first, dropping no-op repeats and the
	// owner's implicit self-entry.
	lastState := map[change.AccountID]change.ReviewerState{}
	for i := len(f.reviewerUpdates) - 1; i >= 0; i-- {
		u := f.reviewerUpdates[i]
		if u.Reviewer == f.owner {
			continue
		}
		if prev, seen := lastState[u.Reviewer]; seen && prev == u.State {
			continue
		}
		lastState[u.Reviewer] = u.State
		s.ReviewerUpdates = append(s.ReviewerUpdates, u)
	}

	return s, nil
}

func sortApprovals(list []Approval) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Granted.Equal(b.Granted) {
			return a.Granted.Before(b.Granted)
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return a.Label < b.Label
	})
}

func sortAccountIDs(accts []change.AccountID) {
	sort.Slice(accts, func(i, j int) bool { return accts[i] < accts[j] })
}

func copyReviewers(in map[change.AccountID]ReviewerEntry) map[change.AccountID]ReviewerEntry {
	out := make(map[change.AccountID]ReviewerEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyByEmail(in map[string]AddressEntry) map[string]AddressEntry {
	out := make(map[string]AddressEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("state: not a boolean: %q", v)
}
