// Package txn stages deltas across the change and draft repositories and
// applies them with per-repository compare-and-swap batches. Within one
// repository a batch is all-or-nothing; across the two repositories there
// is no atomicity, the primary commits first and a secondary failure is
// surfaced without rollback.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/update"
)

const casRetries = 5

var (
	// ErrExecuted indicates reuse of a manager; a manager runs exactly one
	// transaction.
	ErrExecuted = errors.New("txn: manager already executed")
	// ErrDraftsFailed indicates the primary repository committed but the
	// drafts repository did not; the returned result is still valid for
	// the primary side.
	ErrDraftsFailed = errors.New("txn: drafts repository update failed after primary commit")
)

// TooManyUpdatesError reports a change that hit the update ceiling.
type TooManyUpdatesError struct {
	Change change.ID
	Count  int
	Limit  int
}

func (e *TooManyUpdatesError) Error() string {
	return fmt.Sprintf("txn: change %d has too many updates (%d > limit %d)", e.Change.Int(), e.Count, e.Limit)
}

// Config wires a manager to its repositories. MaxUpdates zero disables the
// ceiling.
type Config struct {
	Changes    *gitstore.Repo
	Drafts     *gitstore.Repo
	Logger     *zap.Logger
	MaxUpdates int
}

// StagedChange reports the ref movement staged for one change.
type StagedChange struct {
	MetaOld plumbing.Hash
	MetaNew plumbing.Hash
	// DraftTips maps each touched author to the new draft ref tip; the
	// zero hash records a deleted ref.
	DraftTips map[change.AccountID]plumbing.Hash
}

// Result is the outcome of one executed transaction, keyed by change.
type Result struct {
	Changes map[change.ID]*StagedChange
}

// Manager is a single-use transaction: stage updates, call Execute once,
// then discard. It is not safe for concurrent use.
type Manager struct {
	changes    *gitstore.Repo
	drafts     *gitstore.Repo
	logger     *zap.Logger
	maxUpdates int

	updates      []*update.Update
	draftUpdates []*update.DraftUpdate
	deletions    []change.ID

	executed bool
}

// NewManager validates the wiring and returns an empty transaction.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Changes == nil {
		return nil, errors.New("txn: changes repository is required")
	}
	if cfg.Drafts == nil {
		return nil, errors.New("txn: drafts repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		changes:    cfg.Changes,
		drafts:     cfg.Drafts,
		logger:     logger,
		maxUpdates: cfg.MaxUpdates,
	}, nil
}

// Add stages a change delta. Deltas for the same change apply in the order
// they were added.
func (m *Manager) Add(u *update.Update) {
	m.updates = append(m.updates, u)
}

// AddDraft stages a draft delta.
func (m *Manager) AddDraft(d *update.DraftUpdate) {
	m.draftUpdates = append(m.draftUpdates, d)
}

// DeleteChange stages removal of a change: its meta ref and every author's
// draft ref.
func (m *Manager) DeleteChange(id change.ID) {
	m.deletions = append(m.deletions, id)
}

// Execute renders all staged deltas and applies the two repository batches,
// primary first. Lock failures retry the affected repository with bounded
// backoff; rendering is a pure function of the parent tip, so re-rendering
// against a moved tip is safe. On ErrDraftsFailed the result still
// describes the committed primary side.
func (m *Manager) Execute(ctx context.Context) (*Result, error) {
	if m.executed {
		return nil, ErrExecuted
	}
	m.executed = true

	res := &Result{Changes: map[change.ID]*StagedChange{}}

	if err := m.retryOnLockFailure(ctx, func() error {
		return m.applyChanges(ctx, res)
	}); err != nil {
		return nil, err
	}

	if err := m.retryOnLockFailure(ctx, func() error {
		return m.applyDrafts(ctx, res)
	}); err != nil {
		m.logger.Error("drafts repository update failed after primary commit",
			zap.Error(err))
		return res, fmt.Errorf("%w: %v", ErrDraftsFailed, err)
	}
	return res, nil
}

func (m *Manager) retryOnLockFailure(ctx context.Context, fn func() error) error {
	bo := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 500 * time.Millisecond, Jitter: true}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !gitstore.IsLockFailure(err) || attempt >= casRetries {
			return err
		}
		m.logger.Debug("lock failure, retrying batch", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
}

// applyChanges folds the staged change deltas per meta ref and applies the
// primary batch.
func (m *Manager) applyChanges(ctx context.Context, res *Result) error {
	grouped := map[change.ID][]*update.Update{}
	var order []change.ID
	for _, u := range m.updates {
		id := u.ChangeID()
		if _, seen := grouped[id]; !seen {
			order = append(order, id)
		}
		grouped[id] = append(grouped[id], u)
	}

	var cmds []gitstore.Command
	for _, id := range order {
		queued := grouped[id]
		ref := change.MetaRef(id)
		old, err := m.changes.Tip(ref)
		if err != nil {
			return err
		}

		tip := old
		for _, u := range queued {
			r, err := u.Apply(ctx, m.changes, tip)
			if err != nil {
				return err
			}
			switch {
			case r.NoOp:
			case r.Deleted:
				tip = plumbing.ZeroHash
			default:
				tip = r.Tip
			}
		}
		if tip == old {
			continue
		}

		if err := m.checkCeiling(id, tip, queued); err != nil {
			return err
		}
		cmds = append(cmds, gitstore.Command{Ref: ref, Old: old, New: tip})
		res.Changes[id] = &StagedChange{MetaOld: old, MetaNew: tip}
	}

	for _, id := range m.deletions {
		ref := change.MetaRef(id)
		old, err := m.changes.Tip(ref)
		if err != nil {
			return err
		}
		if old.IsZero() {
			continue
		}
		cmds = append(cmds, gitstore.Command{Ref: ref, Old: old, New: plumbing.ZeroHash})
		res.Changes[id] = &StagedChange{MetaOld: old}
	}

	if len(cmds) == 0 {
		return nil
	}
	return m.changes.ApplyBatch(ctx, cmds, gitstore.BatchOptions{LogMessage: "update changes"})
}

// checkCeiling enforces the per-change update cap on the folded chain.
// Terminal transitions stay possible on capped changes: a ref whose queued
// deltas are all exempt skips the check.
func (m *Manager) checkCeiling(id change.ID, tip plumbing.Hash, queued []*update.Update) error {
	if m.maxUpdates <= 0 || tip.IsZero() {
		return nil
	}
	allExempt := true
	for _, u := range queued {
		if !u.ExemptFromUpdateCount() {
			allExempt = false
			break
		}
	}
	if allExempt {
		return nil
	}
	count := 0
	err := m.changes.WalkLinear(tip, func(*object.Commit) error {
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if count > m.maxUpdates {
		return &TooManyUpdatesError{Change: id, Count: count, Limit: m.maxUpdates}
	}
	return nil
}

// applyDrafts folds the staged draft deltas, including the automatic
// cleanup of comments the change deltas just published, and applies the
// secondary batch.
func (m *Manager) applyDrafts(ctx context.Context, res *Result) error {
	queue := make([]*update.DraftUpdate, 0, len(m.draftUpdates))
	queue = append(queue, m.draftUpdates...)
	for _, u := range m.updates {
		if cleanup := u.DraftCleanup(); cleanup != nil {
			queue = append(queue, cleanup)
		}
	}

	type refKey struct {
		id   change.ID
		acct change.AccountID
	}
	grouped := map[refKey][]*update.DraftUpdate{}
	var order []refKey
	for _, d := range queue {
		k := refKey{id: d.ChangeID(), acct: d.Author()}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], d)
	}

	var cmds []gitstore.Command
	stage := func(k refKey, ref string, old, tip plumbing.Hash) {
		cmds = append(cmds, gitstore.Command{Ref: ref, Old: old, New: tip})
		sc := res.Changes[k.id]
		if sc == nil {
			sc = &StagedChange{}
			res.Changes[k.id] = sc
		}
		if sc.DraftTips == nil {
			sc.DraftTips = map[change.AccountID]plumbing.Hash{}
		}
		sc.DraftTips[k.acct] = tip
	}

	for _, k := range order {
		ref := change.DraftRef(k.id, k.acct)
		old, err := m.drafts.Tip(ref)
		if err != nil {
			return err
		}
		tip := old
		for _, d := range grouped[k] {
			r, err := d.Apply(ctx, m.drafts, tip)
			if err != nil {
				return err
			}
			switch {
			case r.NoOp:
			case r.Deleted:
				tip = plumbing.ZeroHash
			default:
				tip = r.Tip
			}
		}
		if tip == old {
			continue
		}
		stage(k, ref, old, tip)
	}

	for _, id := range m.deletions {
		refs, err := m.drafts.Refs(change.DraftRefPrefix(id))
		if err != nil {
			return err
		}
		names := make([]string, 0, len(refs))
		for name := range refs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, acct, ok := change.ParseDraftRef(name)
			if !ok {
				continue
			}
			stage(refKey{id: id, acct: acct}, name, refs[name], plumbing.ZeroHash)
		}
	}

	if len(cmds) == 0 {
		return nil
	}
	return m.drafts.ApplyBatch(ctx, cmds, gitstore.BatchOptions{LogMessage: "update drafts"})
}
