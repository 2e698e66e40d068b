package gitstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// Command is one staged compare-and-swap ref update: move Ref from Old to
// New. A zero Old creates the ref; a zero New deletes it.
type Command struct {
	Ref string
	Old plumbing.Hash
	New plumbing.Hash
}

// LockFailureError reports a compare-and-swap mismatch. Callers may retry
// the whole transaction after re-reading the ref.
type LockFailureError struct {
	Ref      string
	Expected plumbing.Hash
	Actual   plumbing.Hash
}

func (e *LockFailureError) Error() string {
	return fmt.Sprintf("gitstore: lock failure on %s: expected %s, found %s", e.Ref, e.Expected, e.Actual)
}

// IsLockFailure reports whether err is a CAS mismatch and therefore
// retryable.
func IsLockFailure(err error) bool {
	var lf *LockFailureError
	return errors.As(err, &lf)
}

// BatchOptions carries the reflog metadata attached to a batch apply.
type BatchOptions struct {
	LogMessage string
	// AllowNonFastForward permits updates that move a ref backwards; only
	// rewrite tooling ever requests this.
	AllowNonFastForward bool
}

// ApplyBatch applies every command against this repository, verifying each
// expected old tip first. The verification pass plus sequential apply gives
// all-or-nothing behavior within one repository as long as this process is
// the only writer racing on these refs losing only to the store's own CAS;
// a mismatch detected at any point surfaces as LockFailureError.
func (r *Repo) ApplyBatch(ctx context.Context, cmds []Command, opts BatchOptions) error {
	for _, cmd := range cmds {
		current, err := r.Tip(cmd.Ref)
		if err != nil {
			return err
		}
		if current != cmd.Old {
			return &LockFailureError{Ref: cmd.Ref, Expected: cmd.Old, Actual: current}
		}
		if !opts.AllowNonFastForward && !cmd.Old.IsZero() && !cmd.New.IsZero() {
			ok, err := r.isAncestor(cmd.Old, cmd.New)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("gitstore: non-fast-forward update of %s rejected", cmd.Ref)
			}
		}
	}

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.applyOne(cmd); err != nil {
			return err
		}
		r.logger.Debug("ref updated",
			zap.String("ref", cmd.Ref),
			zap.String("old", cmd.Old.String()),
			zap.String("new", cmd.New.String()),
			zap.String("log", opts.LogMessage))
	}
	return nil
}

func (r *Repo) applyOne(cmd Command) error {
	name := plumbing.ReferenceName(cmd.Ref)
	if cmd.New.IsZero() {
		if err := r.gr.Storer.RemoveReference(name); err != nil {
			return fmt.Errorf("gitstore: delete %s: %w", cmd.Ref, err)
		}
		return nil
	}

	newRef := plumbing.NewHashReference(name, cmd.New)
	var oldRef *plumbing.Reference
	if !cmd.Old.IsZero() {
		oldRef = plumbing.NewHashReference(name, cmd.Old)
	}
	if err := r.gr.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		return &LockFailureError{Ref: cmd.Ref, Expected: cmd.Old, Actual: plumbing.ZeroHash}
	}
	return nil
}

var errStopWalk = errors.New("stop walk")

func (r *Repo) isAncestor(old, tip plumbing.Hash) (bool, error) {
	found := false
	err := r.WalkLinear(tip, func(c *object.Commit) error {
		if c.Hash == old {
			found = true
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return false, err
	}
	return found, nil
}
