// Package sequence allocates change numbers from a shared counter blob.
// The counter ref points directly at a blob holding the next unallocated
// number; allocation advances it by a whole batch under compare-and-swap
// so concurrent writers on other hosts stay consistent.
package sequence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/gitstore"
)

const (
	firstChangeNumber = 1
	defaultBatchSize  = 20
	casRetries        = 10
)

// ErrExhaustedRetries indicates the counter could not be advanced because
// other writers kept winning the compare-and-swap.
var ErrExhaustedRetries = errors.New("sequence: counter contention, retries exhausted")

// Config wires an allocator to its repository. BatchSize zero takes the
// default.
type Config struct {
	Repo      *gitstore.Repo
	Logger    *zap.Logger
	BatchSize int
}

// Allocator hands out change numbers. Safe for concurrent use; numbers
// within a batch are handed out locally without touching the store.
type Allocator struct {
	repo   *gitstore.Repo
	logger *zap.Logger
	batch  int

	mu    sync.Mutex
	next  int
	limit int
}

// NewAllocator validates the wiring and returns an allocator with an empty
// local batch.
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.Repo == nil {
		return nil, errors.New("sequence: repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Allocator{repo: cfg.Repo, logger: logger, batch: batch}, nil
}

// Next returns the next change number, refilling the local batch from the
// store when it runs out.
func (a *Allocator) Next(ctx context.Context) (change.ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.limit {
		if err := a.refill(ctx); err != nil {
			return 0, err
		}
	}
	id := change.ID(a.next)
	a.next++
	return id, nil
}

// refill advances the shared counter by one batch. Loses of the
// compare-and-swap re-read the counter and try again with backoff.
func (a *Allocator) refill(ctx context.Context) error {
	bo := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 250 * time.Millisecond, Jitter: true}
	for attempt := 0; attempt < casRetries; attempt++ {
		old, err := a.repo.Tip(change.SequenceRef)
		if err != nil {
			return err
		}
		start := firstChangeNumber
		if !old.IsZero() {
			raw, err := a.repo.ReadBlob(old)
			if err != nil {
				return err
			}
			start, err = parseCounter(raw)
			if err != nil {
				return err
			}
		}

		next := start + a.batch
		blob, err := a.repo.InsertBlob([]byte(strconv.Itoa(next) + "\n"))
		if err != nil {
			return err
		}
		err = a.repo.ApplyBatch(ctx, []gitstore.Command{{
			Ref: change.SequenceRef,
			Old: old,
			New: blob,
		}}, gitstore.BatchOptions{LogMessage: "allocate change numbers", AllowNonFastForward: true})
		if err == nil {
			a.next, a.limit = start, next
			return nil
		}
		if !gitstore.IsLockFailure(err) {
			return err
		}
		a.logger.Debug("sequence counter contention", zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	return ErrExhaustedRetries
}

// Current reads the stored counter without allocating; used by tooling to
// report the high-water mark.
func (a *Allocator) Current(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tip, err := a.repo.Tip(change.SequenceRef)
	if err != nil {
		return 0, err
	}
	if tip.IsZero() {
		return firstChangeNumber, nil
	}
	raw, err := a.repo.ReadBlob(tip)
	if err != nil {
		return 0, err
	}
	return parseCounter(raw)
}

func parseCounter(raw []byte) (int, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil || n < firstChangeNumber {
		return 0, fmt.Errorf("sequence: corrupt counter blob %q", raw)
	}
	return n, nil
}
