// Package notedb is the embedding surface of the engine. A Client binds
// project repositories to the parser, the snapshot cache and the
// transaction machinery; callers never touch refs or commits directly.
package notedb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/reviewstack/notedb/internal/cache"
	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/revnote"
	"github.com/reviewstack/notedb/internal/sequence"
	"github.com/reviewstack/notedb/internal/state"
	"github.com/reviewstack/notedb/internal/statelease"
	"github.com/reviewstack/notedb/internal/txn"
)

var (
	// ErrUnknownProject indicates the project was never registered on the
	// client.
	ErrUnknownProject = errors.New("notedb: unknown project")
	// ErrNotFound indicates the change has no meta ref in its project.
	ErrNotFound = errors.New("notedb: change not found")
)

// Config wires a client. Leases is optional; MaxUpdates zero disables the
// per-change ceiling and CacheEntries zero takes the cache default.
type Config struct {
	Logger       *zap.Logger
	Leases       *statelease.Store
	MaxUpdates   int
	CacheEntries int
	BatchSize    int
}

type project struct {
	changes   *gitstore.Repo
	drafts    *gitstore.Repo
	allocator *sequence.Allocator
}

// Client reads and writes changes across registered projects. Safe for
// concurrent use once all projects are registered.
type Client struct {
	logger     *zap.Logger
	leases     *statelease.Store
	maxUpdates int
	batchSize  int
	cache      *cache.SnapshotCache

	mu       sync.RWMutex
	projects map[change.Project]*project
}

// NewClient returns a client with no projects registered.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUpdates < 0 {
		return nil, errors.New("notedb: max updates must not be negative")
	}
	return &Client{
		logger:     logger,
		leases:     cfg.Leases,
		maxUpdates: cfg.MaxUpdates,
		batchSize:  cfg.BatchSize,
		cache:      cache.New(cfg.CacheEntries),
		projects:   map[change.Project]*project{},
	}, nil
}

// AddProject registers a change repository and its drafts companion under
// the given project name.
func (c *Client) AddProject(name change.Project, changes, drafts *gitstore.Repo) error {
	if name == "" {
		return errors.New("notedb: project name is required")
	}
	if changes == nil || drafts == nil {
		return errors.New("notedb: both repositories are required")
	}
	allocator, err := sequence.NewAllocator(sequence.Config{
		Repo:      changes,
		Logger:    c.logger,
		BatchSize: c.batchSize,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.projects[name]; ok {
		return fmt.Errorf("notedb: project %q already registered", name)
	}
	c.projects[name] = &project{changes: changes, drafts: drafts, allocator: allocator}
	return nil
}

func (c *Client) project(name change.Project) (*project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return p, nil
}

// Snapshot parses the change at its current meta tip.
func (c *Client) Snapshot(ctx context.Context, proj change.Project, id change.ID) (*state.Snapshot, error) {
	p, err := c.project(proj)
	if err != nil {
		return nil, err
	}
	tip, err := p.changes.Tip(change.MetaRef(id))
	if err != nil {
		return nil, err
	}
	if tip.IsZero() {
		return nil, fmt.Errorf("%w: change %d in %s", ErrNotFound, id.Int(), proj)
	}
	return c.snapshotAt(ctx, proj, p, id, tip)
}

// SnapshotAt parses the change at an explicit historic tip. The tip must
// be a commit on the change's meta chain.
func (c *Client) SnapshotAt(ctx context.Context, proj change.Project, id change.ID, tip plumbing.Hash) (*state.Snapshot, error) {
	p, err := c.project(proj)
	if err != nil {
		return nil, err
	}
	if tip.IsZero() {
		return nil, fmt.Errorf("%w: change %d in %s", ErrNotFound, id.Int(), proj)
	}
	return c.snapshotAt(ctx, proj, p, id, tip)
}

func (c *Client) snapshotAt(ctx context.Context, proj change.Project, p *project, id change.ID, tip plumbing.Hash) (*state.Snapshot, error) {
	key := cache.Key{Project: proj, Change: id, Tip: tip}
	return c.cache.Get(ctx, key, func(ctx context.Context) (*state.Snapshot, error) {
		return state.NewParser(p.changes, id, c.logger).Parse(ctx, tip)
	})
}

// Drafts returns one author's unpublished comments on a change, oldest
// first. A change with no draft ref has no drafts.
func (c *Client) Drafts(ctx context.Context, proj change.Project, id change.ID, account change.AccountID) ([]revnote.Comment, error) {
	p, err := c.project(proj)
	if err != nil {
		return nil, err
	}
	tip, err := p.drafts.Tip(change.DraftRef(id, account))
	if err != nil {
		return nil, err
	}
	if tip.IsZero() {
		return nil, nil
	}
	commit, err := p.drafts.ReadCommit(tip)
	if err != nil {
		return nil, err
	}
	m, err := revnote.ParseTree(p.drafts, commit.TreeHash)
	if err != nil {
		return nil, err
	}

	var snapshot *state.Snapshot
	if metaTip, err := p.changes.Tip(change.MetaRef(id)); err != nil {
		return nil, err
	} else if !metaTip.IsZero() {
		snapshot, err = c.snapshotAt(ctx, proj, p, id, metaTip)
		if err != nil {
			return nil, err
		}
	}
	return state.DraftComments(snapshot, m), nil
}

// NewTransaction returns an empty single-use transaction against the
// project's repositories.
func (c *Client) NewTransaction(proj change.Project) (*txn.Manager, error) {
	p, err := c.project(proj)
	if err != nil {
		return nil, err
	}
	return txn.NewManager(txn.Config{
		Changes:    p.changes,
		Drafts:     p.drafts,
		Logger:     c.logger,
		MaxUpdates: c.maxUpdates,
	})
}

// NextID allocates the next change number for the project.
func (c *Client) NextID(ctx context.Context, proj change.Project) (change.ID, error) {
	p, err := c.project(proj)
	if err != nil {
		return 0, err
	}
	return p.allocator.Next(ctx)
}

// Leases exposes the consistency token store, nil when not configured.
func (c *Client) Leases() *statelease.Store {
	return c.leases
}
