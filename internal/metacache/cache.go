// Package metacache caches per-backend model metadata with a freshness window.
//
// Entries are immutable and replaced wholesale, so readers observe either the
// previous or the new list. Concurrent refreshes of one backend are coalesced
// into a single ListModels call.
package metacache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/blueberrycongee/llmsched/pkg/types"
)

// ErrUnavailable is returned when a refresh failed and nothing was cached yet.
var ErrUnavailable = errors.New("model metadata unavailable")

// Lister is the part of a backend handle the cache needs.
type Lister interface {
	ListModels(ctx context.Context) ([]types.ModelDescriptor, error)
}

// Entry is one cached model list.
type Entry struct {
	Models    []types.ModelDescriptor
	FetchedAt time.Time
}

// Store is a shared second level for model lists, typically used so several
// scheduler replicas refresh each backend's list once per freshness window.
// Load returns nil and no error when nothing is stored.
type Store interface {
	Load(ctx context.Context, backendID string) (*Entry, error)
	Save(ctx context.Context, backendID string, e Entry) error
}

// Options configures a Cache.
type Options struct {
	// Freshness is the maximum age at which an entry is served without refresh.
	Freshness time.Duration
	// RefreshTimeout bounds a single ListModels call.
	RefreshTimeout time.Duration
	// FailureCooldown is how long a failed refresh with nothing cached stops
	// Cached from starting another one.
	FailureCooldown time.Duration
	// OnRefresh is called after every ListModels call.
	OnRefresh func(backendID string, err error)
	// Store, when set, is consulted before ListModels and written after it.
	Store Store
	// OnStoreError is called when Store fails. Store failures never fail Get.
	OnStoreError func(backendID string, err error)
}

// Cache holds one Entry per backend.
type Cache struct {
	opts    Options
	entries sync.Map // backend id -> *Entry
	failed  sync.Map // backend id -> time.Time
	group   singleflight.Group
	now     func() time.Time
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.Freshness <= 0 {
		opts.Freshness = 5 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = 30 * time.Second
	}
	return &Cache{opts: opts, now: time.Now}
}

// Get returns the backend's model list, refreshing it when the cached entry
// is missing or older than the freshness window. A failed refresh falls back
// to the stale entry.
func (c *Cache) Get(ctx context.Context, backendID string, l Lister) ([]types.ModelDescriptor, error) {
	if e := c.load(backendID); e != nil && c.fresh(e) {
		return cloneModels(e.Models), nil
	}

	ch := c.group.DoChan(backendID, func() (any, error) {
		// A flight that finished just before this one may have refreshed it.
		if e := c.load(backendID); e != nil && c.fresh(e) {
			return e, nil
		}
		return c.refresh(ctx, backendID, l)
	})

	select {
	case <-ctx.Done():
		if e := c.load(backendID); e != nil {
			return cloneModels(e.Models), nil
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneModels(res.Val.(*Entry).Models), nil
	}
}

// Cached returns the backend's cached model list without waiting on the
// backend. A missing or stale entry starts a coalesced refresh in the
// background; the stale list, if any, is returned meanwhile. ok is false when
// nothing is cached.
func (c *Cache) Cached(ctx context.Context, backendID string, l Lister) (models []types.ModelDescriptor, ok bool) {
	e := c.load(backendID)
	if e != nil && c.fresh(e) {
		return cloneModels(e.Models), true
	}
	if !c.coolingDown(backendID) {
		// DoChan buffers its result, so nobody has to receive it.
		bg := context.WithoutCancel(ctx)
		c.group.DoChan(backendID, func() (any, error) {
			if e := c.load(backendID); e != nil && c.fresh(e) {
				return e, nil
			}
			return c.refresh(bg, backendID, l)
		})
	}
	if e == nil {
		return nil, false
	}
	return cloneModels(e.Models), true
}

func (c *Cache) coolingDown(backendID string) bool {
	v, ok := c.failed.Load(backendID)
	return ok && c.now().Sub(v.(time.Time)) < c.opts.FailureCooldown
}

func (c *Cache) refresh(ctx context.Context, backendID string, l Lister) (*Entry, error) {
	// The flight is shared, so one caller going away must not fail the others.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
	defer cancel()

	if e := c.loadShared(rctx, backendID); e != nil {
		c.entries.Store(backendID, e)
		c.failed.Delete(backendID)
		return e, nil
	}

	models, err := l.ListModels(rctx)
	if c.opts.OnRefresh != nil {
		c.opts.OnRefresh(backendID, err)
	}
	if err != nil {
		if stale := c.load(backendID); stale != nil {
			return stale, nil
		}
		c.failed.Store(backendID, c.now())
		return nil, fmt.Errorf("%w for backend %s: %w", ErrUnavailable, backendID, err)
	}

	e := &Entry{Models: cloneModels(models), FetchedAt: c.now()}
	c.entries.Store(backendID, e)
	c.failed.Delete(backendID)
	if c.opts.Store != nil {
		if err := c.opts.Store.Save(rctx, backendID, *e); err != nil {
			c.storeError(backendID, err)
		}
	}
	return e, nil
}

// loadShared returns the Store's entry when it is still fresh.
func (c *Cache) loadShared(ctx context.Context, backendID string) *Entry {
	if c.opts.Store == nil {
		return nil
	}
	e, err := c.opts.Store.Load(ctx, backendID)
	if err != nil {
		c.storeError(backendID, err)
		return nil
	}
	if e == nil || !c.fresh(e) {
		return nil
	}
	return &Entry{Models: cloneModels(e.Models), FetchedAt: e.FetchedAt}
}

func (c *Cache) storeError(backendID string, err error) {
	if c.opts.OnStoreError != nil {
		c.opts.OnStoreError(backendID, err)
	}
}

// Peek returns the cached entry without refreshing.
func (c *Cache) Peek(backendID string) (Entry, bool) {
	e := c.load(backendID)
	if e == nil {
		return Entry{}, false
	}
	return Entry{Models: cloneModels(e.Models), FetchedAt: e.FetchedAt}, true
}

// Invalidate drops the backend's entry.
func (c *Cache) Invalidate(backendID string) {
	c.entries.Delete(backendID)
	c.failed.Delete(backendID)
}

func (c *Cache) load(backendID string) *Entry {
	v, ok := c.entries.Load(backendID)
	if !ok {
		return nil
	}
	return v.(*Entry)
}

func (c *Cache) fresh(e *Entry) bool {
	return c.now().Sub(e.FetchedAt) < c.opts.Freshness
}

func cloneModels(in []types.ModelDescriptor) []types.ModelDescriptor {
	if in == nil {
		return nil
	}
	return append([]types.ModelDescriptor(nil), in...)
}
