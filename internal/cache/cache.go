// Package cache holds the agent's hot-path read snapshot of the tenant and
// meter list, swapped atomically on each reload so readers never observe a
// torn state.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Resinat/syncagent/internal/model"
)

// Snapshot is an immutable view of the tenant and meter set.
type Snapshot struct {
	Tenant model.Tenant
	Meters []model.Meter
}

// Source is the Local Store's read side, the only thing Cache depends on.
type Source interface {
	GetTenant(ctx context.Context) (model.Tenant, error)
	ListActiveMeters(ctx context.Context) ([]model.Meter, error)
}

// Cache holds an atomically-swapped Snapshot pointer, following the
// atomic.Pointer hot-reload pattern used for runtime config elsewhere in
// this codebase. Reload calls are serialized, not coalesced: a caller that
// arrives while a reload is in flight waits for it and then runs its own
// reload against the source.
type Cache struct {
	source Source
	snap   atomic.Pointer[Snapshot]
	valid  atomic.Bool

	reloadMu sync.Mutex
}

func New(source Source) *Cache {
	c := &Cache{source: source}
	c.snap.Store(&Snapshot{})
	return c
}

// Get returns the current snapshot. Never blocks on I/O.
func (c *Cache) Get() *Snapshot {
	return c.snap.Load()
}

// IsValid reports whether the snapshot has been loaded since the last
// Invalidate call.
func (c *Cache) IsValid() bool {
	return c.valid.Load()
}

// Invalidate marks the snapshot stale without clearing its contents;
// readers keep seeing the last-known data until the next successful
// Reload, but Collection Engine cycle entry will force a reload first.
func (c *Cache) Invalidate() {
	c.valid.Store(false)
}

// Reload re-reads tenant and meters from the source and atomically swaps
// the snapshot. Concurrent reloads are serialized by reloadMu so a burst of
// callers never issues overlapping store queries; each waiting caller's
// reload still runs, but Get() always returns a fully-formed snapshot.
func (c *Cache) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	tenant, err := c.source.GetTenant(ctx)
	if err != nil {
		return err
	}
	meters, err := c.source.ListActiveMeters(ctx)
	if err != nil {
		return err
	}

	c.snap.Store(&Snapshot{Tenant: tenant, Meters: meters})
	c.valid.Store(true)
	return nil
}
