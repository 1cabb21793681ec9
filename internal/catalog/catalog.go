// Package catalog keeps the item catalog used to value inventories.
//
// The cache is filled at process start (from the on-disk snapshot, then from
// the inventory service), refreshed on demand, and refreshed once more when a
// valuation meets an item it does not know and the contents are older than
// MinRefreshAge. Between refreshes values may be stale: an item repriced
// upstream keeps its old value until the next Refresh.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bagbot/internal/external"
	"bagbot/internal/types"
)

// DefaultMinRefreshAge is how old the contents must be before an unknown item
// triggers another fetch.
const DefaultMinRefreshAge = time.Minute

// Config holds the dependencies for creating a Cache.
type Config struct {
	Source external.ItemSource
	// SnapshotPath is where the catalog is persisted between runs. Empty
	// disables the snapshot. A ".zst" suffix stores it zstd-compressed.
	SnapshotPath string
	// MinRefreshAge throttles refreshes caused by unknown items. Zero means
	// DefaultMinRefreshAge.
	MinRefreshAge time.Duration
	Logger        *slog.Logger
	Clock         types.Clock
}

// Cache is an owned, explicitly refreshed copy of the item catalog.
type Cache struct {
	source        external.ItemSource
	snapshot      string
	minRefreshAge time.Duration
	logger        *slog.Logger
	clock         types.Clock
	group         singleflight.Group

	mu          sync.RWMutex
	items       map[string]types.CatalogItem
	refreshedAt time.Time
}

// New creates an empty Cache. Call LoadSnapshot and Refresh to fill it.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	minAge := cfg.MinRefreshAge
	if minAge <= 0 {
		minAge = DefaultMinRefreshAge
	}
	return &Cache{
		source:        cfg.Source,
		snapshot:      cfg.SnapshotPath,
		minRefreshAge: minAge,
		logger:        logger,
		clock:         clock,
		items:         make(map[string]types.CatalogItem),
	}
}

// Refresh replaces the cached catalog with the inventory service's current
// one and rewrites the snapshot. Concurrent callers share a single fetch.
// On failure the previous contents are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, shared := c.group.Do("refresh", func() (any, error) {
		items, err := c.source.ListItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh item catalog: %w", err)
		}

		now := c.clock.Now().UTC()
		c.replace(items, now)

		if c.snapshot != "" {
			if err := writeSnapshot(c.snapshot, snapshot{RefreshedAt: now, Items: items}); err != nil {
				// The in-memory catalog is current; only the next cold start
				// is affected.
				c.logger.WarnContext(ctx, "failed to write catalog snapshot",
					"path", c.snapshot,
					"error", err,
				)
			}
		}

		c.logger.InfoContext(ctx, "item catalog refreshed", "items", len(items))
		return nil, nil
	})
	if shared {
		c.logger.DebugContext(ctx, "catalog refresh shared with concurrent caller")
	}
	return err
}

// LoadSnapshot fills the cache from the snapshot file. A missing file is not
// an error.
func (c *Cache) LoadSnapshot() error {
	if c.snapshot == "" {
		return nil
	}
	snap, ok, err := readSnapshot(c.snapshot)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.replace(snap.Items, snap.RefreshedAt)
	c.logger.Info("item catalog loaded from snapshot",
		"path", c.snapshot,
		"items", len(snap.Items),
		"refreshed_at", snap.RefreshedAt,
	)
	return nil
}

// Lookup returns the cached item by name.
func (c *Cache) Lookup(name string) (types.CatalogItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[name]
	return item, ok
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// RefreshedAt returns when the cached contents were fetched. The zero time
// means the cache has never been filled.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Age returns how long ago the contents were fetched.
func (c *Cache) Age() time.Duration {
	at := c.RefreshedAt()
	if at.IsZero() {
		return 0
	}
	return c.clock.Now().Sub(at)
}

// NetWorth values an inventory at the catalog's intended values. If any item
// is unknown the catalog is refreshed once, unless it was fetched less than
// MinRefreshAge ago; items still unknown afterwards count as zero.
func (c *Cache) NetWorth(ctx context.Context, inventory []types.InventoryItem) (float64, error) {
	total, missing := c.value(inventory)
	if len(missing) == 0 {
		return total, nil
	}

	if !c.RefreshedAt().IsZero() && c.Age() < c.minRefreshAge {
		c.logger.DebugContext(ctx, "items missing from fresh catalog valued at zero", "unknown_items", missing)
		return total, nil
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.WarnContext(ctx, "catalog refresh for unknown items failed",
			"unknown_items", missing,
			"error", err,
		)
		return total, nil
	}

	total, missing = c.value(inventory)
	if len(missing) > 0 {
		c.logger.WarnContext(ctx, "items missing from catalog valued at zero", "unknown_items", missing)
	}
	return total, nil
}

func (c *Cache) value(inventory []types.InventoryItem) (float64, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total float64
	var missing []string
	for _, inv := range inventory {
		item, ok := c.items[inv.Name]
		if !ok {
			missing = append(missing, inv.Name)
			continue
		}
		total += item.Value * float64(inv.Quantity)
	}
	return total, missing
}

func (c *Cache) replace(items []types.CatalogItem, at time.Time) {
	next := make(map[string]types.CatalogItem, len(items))
	for _, it := range items {
		next[it.Name] = it
	}

	c.mu.Lock()
	c.items = next
	c.refreshedAt = at
	c.mu.Unlock()
}
