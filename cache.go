package avida

import (
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// MaxCachedListings bounds the browsable listing cache.
	MaxCachedListings = 100
	// MaxViewedListings bounds the recently-viewed cache.
	MaxViewedListings = 50
)

// cacheKeys are the keys ClearAll removes. The action queue, dead letters
// and last sync time are not cache and survive a clear.
var cacheKeys = []string{KeyListings, KeyViewed, KeyFavorites, KeyCategories, KeyProfile}

// CacheManager owns the bounded, recency-ordered read caches.
//
// Reads never fail: missing or undecodable data reads as empty and the
// problem is logged.
type CacheManager struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex
}

// NewCacheManager creates a cache manager persisting through store.
func NewCacheManager(store Store, log *zap.Logger) *CacheManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &CacheManager{store: store, log: log, now: time.Now}
}

// ── Listings ─────────────────────────────────────────────

// CacheListings merges items into the listing cache. Items win over cached
// entries with the same id. The result is ordered by CachedAt, newest first,
// and capped at MaxCachedListings. Items with a zero CachedAt are stamped
// with the current time.
func (c *CacheManager) CacheListings(items []CachedListing) error {
	if len(items) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixMilli()
	merged := make([]CachedListing, 0, len(items)+MaxCachedListings)
	for _, it := range items {
		if it.CachedAt == 0 {
			it.CachedAt = now
		}
		merged = append(merged, it)
	}
	merged = append(merged, c.readListings(KeyListings)...)

	unique := dedupeListings(merged)
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].CachedAt > unique[j].CachedAt
	})
	if len(unique) > MaxCachedListings {
		unique = unique[:MaxCachedListings]
	}
	return c.write(KeyListings, unique)
}

// GetCachedListings returns cached listings, most recently cached first.
func (c *CacheManager) GetCachedListings() []CachedListing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readListings(KeyListings)
}

// GetCachedListing looks up one cached listing by id.
func (c *CacheManager) GetCachedListing(id string) (CachedListing, bool) {
	for _, l := range c.GetCachedListings() {
		if l.ID == id {
			return l, true
		}
	}
	return CachedListing{}, false
}

// Count returns the number of cached listings.
func (c *CacheManager) Count() int {
	return len(c.GetCachedListings())
}

// ClearStale drops listings cached more than maxAge ago and reports how
// many were removed.
func (c *CacheManager) ClearStale(maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge).UnixMilli()
	listings := c.readListings(KeyListings)
	fresh := listings[:0:0]
	for _, l := range listings {
		if l.CachedAt >= cutoff {
			fresh = append(fresh, l)
		}
	}
	removed := len(listings) - len(fresh)
	if removed == 0 {
		return 0, nil
	}
	c.log.Info("pruned stale listings", zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	return removed, c.write(KeyListings, fresh)
}

func dedupeListings(in []CachedListing) []CachedListing {
	seen := make(map[string]struct{}, len(in))
	out := make([]CachedListing, 0, len(in))
	for _, l := range in {
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}
		out = append(out, l)
	}
	return out
}

// ── Recently viewed ──────────────────────────────────────

// AddViewedListing moves item to the front of the recently-viewed list with
// a fresh CachedAt.
func (c *CacheManager) AddViewedListing(item CachedListing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item.CachedAt = c.now().UnixMilli()
	viewed := slices.DeleteFunc(c.readListings(KeyViewed), func(l CachedListing) bool {
		return l.ID == item.ID
	})
	viewed = append([]CachedListing{item}, viewed...)
	if len(viewed) > MaxViewedListings {
		viewed = viewed[:MaxViewedListings]
	}
	return c.write(KeyViewed, viewed)
}

// GetViewedListings returns recently viewed listings, latest first.
func (c *CacheManager) GetViewedListings() []CachedListing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readListings(KeyViewed)
}

// ── Favorites ────────────────────────────────────────────

// CacheFavorites replaces the cached favorite ids.
func (c *CacheManager) CacheFavorites(ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ids == nil {
		ids = []string{}
	}
	return c.write(KeyFavorites, ids)
}

// GetCachedFavorites returns the cached favorite ids.
func (c *CacheManager) GetCachedFavorites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	if !c.read(KeyFavorites, &ids) {
		return nil
	}
	return ids
}

// SetFavorite adds or removes a single id in the cached favorites.
func (c *CacheManager) SetFavorite(id string, favorite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	c.read(KeyFavorites, &ids)
	has := slices.Contains(ids, id)
	switch {
	case favorite && !has:
		ids = append(ids, id)
	case !favorite && has:
		ids = slices.DeleteFunc(ids, func(s string) bool { return s == id })
	default:
		return nil
	}
	return c.write(KeyFavorites, ids)
}

// ── Categories & profile ─────────────────────────────────

// CacheCategories replaces the cached categories.
func (c *CacheManager) CacheCategories(categories []Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(KeyCategories, categories)
}

// GetCachedCategories returns the cached categories.
func (c *CacheManager) GetCachedCategories() []Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cats []Category
	if !c.read(KeyCategories, &cats) {
		return nil
	}
	return cats
}

// CacheProfile replaces the cached user profile.
func (c *CacheManager) CacheProfile(p UserProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(KeyProfile, p)
}

// GetCachedProfile returns the cached user profile, if any.
func (c *CacheManager) GetCachedProfile() (UserProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var p UserProfile
	ok := c.read(KeyProfile, &p)
	return p, ok
}

// ── Clear ────────────────────────────────────────────────

// ClearAll removes every cache key. It is safe to call repeatedly.
func (c *CacheManager) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for _, key := range cacheKeys {
		errs = multierr.Append(errs, c.store.Remove(key))
	}
	if errs != nil {
		c.log.Warn("cache clear incomplete", zap.Error(errs))
	}
	return errs
}

// ── persistence ─────────────────────────────────────────

func (c *CacheManager) readListings(key string) []CachedListing {
	var listings []CachedListing
	if !c.read(key, &listings) {
		return nil
	}
	return listings
}

func (c *CacheManager) read(key string, v any) bool {
	data, err := c.store.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *CacheManager) write(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := c.store.Set(key, data); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
