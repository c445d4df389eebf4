package catalog

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"dispatchbot/internal/game/rules"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

const lastFetchKey = "catalog_last_fetch"

// Cache keeps the current mission list in memory, persists it through the
// store, and refreshes it from the source when stale. At most one refresh
// runs at a time; concurrent callers reuse the in-flight result.
type Cache struct {
	src     Source
	store   storage.Store
	refresh time.Duration
	log     logx.Logger

	mu        sync.RWMutex
	missions  []*Mission
	lastFetch time.Time

	fetchMu sync.Mutex
}

func NewCache(src Source, store storage.Store, refresh time.Duration, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	if refresh <= 0 {
		refresh = time.Hour
	}
	return &Cache{src: src, store: store, refresh: refresh, log: log.With(logx.String("comp", "catalog"))}
}

// Load primes the cache from the store, fetching from the source when the
// persisted copy is missing or stale.
func (c *Cache) Load(ctx context.Context) error {
	entries, err := c.store.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		missions := make([]*Mission, 0, len(entries))
		for _, raw := range entries {
			var m Mission
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				c.log.Warn("skipping bad cached mission", logx.Err(err))
				continue
			}
			missions = append(missions, &m)
		}
		var last time.Time
		if v, err := c.store.GetKV(ctx, lastFetchKey); err == nil {
			last, _ = time.Parse(time.RFC3339Nano, v)
		}
		c.mu.Lock()
		c.missions = missions
		c.lastFetch = last
		c.mu.Unlock()
		c.log.Info("catalog loaded from cache", logx.Int("missions", len(missions)))
	}
	return c.RefreshIfStale(ctx)
}

// RefreshIfStale fetches a fresh catalog when the last fetch is older than
// the refresh interval. A fetch failure keeps the current copy.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.lastFetch.IsZero() &&
		time.Since(c.lastFetch) < c.refresh &&
		len(c.missions) > 0
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh unconditionally fetches the catalog from the source.
func (c *Cache) Refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another caller may have finished the refresh while we waited.
	c.mu.RLock()
	fresh := !c.lastFetch.IsZero() && time.Since(c.lastFetch) < c.refresh && len(c.missions) > 0
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	missions, err := c.src.Fetch(ctx)
	if err != nil {
		c.log.Warn("catalog refresh failed, keeping current copy", logx.Err(err))
		c.mu.RLock()
		have := len(c.missions)
		c.mu.RUnlock()
		if have > 0 {
			return nil
		}
		return err
	}

	now := time.Now()
	c.mu.Lock()
	c.missions = missions
	c.lastFetch = now
	c.mu.Unlock()

	entries := make(map[int64]string, len(missions))
	for _, m := range missions {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		entries[m.ID] = string(raw)
	}
	if err := c.store.SaveCatalog(ctx, entries); err != nil {
		c.log.Warn("persisting catalog failed", logx.Err(err))
	}
	if err := c.store.SetKV(ctx, lastFetchKey, now.UTC().Format(time.RFC3339Nano)); err != nil {
		c.log.Warn("persisting fetch time failed", logx.Err(err))
	}
	c.log.Info("catalog refreshed", logx.Int("missions", len(missions)))
	return nil
}

// Missions returns the current catalog snapshot.
func (c *Cache) Missions() []*Mission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.missions
}

// SelectForLevel picks a mission weighted toward tiers appropriate for the
// participant's level. Event missions outside their window and entries
// without a payout are skipped. Returns nil when nothing qualifies.
func (c *Cache) SelectForLevel(level int, rnd *rand.Rand, now time.Time) *Mission {
	weights := rules.TierWeightsFor(level)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		candidates []*Mission
		ws         []int
		total      int
	)
	for _, m := range c.missions {
		if m.AverageCredits == nil {
			continue
		}
		if !m.ActiveAt(now) {
			continue
		}
		w := weights[m.Tier()-1]
		if w <= 0 {
			w = 1
		}
		candidates = append(candidates, m)
		ws = append(ws, w)
		total += w
	}
	if total == 0 {
		return nil
	}
	pick := rnd.Intn(total)
	for i, w := range ws {
		pick -= w
		if pick < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// RollStages picks the number of stages for a mission of the given tier.
func RollStages(tier int, rnd *rand.Rand) int {
	counts, weights := rules.StageOptions(tier)
	total := 0
	for _, w := range weights {
		total += w
	}
	pick := rnd.Intn(total)
	for i, w := range weights {
		pick -= w
		if pick < 0 {
			return counts[i]
		}
	}
	return counts[len(counts)-1]
}
