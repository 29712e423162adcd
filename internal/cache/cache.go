// Package cache implements a tiered (primary/secondary/tertiary) proxy
// cache, persisted through internal/kvstore and keyed by proxy identity.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pivox-go/pivox/internal/kvstore"
	"github.com/pivox-go/pivox/internal/proxytype"
)

// Tier is a cache partition; Primary is hottest.
type Tier string

const (
	Primary   Tier = "primary"
	Secondary Tier = "secondary"
	Tertiary  Tier = "tertiary"
)

// Capacities bundles the three tier size limits. A zero-value Capacities
// falls back to the package defaults (10/50/200); otherwise every field is
// used as given.
type Capacities struct {
	Primary   int
	Secondary int
	Tertiary  int
}

// DefaultCapacities returns the standard tier sizes.
func DefaultCapacities() Capacities {
	return Capacities{Primary: 10, Secondary: 50, Tertiary: 200}
}

// Entry is one cached proxy and its usage bookkeeping.
type Entry struct {
	Proxy             proxytype.Proxy
	Score             proxytype.Snapshot
	Tier              Tier
	UsageCount        int
	LastAccessedEpoch int64
}

// deriveTier implements the tier derivation rule based on usage count.
func deriveTier(usageCount int) Tier {
	switch {
	case usageCount >= 10:
		return Primary
	case usageCount >= 3:
		return Secondary
	default:
		return Tertiary
	}
}

// TieredCache is the authoritative hot-proxy cache. The pool manager is
// its only writer; TieredCache itself holds its own lock so it can also
// serve concurrent readers safely on its own.
type TieredCache struct {
	mu         sync.Mutex
	capacities Capacities
	entries    map[string]*Entry   // keyed by Proxy.ID()
	members    map[Tier][]string   // recency-ordered membership, LRU at front
	store      kvstore.Store
}

// New creates an empty TieredCache backed by store. Call Load to restore
// persisted state, normally done once at startup.
func New(store kvstore.Store, capacities Capacities) *TieredCache {
	if capacities.Primary == 0 && capacities.Secondary == 0 && capacities.Tertiary == 0 {
		capacities = DefaultCapacities()
	}
	return &TieredCache{
		capacities: capacities,
		entries:    make(map[string]*Entry),
		members: map[Tier][]string{
			Primary:   {},
			Secondary: {},
			Tertiary:  {},
		},
		store: store,
	}
}

// Add inserts or refreshes proxy's entry: usage count increments, tier is
// recomputed, and the entry moves into the resulting tier, demoting
// whatever that tier's overflow displaces. Persists afterwards.
func (c *TieredCache) Add(ctx context.Context, proxy proxytype.Proxy, score proxytype.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := proxy.ID()
	entry, exists := c.entries[key]
	if !exists {
		entry = &Entry{Proxy: proxy}
		c.entries[key] = entry
	}

	entry.Proxy = proxy
	entry.Score = score
	entry.UsageCount++
	entry.LastAccessedEpoch = time.Now().UnixMilli()

	oldTier := entry.Tier
	newTier := deriveTier(entry.UsageCount)

	if exists {
		c.removeFromTierLocked(oldTier, key)
	}
	entry.Tier = newTier
	c.members[newTier] = append(c.members[newTier], key)
	c.enforceCapacityLocked(newTier)

	return c.persistLocked(ctx)
}

func (c *TieredCache) removeFromTierLocked(tier Tier, key string) {
	list := c.members[tier]
	for i, k := range list {
		if k == key {
			c.members[tier] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// enforceCapacityLocked demotes the least-recently-used overflow from
// tier to the next lower tier, cascading until every tier is within
// capacity. The tertiary tier's overflow is dropped entirely.
func (c *TieredCache) enforceCapacityLocked(tier Tier) {
	for {
		cap := c.capacityOf(tier)
		list := c.members[tier]
		if len(list) <= cap {
			return
		}

		lru := list[0]
		c.members[tier] = list[1:]

		next, ok := c.nextLowerTier(tier)
		if !ok {
			delete(c.entries, lru)
			return
		}

		entry := c.entries[lru]
		entry.Tier = next
		c.members[next] = append(c.members[next], lru)
		tier = next
	}
}

func (c *TieredCache) capacityOf(tier Tier) int {
	switch tier {
	case Primary:
		return c.capacities.Primary
	case Secondary:
		return c.capacities.Secondary
	default:
		return c.capacities.Tertiary
	}
}

func (c *TieredCache) nextLowerTier(tier Tier) (Tier, bool) {
	switch tier {
	case Primary:
		return Secondary, true
	case Secondary:
		return Tertiary, true
	default:
		return "", false
	}
}

// GetTier returns a copy of every entry currently in tier, most-recently
// used last.
func (c *TieredCache) GetTier(tier Tier) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.members[tier]
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.entries[k])
	}
	return out
}

// GetMostFrequent returns the n entries with the highest usage_count.
func (c *TieredCache) GetMostFrequent(n int) []Entry {
	return c.topN(n, func(a, b Entry) bool { return a.UsageCount > b.UsageCount })
}

// GetMostRecent returns the n entries with the most recent last-accessed
// time.
func (c *TieredCache) GetMostRecent(n int) []Entry {
	return c.topN(n, func(a, b Entry) bool { return a.LastAccessedEpoch > b.LastAccessedEpoch })
}

// GetBest returns the n entries with the highest composite score.
func (c *TieredCache) GetBest(n int) []Entry {
	return c.topN(n, func(a, b Entry) bool { return a.Score.Composite > b.Score.Composite })
}

func (c *TieredCache) topN(n int, less func(a, b Entry) bool) []Entry {
	c.mu.Lock()
	all := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, *e)
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Stats reports the current tier sizes and total entry count.
type Stats struct {
	Primary   int
	Secondary int
	Tertiary  int
	Total     int
}

func (c *TieredCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Primary:   len(c.members[Primary]),
		Secondary: len(c.members[Secondary]),
		Tertiary:  len(c.members[Tertiary]),
		Total:     len(c.entries),
	}
}

// Clear empties every tier and persists the empty state.
func (c *TieredCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.members = map[Tier][]string{Primary: {}, Secondary: {}, Tertiary: {}}
	return c.persistLocked(ctx)
}

// Contains reports whether proxy currently has a cache entry, and if so
// which tier.
func (c *TieredCache) Contains(proxy proxytype.Proxy) (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[proxy.ID()]
	if !ok {
		return "", false
	}
	return e.Tier, true
}

// wireEntry is the persisted on-disk JSON shape. Schema is additive:
// unknown fields are ignored on read, and required fields (IP, Port)
// missing means the entry is dropped on load.
type wireEntry struct {
	IP                 string  `json:"ip"`
	Port               int     `json:"port"`
	Protocol           string  `json:"protocol"`
	CountryCode        string  `json:"country_code,omitempty"`
	IsHTTPS            bool    `json:"is_https"`
	AnonymityLevel     string  `json:"anonymity_level,omitempty"`
	LastCheckedEpochMs int64   `json:"last_checked_epoch_ms,omitempty"`
	ResponseTimeMs     float64 `json:"response_time_ms,omitempty"`
	Score              float64 `json:"score,omitempty"`
	LastAccessedEpoch  int64   `json:"last_accessed_epoch_ms,omitempty"`
}

func toWire(e Entry) wireEntry {
	return wireEntry{
		IP:                 e.Proxy.Host,
		Port:               e.Proxy.Port,
		Protocol:           string(e.Proxy.Transport),
		CountryCode:        e.Proxy.Metadata.Country,
		IsHTTPS:            e.Proxy.Transport == proxytype.HTTPS,
		AnonymityLevel:     string(e.Proxy.Metadata.Anonymity),
		LastCheckedEpochMs: e.Score.LastUsedEpochMs,
		ResponseTimeMs:     e.Score.AvgResponseTimeMs,
		Score:              e.Score.Composite,
		LastAccessedEpoch:  e.LastAccessedEpoch,
	}
}

func fromWire(w wireEntry, usageCount int, tier Tier) (Entry, bool) {
	if w.IP == "" || w.Port <= 0 {
		return Entry{}, false
	}
	return Entry{
		Proxy: proxytype.Proxy{
			Host:      w.IP,
			Port:      w.Port,
			Transport: proxytype.Transport(w.Protocol),
			Metadata: proxytype.Metadata{
				Country:   w.CountryCode,
				Anonymity: proxytype.Anonymity(w.AnonymityLevel),
			},
		},
		Score: proxytype.Snapshot{
			AvgResponseTimeMs: w.ResponseTimeMs,
			LastUsedEpochMs:   w.LastCheckedEpochMs,
			Composite:         w.Score,
		},
		Tier:              tier,
		UsageCount:        usageCount,
		LastAccessedEpoch: w.LastAccessedEpoch,
	}, true
}

const (
	keyPrimary   = "pivox.cache.primary"
	keySecondary = "pivox.cache.secondary"
	keyTertiary  = "pivox.cache.tertiary"
	keyStats     = "pivox.cache.stats"
)

func tierKey(tier Tier) string {
	switch tier {
	case Primary:
		return keyPrimary
	case Secondary:
		return keySecondary
	default:
		return keyTertiary
	}
}

// persistLocked serializes each tier and the usage map to the backing
// store. Caller holds c.mu.
func (c *TieredCache) persistLocked(ctx context.Context) error {
	stats := make(map[string]int, len(c.entries))
	for k, e := range c.entries {
		stats[k] = e.UsageCount
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("cache: marshal stats: %w", err)
	}
	if err := c.store.Set(ctx, keyStats, statsJSON); err != nil {
		return fmt.Errorf("cache: persist stats: %w", err)
	}

	for _, tier := range []Tier{Primary, Secondary, Tertiary} {
		wire := make([]wireEntry, 0, len(c.members[tier]))
		for _, key := range c.members[tier] {
			wire = append(wire, toWire(*c.entries[key]))
		}
		data, err := json.Marshal(wire)
		if err != nil {
			return fmt.Errorf("cache: marshal tier %s: %w", tier, err)
		}
		if err := c.store.Set(ctx, tierKey(tier), data); err != nil {
			return fmt.Errorf("cache: persist tier %s: %w", tier, err)
		}
	}
	return nil
}

// Load reloads the cache atomically from the backing store, replacing any
// in-memory state. Intended to be called once at startup.
func (c *TieredCache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	statsRaw, ok, err := c.store.Get(ctx, keyStats)
	if err != nil {
		return fmt.Errorf("cache: load stats: %w", err)
	}
	stats := map[string]int{}
	if ok {
		if err := json.Unmarshal(statsRaw, &stats); err != nil {
			return fmt.Errorf("cache: decode stats: %w", err)
		}
	}

	entries := make(map[string]*Entry)
	members := map[Tier][]string{Primary: {}, Secondary: {}, Tertiary: {}}

	for _, tier := range []Tier{Primary, Secondary, Tertiary} {
		raw, ok, err := c.store.Get(ctx, tierKey(tier))
		if err != nil {
			return fmt.Errorf("cache: load tier %s: %w", tier, err)
		}
		if !ok {
			continue
		}
		var wire []wireEntry
		if err := json.Unmarshal(raw, &wire); err != nil {
			return fmt.Errorf("cache: decode tier %s: %w", tier, err)
		}
		for _, w := range wire {
			key := fmt.Sprintf("%s:%d", w.IP, w.Port)
			entry, ok := fromWire(w, stats[key], tier)
			if !ok {
				continue
			}
			if _, dup := entries[key]; dup {
				continue // never let an entry appear in two tiers at once
			}
			entries[key] = &entry
			members[tier] = append(members[tier], key)
		}
	}

	c.entries = entries
	c.members = members
	return nil
}
