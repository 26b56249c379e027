// Package cache provides the multi-level result cache of ontoq.
//
// A MultiLevelCache stacks two in-process LRU levels (L1 for the hottest
// fingerprints, L2 for warm ones) over an optional remote tier (L3). Reads
// probe L1, L2 and L3 in order and copy hits one level up; writes default to
// L2. Every level bounds its entry count and its estimated byte size and
// expires entries by TTL on access or on an explicit Sweep. No background
// goroutine runs.
//
// Usage:
//
//	c := cache.New(cache.DefaultConfig())
//
//	if v, ok := c.Get(key); ok {
//		return v
//	}
//	v := runQuery()
//	c.Set(key, v)
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sizer is implemented by values that know their approximate memory cost.
type Sizer interface {
	Size() int64
}

// EstimateSize returns the approximate memory cost of a cached value.
func EstimateSize(v any) int64 {
	switch val := v.(type) {
	case Sizer:
		return val.Size()
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case []string:
		var n int64
		for _, s := range val {
			n += int64(len(s)) + 16
		}
		return n
	}
	return 64
}

// LevelConfig sizes one in-process level.
type LevelConfig struct {
	Capacity int           // maximum entries; <= 0 uses 1000
	MaxBytes int64         // maximum estimated bytes; 0 is unbounded
	TTL      time.Duration // default entry lifetime; 0 never expires
}

// Level is a thread-safe LRU cache with per-entry TTL and a byte budget.
type Level struct {
	name string
	mu   sync.Mutex

	capacity int
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time

	list  *list.List
	items map[string]*list.Element
	bytes int64

	hits        uint64
	misses      uint64
	sets        uint64
	deletes     uint64
	evictions   uint64
	expirations uint64
}

type entry struct {
	key         string
	value       any
	createdAt   time.Time
	expiresAt   time.Time // zero never expires
	accessCount uint64
	size        int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLevel creates an empty level.
func NewLevel(name string, cfg LevelConfig) *Level {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &Level{
		name:     name,
		capacity: cfg.Capacity,
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		now:      time.Now,
		list:     list.New(),
		items:    make(map[string]*list.Element, cfg.Capacity),
	}
}

// Name returns the level name, e.g. "L1".
func (l *Level) Name() string { return l.name }

// TTL returns the default entry lifetime.
func (l *Level) TTL() time.Duration { return l.ttl }

// Get returns the value for key and how often it has been hit at this level,
// the current hit included. Expired entries are removed and count as misses.
func (l *Level) Get(key string) (any, uint64, bool) {
	e, ok := l.lookup(key)
	if !ok {
		return nil, 0, false
	}
	return e.value, e.accessCount, true
}

// lookup is Get returning a copy of the whole entry, so that a promotion can
// carry the entry's expiry and size to another level.
func (l *Level) lookup(key string) (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		atomic.AddUint64(&l.misses, 1)
		return entry{}, false
	}
	e := elem.Value.(*entry)
	if e.expired(l.now()) {
		l.removeElement(elem)
		atomic.AddUint64(&l.expirations, 1)
		atomic.AddUint64(&l.misses, 1)
		return entry{}, false
	}

	l.list.MoveToFront(elem)
	e.accessCount++
	atomic.AddUint64(&l.hits, 1)
	return *e, true
}

// Contains reports whether a live entry exists, without touching statistics
// or recency.
func (l *Level) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.items[key]
	return ok && !elem.Value.(*entry).expired(l.now())
}

// Set stores value under key. ttl <= 0 uses the level default; size <= 0 is
// estimated from the value. Least recently used entries are evicted while
// the level is over its capacity or byte budget.
func (l *Level) Set(key string, value any, ttl time.Duration, size int64) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = l.now().Add(ttl)
	}
	l.put(key, value, expiresAt, size)
}

// setUntil stores value with an absolute expiry instead of the level
// default. A zero expiresAt never expires; an expiry already passed stores
// nothing.
func (l *Level) setUntil(key string, value any, expiresAt time.Time, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !expiresAt.IsZero() && !expiresAt.After(l.now()) {
		return
	}
	l.put(key, value, expiresAt, size)
}

// put inserts or replaces key. Caller must hold the lock.
func (l *Level) put(key string, value any, expiresAt time.Time, size int64) {
	if size <= 0 {
		size = EstimateSize(value)
	}
	now := l.now()
	atomic.AddUint64(&l.sets, 1)

	if elem, ok := l.items[key]; ok {
		e := elem.Value.(*entry)
		l.bytes += size - e.size
		e.value = value
		e.createdAt = now
		e.expiresAt = expiresAt
		e.size = size
		l.list.MoveToFront(elem)
		l.evict(elem)
		return
	}

	e := &entry{key: key, value: value, createdAt: now, expiresAt: expiresAt, size: size}
	elem := l.list.PushFront(e)
	l.items[key] = elem
	l.bytes += size
	l.evict(elem)
}

// evict drops entries from the back until the level fits, never dropping
// keep. Caller must hold the lock.
func (l *Level) evict(keep *list.Element) {
	for l.list.Len() > l.capacity || (l.maxBytes > 0 && l.bytes > l.maxBytes) {
		back := l.list.Back()
		if back == nil || back == keep {
			return
		}
		l.removeElement(back)
		atomic.AddUint64(&l.evictions, 1)
	}
}

// Delete removes key and reports whether it was present.
func (l *Level) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.items[key]
	if !ok {
		return false
	}
	l.removeElement(elem)
	atomic.AddUint64(&l.deletes, 1)
	return true
}

// DeletePrefix removes every key starting with prefix.
func (l *Level) DeletePrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, elem := range l.items {
		if strings.HasPrefix(key, prefix) {
			l.removeElement(elem)
			n++
		}
	}
	atomic.AddUint64(&l.deletes, uint64(n))
	return n
}

// Sweep removes every expired entry and returns how many were removed.
func (l *Level) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for elem := l.list.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*entry).expired(now) {
			l.removeElement(elem)
			n++
		}
		elem = prev
	}
	atomic.AddUint64(&l.expirations, uint64(n))
	return n
}

// Clear removes every entry. Statistics are kept.
func (l *Level) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Init()
	l.items = make(map[string]*list.Element, l.capacity)
	l.bytes = 0
}

// Len returns the number of entries, expired ones included until swept.
func (l *Level) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Bytes returns the estimated size of all entries.
func (l *Level) Bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}

// Stats returns the level's counters.
func (l *Level) Stats() LevelStats {
	s := LevelStats{
		Name:        l.name,
		Hits:        atomic.LoadUint64(&l.hits),
		Misses:      atomic.LoadUint64(&l.misses),
		Sets:        atomic.LoadUint64(&l.sets),
		Deletes:     atomic.LoadUint64(&l.deletes),
		Evictions:   atomic.LoadUint64(&l.evictions),
		Expirations: atomic.LoadUint64(&l.expirations),
		MaxSize:     l.capacity,
	}
	l.mu.Lock()
	s.Size = l.list.Len()
	s.Bytes = l.bytes
	l.mu.Unlock()
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}

// ResetStats zeroes the counters.
func (l *Level) ResetStats() {
	for _, c := range []*uint64{&l.hits, &l.misses, &l.sets, &l.deletes, &l.evictions, &l.expirations} {
		atomic.StoreUint64(c, 0)
	}
}

func (l *Level) removeElement(elem *list.Element) {
	l.list.Remove(elem)
	e := elem.Value.(*entry)
	delete(l.items, e.key)
	l.bytes -= e.size
}

// LevelStats holds the counters of one level.
type LevelStats struct {
	Name        string  `json:"name"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"maxSize"`
	Bytes       int64   `json:"bytes"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Deletes     uint64  `json:"deletes"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hitRate"` // 0-1
}

func hitRate(hits, misses uint64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}
