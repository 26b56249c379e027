package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// LevelID names a cache level.
type LevelID int

const (
	L1 LevelID = iota + 1
	L2
	L3
)

func (l LevelID) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	}
	return fmt.Sprintf("LevelID(%d)", int(l))
}

// RemoteTier is a slow, out-of-process cache used as L3. Errors from a
// remote tier never fail a read; the cache treats them as misses.
//
// Get returns the remaining lifetime of the entry along with its bytes; a
// zero ttl means the entry never expires.
type RemoteTier interface {
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Codec converts cached values to and from the bytes stored in a remote
// tier.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONCodec stores values as JSON and decodes them as T.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding cached value: %w", err)
	}
	return v, nil
}

// Recorder receives cache events. metrics.Recorder satisfies it.
type Recorder interface {
	CacheHit(level string)
	CacheMiss()
}

// Config sizes a MultiLevelCache.
type Config struct {
	L1 LevelConfig
	L2 LevelConfig

	// L3TTL is the default lifetime of remote entries.
	L3TTL time.Duration

	// PromoteAfter is the number of hits at a level after which an entry is
	// copied one level up.
	PromoteAfter uint64

	Policy PolicyConfig
}

// DefaultConfig returns the stock sizes: L1 holds 100 entries for 5 minutes,
// L2 1000 entries for 30 minutes, L3 entries live an hour.
func DefaultConfig() Config {
	return Config{
		L1:           LevelConfig{Capacity: 100, MaxBytes: 100 * 1024, TTL: 5 * time.Minute},
		L2:           LevelConfig{Capacity: 1000, MaxBytes: 1000 * 1024, TTL: 30 * time.Minute},
		L3TTL:        time.Hour,
		PromoteAfter: 1,
		Policy:       DefaultPolicyConfig(),
	}
}

// Option configures a MultiLevelCache.
type Option func(*MultiLevelCache)

// WithRemote plugs in an L3 tier.
func WithRemote(remote RemoteTier, codec Codec) Option {
	return func(c *MultiLevelCache) {
		c.remote = remote
		c.codec = codec
	}
}

// WithClock replaces time.Now for every level and the policy.
func WithClock(now func() time.Time) Option {
	return func(c *MultiLevelCache) { c.now = now }
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(c *MultiLevelCache) {
		if log != nil {
			c.log = log.WithField("component", "MultiLevelCache")
		}
	}
}

// WithRecorder reports hits and misses to r.
func WithRecorder(r Recorder) Option {
	return func(c *MultiLevelCache) { c.recorder = r }
}

type remoteStats struct {
	hits, misses, sets, deletes, errors uint64
}

// MultiLevelCache is an L1/L2 in-process cache over an optional remote L3.
type MultiLevelCache struct {
	levels       [2]*Level // L1, L2
	remote       RemoteTier
	codec        Codec
	remoteTTL    time.Duration
	promoteAfter uint64

	policy   *Policy
	flight   singleflight.Group
	now      func() time.Time
	recorder Recorder
	log      *logrus.Entry

	hits    uint64
	misses  uint64
	sets    uint64
	deletes uint64

	rstats remoteStats

	// hit counts of keys read from the remote tier since their last promotion
	remoteMu   sync.Mutex
	remoteHits map[string]uint64
}

// New creates a cache.
func New(cfg Config, opts ...Option) *MultiLevelCache {
	if cfg.PromoteAfter == 0 {
		cfg.PromoteAfter = 1
	}
	if cfg.L3TTL <= 0 {
		cfg.L3TTL = time.Hour
	}
	c := &MultiLevelCache{
		levels:       [2]*Level{NewLevel("L1", cfg.L1), NewLevel("L2", cfg.L2)},
		remoteTTL:    cfg.L3TTL,
		promoteAfter: cfg.PromoteAfter,
		policy:       NewPolicy(cfg.Policy),
		now:          time.Now,
		log:          logrus.WithField("component", "MultiLevelCache"),
		remoteHits:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.remote != nil && c.codec == nil {
		c.codec = JSONCodec[any]{}
	}
	for _, l := range c.levels {
		l.now = c.now
	}
	c.policy.now = c.now
	return c
}

// Policy returns the caching policy.
func (c *MultiLevelCache) Policy() *Policy { return c.policy }

// Level returns an in-process level; L3 has none and returns nil.
func (c *MultiLevelCache) Level(id LevelID) *Level {
	switch id {
	case L1:
		return c.levels[0]
	case L2:
		return c.levels[1]
	}
	return nil
}

// HasRemote reports whether an L3 tier is plugged in.
func (c *MultiLevelCache) HasRemote() bool { return c.remote != nil }

// Get probes L1, L2 and L3 in order.
func (c *MultiLevelCache) Get(key string) (any, bool) {
	return c.GetContext(context.Background(), key)
}

// GetContext is Get with a context for the remote tier.
func (c *MultiLevelCache) GetContext(ctx context.Context, key string) (any, bool) {
	c.policy.RecordAccess(key)

	for i, l := range c.levels {
		e, ok := l.lookup(key)
		if !ok {
			continue
		}
		// the copy keeps the entry's own expiry, not the upper level's TTL
		if i > 0 && e.accessCount >= c.promoteAfter {
			c.levels[i-1].setUntil(key, e.value, e.expiresAt, e.size)
		}
		c.hit(l.name)
		return e.value, true
	}

	if v, ok := c.getRemote(ctx, key); ok {
		c.hit("L3")
		return v, true
	}

	atomic.AddUint64(&c.misses, 1)
	if c.recorder != nil {
		c.recorder.CacheMiss()
	}
	return nil, false
}

func (c *MultiLevelCache) hit(level string) {
	atomic.AddUint64(&c.hits, 1)
	if c.recorder != nil {
		c.recorder.CacheHit(level)
	}
}

func (c *MultiLevelCache) getRemote(ctx context.Context, key string) (any, bool) {
	if c.remote == nil {
		return nil, false
	}
	data, ttl, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		atomic.AddUint64(&c.rstats.errors, 1)
		c.log.WithError(err).WithField("key", key).Warn("Remote cache read failed, treating as miss")
	}
	if err != nil || !ok {
		atomic.AddUint64(&c.rstats.misses, 1)
		return nil, false
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		atomic.AddUint64(&c.rstats.errors, 1)
		atomic.AddUint64(&c.rstats.misses, 1)
		c.log.WithError(err).WithField("key", key).Warn("Remote cache entry undecodable, treating as miss")
		return nil, false
	}
	atomic.AddUint64(&c.rstats.hits, 1)

	c.remoteMu.Lock()
	c.remoteHits[key]++
	promote := c.remoteHits[key] >= c.promoteAfter
	if promote {
		delete(c.remoteHits, key)
	}
	c.remoteMu.Unlock()

	if promote {
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = c.now().Add(ttl)
		}
		c.levels[1].setUntil(key, v, expiresAt, 0)
	}
	return v, true
}

// Set stores value at L2 with the level's TTL.
func (c *MultiLevelCache) Set(key string, value any) {
	c.SetAt(key, value, L2, 0)
}

// SetAt stores value at level. ttl <= 0 uses the level default. L3 without a
// remote tier falls back to L2.
func (c *MultiLevelCache) SetAt(key string, value any, level LevelID, ttl time.Duration) {
	c.SetContext(context.Background(), key, value, level, ttl, 0)
}

// SetContext is SetAt with a context and a known size.
func (c *MultiLevelCache) SetContext(ctx context.Context, key string, value any, level LevelID, ttl time.Duration, size int64) {
	atomic.AddUint64(&c.sets, 1)
	switch level {
	case L1:
		c.levels[0].Set(key, value, ttl, size)
		return
	case L3:
		if c.remote != nil {
			c.setRemote(ctx, key, value, ttl)
			return
		}
	}
	c.levels[1].Set(key, value, ttl, size)
}

func (c *MultiLevelCache) setRemote(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.remoteTTL
	}
	data, err := c.codec.Encode(value)
	if err == nil {
		err = c.remote.Set(ctx, key, data, ttl)
	}
	if err != nil {
		atomic.AddUint64(&c.rstats.errors, 1)
		c.log.WithError(err).WithField("key", key).Warn("Remote cache write failed")
		return
	}
	atomic.AddUint64(&c.rstats.sets, 1)
}

// Delete removes key from every level.
func (c *MultiLevelCache) Delete(key string) bool {
	deleted := false
	for _, l := range c.levels {
		if l.Delete(key) {
			deleted = true
		}
	}
	if c.remote != nil {
		ctx := context.Background()
		if _, _, ok, _ := c.remote.Get(ctx, key); ok {
			deleted = true
		}
		if err := c.remote.Delete(ctx, key); err != nil {
			atomic.AddUint64(&c.rstats.errors, 1)
			c.log.WithError(err).WithField("key", key).Warn("Remote cache delete failed")
		} else {
			atomic.AddUint64(&c.rstats.deletes, 1)
		}
		c.remoteMu.Lock()
		delete(c.remoteHits, key)
		c.remoteMu.Unlock()
	}
	c.policy.Forget(key)
	if deleted {
		atomic.AddUint64(&c.deletes, 1)
	}
	return deleted
}

// InvalidatePrefix removes every key starting with prefix from every level
// and returns how many in-process entries were dropped.
func (c *MultiLevelCache) InvalidatePrefix(prefix string) int {
	n := 0
	for _, l := range c.levels {
		n += l.DeletePrefix(prefix)
	}
	if c.remote != nil {
		if err := c.remote.DeletePrefix(context.Background(), prefix); err != nil {
			atomic.AddUint64(&c.rstats.errors, 1)
			c.log.WithError(err).WithField("prefix", prefix).Warn("Remote cache invalidation failed")
		}
		c.remoteMu.Lock()
		for k := range c.remoteHits {
			if strings.HasPrefix(k, prefix) {
				delete(c.remoteHits, k)
			}
		}
		c.remoteMu.Unlock()
	}
	c.policy.ForgetPrefix(prefix)
	if n > 0 {
		atomic.AddUint64(&c.deletes, uint64(n))
		c.log.WithFields(logrus.Fields{"prefix": prefix, "dropped": n}).Debug("Invalidated cached results")
	}
	return n
}

// Sweep removes expired entries from the in-process levels and forgets
// access histories older than the policy window. The remote tier expires
// entries itself.
func (c *MultiLevelCache) Sweep() int {
	n := 0
	for _, l := range c.levels {
		n += l.Sweep()
	}
	c.policy.Prune()
	return n
}

// Clear empties every level and resets all statistics and access history.
func (c *MultiLevelCache) Clear() {
	for _, l := range c.levels {
		l.Clear()
		l.ResetStats()
	}
	if c.remote != nil {
		if err := c.remote.Clear(context.Background()); err != nil {
			c.log.WithError(err).Warn("Remote cache clear failed")
		}
	}
	c.remoteMu.Lock()
	c.remoteHits = make(map[string]uint64)
	c.remoteMu.Unlock()
	c.policy.Reset()
	for _, p := range []*uint64{&c.hits, &c.misses, &c.sets, &c.deletes,
		&c.rstats.hits, &c.rstats.misses, &c.rstats.sets, &c.rstats.deletes, &c.rstats.errors} {
		atomic.StoreUint64(p, 0)
	}
}

// Close releases the remote tier.
func (c *MultiLevelCache) Close() error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}

// LoadOption tunes GetOrLoad.
type LoadOption func(*loadOptions)

type loadOptions struct {
	realTime bool
}

// RealTime caps the TTL of the loaded result at the policy's real-time TTL.
func RealTime() LoadOption {
	return func(o *loadOptions) { o.realTime = true }
}

// GetOrLoad returns the cached value for key or runs load. Concurrent misses
// on one key share a single load. The policy decides from the key's access
// frequency and load cost whether the result is cached, its TTL and its
// level. cached reports whether the value came from the cache.
func (c *MultiLevelCache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (any, error), opts ...LoadOption) (value any, cached bool, err error) {
	if v, ok := c.GetContext(ctx, key); ok {
		return v, true, nil
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		start := c.now()
		v, err := load(ctx)
		c.policy.RecordCost(key, c.now().Sub(start))
		if err != nil {
			return nil, err
		}

		size := EstimateSize(v)
		if !c.policy.ShouldCache(key, size) {
			return v, nil
		}
		level, ttl := L2, time.Duration(0)
		if !c.policy.Config().Disabled {
			level = c.policy.Level(key, c.remote != nil)
			ttl = c.policy.TTL(key, o.realTime)
		} else if o.realTime {
			ttl = c.policy.Config().RealTimeTTL
		}
		c.SetContext(ctx, key, v, level, ttl, size)
		return v, nil
	})
	return v, false, err
}

// Stats is the global and per-level view of a cache.
type Stats struct {
	Hits    uint64       `json:"hits"`
	Misses  uint64       `json:"misses"`
	Sets    uint64       `json:"sets"`
	Deletes uint64       `json:"deletes"`
	HitRate float64      `json:"hitRate"`
	Levels  []LevelStats `json:"levels"`
}

// Level returns the statistics of one level by name.
func (s Stats) Level(name string) (LevelStats, bool) {
	for _, l := range s.Levels {
		if l.Name == name {
			return l, true
		}
	}
	return LevelStats{}, false
}

// Stats returns hit, miss and size counters globally and per level.
func (c *MultiLevelCache) Stats() Stats {
	s := Stats{
		Hits:    atomic.LoadUint64(&c.hits),
		Misses:  atomic.LoadUint64(&c.misses),
		Sets:    atomic.LoadUint64(&c.sets),
		Deletes: atomic.LoadUint64(&c.deletes),
	}
	s.HitRate = hitRate(s.Hits, s.Misses)
	for _, l := range c.levels {
		s.Levels = append(s.Levels, l.Stats())
	}
	if c.remote != nil {
		l3 := LevelStats{
			Name:    "L3",
			Hits:    atomic.LoadUint64(&c.rstats.hits),
			Misses:  atomic.LoadUint64(&c.rstats.misses),
			Sets:    atomic.LoadUint64(&c.rstats.sets),
			Deletes: atomic.LoadUint64(&c.rstats.deletes),
		}
		if n, err := c.remote.Len(context.Background()); err == nil {
			l3.Size = n
		}
		l3.HitRate = hitRate(l3.Hits, l3.Misses)
		s.Levels = append(s.Levels, l3)
	}
	return s
}
