package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_LRU(t *testing.T) {
	l := NewLevel("L1", LevelConfig{Capacity: 2})

	l.Set("a", 1, 0, 0)
	l.Set("b", 2, 0, 0)
	_, _, ok := l.Get("a") // a becomes most recent
	require.True(t, ok)
	l.Set("c", 3, 0, 0)

	assert.True(t, l.Contains("a"))
	assert.False(t, l.Contains("b"), "least recently used entry evicted")
	assert.True(t, l.Contains("c"))

	s := l.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, uint64(3), s.Sets)

	t.Run("update keeps one entry", func(t *testing.T) {
		l.Set("a", 10, 0, 0)
		v, hits, ok := l.Get("a")
		require.True(t, ok)
		assert.Equal(t, 10, v)
		assert.Equal(t, uint64(2), hits)
		assert.Equal(t, 2, l.Len())
	})

	t.Run("zero capacity uses default", func(t *testing.T) {
		assert.Equal(t, 1000, NewLevel("x", LevelConfig{}).Stats().MaxSize)
	})
}

func TestLevel_ByteBudget(t *testing.T) {
	l := NewLevel("L2", LevelConfig{Capacity: 100, MaxBytes: 100})

	l.Set("a", "x", 0, 40)
	l.Set("b", "y", 0, 40)
	assert.Equal(t, int64(80), l.Bytes())

	l.Set("c", "z", 0, 40)
	assert.False(t, l.Contains("a"))
	assert.Equal(t, int64(80), l.Bytes())

	t.Run("oversized entry is kept alone", func(t *testing.T) {
		l.Set("big", "w", 0, 500)
		assert.True(t, l.Contains("big"))
		assert.Equal(t, 1, l.Len())
	})

	t.Run("estimated sizes", func(t *testing.T) {
		assert.Equal(t, int64(5), EstimateSize("hello"))
		assert.Equal(t, int64(3), EstimateSize([]byte("abc")))
		assert.Equal(t, int64(2+16+1+16), EstimateSize([]string{"ab", "c"}))
		assert.Equal(t, int64(64), EstimateSize(42))
	})
}

func TestLevel_TTL(t *testing.T) {
	clock := newFakeClock()
	l := NewLevel("L1", LevelConfig{Capacity: 10, TTL: time.Minute})
	l.now = clock.Now

	l.Set("default", 1, 0, 0)
	l.Set("short", 2, 10*time.Second, 0)

	clock.Advance(10 * time.Second)
	_, _, ok := l.Get("short")
	assert.True(t, ok, "entry is live exactly at its ttl")

	clock.Advance(time.Nanosecond)
	_, _, ok = l.Get("short")
	assert.False(t, ok, "entry expires after its ttl")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, l.Len(), "expired entries stay until accessed or swept")
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())

	s := l.Stats()
	assert.Equal(t, uint64(2), s.Expirations)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestLevel_DeletePrefix(t *testing.T) {
	l := NewLevel("L2", LevelConfig{Capacity: 10})
	l.Set("Order/1", 1, 0, 0)
	l.Set("Order/2", 2, 0, 0)
	l.Set("Merchant/1", 3, 0, 0)

	assert.Equal(t, 2, l.DeletePrefix("Order/"))
	assert.True(t, l.Delete("Merchant/1"))
	assert.False(t, l.Delete("Merchant/1"))
	assert.Equal(t, uint64(3), l.Stats().Deletes)
}

// =============================================================================
// MultiLevelCache Tests
// =============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Policy.Disabled = true
	return cfg
}

func TestMultiLevel_Promotion(t *testing.T) {
	t.Run("one hit promotes by default", func(t *testing.T) {
		c := New(testConfig())
		_, ok := c.Get("k")
		require.False(t, ok)

		c.Set("k", "v")
		assert.False(t, c.Level(L1).Contains("k"))
		assert.True(t, c.Level(L2).Contains("k"))

		v, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", v)
		assert.True(t, c.Level(L1).Contains("k"), "hit below L1 copies the entry up")
		assert.True(t, c.Level(L2).Contains("k"))
	})

	t.Run("threshold", func(t *testing.T) {
		cfg := testConfig()
		cfg.PromoteAfter = 3
		c := New(cfg)
		c.Set("k", "v")
		for i := 1; i <= 3; i++ {
			assert.False(t, c.Level(L1).Contains("k"), "hit %d", i)
			_, ok := c.Get("k")
			require.True(t, ok)
		}
		assert.True(t, c.Level(L1).Contains("k"))
	})

	t.Run("explicit level", func(t *testing.T) {
		c := New(testConfig())
		c.SetAt("hot", 1, L1, 0)
		c.SetAt("cold", 2, L3, 0) // no remote tier: L2
		assert.True(t, c.Level(L1).Contains("hot"))
		assert.True(t, c.Level(L2).Contains("cold"))
		assert.Nil(t, c.Level(L3))
	})
}

func TestMultiLevel_TTLExpiry(t *testing.T) {
	t.Run("expires at L2", func(t *testing.T) {
		clock := newFakeClock()
		c := New(testConfig(), WithClock(clock.Now))

		c.SetAt("k", "v", L2, 30*time.Second)
		clock.Advance(30 * time.Second)
		_, ok := c.Get("k")
		require.True(t, ok)

		clock.Advance(5 * time.Minute)
		c.Level(L1).Delete("k")
		clock.Advance(time.Second)
		_, ok = c.Get("k")
		assert.False(t, ok)
	})

	t.Run("promoted entry keeps its own ttl", func(t *testing.T) {
		clock := newFakeClock()
		c := New(testConfig(), WithClock(clock.Now))

		c.SetAt("k", "v", L2, time.Second)
		_, ok := c.Get("k")
		require.True(t, ok)
		require.True(t, c.Level(L1).Contains("k"))

		clock.Advance(10 * time.Second)
		v, ok := c.Get("k")
		assert.False(t, ok, "L1 copy must not outlive the original entry")
		assert.Nil(t, v)
		assert.False(t, c.Level(L1).Contains("k"))
	})

	t.Run("real-time result is not extended by promotion", func(t *testing.T) {
		clock := newFakeClock()
		c := New(testConfig(), WithClock(clock.Now))

		_, _, err := c.GetOrLoad(context.Background(), "rt", func(context.Context) (any, error) {
			return "fresh", nil
		}, RealTime())
		require.NoError(t, err)
		_, ok := c.Get("rt")
		require.True(t, ok)
		require.True(t, c.Level(L1).Contains("rt"))

		clock.Advance(59 * time.Second)
		_, ok = c.Get("rt")
		assert.True(t, ok)

		clock.Advance(4 * time.Minute)
		_, ok = c.Get("rt")
		assert.False(t, ok)
	})

	t.Run("entries without expiry stay without expiry", func(t *testing.T) {
		clock := newFakeClock()
		cfg := testConfig()
		cfg.L2.TTL = 0
		c := New(cfg, WithClock(clock.Now))

		c.Set("k", "v")
		_, ok := c.Get("k")
		require.True(t, ok)

		clock.Advance(24 * time.Hour)
		_, _, ok = c.Level(L1).Get("k")
		assert.True(t, ok, "L1 default ttl is not applied to a non-expiring entry")
	})

	t.Run("expired entry is never copied up", func(t *testing.T) {
		l := NewLevel("L1", LevelConfig{Capacity: 10})
		clock := newFakeClock()
		l.now = clock.Now
		l.setUntil("k", "v", clock.Now().Add(-time.Second), 0)
		assert.Zero(t, l.Len())
	})
}

func TestMultiLevel_DeleteAndInvalidate(t *testing.T) {
	c := New(testConfig())
	c.SetAt("Order/a", 1, L1, 0)
	c.Set("Order/b", 2)
	c.Set("Merchant/a", 3)

	assert.True(t, c.Delete("Order/a"))
	assert.False(t, c.Delete("Order/a"))
	assert.Equal(t, 1, c.InvalidatePrefix("Order/"))
	_, ok := c.Get("Merchant/a")
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Deletes)
	assert.Equal(t, uint64(1), s.Hits)
	l2, ok := s.Level("L2")
	require.True(t, ok)
	assert.Equal(t, 1, l2.Size)

	c.Clear()
	s = c.Stats()
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.Sets)
	assert.Len(t, s.Levels, 2)
}

func TestMultiLevel_Stats(t *testing.T) {
	c := New(testConfig())
	c.Set("k", 1)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)

	l1, _ := s.Level("L1")
	l2, _ := s.Level("L2")
	assert.Equal(t, uint64(1), l1.Hits, "second read served by L1 after promotion")
	assert.Equal(t, uint64(1), l2.Hits)
}

type recorder struct {
	mu     sync.Mutex
	hits   map[string]int
	misses int
}

func (r *recorder) CacheHit(level string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits[level]++
}

func (r *recorder) CacheMiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
}

func TestMultiLevel_Recorder(t *testing.T) {
	r := &recorder{hits: map[string]int{}}
	c := New(testConfig(), WithRecorder(r))
	c.Set("k", 1)
	c.Get("k")
	c.Get("k")
	c.Get("nope")
	assert.Equal(t, map[string]int{"L1": 1, "L2": 1}, r.hits)
	assert.Equal(t, 1, r.misses)
}

// =============================================================================
// Remote tier Tests
// =============================================================================

type brokenRemote struct{}

var errUnreachable = errors.New("unreachable")

func (brokenRemote) Get(context.Context, string) ([]byte, time.Duration, bool, error) {
	return nil, 0, false, errUnreachable
}

func (brokenRemote) Set(context.Context, string, []byte, time.Duration) error {
	return errUnreachable
}

func (brokenRemote) Delete(context.Context, string) error       { return errUnreachable }
func (brokenRemote) DeletePrefix(context.Context, string) error { return errUnreachable }
func (brokenRemote) Clear(context.Context) error                { return errUnreachable }
func (brokenRemote) Len(context.Context) (int, error)           { return 0, errUnreachable }
func (brokenRemote) Close() error                               { return nil }

// mapRemote is an in-memory RemoteTier that reports a fixed remaining ttl.
type mapRemote struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
}

func (m *mapRemote) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, m.ttl, ok, nil
}

func (m *mapRemote) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapRemote) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapRemote) DeletePrefix(context.Context, string) error { return nil }
func (m *mapRemote) Clear(context.Context) error                { return nil }
func (m *mapRemote) Len(context.Context) (int, error)           { return len(m.data), nil }
func (m *mapRemote) Close() error                               { return nil }

func TestMultiLevel_RemoteFailureIsMiss(t *testing.T) {
	c := New(testConfig(), WithRemote(brokenRemote{}, nil))
	c.SetAt("k", "v", L3, 0)

	v, ok := c.Get("k")
	assert.False(t, ok)
	assert.Nil(t, v)

	c.Set("k", "v")
	v, ok = c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 0, c.InvalidatePrefix("x"))

	l3, ok := c.Stats().Level("L3")
	require.True(t, ok)
	assert.Equal(t, uint64(1), l3.Misses)
}

func TestBadgerTier(t *testing.T) {
	tier, err := OpenBadgerTier(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer tier.Close()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, tier.Set(ctx, "a", []byte("1"), time.Minute))
		data, ttl, ok, err := tier.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("1"), data)
		assert.LessOrEqual(t, ttl, time.Minute)
		assert.Greater(t, ttl, 50*time.Second)

		_, _, ok, err = tier.Get(ctx, "b")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no ttl", func(t *testing.T) {
		require.NoError(t, tier.Set(ctx, "forever", []byte("1"), 0))
		_, ttl, ok, err := tier.Get(ctx, "forever")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Zero(t, ttl)
		require.NoError(t, tier.Delete(ctx, "forever"))
	})

	t.Run("prefix and clear", func(t *testing.T) {
		require.NoError(t, tier.Set(ctx, "Order/1", []byte("x"), 0))
		require.NoError(t, tier.Set(ctx, "Order/2", []byte("y"), 0))
		n, err := tier.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, tier.DeletePrefix(ctx, "Order/"))
		n, _ = tier.Len(ctx)
		assert.Equal(t, 1, n)

		require.NoError(t, tier.Delete(ctx, "a"))
		require.NoError(t, tier.Set(ctx, "z", []byte("z"), 0))
		require.NoError(t, tier.Clear(ctx))
		n, _ = tier.Len(ctx)
		assert.Zero(t, n)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, _, _, err := tier.Get(cctx, "a")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMultiLevel_BadgerL3(t *testing.T) {
	tier, err := OpenBadgerTier(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	c := New(testConfig(), WithRemote(tier, JSONCodec[[]string]{}))
	defer c.Close()

	c.SetAt("q", []string{"o-1", "o-2"}, L3, 0)
	assert.False(t, c.Level(L2).Contains("q"))

	v, ok := c.Get("q")
	require.True(t, ok)
	assert.Equal(t, []string{"o-1", "o-2"}, v)
	assert.True(t, c.Level(L2).Contains("q"), "L3 hit copies the entry to L2")

	assert.True(t, c.Delete("q"))
	_, ok = c.Get("q")
	assert.False(t, ok)
}

func TestMultiLevel_RemotePromotionKeepsTTL(t *testing.T) {
	clock := newFakeClock()
	remote := &mapRemote{data: map[string][]byte{}, ttl: 2 * time.Second}
	c := New(testConfig(), WithClock(clock.Now), WithRemote(remote, JSONCodec[string]{}))

	c.SetAt("q", "v", L3, 0)
	v, ok := c.Get("q")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	require.True(t, c.Level(L2).Contains("q"))

	// drop the remote copy so only the promoted entry can answer
	require.NoError(t, remote.Delete(context.Background(), "q"))
	clock.Advance(3 * time.Second)
	_, ok = c.Get("q")
	assert.False(t, ok, "L2 copy expires with the remaining remote ttl")

	t.Run("non-expiring remote entry", func(t *testing.T) {
		remote.ttl = 0
		c.SetAt("p", "w", L3, 0)
		_, ok := c.Get("p")
		require.True(t, ok)
		require.NoError(t, remote.Delete(context.Background(), "p"))
		clock.Advance(24 * time.Hour)
		_, _, ok = c.Level(L2).Get("p")
		assert.True(t, ok)
	})
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestPolicy(t *testing.T) {
	clock := newFakeClock()
	newPolicy := func(cfg PolicyConfig) *Policy {
		p := NewPolicy(cfg)
		p.now = clock.Now
		return p
	}

	t.Run("frequency over window", func(t *testing.T) {
		p := newPolicy(DefaultPolicyConfig())
		for i := 0; i < 10; i++ {
			p.RecordAccess("k")
		}
		assert.InDelta(t, 2.0, p.Frequency("k"), 1e-9)

		clock.Advance(6 * time.Minute)
		assert.Zero(t, p.Frequency("k"))
	})

	t.Run("history is bounded", func(t *testing.T) {
		p := newPolicy(DefaultPolicyConfig())
		for i := 0; i < 150; i++ {
			p.RecordAccess("k")
		}
		assert.InDelta(t, 20.0, p.Frequency("k"), 1e-9)
	})

	t.Run("should cache", func(t *testing.T) {
		p := newPolicy(DefaultPolicyConfig())
		for i := 0; i < 30; i++ {
			p.RecordAccess("slow")
		}
		p.RecordCost("slow", 20*time.Millisecond)
		assert.True(t, p.ShouldCache("slow", 1<<20), "frequent and expensive")

		p.RecordCost("cheap", time.Millisecond)
		for i := 0; i < 30; i++ {
			p.RecordAccess("cheap")
		}
		assert.False(t, p.ShouldCache("cheap", 5000), "cheap and large")

		for i := 0; i < 30; i++ {
			p.RecordAccess("cheap")
		}
		assert.True(t, p.ShouldCache("cheap", 500), "frequent and small")
		assert.False(t, p.ShouldCache("rare", 10))
	})

	t.Run("ttl", func(t *testing.T) {
		cfg := DefaultPolicyConfig()
		cfg.HistorySize = 1000
		p := newPolicy(cfg)
		assert.Equal(t, 300*time.Second, p.TTL("k", false))
		assert.Equal(t, 60*time.Second, p.TTL("k", true))

		for i := 0; i < 255; i++ {
			p.RecordAccess("k")
		}
		assert.Equal(t, 600*time.Second, p.TTL("k", false))
		for i := 0; i < 250; i++ {
			p.RecordAccess("k")
		}
		assert.Equal(t, 900*time.Second, p.TTL("k", false))
		assert.Equal(t, 60*time.Second, p.TTL("k", true))
	})

	t.Run("key count is bounded", func(t *testing.T) {
		cfg := DefaultPolicyConfig()
		cfg.MaxKeys = 100
		p := newPolicy(cfg)
		for i := 0; i < 1000; i++ {
			p.RecordAccess(fmt.Sprintf("k%d", i))
		}
		assert.Equal(t, 100, p.Len())
		assert.Zero(t, p.Frequency("k0"), "least recently used keys are forgotten")
		assert.Greater(t, p.Frequency("k999"), 0.0)
	})

	t.Run("idle keys are pruned", func(t *testing.T) {
		p := newPolicy(DefaultPolicyConfig())
		p.RecordAccess("old")
		p.RecordCost("old", time.Second)
		clock.Advance(6 * time.Minute)
		p.RecordAccess("new")
		assert.Equal(t, 1, p.Len(), "creating a key prunes idle ones")
		assert.Zero(t, p.AverageCost("old"))

		clock.Advance(6 * time.Minute)
		assert.Equal(t, 1, p.Prune())
		assert.Zero(t, p.Len())
	})

	t.Run("forget", func(t *testing.T) {
		p := newPolicy(DefaultPolicyConfig())
		p.RecordAccess("Order/1")
		p.RecordAccess("Order/2")
		p.RecordAccess("Merchant/1")
		assert.Equal(t, 2, p.ForgetPrefix("Order/"))
		p.Forget("Merchant/1")
		assert.Zero(t, p.Len())
	})

	t.Run("level", func(t *testing.T) {
		p := newPolicy(DefaultPolicyConfig())
		assert.Equal(t, L3, p.Level("k", true))
		assert.Equal(t, L2, p.Level("k", false))
		for i := 0; i < 10; i++ {
			p.RecordAccess("k")
		}
		assert.Equal(t, L2, p.Level("k", true))
		for i := 0; i < 50; i++ {
			p.RecordAccess("k")
		}
		assert.Equal(t, L1, p.Level("k", true))
	})
}

// =============================================================================
// GetOrLoad Tests
// =============================================================================

func TestGetOrLoad_Policy(t *testing.T) {
	clock := newFakeClock()
	c := New(DefaultConfig(), WithClock(clock.Now))

	var loads int
	load := func(context.Context) (any, error) {
		loads++
		return "result", nil
	}

	for i := 1; i <= 50; i++ {
		v, cached, err := c.GetOrLoad(context.Background(), "q", load)
		require.NoError(t, err)
		require.False(t, cached, "call %d", i)
		assert.Equal(t, "result", v)
	}
	assert.Equal(t, 50, loads)

	// 51 accesses in five minutes is more than ten a minute: small results
	// are cached, at L1
	_, cached, err := c.GetOrLoad(context.Background(), "q", load)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.True(t, c.Level(L1).Contains("q"))

	_, cached, _ = c.GetOrLoad(context.Background(), "q", load)
	assert.True(t, cached)
	assert.Equal(t, 51, loads)
}

func TestGetOrLoad_PolicyMemoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	c := New(DefaultConfig(), WithClock(clock.Now))
	load := func(context.Context) (any, error) { return "r", nil }

	for i := 0; i < 50000; i++ {
		_, _, err := c.GetOrLoad(context.Background(), fmt.Sprintf("Order/%d", i), load)
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultPolicyConfig().MaxKeys, c.Policy().Len())
	assert.Zero(t, c.Level(L1).Len())
	assert.Zero(t, c.Level(L2).Len())

	t.Run("invalidation forgets histories", func(t *testing.T) {
		c.InvalidatePrefix("Order/")
		assert.Zero(t, c.Policy().Len())
	})

	t.Run("sweep forgets idle histories", func(t *testing.T) {
		c.Get("Merchant/1")
		require.Equal(t, 1, c.Policy().Len())
		clock.Advance(10 * time.Minute)
		c.Sweep()
		assert.Zero(t, c.Policy().Len())
	})
}

func TestGetOrLoad_Errors(t *testing.T) {
	c := New(testConfig())
	boom := errors.New("boom")
	_, _, err := c.GetOrLoad(context.Background(), "q", func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Level(L2).Contains("q"))
}

func TestGetOrLoad_Singleflight(t *testing.T) {
	c := New(testConfig())

	var loads int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context) (any, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			close(started)
		}
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _ = c.GetOrLoad(context.Background(), "q", load)
	}()
	<-started
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, _ = c.GetOrLoad(context.Background(), "q", load)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	for i, r := range results {
		assert.Equal(t, "v", r, fmt.Sprintf("caller %d", i))
	}
}
