package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// PolicyConfig holds the thresholds of the intelligent caching policy.
// Frequencies are accesses per minute over Window.
type PolicyConfig struct {
	// Disabled caches every loaded result at L2 with the level TTL.
	Disabled bool

	// A result is cached when it is asked for more than MinFrequency times
	// a minute and costs more than MinCost on average, or when it is smaller
	// than SmallResultBytes and asked for more than SmallResultFrequency.
	MinFrequency         float64
	MinCost              time.Duration
	SmallResultBytes     int64
	SmallResultFrequency float64

	// BaseTTL is doubled above HighFrequency and tripled above
	// VeryHighFrequency. Real-time results never live longer than
	// RealTimeTTL.
	BaseTTL           time.Duration
	HighFrequency     float64
	VeryHighFrequency float64
	RealTimeTTL       time.Duration

	// Results asked for more than L1Frequency go to L1, more than
	// L2Frequency to L2, the rest to L3.
	L1Frequency float64
	L2Frequency float64

	// Window is the span frequencies are measured over. HistorySize caps the
	// accesses kept per key and MaxKeys the number of keys tracked; keys not
	// requested within Window are forgotten.
	Window      time.Duration
	HistorySize int
	MaxKeys     int
}

// DefaultPolicyConfig returns the stock thresholds.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinFrequency:         5,
		MinCost:              10 * time.Millisecond,
		SmallResultBytes:     1000,
		SmallResultFrequency: 10,
		BaseTTL:              300 * time.Second,
		HighFrequency:        50,
		VeryHighFrequency:    100,
		RealTimeTTL:          60 * time.Second,
		L1Frequency:          10,
		L2Frequency:          1,
		Window:               5 * time.Minute,
		HistorySize:          100,
		MaxKeys:              10000,
	}
}

type keyStats struct {
	key       string
	last      time.Time   // last access or load
	accesses  []time.Time // oldest first, at most HistorySize
	loads     int64
	totalCost time.Duration
}

// Policy decides whether, for how long and where a loaded result is cached,
// from the access history and load cost of its key.
type Policy struct {
	cfg PolicyConfig
	now func() time.Time

	mu    sync.Mutex
	keys  map[string]*list.Element
	order *list.List // most recently touched first
}

// NewPolicy creates a policy. Zero thresholds fall back to the defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	def := DefaultPolicyConfig()
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = def.BaseTTL
	}
	if cfg.RealTimeTTL <= 0 {
		cfg.RealTimeTTL = def.RealTimeTTL
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	return &Policy{cfg: cfg, now: time.Now, keys: make(map[string]*list.Element), order: list.New()}
}

// Config returns the policy thresholds.
func (p *Policy) Config() PolicyConfig { return p.cfg }

// lookup returns the stats of key without touching its recency.
func (p *Policy) lookup(key string) *keyStats {
	if elem, ok := p.keys[key]; ok {
		return elem.Value.(*keyStats)
	}
	return nil
}

// touch returns the stats of key, creating them if needed, and marks the key
// as most recently used. Creating a key first forgets keys idle for longer
// than the window and then the least recently used ones over MaxKeys.
// Caller must hold the lock.
func (p *Policy) touch(key string, now time.Time) *keyStats {
	if elem, ok := p.keys[key]; ok {
		p.order.MoveToFront(elem)
		s := elem.Value.(*keyStats)
		s.last = now
		return s
	}
	p.pruneLocked(now)
	for len(p.keys) >= p.cfg.MaxKeys {
		p.remove(p.order.Back())
	}
	s := &keyStats{key: key, last: now}
	p.keys[key] = p.order.PushFront(s)
	return s
}

func (p *Policy) remove(elem *list.Element) {
	p.order.Remove(elem)
	delete(p.keys, elem.Value.(*keyStats).key)
}

func (p *Policy) pruneLocked(now time.Time) int {
	cutoff := now.Add(-p.cfg.Window)
	n := 0
	for elem := p.order.Back(); elem != nil && elem.Value.(*keyStats).last.Before(cutoff); elem = p.order.Back() {
		p.remove(elem)
		n++
	}
	return n
}

// Prune forgets keys not requested within the window and returns how many
// were dropped.
func (p *Policy) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pruneLocked(p.now())
}

// Forget drops the history of key.
func (p *Policy) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.keys[key]; ok {
		p.remove(elem)
	}
}

// ForgetPrefix drops the history of every key starting with prefix.
func (p *Policy) ForgetPrefix(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, elem := range p.keys {
		if strings.HasPrefix(key, prefix) {
			p.remove(elem)
			n++
		}
	}
	return n
}

// Len returns the number of keys with a history.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// RecordAccess notes one request for key.
func (p *Policy) RecordAccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	s := p.touch(key, now)
	s.accesses = append(s.accesses, now)
	if over := len(s.accesses) - p.cfg.HistorySize; over > 0 {
		s.accesses = append(s.accesses[:0], s.accesses[over:]...)
	}
}

// RecordCost notes how long loading key took.
func (p *Policy) RecordCost(key string, cost time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.touch(key, p.now())
	s.loads++
	s.totalCost += cost
}

// Frequency returns the accesses per minute of key over the window.
func (p *Policy) Frequency(key string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frequencyLocked(key)
}

func (p *Policy) frequencyLocked(key string) float64 {
	s := p.lookup(key)
	if s == nil {
		return 0
	}
	cutoff := p.now().Add(-p.cfg.Window)
	n := 0
	for i := len(s.accesses) - 1; i >= 0 && !s.accesses[i].Before(cutoff); i-- {
		n++
	}
	return float64(n) / p.cfg.Window.Minutes()
}

// AverageCost returns the mean load duration of key.
func (p *Policy) AverageCost(key string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.lookup(key)
	if s == nil || s.loads == 0 {
		return 0
	}
	return s.totalCost / time.Duration(s.loads)
}

// ShouldCache reports whether a result of size bytes for key is worth
// caching.
func (p *Policy) ShouldCache(key string, size int64) bool {
	if p.cfg.Disabled {
		return true
	}
	freq := p.Frequency(key)
	if freq > p.cfg.MinFrequency && p.AverageCost(key) > p.cfg.MinCost {
		return true
	}
	return size < p.cfg.SmallResultBytes && freq > p.cfg.SmallResultFrequency
}

// TTL returns the lifetime for key's result.
func (p *Policy) TTL(key string, realTime bool) time.Duration {
	ttl := p.cfg.BaseTTL
	switch freq := p.Frequency(key); {
	case p.cfg.VeryHighFrequency > 0 && freq > p.cfg.VeryHighFrequency:
		ttl *= 3
	case p.cfg.HighFrequency > 0 && freq > p.cfg.HighFrequency:
		ttl *= 2
	}
	if realTime && ttl > p.cfg.RealTimeTTL {
		ttl = p.cfg.RealTimeTTL
	}
	return ttl
}

// Level returns where key's result belongs. Without a remote tier the
// coldest level is L2.
func (p *Policy) Level(key string, hasRemote bool) LevelID {
	freq := p.Frequency(key)
	switch {
	case freq > p.cfg.L1Frequency:
		return L1
	case freq > p.cfg.L2Frequency || !hasRemote:
		return L2
	}
	return L3
}

// Reset drops every history.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[string]*list.Element)
	p.order.Init()
}
