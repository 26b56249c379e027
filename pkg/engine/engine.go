// Package engine ties the ontoq components together into an embedded
// object-graph query engine.
//
// An Engine owns one schema registry, one function table, the object and
// link stores, the tiered property indexes, the link adjacency index and the
// result cache. Nothing is global: two engines in one process share no state.
//
// Example Usage:
//
//	eng, err := engine.New(engine.DefaultOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	_ = eng.RegisterObjectType(orderType)
//	_ = eng.RegisterObjectType(merchantType)
//	_ = eng.RegisterFunction(merchantMatches)
//	_ = eng.RegisterLinkType(schema.LinkType{
//		APIName:     "placed_at",
//		Source:      "Order",
//		Target:      "Merchant",
//		Validations: []string{"merchant_matches"},
//	})
//
//	merchants, err := eng.ObjectsOfType("Order").
//		Filter("status", "paid").
//		SearchAround("placed_at")
//	total, err := eng.ObjectsOfType("Order").Aggregate("amount", engine.Sum)
//
// Concurrency: every store, index and cache level has its own lock, so the
// engine may be shared across goroutines. There is no cross-component
// transaction; a traversal running next to a mutation may see the object
// before its index entries or the other way round. ObjectSet values are not
// safe for concurrent use.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/auth"
	"github.com/tiw/ontology-fk-sub000/pkg/cache"
	"github.com/tiw/ontology-fk-sub000/pkg/config"
	"github.com/tiw/ontology-fk-sub000/pkg/function"
	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/metrics"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// Options configures an Engine.
type Options struct {
	// CacheEnabled turns on result caching of filters.
	CacheEnabled bool
	Cache        cache.Config

	// L3 plugs a badger tier under the in-process levels. Nil disables L3.
	L3 *cache.BadgerOptions

	Tiers index.TierConfig

	// Index suggestions need more than SuggestMinCount executions averaging
	// above SuggestMinDuration.
	SuggestMinCount    int64
	SuggestMinDuration time.Duration

	// Checker guards access-controlled types. Nil allows everything.
	Checker auth.Checker
	// Tokens resolves tokens passed with WithToken.
	Tokens *auth.TokenStore

	Recorder metrics.Recorder
	Logger   *logrus.Entry

	// Clock drives cache expiry. Nil uses time.Now.
	Clock func() time.Time
}

// DefaultOptions returns an engine with caching and tiering enabled and no
// L3 tier.
func DefaultOptions() Options {
	return Options{
		CacheEnabled:       true,
		Cache:              cache.DefaultConfig(),
		Tiers:              index.DefaultTierConfig(),
		SuggestMinCount:    10,
		SuggestMinDuration: 50 * time.Millisecond,
	}
}

// OptionsFromConfig maps a loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.CacheEnabled = cfg.Cache.Enabled
	opts.Cache.L1 = cache.LevelConfig{Capacity: cfg.Cache.L1Size, MaxBytes: cfg.Cache.L1MaxBytes, TTL: cfg.Cache.L1TTL}
	opts.Cache.L2 = cache.LevelConfig{Capacity: cfg.Cache.L2Size, MaxBytes: cfg.Cache.L2MaxBytes, TTL: cfg.Cache.L2TTL}
	opts.Cache.L3TTL = cfg.Cache.L3TTL
	if cfg.Cache.PromoteAfter > 0 {
		opts.Cache.PromoteAfter = uint64(cfg.Cache.PromoteAfter)
	}
	if cfg.Cache.L3Enabled {
		opts.L3 = &cache.BadgerOptions{Dir: cfg.Cache.L3Dir, InMemory: cfg.Cache.L3Dir == ""}
	}

	p := cfg.Policy
	opts.Cache.Policy = cache.PolicyConfig{
		Disabled:             !p.Enabled,
		MinFrequency:         p.MinFrequency,
		MinCost:              p.MinCost,
		SmallResultBytes:     p.SmallResultBytes,
		SmallResultFrequency: p.SmallResultFrequency,
		BaseTTL:              p.BaseTTL,
		HighFrequency:        p.HighFrequency,
		VeryHighFrequency:    p.VeryHighFrequency,
		RealTimeTTL:          p.RealTimeTTL,
		L1Frequency:          p.L1Frequency,
		L2Frequency:          p.L2Frequency,
		Window:               p.Window,
		HistorySize:          p.HistorySize,
		MaxKeys:              p.MaxKeys,
	}

	opts.Tiers = index.TierConfig{
		WarmThreshold: uint64(cfg.Index.WarmThreshold),
		HotThreshold:  uint64(cfg.Index.HotThreshold),
		Disabled:      !cfg.Index.TieringEnabled,
	}
	opts.SuggestMinCount = int64(cfg.Index.SuggestMinFrequency)
	opts.SuggestMinDuration = cfg.Index.SuggestMinDuration

	if cfg.Metrics.Enabled {
		opts.Recorder = metrics.NewPrometheus(cfg.Metrics.Namespace)
	}
	return opts
}

// linkHooks are the bound validation and scoring functions of a link type.
type linkHooks struct {
	validations []*function.LinkHook
	scoring     *function.LinkHook
}

// Engine is an embedded object-graph query engine.
type Engine struct {
	opts Options

	types    *schema.Registry
	funcs    *function.Registry
	resolver *function.Resolver

	objects *storage.ObjectStore

	// linkMu makes a link store change and the matching link index change
	// one step, so the index never keeps a link the store has dropped.
	linkMu    sync.Mutex
	links     *storage.LinkStore
	linkIndex *index.LinkIndex

	indexes *index.Tiered
	queries   *index.QueryStats

	cache *cache.MultiLevelCache

	hooksMu sync.RWMutex
	hooks   map[string]*linkHooks

	metrics metrics.Recorder
	log     *logrus.Entry
}

// New constructs an engine.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.Noop{}
	}

	e := &Engine{
		opts:      opts,
		types:     schema.NewRegistry(),
		funcs:     function.NewRegistry(),
		objects:   storage.NewObjectStore(),
		indexes:   index.NewTiered(opts.Tiers),
		linkIndex: index.NewLinkIndex(),
		queries:   index.NewQueryStats(),
		hooks:     make(map[string]*linkHooks),
		metrics:   rec,
		log:       log.WithField("component", "Engine"),
	}
	e.links = storage.NewLinkStore(e.objects)
	e.resolver = function.NewResolver(e.types, e.funcs, env{e})

	e.types.SetLogger(log)
	e.funcs.SetLogger(log)
	e.resolver.SetLogger(log)
	e.objects.SetLogger(log)
	e.links.SetLogger(log)
	e.indexes.SetLogger(log)

	if opts.CacheEnabled {
		copts := []cache.Option{cache.WithLogger(log), cache.WithRecorder(rec)}
		if opts.Clock != nil {
			copts = append(copts, cache.WithClock(opts.Clock))
		}
		if opts.L3 != nil {
			bopts := *opts.L3
			if bopts.Logger == nil {
				bopts.Logger = log
			}
			tier, err := cache.OpenBadgerTier(bopts)
			if err != nil {
				return nil, err
			}
			copts = append(copts, cache.WithRemote(tier, cache.JSONCodec[keyList]{}))
		}
		e.cache = cache.New(opts.Cache, copts...)
	}

	e.log.WithFields(logrus.Fields{
		"cache":   opts.CacheEnabled,
		"l3":      opts.L3 != nil,
		"tiering": !opts.Tiers.Disabled,
	}).Info("Engine ready")
	return e, nil
}

// Close releases the L3 tier.
func (e *Engine) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// Clear removes every object, link, index entry and cached result. Types,
// functions and index definitions are kept.
func (e *Engine) Clear() {
	e.objects.Clear()
	e.linkMu.Lock()
	e.links.Clear()
	e.linkIndex.Clear()
	e.linkMu.Unlock()
	e.indexes.Reset()
	e.queries.Reset()
	if e.cache != nil {
		e.cache.Clear()
	}
	e.log.Info("Engine cleared")
}

// Schema returns the type registry.
func (e *Engine) Schema() *schema.Registry { return e.types }

// Functions returns the function table.
func (e *Engine) Functions() *function.Registry { return e.funcs }

// Cache returns the result cache, or nil when caching is disabled.
func (e *Engine) Cache() *cache.MultiLevelCache { return e.cache }

// RegisterObjectType registers t. Derived properties whose functions are
// not registered yet are reported at Warn and fail on read.
func (e *Engine) RegisterObjectType(t schema.ObjectType) error {
	if err := e.types.RegisterObjectType(t); err != nil {
		return err
	}
	registered, _ := e.types.ObjectType(t.APIName)
	if err := e.resolver.Check(registered); err != nil {
		e.log.WithError(err).WithField("object_type", t.APIName).Warn("Derived property not resolvable yet")
	}
	return nil
}

// RegisterFunction adds a function to the engine's table.
func (e *Engine) RegisterFunction(def function.Definition) error {
	return e.funcs.Register(def)
}

// RegisterLinkType binds the validation and scoring functions of l and
// registers it. The functions must already be registered and every required
// argument must bind to an endpoint or the link type name.
func (e *Engine) RegisterLinkType(l schema.LinkType) error {
	hooks := &linkHooks{}
	bind := func(name string) (*function.LinkHook, error) {
		def, ok := e.funcs.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: link type %s names unknown function %s", schema.ErrSchema, l.APIName, name)
		}
		return function.BindLinkHook(def, &l)
	}
	for _, name := range l.Validations {
		h, err := bind(name)
		if err != nil {
			return err
		}
		hooks.validations = append(hooks.validations, h)
	}
	if l.Scoring != "" {
		h, err := bind(l.Scoring)
		if err != nil {
			return err
		}
		hooks.scoring = h
	}

	if err := e.types.RegisterLinkType(l); err != nil {
		return err
	}
	e.hooksMu.Lock()
	e.hooks[l.APIName] = hooks
	e.hooksMu.Unlock()
	return nil
}

func (e *Engine) hooksFor(linkType string) *linkHooks {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	if h := e.hooks[linkType]; h != nil {
		return h
	}
	return &linkHooks{}
}

// LoadSchema registers every type of a YAML schema document. Functions named
// by link types must be registered first.
func (e *Engine) LoadSchema(data []byte) error {
	doc, err := schema.ParseYAML(data)
	if err != nil {
		return err
	}
	for _, t := range doc.ObjectTypes {
		if err := e.RegisterObjectType(t); err != nil {
			return err
		}
	}
	for _, l := range doc.LinkTypes {
		if err := e.RegisterLinkType(l); err != nil {
			return err
		}
	}
	return nil
}

// Property returns a stored or derived property of obj.
func (e *Engine) Property(obj *storage.Object, name string) (any, error) {
	return obj.Get(name, e.resolver)
}

// Stats is a snapshot of the engine's contents.
type Stats struct {
	Objects   map[string]int       `json:"objects"`
	Links     int                  `json:"links"`
	Functions int                  `json:"functions"`
	Indexes   []index.Stats        `json:"indexes"`
	Tiers     map[string]int       `json:"tiers"`
	Cache     *cache.Stats         `json:"cache,omitempty"`
	Patterns  []index.QueryPattern `json:"patterns,omitempty"`
}

// Stats aggregates store, index and cache statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Objects:   e.objects.Counts(),
		Links:     e.links.Count(),
		Functions: len(e.funcs.Names()),
		Indexes:   e.indexes.Stats(),
		Tiers:     make(map[string]int, 3),
		Patterns:  e.queries.Patterns(),
	}
	for tier, n := range e.indexes.TierCounts() {
		s.Tiers[tier.String()] = n
	}
	if e.cache != nil {
		cs := e.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// env exposes the engine to registered functions. Reads through env skip
// permission checks.
type env struct{ e *Engine }

func (v env) GetObject(objectType string, key storage.PK) (*storage.Object, error) {
	if _, err := v.e.types.MustObjectType(objectType); err != nil {
		return nil, err
	}
	obj, ok := v.e.objects.Get(objectType, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", schema.ErrNotFound, objectType, key)
	}
	return obj, nil
}

func (v env) ObjectsOfType(objectType string) ([]*storage.Object, error) {
	if _, err := v.e.types.MustObjectType(objectType); err != nil {
		return nil, err
	}
	return v.e.objects.List(objectType), nil
}

func (v env) Neighbors(linkType string, from *storage.Object) ([]*storage.Object, error) {
	set := newMaterialized(v.e, from.Type, []*storage.Object{from}, callOptions{ctx: context.Background(), internal: true})
	out, err := set.SearchAround(linkType)
	if err != nil {
		return nil, err
	}
	return out.objs, nil
}
