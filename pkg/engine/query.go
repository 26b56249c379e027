package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/cache"
	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// keyList is a cached filter result. Objects are re-read from the store on
// every hit so cached results never carry stale properties.
type keyList []storage.PK

// Size implements cache.Sizer.
func (k keyList) Size() int64 {
	var n int64
	for _, pk := range k {
		n += int64(len(pk)) + 16
	}
	return n
}

func cachePrefix(objectType string) string {
	return objectType + "/"
}

// fingerprint identifies a predicate set independent of predicate order.
func fingerprint(objectType string, preds []index.Predicate) string {
	sorted := append([]index.Predicate(nil), preds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Property < sorted[j].Property })

	h := xxhash.New()
	for _, p := range sorted {
		_, _ = h.WriteString(p.Property)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(convert.Key(p.Value))
	}
	var sum [8]byte
	return cachePrefix(objectType) + "filter:" + hex.EncodeToString(h.Sum(sum[:0]))
}

// matches reports whether obj satisfies every predicate. Derived properties
// are resolved; a property that cannot be read never matches.
func (e *Engine) matches(obj *storage.Object, preds []index.Predicate) bool {
	for _, p := range preds {
		v, err := obj.Get(p.Property, e.resolver)
		if err != nil {
			v = nil
		}
		if p.Value == nil {
			if v != nil {
				return false
			}
			continue
		}
		if !convert.Equal(v, p.Value) {
			return false
		}
	}
	return true
}

// coercePredicate converts a filter value to the declared type of a stored
// property so "5" and 5 reach the same index entry as the stored value.
// Values that do not convert are kept and simply never match.
func coercePredicate(t *schema.ObjectType, prop string, value any) (index.Predicate, error) {
	p, stored := t.Property(prop)
	if !stored {
		if _, derived := t.DerivedProperty(prop); !derived {
			return index.Predicate{}, fmt.Errorf("%w: %s has no property %s", schema.ErrNotFound, t.APIName, prop)
		}
		return index.Predicate{Property: prop, Value: convert.Normalize(value)}, nil
	}
	if cv, err := p.Type.Coerce(value); err == nil {
		value = cv
	}
	return index.Predicate{Property: prop, Value: value}, nil
}

// filterType runs a filter over every object of t, using the tiered index
// when it covers the stored predicates and the result cache when enabled.
func (e *Engine) filterType(t *schema.ObjectType, preds []index.Predicate, call callOptions) ([]*storage.Object, error) {
	if len(preds) == 0 {
		objs := e.objects.List(t.APIName)
		e.indexes.RecordAccess(objs)
		return objs, nil
	}

	cacheable := e.cache != nil
	var stored []index.Predicate
	for _, p := range preds {
		if _, ok := t.Property(p.Property); ok {
			stored = append(stored, p)
		} else {
			// derived values depend on other objects
			cacheable = false
		}
	}

	start := time.Now()
	plan := index.PlanScan
	load := func() keyList {
		var candidates []*storage.Object
		if len(stored) > 0 {
			if keys, p, ok := e.indexes.Lookup(t.APIName, stored); ok {
				plan = p.Kind
				candidates = e.objects.Collect(t.APIName, keys)
			}
		}
		if plan == index.PlanScan {
			candidates = e.objects.List(t.APIName)
		}
		out := make(keyList, 0, len(candidates))
		for _, obj := range candidates {
			if e.matches(obj, preds) {
				out = append(out, obj.Key)
			}
		}
		return out
	}

	var (
		keys   keyList
		cached bool
	)
	if cacheable {
		v, hit, err := e.cache.GetOrLoad(call.ctx, fingerprint(t.APIName, preds), func(context.Context) (any, error) {
			return load(), nil
		})
		if err != nil {
			return nil, err
		}
		keys, _ = v.(keyList)
		cached = hit
	} else {
		keys = load()
	}

	objs := e.objects.Collect(t.APIName, keys)
	if cached {
		// the store may have moved on since the entry was written
		kept := objs[:0]
		for _, obj := range objs {
			if e.matches(obj, preds) {
				kept = append(kept, obj)
			}
		}
		objs = kept
	}

	took := time.Since(start)
	if !cached {
		e.queries.Record(t.APIName, preds, took, plan)
		e.metrics.QueryPlan(t.APIName, plan.String())
	}
	e.metrics.QueryDuration("filter", took)
	e.indexes.RecordAccess(objs)

	e.log.WithFields(logrus.Fields{
		"object_type": t.APIName,
		"predicates":  len(preds),
		"plan":        plan.String(),
		"cached":      cached,
		"results":     len(objs),
	}).Debug("Filter executed")
	return objs, nil
}

// Explain returns the plan a filter on props would use.
func (e *Engine) Explain(objectType string, props map[string]any) (index.Plan, error) {
	t, err := e.types.MustObjectType(objectType)
	if err != nil {
		return index.Plan{}, err
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	preds := make([]index.Predicate, 0, len(props))
	for _, name := range names {
		p, err := coercePredicate(t, name, props[name])
		if err != nil {
			return index.Plan{}, err
		}
		preds = append(preds, p)
	}
	return e.indexes.Explain(objectType, preds), nil
}

// QueryPatterns returns the recorded filter patterns, most frequent first.
func (e *Engine) QueryPatterns() []index.QueryPattern {
	return e.queries.Patterns()
}

// SuggestIndexes proposes indexes for frequent, slow, unindexed filters.
func (e *Engine) SuggestIndexes() []index.Suggestion {
	return e.queries.Suggestions(e.opts.SuggestMinCount, e.opts.SuggestMinDuration, e.indexes.Covers)
}

// CacheStats returns the cache statistics, or false when caching is off.
func (e *Engine) CacheStats() (cache.Stats, bool) {
	if e.cache == nil {
		return cache.Stats{}, false
	}
	return e.cache.Stats(), true
}

// ClearCache drops every cached result.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// SweepCache purges expired cache entries and returns how many went.
func (e *Engine) SweepCache() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Sweep()
}
