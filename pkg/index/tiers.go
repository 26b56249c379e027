package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// Tier is the partition an object's index entries live in.
type Tier int

const (
	TierCold Tier = iota
	TierWarm
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierWarm:
		return "warm"
	case TierHot:
		return "hot"
	}
	return "cold"
}

// TierConfig sets the access counts at which objects are promoted.
type TierConfig struct {
	WarmThreshold uint64
	HotThreshold  uint64
	// Disabled keeps every object in the cold tier.
	Disabled bool
}

// DefaultTierConfig promotes to warm at 10 accesses and to hot at 100.
func DefaultTierConfig() TierConfig {
	return TierConfig{WarmThreshold: 10, HotThreshold: 100}
}

func (c TierConfig) tierFor(accesses uint64) Tier {
	switch {
	case c.Disabled:
		return TierCold
	case c.HotThreshold > 0 && accesses >= c.HotThreshold:
		return TierHot
	case c.WarmThreshold > 0 && accesses >= c.WarmThreshold:
		return TierWarm
	}
	return TierCold
}

type placementKey struct {
	objectType string
	key        storage.PK
}

type placement struct {
	tier     Tier
	accesses uint64
}

// Tiered partitions the indexes of every type into hot, warm and cold
// managers. Each object lives in exactly one tier; lookups probe all three
// and union the results.
//
// The tier lock serialises placement changes with index mutations routed
// through Tiered. Lookups only take the locks of the managers they probe.
type Tiered struct {
	cfg   TierConfig
	tiers [3]*Manager

	mu     sync.Mutex
	placed map[placementKey]*placement

	log *logrus.Entry
}

// NewTiered creates an empty tiered index.
func NewTiered(cfg TierConfig) *Tiered {
	t := &Tiered{
		cfg:    cfg,
		placed: make(map[placementKey]*placement),
		log:    logrus.WithField("component", "TieredIndex"),
	}
	for i := range t.tiers {
		t.tiers[i] = NewManager()
	}
	return t
}

// SetLogger replaces the log entry of the tiered index and its managers.
func (t *Tiered) SetLogger(log *logrus.Entry) {
	if log == nil {
		return
	}
	t.log = log.WithField("component", "TieredIndex")
	for i, m := range t.tiers {
		m.SetLogger(log.WithField("tier", Tier(i).String()))
	}
}

func (t *Tiered) tierOfLocked(objectType string, key storage.PK) Tier {
	if p := t.placed[placementKey{objectType, key}]; p != nil {
		return p.tier
	}
	return TierCold
}

// CreateIndex creates the index in every tier and fills each tier with the
// existing objects placed there. A unique index is checked against all of
// existing before anything is created.
func (t *Tiered) CreateIndex(def Definition, existing []*storage.Object) error {
	if err := def.normalize(); err != nil {
		return err
	}
	if def.Unique {
		if err := checkUniqueBackfill(def, existing); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var parts [3][]*storage.Object
	for _, obj := range existing {
		tier := t.tierOfLocked(obj.Type, obj.Key)
		parts[tier] = append(parts[tier], obj)
	}

	for i, m := range t.tiers {
		if err := m.CreateIndex(def, parts[i]); err != nil {
			for _, done := range t.tiers[:i] {
				_ = done.DropIndex(def.Name)
			}
			return err
		}
	}
	return nil
}

func checkUniqueBackfill(def Definition, objs []*storage.Object) error {
	seen := make(map[string]storage.PK, len(objs))
	for _, obj := range objs {
		values := valuesFor(def.Properties, obj.Properties)
		if len(values) != len(def.Properties) {
			continue
		}
		key := convert.TupleKey(values...)
		if other, dup := seen[key]; dup && other != obj.Key {
			return fmt.Errorf("%w: %s and %s share %v in %s", schema.ErrUniqueConstraint, other, obj.Key, values, def.Name)
		}
		seen[key] = obj.Key
	}
	return nil
}

// DropIndex removes an index from every tier.
func (t *Tiered) DropIndex(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for _, m := range t.tiers {
		err = m.DropIndex(name)
	}
	return err
}

// Definitions returns every index definition sorted by name.
func (t *Tiered) Definitions() []Definition {
	return t.tiers[TierCold].Definitions()
}

// HasIndexes reports whether objectType has at least one index.
func (t *Tiered) HasIndexes(objectType string) bool {
	return t.tiers[TierCold].HasIndexes(objectType)
}

// Covers reports whether an index answers an exact match on props.
func (t *Tiered) Covers(objectType string, props []string) bool {
	return t.tiers[TierCold].Covers(objectType, props)
}

// CheckUnique checks obj against the unique indexes of every tier.
func (t *Tiered) CheckUnique(obj *storage.Object) error {
	for _, m := range t.tiers {
		if err := m.CheckUnique(obj); err != nil {
			return err
		}
	}
	return nil
}

// IndexObject indexes obj in its tier. Objects seen for the first time start
// cold.
func (t *Tiered) IndexObject(obj *storage.Object) error {
	if !t.HasIndexes(obj.Type) {
		return nil
	}
	if err := t.CheckUnique(obj); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tiers[t.tierOfLocked(obj.Type, obj.Key)].IndexObject(obj)
}

// RemoveObject removes obj from the indexes and forgets its access count.
func (t *Tiered) RemoveObject(obj *storage.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pk := placementKey{obj.Type, obj.Key}
	t.tiers[t.tierOfLocked(obj.Type, obj.Key)].RemoveObject(obj)
	delete(t.placed, pk)
}

// ReindexObject replaces the entries of prev with those of next, keeping the
// object's tier.
func (t *Tiered) ReindexObject(prev, next *storage.Object) error {
	if !t.HasIndexes(next.Type) {
		return nil
	}
	if err := t.CheckUnique(next); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tiers[t.tierOfLocked(next.Type, next.Key)].ReindexObject(prev, next)
}

// Lookup probes every tier and returns the union of their candidates. ok is
// false when any tier has to scan.
func (t *Tiered) Lookup(objectType string, preds []Predicate) ([]storage.PK, Plan, bool) {
	var (
		out  []storage.PK
		seen = make(map[storage.PK]struct{})
		plan Plan
	)
	for i, m := range t.tiers {
		keys, p, ok := m.Lookup(objectType, preds)
		if !ok {
			return nil, p, false
		}
		if i == 0 {
			plan = p
		} else {
			plan.Estimate += p.Estimate
		}
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, plan, true
}

// Explain returns the plan Lookup would use without running it.
func (t *Tiered) Explain(objectType string, preds []Predicate) Plan {
	plan := t.tiers[TierCold].Plan(objectType, preds)
	for _, m := range t.tiers[1:] {
		plan.Estimate += m.Plan(objectType, preds).Estimate
	}
	return plan
}

// Range unions the range lookups of every tier.
func (t *Tiered) Range(objectType, property string, min, max any, includeMin, includeMax bool) ([]storage.PK, bool) {
	var out []storage.PK
	seen := make(map[storage.PK]struct{})
	for _, m := range t.tiers {
		keys, ok := m.Range(objectType, property, min, max, includeMin, includeMax)
		if !ok {
			return nil, false
		}
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, true
}

// RecordAccess counts one access for each object and moves objects whose
// count crossed a threshold into their new tier. The move takes effect for
// the next lookup.
func (t *Tiered) RecordAccess(objs []*storage.Object) {
	if t.cfg.Disabled || len(objs) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	moved := 0
	for _, obj := range objs {
		pk := placementKey{obj.Type, obj.Key}
		p := t.placed[pk]
		if p == nil {
			p = &placement{tier: TierCold}
			t.placed[pk] = p
		}
		p.accesses++

		next := t.cfg.tierFor(p.accesses)
		if next == p.tier {
			continue
		}
		// Insert before removing so a concurrent lookup sees the object in
		// at least one tier.
		if err := t.tiers[next].IndexObject(obj); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"object_type": obj.Type,
				"key":         obj.Key,
				"tier":        next.String(),
			}).Warn("Tier promotion failed")
			continue
		}
		t.tiers[p.tier].RemoveObject(obj)
		p.tier = next
		moved++
	}
	if moved > 0 {
		t.log.WithFields(logrus.Fields{"moved": moved}).Debug("Promoted objects")
	}
}

// TierOf returns the tier holding an object.
func (t *Tiered) TierOf(objectType string, key storage.PK) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tierOfLocked(objectType, key)
}

// AccessCount returns how often an object has been touched by queries.
func (t *Tiered) AccessCount(objectType string, key storage.PK) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.placed[placementKey{objectType, key}]; p != nil {
		return p.accesses
	}
	return 0
}

// TierCounts returns how many tracked objects live in each tier. Objects
// never accessed are cold and not counted.
func (t *Tiered) TierCounts() map[Tier]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[Tier]int{TierCold: 0, TierWarm: 0, TierHot: 0}
	for _, p := range t.placed {
		out[p.tier]++
	}
	return out
}

// Stats merges the statistics of each index across tiers. TierEntries holds
// the per-tier entry counts.
func (t *Tiered) Stats() []Stats {
	merged := make(map[string]*Stats)
	distinct := make(map[string]map[string]struct{})

	for i, m := range t.tiers {
		m.mu.RLock()
		var indexes []propertyIndex
		for _, ti := range m.types {
			indexes = append(indexes, ti.all()...)
		}
		m.mu.RUnlock()

		for _, idx := range indexes {
			s := idx.stats()
			acc := merged[s.Name]
			if acc == nil {
				acc = &Stats{
					Name:        s.Name,
					Kind:        s.Kind,
					ObjectType:  s.ObjectType,
					Properties:  s.Properties,
					Unique:      s.Unique,
					TierEntries: make(map[string]int64, len(t.tiers)),
				}
				merged[s.Name] = acc
				distinct[s.Name] = make(map[string]struct{})
			}
			acc.TotalEntries += s.TotalEntries
			acc.TierEntries[Tier(i).String()] = s.TotalEntries
			for _, k := range idx.valueKeys() {
				distinct[s.Name][k] = struct{}{}
			}
		}
	}

	out := make([]Stats, 0, len(merged))
	for name, s := range merged {
		s.UniqueValues = int64(len(distinct[name]))
		s.finish()
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset empties every tier and forgets all access counts. Definitions stay.
func (t *Tiered) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.tiers {
		m.Reset()
	}
	t.placed = make(map[placementKey]*placement)
}
