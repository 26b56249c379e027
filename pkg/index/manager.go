package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// Manager owns the property and composite indexes of every object type.
//
// The manager lock guards the set of indexes; each index guards its own data,
// so lookups on one index never wait for writes to another.
type Manager struct {
	mu     sync.RWMutex
	types  map[string]*typeIndexes
	byName map[string]string // index name -> object type
	log    *logrus.Entry
}

type typeIndexes struct {
	ords       *ordinals
	single     map[string]singleIndex     // property -> index
	composites map[string]*compositeIndex // name -> index
}

func (t *typeIndexes) all() []propertyIndex {
	out := make([]propertyIndex, 0, len(t.single)+len(t.composites))
	for _, idx := range t.single {
		out = append(out, idx)
	}
	for _, idx := range t.composites {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].definition().Name < out[j].definition().Name })
	return out
}

// NewManager creates a manager without indexes.
func NewManager() *Manager {
	return &Manager{
		types:  make(map[string]*typeIndexes),
		byName: make(map[string]string),
		log:    logrus.WithField("component", "IndexManager"),
	}
}

// SetLogger replaces the manager's log entry.
func (m *Manager) SetLogger(log *logrus.Entry) {
	if log != nil {
		m.log = log.WithField("component", "IndexManager")
	}
}

func (m *Manager) typeFor(objectType string) *typeIndexes {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[objectType]
}

// CreateIndex registers an index and fills it from existing. If existing
// violates a unique index, the index is not created.
func (m *Manager) CreateIndex(def Definition, existing []*storage.Object) error {
	if err := def.normalize(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[def.Name]; exists {
		return fmt.Errorf("%w: index %s already exists", schema.ErrSchema, def.Name)
	}
	ti := m.types[def.ObjectType]
	if ti == nil {
		ti = &typeIndexes{
			ords:       newOrdinals(),
			single:     make(map[string]singleIndex),
			composites: make(map[string]*compositeIndex),
		}
	}

	var idx propertyIndex
	switch def.Kind {
	case KindHash, KindRange:
		if other, exists := ti.single[def.Properties[0]]; exists {
			return fmt.Errorf("%w: %s.%s is already indexed by %s",
				schema.ErrSchema, def.ObjectType, def.Properties[0], other.definition().Name)
		}
		if def.Kind == KindHash {
			idx = newHashIndex(def)
		} else {
			idx = newRangeIndex(def)
		}
	case KindComposite:
		idx = newCompositeIndex(def)
	}

	for _, obj := range existing {
		if err := idx.insert(ti.ords.assign(obj.Key), obj.Properties); err != nil {
			return err
		}
	}

	switch v := idx.(type) {
	case *compositeIndex:
		ti.composites[def.Name] = v
	case singleIndex:
		ti.single[def.Properties[0]] = v
	}
	m.types[def.ObjectType] = ti
	m.byName[def.Name] = def.ObjectType

	m.log.WithFields(logrus.Fields{
		"index":       def.Name,
		"kind":        def.Kind,
		"object_type": def.ObjectType,
		"properties":  def.Properties,
		"backfilled":  len(existing),
	}).Info("Created index")
	return nil
}

// DropIndex removes an index by name.
func (m *Manager) DropIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objectType, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: index %s", schema.ErrNotFound, name)
	}
	ti := m.types[objectType]
	delete(ti.composites, name)
	for prop, idx := range ti.single {
		if idx.definition().Name == name {
			delete(ti.single, prop)
		}
	}
	delete(m.byName, name)
	return nil
}

// Definitions returns every index definition sorted by name.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Definition
	for _, ti := range m.types {
		for _, idx := range ti.all() {
			out = append(out, idx.definition())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasIndexes reports whether objectType has at least one index.
func (m *Manager) HasIndexes(objectType string) bool {
	ti := m.typeFor(objectType)
	if ti == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(ti.single)+len(ti.composites) > 0
}

func (m *Manager) indexesOf(objectType string) (*typeIndexes, []propertyIndex) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ti := m.types[objectType]
	if ti == nil {
		return nil, nil
	}
	return ti, ti.all()
}

// CheckUnique reports ErrUniqueConstraint if obj would collide with another
// object in a unique index.
func (m *Manager) CheckUnique(obj *storage.Object) error {
	ti, indexes := m.indexesOf(obj.Type)
	if ti == nil {
		return nil
	}
	ord, known := ti.ords.lookup(obj.Key)
	if !known {
		ord = ^uint32(0)
	}
	for _, idx := range indexes {
		if idx.conflicts(ord, obj.Properties) {
			return fmt.Errorf("%w: %s %s collides in %s", schema.ErrUniqueConstraint, obj.Type, obj.Key, idx.definition().Name)
		}
	}
	return nil
}

// IndexObject adds obj to every index of its type. On a unique violation the
// object is removed from the indexes it was already added to.
func (m *Manager) IndexObject(obj *storage.Object) error {
	ti, indexes := m.indexesOf(obj.Type)
	if len(indexes) == 0 {
		return nil
	}
	ord := ti.ords.assign(obj.Key)

	for i, idx := range indexes {
		if err := idx.insert(ord, obj.Properties); err != nil {
			for _, done := range indexes[:i] {
				done.remove(ord, obj.Properties)
			}
			return err
		}
	}
	return nil
}

// RemoveObject removes obj from every index of its type. obj must carry the
// property values it was indexed with.
func (m *Manager) RemoveObject(obj *storage.Object) {
	ti, indexes := m.indexesOf(obj.Type)
	if len(indexes) == 0 {
		return
	}
	ord, ok := ti.ords.lookup(obj.Key)
	if !ok {
		return
	}
	for _, idx := range indexes {
		idx.remove(ord, obj.Properties)
	}
}

// ReindexObject replaces the index entries of prev with those of next.
func (m *Manager) ReindexObject(prev, next *storage.Object) error {
	if prev != nil {
		m.RemoveObject(prev)
	}
	if err := m.IndexObject(next); err != nil {
		if prev != nil {
			if restoreErr := m.IndexObject(prev); restoreErr != nil {
				return errors.Join(err, restoreErr)
			}
		}
		return err
	}
	return nil
}

// Lookup returns the primary keys an index yields for preds. ok is false when
// no index applies and the caller must scan; the returned keys are candidates
// and callers still check every predicate against the objects.
func (m *Manager) Lookup(objectType string, preds []Predicate) ([]storage.PK, Plan, bool) {
	ti, _ := m.indexesOf(objectType)
	plan := m.Plan(objectType, preds)
	if ti == nil || plan.Kind == PlanScan {
		return nil, plan, false
	}

	m.mu.RLock()
	var bm *roaring.Bitmap
	switch plan.Kind {
	case PlanCompositeExact, PlanCompositePrefix:
		c := ti.composites[plan.Index]
		if c != nil {
			bm = c.lookup(valuesInOrder(c.def.Properties[:len(plan.Covered)], preds))
		}
	case PlanSingle:
		if idx := ti.single[plan.Covered[0]]; idx != nil {
			bm = idx.lookup(valueOf(plan.Covered[0], preds))
			// Intersect with other indexed predicates before touching objects
			for _, p := range plan.Residual {
				if other := ti.single[p.Property]; other != nil && bm.GetCardinality() > 0 {
					bm.And(other.lookup(p.Value))
				}
			}
		}
	}
	m.mu.RUnlock()

	if bm == nil {
		// index dropped between planning and lookup
		return nil, Plan{Kind: PlanScan, Residual: preds}, false
	}
	return ti.ords.resolve(bm), plan, true
}

// Range returns keys whose property lies between min and max using a range
// index. ok is false when the property has no range index.
func (m *Manager) Range(objectType, property string, min, max any, includeMin, includeMax bool) ([]storage.PK, bool) {
	m.mu.RLock()
	ti := m.types[objectType]
	var r *rangeIndex
	if ti != nil {
		r, _ = ti.single[property].(*rangeIndex)
	}
	m.mu.RUnlock()

	if r == nil {
		return nil, false
	}
	return ti.ords.resolve(r.between(min, max, includeMin, includeMax)), true
}

// Covers reports whether an index answers an exact match on props.
func (m *Manager) Covers(objectType string, props []string) bool {
	if len(props) == 0 {
		return false
	}
	preds := make([]Predicate, len(props))
	for i, p := range props {
		preds[i] = Predicate{Property: p, Value: coverProbe{}}
	}
	return m.Plan(objectType, preds).Kind != PlanScan
}

// Stats returns statistics for every index sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	var indexes []propertyIndex
	for _, ti := range m.types {
		indexes = append(indexes, ti.all()...)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, idx.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset empties every index but keeps the definitions.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ti := range m.types {
		ti.ords = newOrdinals()
		for _, idx := range ti.all() {
			idx.reset()
		}
	}
}

// coverProbe stands in for a predicate value when only the plan shape matters.
type coverProbe struct{}

func valueOf(property string, preds []Predicate) any {
	for _, p := range preds {
		if p.Property == property {
			return p.Value
		}
	}
	return nil
}

func valuesInOrder(props []string, preds []Predicate) []any {
	values := make([]any, len(props))
	for i, p := range props {
		values[i] = valueOf(p, preds)
	}
	return values
}
