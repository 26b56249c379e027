package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
)

// propertyIndex is implemented by the three index structures. Objects are
// passed as property maps and identified by their ordinal.
type propertyIndex interface {
	definition() Definition
	insert(ord uint32, props map[string]any) error
	remove(ord uint32, props map[string]any)
	conflicts(ord uint32, props map[string]any) bool
	stats() Stats
	valueKeys() []string
	reset()
}

// singleIndex is a one-property index that answers exact matches.
type singleIndex interface {
	propertyIndex
	lookup(value any) *roaring.Bitmap
	count(value any) uint64
	entries() uint64
}

// ============================================================================
// Hash index
// ============================================================================

type hashIndex struct {
	def    Definition
	mu     sync.RWMutex
	values map[string]*roaring.Bitmap // convert.Key(value) -> ordinals
	total  uint64
}

func newHashIndex(def Definition) *hashIndex {
	return &hashIndex{def: def, values: make(map[string]*roaring.Bitmap)}
}

func (h *hashIndex) definition() Definition { return h.def }

func (h *hashIndex) conflicts(ord uint32, props map[string]any) bool {
	if !h.def.Unique {
		return false
	}
	v, ok := props[h.def.Properties[0]]
	if !ok || v == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	bm := h.values[convert.Key(v)]
	return bm != nil && !bm.IsEmpty() && !(bm.GetCardinality() == 1 && bm.Contains(ord))
}

func (h *hashIndex) insert(ord uint32, props map[string]any) error {
	v, ok := props[h.def.Properties[0]]
	if !ok || v == nil {
		return nil
	}
	key := convert.Key(v)

	h.mu.Lock()
	defer h.mu.Unlock()

	bm := h.values[key]
	if bm == nil {
		bm = roaring.New()
		h.values[key] = bm
	}
	if bm.Contains(ord) {
		return nil
	}
	if h.def.Unique && !bm.IsEmpty() {
		return fmt.Errorf("%w: %s already holds %s=%v", schema.ErrUniqueConstraint, h.def.Name, h.def.Properties[0], v)
	}
	bm.Add(ord)
	h.total++
	return nil
}

func (h *hashIndex) remove(ord uint32, props map[string]any) {
	v, ok := props[h.def.Properties[0]]
	if !ok || v == nil {
		return
	}
	key := convert.Key(v)

	h.mu.Lock()
	defer h.mu.Unlock()

	bm := h.values[key]
	if bm == nil || !bm.CheckedRemove(ord) {
		return
	}
	h.total--
	if bm.IsEmpty() {
		delete(h.values, key)
	}
}

func (h *hashIndex) lookup(value any) *roaring.Bitmap {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if bm := h.values[convert.Key(value)]; bm != nil {
		return bm.Clone()
	}
	return roaring.New()
}

func (h *hashIndex) count(value any) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if bm := h.values[convert.Key(value)]; bm != nil {
		return bm.GetCardinality()
	}
	return 0
}

func (h *hashIndex) entries() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *hashIndex) stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		Name:         h.def.Name,
		Kind:         h.def.Kind,
		ObjectType:   h.def.ObjectType,
		Properties:   h.def.Properties,
		Unique:       h.def.Unique,
		TotalEntries: int64(h.total),
		UniqueValues: int64(len(h.values)),
	}
	s.finish()
	return s
}

func (h *hashIndex) valueKeys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	return keys
}

func (h *hashIndex) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = make(map[string]*roaring.Bitmap)
	h.total = 0
}

// ============================================================================
// Range index
// ============================================================================

type rangeEntry struct {
	value any
	ord   uint32
}

// rangeIndex keeps entries sorted by value, then ordinal, so both exact and
// range lookups are a binary search followed by a linear walk.
type rangeIndex struct {
	def    Definition
	mu     sync.RWMutex
	sorted []rangeEntry
}

func newRangeIndex(def Definition) *rangeIndex {
	return &rangeIndex{def: def}
}

func (r *rangeIndex) definition() Definition { return r.def }

func less(a, b any) bool {
	c, ok := convert.Compare(a, b)
	if !ok {
		// values of different kinds order by their key so the slice stays sorted
		return convert.Key(a) < convert.Key(b)
	}
	return c < 0
}

func same(a, b any) bool {
	c, ok := convert.Compare(a, b)
	return ok && c == 0
}

// lowerBound returns the first position whose value is not less than v.
func (r *rangeIndex) lowerBound(v any) int {
	return sort.Search(len(r.sorted), func(i int) bool { return !less(r.sorted[i].value, v) })
}

func (r *rangeIndex) conflicts(ord uint32, props map[string]any) bool {
	if !r.def.Unique {
		return false
	}
	v, ok := props[r.def.Properties[0]]
	if !ok || v == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := r.lowerBound(v); i < len(r.sorted) && same(r.sorted[i].value, v); i++ {
		if r.sorted[i].ord != ord {
			return true
		}
	}
	return false
}

func (r *rangeIndex) insert(ord uint32, props map[string]any) error {
	v, ok := props[r.def.Properties[0]]
	if !ok || v == nil {
		return nil
	}
	v = convert.Normalize(v)

	r.mu.Lock()
	defer r.mu.Unlock()

	pos := r.lowerBound(v)
	for i := pos; i < len(r.sorted) && same(r.sorted[i].value, v); i++ {
		if r.sorted[i].ord == ord {
			return nil
		}
		if r.def.Unique {
			return fmt.Errorf("%w: %s already holds %s=%v", schema.ErrUniqueConstraint, r.def.Name, r.def.Properties[0], v)
		}
	}

	// Insert after equal values to keep ties in ordinal order
	for pos < len(r.sorted) && same(r.sorted[pos].value, v) && r.sorted[pos].ord < ord {
		pos++
	}
	r.sorted = append(r.sorted, rangeEntry{})
	copy(r.sorted[pos+1:], r.sorted[pos:])
	r.sorted[pos] = rangeEntry{value: v, ord: ord}
	return nil
}

func (r *rangeIndex) remove(ord uint32, props map[string]any) {
	v, ok := props[r.def.Properties[0]]
	if !ok || v == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := r.lowerBound(v); i < len(r.sorted) && same(r.sorted[i].value, v); i++ {
		if r.sorted[i].ord == ord {
			r.sorted = append(r.sorted[:i], r.sorted[i+1:]...)
			return
		}
	}
}

func (r *rangeIndex) lookup(value any) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bm := roaring.New()
	for i := r.lowerBound(value); i < len(r.sorted) && same(r.sorted[i].value, value); i++ {
		bm.Add(r.sorted[i].ord)
	}
	return bm
}

func (r *rangeIndex) count(value any) uint64 {
	return r.lookup(value).GetCardinality()
}

func (r *rangeIndex) entries() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.sorted))
}

// between returns ordinals whose value lies between min and max. A nil bound
// is unbounded.
func (r *rangeIndex) between(min, max any, includeMin, includeMax bool) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if min != nil {
		start = r.lowerBound(min)
		if !includeMin {
			for start < len(r.sorted) && same(r.sorted[start].value, min) {
				start++
			}
		}
	}

	bm := roaring.New()
	for i := start; i < len(r.sorted); i++ {
		v := r.sorted[i].value
		if max != nil {
			c, ok := convert.Compare(v, max)
			if !ok || c > 0 || (c == 0 && !includeMax) {
				break
			}
		}
		if min != nil {
			if _, ok := convert.Compare(v, min); !ok {
				continue
			}
		}
		bm.Add(r.sorted[i].ord)
	}
	return bm
}

func (r *rangeIndex) stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Name:         r.def.Name,
		Kind:         r.def.Kind,
		ObjectType:   r.def.ObjectType,
		Properties:   r.def.Properties,
		Unique:       r.def.Unique,
		TotalEntries: int64(len(r.sorted)),
	}
	for i := range r.sorted {
		if i == 0 || !same(r.sorted[i-1].value, r.sorted[i].value) {
			s.UniqueValues++
		}
	}
	s.finish()
	return s
}

func (r *rangeIndex) valueKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for i := range r.sorted {
		if i == 0 || !same(r.sorted[i-1].value, r.sorted[i].value) {
			keys = append(keys, convert.Key(r.sorted[i].value))
		}
	}
	return keys
}

func (r *rangeIndex) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sorted = nil
}

// ============================================================================
// Composite index
// ============================================================================

// compositeIndex indexes the full value tuple and every leading prefix of it,
// so a lookup on (a) or (a, b) of an (a, b, c) index is a single map probe.
type compositeIndex struct {
	def    Definition
	mu     sync.RWMutex
	full   map[string]*roaring.Bitmap
	prefix map[string]*roaring.Bitmap
}

func newCompositeIndex(def Definition) *compositeIndex {
	return &compositeIndex{
		def:    def,
		full:   make(map[string]*roaring.Bitmap),
		prefix: make(map[string]*roaring.Bitmap),
	}
}

func (c *compositeIndex) definition() Definition { return c.def }

func (c *compositeIndex) conflicts(ord uint32, props map[string]any) bool {
	if !c.def.Unique {
		return false
	}
	values := valuesFor(c.def.Properties, props)
	if len(values) != len(c.def.Properties) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	bm := c.full[convert.TupleKey(values...)]
	return bm != nil && !bm.IsEmpty() && !(bm.GetCardinality() == 1 && bm.Contains(ord))
}

func (c *compositeIndex) insert(ord uint32, props map[string]any) error {
	values := valuesFor(c.def.Properties, props)
	if len(values) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(values) == len(c.def.Properties) {
		key := convert.TupleKey(values...)
		bm := c.full[key]
		if bm == nil {
			bm = roaring.New()
			c.full[key] = bm
		}
		if c.def.Unique && !bm.IsEmpty() && !bm.Contains(ord) {
			return fmt.Errorf("%w: %s already holds %v", schema.ErrUniqueConstraint, c.def.Name, values)
		}
		bm.Add(ord)
	}
	for i := 1; i <= len(values) && i < len(c.def.Properties); i++ {
		key := convert.TupleKey(values[:i]...)
		bm := c.prefix[key]
		if bm == nil {
			bm = roaring.New()
			c.prefix[key] = bm
		}
		bm.Add(ord)
	}
	return nil
}

func (c *compositeIndex) remove(ord uint32, props map[string]any) {
	values := valuesFor(c.def.Properties, props)
	if len(values) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	drop := func(m map[string]*roaring.Bitmap, key string) {
		if bm := m[key]; bm != nil {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(m, key)
			}
		}
	}
	if len(values) == len(c.def.Properties) {
		drop(c.full, convert.TupleKey(values...))
	}
	for i := 1; i <= len(values) && i < len(c.def.Properties); i++ {
		drop(c.prefix, convert.TupleKey(values[:i]...))
	}
}

// lookup returns ordinals matching values, which must be a leading prefix of
// the index properties (the full tuple included).
func (c *compositeIndex) lookup(values []any) *roaring.Bitmap {
	if len(values) == 0 || len(values) > len(c.def.Properties) {
		return roaring.New()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.prefix
	if len(values) == len(c.def.Properties) {
		m = c.full
	}
	if bm := m[convert.TupleKey(values...)]; bm != nil {
		return bm.Clone()
	}
	return roaring.New()
}

func (c *compositeIndex) count(values []any) uint64 {
	if len(values) == 0 || len(values) > len(c.def.Properties) {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.prefix
	if len(values) == len(c.def.Properties) {
		m = c.full
	}
	if bm := m[convert.TupleKey(values...)]; bm != nil {
		return bm.GetCardinality()
	}
	return 0
}

func (c *compositeIndex) totalEntries() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n uint64
	for _, bm := range c.full {
		n += bm.GetCardinality()
	}
	return n
}

func (c *compositeIndex) stats() Stats {
	s := Stats{
		Name:         c.def.Name,
		Kind:         c.def.Kind,
		ObjectType:   c.def.ObjectType,
		Properties:   c.def.Properties,
		Unique:       c.def.Unique,
		TotalEntries: int64(c.totalEntries()),
	}
	c.mu.RLock()
	s.UniqueValues = int64(len(c.full))
	c.mu.RUnlock()
	s.finish()
	return s
}

func (c *compositeIndex) valueKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.full))
	for k := range c.full {
		keys = append(keys, k)
	}
	return keys
}

func (c *compositeIndex) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = make(map[string]*roaring.Bitmap)
	c.prefix = make(map[string]*roaring.Bitmap)
}
