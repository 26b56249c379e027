// Package index provides the property, composite, tiered and link indexes
// that accelerate ontoq queries.
//
// Property indexes map a value to the set of primary keys holding it. Each
// object type owns a dense ordinal dictionary so posting lists can be stored
// as roaring bitmaps and combined cheaply:
//
//	hash       value            -> bitmap   (exact match)
//	range      sorted (value,id)            (exact match and ranges)
//	composite  (v1, v2, ... vn) -> bitmap   (full tuple and leading prefixes)
//
// The Manager keeps every index of every type and is updated synchronously on
// each store mutation; indexes are never rebuilt from a scan during normal
// operation. Tiered wraps three managers into hot/warm/cold partitions placed
// by access frequency, and LinkIndex keeps bidirectional adjacency per link
// type.
//
// Lookups never fail hard: when no index can serve a predicate set the plan
// is a scan and the caller falls back to filtering the store.
//
// Example:
//
//	m := index.NewManager()
//	_ = m.CreateIndex(index.Definition{
//		ObjectType: "Order",
//		Properties: []string{"merchant_id"},
//	}, nil)
//	_ = m.IndexObject(order)
//
//	keys, plan, ok := m.Lookup("Order", []index.Predicate{{Property: "merchant_id", Value: "m-1"}})
//	if !ok {
//		// plan.Kind == index.PlanScan, scan the store instead
//	}
package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// Kind is the structure of an index.
type Kind string

const (
	KindHash      Kind = "HASH"
	KindRange     Kind = "RANGE"
	KindComposite Kind = "COMPOSITE"
)

// ParseKind maps a user-supplied name to a Kind. The empty string means hash.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "HASH", "EXACT":
		return KindHash, nil
	case "RANGE", "BTREE", "B-TREE":
		return KindRange, nil
	case "COMPOSITE":
		return KindComposite, nil
	}
	return "", fmt.Errorf("%w: index kind %q", schema.ErrUnsupportedOperation, s)
}

// Definition describes an index to create.
type Definition struct {
	Name       string   `json:"name" yaml:"name"`
	ObjectType string   `json:"object_type" yaml:"object_type"`
	Properties []string `json:"properties" yaml:"properties"`
	Kind       Kind     `json:"kind" yaml:"kind"`
	Unique     bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Normalized fills in the default kind and name and validates d.
func (d Definition) Normalized() (Definition, error) {
	err := d.normalize()
	return d, err
}

func (d *Definition) normalize() error {
	if d.ObjectType == "" || len(d.Properties) == 0 {
		return fmt.Errorf("%w: index needs an object type and at least one property", schema.ErrSchema)
	}
	if d.Kind == "" {
		d.Kind = KindHash
		if len(d.Properties) > 1 {
			d.Kind = KindComposite
		}
	}
	switch d.Kind {
	case KindHash, KindRange:
		if len(d.Properties) != 1 {
			return fmt.Errorf("%w: %s index takes exactly one property", schema.ErrSchema, d.Kind)
		}
	case KindComposite:
		if len(d.Properties) < 2 {
			return fmt.Errorf("%w: composite index needs at least two properties", schema.ErrSchema)
		}
		seen := make(map[string]struct{}, len(d.Properties))
		for _, p := range d.Properties {
			if _, dup := seen[p]; dup {
				return fmt.Errorf("%w: composite index repeats %s", schema.ErrSchema, p)
			}
			seen[p] = struct{}{}
		}
	default:
		return fmt.Errorf("%w: index kind %q", schema.ErrUnsupportedOperation, d.Kind)
	}
	if d.Name == "" {
		d.Name = fmt.Sprintf("%s_%s_%s", strings.ToLower(d.ObjectType), strings.Join(d.Properties, "_"), strings.ToLower(string(d.Kind)))
	}
	d.Properties = append([]string(nil), d.Properties...)
	return nil
}

// Predicate is an exact-match condition on one property.
type Predicate struct {
	Property string
	Value    any
}

// Stats describes the contents of an index.
type Stats struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	ObjectType   string   `json:"objectType"`
	Properties   []string `json:"properties"`
	Unique       bool     `json:"unique,omitempty"`
	TotalEntries int64    `json:"totalEntries"`
	UniqueValues int64    `json:"uniqueValues"`
	Selectivity  float64  `json:"selectivity"` // uniqueValues / totalEntries

	TierEntries map[string]int64 `json:"tierEntries,omitempty"`
}

func (s *Stats) finish() {
	if s.TotalEntries > 0 {
		s.Selectivity = float64(s.UniqueValues) / float64(s.TotalEntries)
	}
}

// ordinals assigns each primary key of one object type a dense uint32 so
// posting lists can be roaring bitmaps. Ordinals are never reused for a
// different key.
type ordinals struct {
	mu   sync.RWMutex
	ids  map[storage.PK]uint32
	keys []storage.PK
}

func newOrdinals() *ordinals {
	return &ordinals{ids: make(map[storage.PK]uint32)}
}

func (o *ordinals) assign(pk storage.PK) uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.ids[pk]; ok {
		return id
	}
	id := uint32(len(o.keys))
	o.ids[pk] = id
	o.keys = append(o.keys, pk)
	return id
}

func (o *ordinals) lookup(pk storage.PK) (uint32, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.ids[pk]
	return id, ok
}

func (o *ordinals) resolve(bm *roaring.Bitmap) []storage.PK {
	if bm == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]storage.PK, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		if int(id) < len(o.keys) {
			out = append(out, o.keys[id])
		}
	}
	return out
}

// valuesFor extracts the indexed values of props from an object, stopping at
// the first missing property.
func valuesFor(props []string, properties map[string]any) []any {
	values := make([]any, 0, len(props))
	for _, p := range props {
		v, ok := properties[p]
		if !ok || v == nil {
			break
		}
		values = append(values, v)
	}
	return values
}
