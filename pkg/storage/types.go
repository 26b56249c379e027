// Package storage holds the live objects and links of an ontology.
//
// ObjectStore keeps one shard per object type, each keyed by primary key and
// guarded by its own lock, so writers of unrelated types never contend.
// LinkStore keeps directed edges deduplicated by (type, source, target).
// Both stores hand out copies: callers may modify returned objects without
// affecting stored state.
//
// Example Usage:
//
//	objects := storage.NewObjectStore()
//	links := storage.NewLinkStore(objects)
//
//	_ = objects.Add(storage.NewObject("Order", "o-1", map[string]any{"order_id": "o-1"}))
//	_ = objects.Add(storage.NewObject("Merchant", "m-1", map[string]any{"merchant_id": "m-1"}))
//
//	created, err := links.Create(orderMerchant, "o-1", "m-1")
//	// created == true; calling Create again returns false and no error
package storage

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
)

// PK is the canonical string form of a primary key value.
type PK string

// KeyOf formats a primary key value as a PK.
func KeyOf(v any) PK {
	switch val := convert.Normalize(v).(type) {
	case PK:
		return val
	case string:
		return PK(val)
	case int64:
		return PK(strconv.FormatInt(val, 10))
	case float64:
		return PK(strconv.FormatFloat(val, 'g', -1, 64))
	case bool:
		return PK(strconv.FormatBool(val))
	case time.Time:
		return PK(val.Format(time.RFC3339Nano))
	default:
		return PK(fmt.Sprint(val))
	}
}

// Resolver computes properties that are not stored on an object.
type Resolver interface {
	Resolve(o *Object, property string) (any, error)
}

// Object is one instance of an object type.
//
// Annotations and scores are attached by queries and are never written back
// to the store.
type Object struct {
	Type       string
	Key        PK
	Properties map[string]any

	annotations map[string]any
	scores      map[string]float64
}

// NewObject creates an object of the given type.
func NewObject(objectType string, key any, properties map[string]any) *Object {
	if properties == nil {
		properties = make(map[string]any)
	}
	return &Object{Type: objectType, Key: KeyOf(key), Properties: properties}
}

// Value returns a stored property.
func (o *Object) Value(name string) (any, bool) {
	v, ok := o.Properties[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Get returns a stored property, or asks r to compute it when it is not
// stored. The resolver is passed explicitly; objects hold no reference to
// their store.
func (o *Object) Get(name string, r Resolver) (any, error) {
	if v, ok := o.Value(name); ok {
		return v, nil
	}
	if r == nil {
		return nil, fmt.Errorf("%w: property %s.%s", schema.ErrNotFound, o.Type, name)
	}
	return r.Resolve(o, name)
}

// Annotate attaches query-time metadata.
func (o *Object) Annotate(key string, value any) {
	if o.annotations == nil {
		o.annotations = make(map[string]any)
	}
	o.annotations[key] = value
}

// Annotation returns metadata attached with Annotate.
func (o *Object) Annotation(key string) (any, bool) {
	v, ok := o.annotations[key]
	return v, ok
}

// SetScore records the score computed when this object was reached through
// linkType.
func (o *Object) SetScore(linkType string, score float64) {
	if o.scores == nil {
		o.scores = make(map[string]float64)
	}
	o.scores[linkType] = score
}

// Score returns the score recorded for linkType.
func (o *Object) Score(linkType string) (float64, bool) {
	s, ok := o.scores[linkType]
	return s, ok
}

// Scores returns a copy of every recorded score keyed by link type.
func (o *Object) Scores() map[string]float64 {
	return maps.Clone(o.scores)
}

// Clone returns a copy including annotations and scores.
func (o *Object) Clone() *Object {
	c := o.copyData()
	c.annotations = maps.Clone(o.annotations)
	c.scores = maps.Clone(o.scores)
	return c
}

// copyData copies the stored part of the object.
func (o *Object) copyData() *Object {
	return &Object{
		Type:       o.Type,
		Key:        o.Key,
		Properties: maps.Clone(o.Properties),
	}
}

// Link is a directed edge of a link type.
type Link struct {
	Type   string
	Source PK
	Target PK
}

func (l Link) String() string {
	return fmt.Sprintf("%s(%s -> %s)", l.Type, l.Source, l.Target)
}
