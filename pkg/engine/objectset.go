package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// ObjectSet is an ordered collection of objects of one type.
//
// A set returned by ObjectsOfType stands for the whole type and stays lazy:
// Filter adds predicates that run through the index and cache only when a
// terminal operation (All, Len, Aggregate, ...) or SearchAround needs the
// objects. Any other set is materialized and filters in memory.
//
// Errors are deferred: a set built from an unknown type, a denied principal
// or an unknown property reports the error from its terminal operations.
type ObjectSet struct {
	e          *Engine
	objectType string
	call       callOptions
	err        error

	// lazy root
	preds []index.Predicate
	limit int

	materialized bool
	objs         []*storage.Object
}

func newMaterialized(e *Engine, objectType string, objs []*storage.Object, call callOptions) *ObjectSet {
	return &ObjectSet{e: e, objectType: objectType, call: call, materialized: true, objs: objs}
}

// ObjectType returns the type of the set's objects.
func (s *ObjectSet) ObjectType() string { return s.objectType }

// Err returns the deferred error of the set, if any.
func (s *ObjectSet) Err() error { return s.err }

func (s *ObjectSet) derive() *ObjectSet {
	c := *s
	c.preds = append([]index.Predicate(nil), s.preds...)
	if s.materialized {
		c.objs = append([]*storage.Object(nil), s.objs...)
	}
	return &c
}

// Filter keeps the objects whose property equals value. Derived properties
// may be filtered on; they are resolved per object.
func (s *ObjectSet) Filter(property string, value any) *ObjectSet {
	out := s.derive()
	if out.err != nil {
		return out
	}
	t, err := s.e.types.MustObjectType(s.objectType)
	if err != nil {
		out.err = err
		return out
	}
	pred, err := coercePredicate(t, property, value)
	if err != nil {
		out.err = err
		return out
	}
	if !out.materialized {
		out.preds = append(out.preds, pred)
		return out
	}
	kept := out.objs[:0]
	for _, obj := range out.objs {
		if s.e.matches(obj, []index.Predicate{pred}) {
			kept = append(kept, obj)
		}
	}
	out.objs = kept
	return out
}

// Limit keeps the first n objects. n <= 0 removes the limit of a lazy set
// and is a no-op otherwise.
func (s *ObjectSet) Limit(n int) *ObjectSet {
	out := s.derive()
	if !out.materialized {
		out.limit = n
		return out
	}
	if n > 0 && len(out.objs) > n {
		out.objs = out.objs[:n]
	}
	return out
}

// materialize runs a lazy set.
func (s *ObjectSet) materialize() error {
	if s.err != nil || s.materialized {
		return s.err
	}
	t, err := s.e.types.MustObjectType(s.objectType)
	if err != nil {
		s.err = err
		return err
	}
	objs, err := s.e.filterType(t, s.preds, s.call)
	if err != nil {
		s.err = err
		return err
	}
	if s.limit > 0 && len(objs) > s.limit {
		objs = objs[:s.limit]
	}
	s.objs, s.materialized = objs, true
	return nil
}

// All returns the objects of the set.
func (s *ObjectSet) All() ([]*storage.Object, error) {
	if err := s.materialize(); err != nil {
		return nil, err
	}
	return s.objs, nil
}

// Len returns the number of objects.
func (s *ObjectSet) Len() (int, error) {
	if err := s.materialize(); err != nil {
		return 0, err
	}
	return len(s.objs), nil
}

// First returns the first object, or ErrNotFound for an empty set.
func (s *ObjectSet) First() (*storage.Object, error) {
	if err := s.materialize(); err != nil {
		return nil, err
	}
	if len(s.objs) == 0 {
		return nil, fmt.Errorf("%w: empty %s set", schema.ErrNotFound, s.objectType)
	}
	return s.objs[0], nil
}

// PrimaryKeys returns the keys of the objects in order.
func (s *ObjectSet) PrimaryKeys() ([]storage.PK, error) {
	if err := s.materialize(); err != nil {
		return nil, err
	}
	keys := make([]storage.PK, len(s.objs))
	for i, o := range s.objs {
		keys[i] = o.Key
	}
	return keys, nil
}

// Values returns property for every object, resolving derived properties.
// Objects without a stored value contribute nil.
func (s *ObjectSet) Values(property string) ([]any, error) {
	if err := s.materialize(); err != nil {
		return nil, err
	}
	t, err := s.e.types.MustObjectType(s.objectType)
	if err != nil {
		return nil, err
	}
	_, stored := t.Property(property)
	if _, derived := t.DerivedProperty(property); !stored && !derived {
		return nil, fmt.Errorf("%w: %s has no property %s", schema.ErrNotFound, s.objectType, property)
	}
	out := make([]any, len(s.objs))
	for i, o := range s.objs {
		if stored {
			out[i], _ = o.Value(property)
			continue
		}
		v, err := o.Get(property, s.e.resolver)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Add appends obj to the set. Objects of another type fail with
// ErrTypeMismatch.
func (s *ObjectSet) Add(obj *storage.Object) error {
	if obj == nil || obj.Type != s.objectType {
		got := "<nil>"
		if obj != nil {
			got = obj.Type
		}
		return fmt.Errorf("%w: cannot add %s to a %s set", schema.ErrTypeMismatch, got, s.objectType)
	}
	if err := s.materialize(); err != nil {
		return err
	}
	s.objs = append(s.objs, obj)
	return nil
}

// TraverseOption tunes SearchAround.
type TraverseOption func(*traverseOptions)

type traverseOptions struct {
	where []whereClause
	limit int
}

type whereClause struct {
	property string
	value    any
}

// Where keeps reached objects whose property equals value.
func Where(property string, value any) TraverseOption {
	return func(o *traverseOptions) { o.where = append(o.where, whereClause{property, value}) }
}

// Limit stops a traversal after n distinct objects.
func Limit(n int) TraverseOption {
	return func(o *traverseOptions) { o.limit = n }
}

// SearchAround follows linkType from every object of the set and returns
// the objects on the far side.
//
// The direction is inferred: a set of the link's source type walks forward
// and a set of its target type walks backwards; any other type fails with
// ErrTypeMismatch. Each edge runs through the link type's validation
// functions and edges failing any of them are dropped. Reached objects then
// pass the Where clauses, and only the survivors are scored. Edges whose far
// object no longer exists are skipped. Results follow the order of the set
// and then link creation order; an object reached twice appears once, with
// the score of the first accepted edge.
func (s *ObjectSet) SearchAround(linkType string, opts ...TraverseOption) (*ObjectSet, error) {
	if err := s.materialize(); err != nil {
		return nil, err
	}
	e := s.e
	start := time.Now()

	lt, err := e.types.MustLinkType(linkType)
	if err != nil {
		return nil, err
	}
	dir, farType, err := lt.DirectionFrom(s.objectType)
	if err != nil {
		return nil, err
	}
	far, err := e.types.MustObjectType(farType)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeRead(far, s.call); err != nil {
		return nil, err
	}

	var o traverseOptions
	for _, opt := range opts {
		opt(&o)
	}
	where := make([]index.Predicate, 0, len(o.where))
	for _, w := range o.where {
		p, err := coercePredicate(far, w.property, w.value)
		if err != nil {
			return nil, err
		}
		where = append(where, p)
	}

	near := make(map[storage.PK]*storage.Object, len(s.objs))
	keys := make([]storage.PK, 0, len(s.objs))
	for _, obj := range s.objs {
		if _, dup := near[obj.Key]; !dup {
			near[obj.Key] = obj
			keys = append(keys, obj.Key)
		}
	}

	hooks := e.hooksFor(lt.APIName)
	log := e.log.WithFields(logrus.Fields{"link_type": lt.APIName, "direction": dir.String()})
	fenv := env{e}

	var (
		out      []*storage.Object
		accepted = make(map[storage.PK]struct{})
		rejected int
	)
	for _, l := range e.linkIndex.Neighbors(lt.APIName, dir, keys) {
		if o.limit > 0 && len(out) >= o.limit {
			break
		}
		nearKey, farKey := l.Source, l.Target
		if dir == schema.Reverse {
			nearKey, farKey = l.Target, l.Source
		}
		if _, dup := accepted[farKey]; dup {
			continue
		}
		farObj, ok := e.objects.Get(farType, farKey)
		if !ok {
			log.WithField("link", l.String()).Debug("Skipping dangling link")
			e.metrics.EdgeRejected(lt.APIName, "dangling")
			continue
		}
		nearObj := near[nearKey]
		if nearObj == nil {
			continue
		}
		src, tgt := nearObj, farObj
		if dir == schema.Reverse {
			src, tgt = farObj, nearObj
		}

		if !e.edgeValid(hooks, fenv, src, tgt, log) {
			rejected++
			e.metrics.EdgeRejected(lt.APIName, "validation")
			continue
		}
		if !e.matches(farObj, where) {
			continue
		}
		if hooks.scoring != nil {
			score, err := hooks.scoring.Score(fenv, src, tgt)
			if err != nil {
				log.WithError(err).WithField("link", l.String()).Debug("Scoring failed")
			} else {
				farObj.SetScore(lt.APIName, score)
			}
		}
		accepted[farKey] = struct{}{}
		out = append(out, farObj)
	}

	e.indexes.RecordAccess(out)
	e.metrics.QueryDuration("search_around", time.Since(start))
	log.WithFields(logrus.Fields{
		"from":     len(s.objs),
		"reached":  len(out),
		"rejected": rejected,
	}).Debug("Search around")
	return newMaterialized(e, farType, out, s.call), nil
}

func (e *Engine) edgeValid(hooks *linkHooks, fenv env, src, tgt *storage.Object, log *logrus.Entry) bool {
	for _, h := range hooks.validations {
		ok, err := h.Validate(fenv, src, tgt)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"function": h.Def.Name,
				"source":   src.Key,
				"target":   tgt.Key,
			}).Debug("Validation failed with error")
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// AggregateFunc names an aggregation.
type AggregateFunc string

const (
	Sum   AggregateFunc = "sum"
	Avg   AggregateFunc = "avg"
	Max   AggregateFunc = "max"
	Min   AggregateFunc = "min"
	Count AggregateFunc = "count"
)

// Aggregate folds property over the set. Only present values take part;
// an empty set, or one without values, yields 0. Count counts present values
// of any type; the other functions need numbers and fail with
// ErrTypeMismatch otherwise. Unknown functions fail with
// ErrUnsupportedOperation.
func (s *ObjectSet) Aggregate(property string, fn AggregateFunc) (float64, error) {
	fn = AggregateFunc(strings.ToLower(string(fn)))
	switch fn {
	case Sum, Avg, Max, Min, Count:
	default:
		return 0, fmt.Errorf("%w: aggregate function %q", schema.ErrUnsupportedOperation, fn)
	}
	values, err := s.Values(property)
	if err != nil {
		return 0, err
	}

	var (
		n     int
		sum   float64
		best  float64
		first = true
	)
	for _, v := range values {
		if v == nil {
			continue
		}
		n++
		if fn == Count {
			continue
		}
		f, ok := convert.ToFloat64(v)
		if !ok {
			return 0, fmt.Errorf("%w: %s.%s holds %T, not a number", schema.ErrTypeMismatch, s.objectType, property, v)
		}
		sum += f
		switch {
		case first:
			best = f
		case fn == Max:
			best = math.Max(best, f)
		case fn == Min:
			best = math.Min(best, f)
		}
		first = false
	}
	if n == 0 {
		return 0, nil
	}
	switch fn {
	case Count:
		return float64(n), nil
	case Sum:
		return sum, nil
	case Avg:
		return sum / float64(n), nil
	}
	return best, nil
}

// RangeQuery returns the objects whose property lies between min and max.
// A nil bound is open. It uses a range index when one exists and scans
// otherwise.
func (e *Engine) RangeQuery(objectType, property string, min, max any, includeMin, includeMax bool, opts ...CallOption) (*ObjectSet, error) {
	t, err := e.types.MustObjectType(objectType)
	if err != nil {
		return nil, err
	}
	p, ok := t.Property(property)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no property %s", schema.ErrNotFound, objectType, property)
	}
	call, err := e.resolveCall(opts)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeRead(t, call); err != nil {
		return nil, err
	}
	if min != nil {
		if cv, err := p.Type.Coerce(min); err == nil {
			min = cv
		}
	}
	if max != nil {
		if cv, err := p.Type.Coerce(max); err == nil {
			max = cv
		}
	}

	start := time.Now()
	var objs []*storage.Object
	if keys, ok := e.indexes.Range(objectType, property, min, max, includeMin, includeMax); ok {
		objs = e.objects.Collect(objectType, keys)
	} else {
		for _, obj := range e.objects.List(objectType) {
			if v, ok := obj.Value(property); ok && inRange(v, min, max, includeMin, includeMax) {
				objs = append(objs, obj)
			}
		}
	}
	e.metrics.QueryDuration("range", time.Since(start))
	e.indexes.RecordAccess(objs)
	return newMaterialized(e, objectType, objs, call), nil
}

func inRange(v, min, max any, includeMin, includeMax bool) bool {
	if min != nil {
		c, ok := convert.Compare(v, min)
		if !ok || c < 0 || (c == 0 && !includeMin) {
			return false
		}
	}
	if max != nil {
		c, ok := convert.Compare(v, max)
		if !ok || c > 0 || (c == 0 && !includeMax) {
			return false
		}
	}
	return true
}
