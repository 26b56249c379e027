package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/auth"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// validateProperties coerces props to the declared primitive types and
// checks required properties. Unknown and derived names are rejected.
func validateProperties(t *schema.ObjectType, props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for name, v := range props {
		p, ok := t.Property(name)
		if !ok {
			if _, derived := t.DerivedProperty(name); derived {
				return nil, fmt.Errorf("%w: %s.%s is derived and cannot be stored", schema.ErrValidation, t.APIName, name)
			}
			return nil, fmt.Errorf("%w: %s has no property %s", schema.ErrValidation, t.APIName, name)
		}
		cv, err := p.Type.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.APIName, name, err)
		}
		if cv != nil {
			out[name] = cv
		}
	}
	for _, p := range t.Properties {
		if _, ok := out[p.Name]; !ok && (p.Required || p.Name == t.PrimaryKey) {
			return nil, fmt.Errorf("%w: %s.%s is required", schema.ErrValidation, t.APIName, p.Name)
		}
	}
	return out, nil
}

func (e *Engine) newObject(t *schema.ObjectType, props map[string]any) (*storage.Object, error) {
	clean, err := validateProperties(t, props)
	if err != nil {
		return nil, err
	}
	return storage.NewObject(t.APIName, clean[t.PrimaryKey], clean), nil
}

// invalidate drops cached filter results of objectType.
func (e *Engine) invalidate(objectType string) {
	if e.cache != nil {
		e.cache.InvalidatePrefix(cachePrefix(objectType))
	}
}

// AddObject creates an object from props. The primary key property must be
// set; a key already in use fails with ErrAlreadyExists and a value taken in
// a unique index with ErrUniqueConstraint.
func (e *Engine) AddObject(objectType string, props map[string]any, opts ...CallOption) (*storage.Object, error) {
	t, call, err := e.prepareWrite(objectType, auth.PermEdit, opts)
	if err != nil {
		return nil, err
	}
	obj, err := e.newObject(t, props)
	if err != nil {
		return nil, err
	}
	if err := e.indexes.CheckUnique(obj); err != nil {
		return nil, err
	}
	if err := e.objects.Add(obj); err != nil {
		return nil, err
	}
	if err := e.indexes.IndexObject(obj); err != nil {
		e.objects.Delete(obj.Type, obj.Key)
		return nil, err
	}
	e.invalidate(objectType)
	e.metrics.Mutation(objectType, "add")
	e.log.WithFields(logrus.Fields{"object_type": objectType, "pk": obj.Key, "principal": call.principal}).Debug("Object added")
	return obj.Clone(), nil
}

// UpsertObject creates the object or replaces the stored one with the same
// primary key, re-indexing it.
func (e *Engine) UpsertObject(objectType string, props map[string]any, opts ...CallOption) (*storage.Object, error) {
	t, _, err := e.prepareWrite(objectType, auth.PermEdit, opts)
	if err != nil {
		return nil, err
	}
	obj, err := e.newObject(t, props)
	if err != nil {
		return nil, err
	}
	prev, exists := e.objects.Get(objectType, obj.Key)
	if !exists {
		return e.AddObject(objectType, props, opts...)
	}
	if err := e.replace(prev, obj); err != nil {
		return nil, err
	}
	e.metrics.Mutation(objectType, "upsert")
	return obj.Clone(), nil
}

// UpdateObject merges patch into the stored object. A nil value removes the
// property. Changing the primary key fails with ErrValidation.
func (e *Engine) UpdateObject(objectType string, key any, patch map[string]any, opts ...CallOption) (*storage.Object, error) {
	t, _, err := e.prepareWrite(objectType, auth.PermEdit, opts)
	if err != nil {
		return nil, err
	}
	pk := storage.KeyOf(key)
	prev, ok := e.objects.Get(objectType, pk)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", schema.ErrNotFound, objectType, pk)
	}

	merged := make(map[string]any, len(prev.Properties)+len(patch))
	for k, v := range prev.Properties {
		merged[k] = v
	}
	for k, v := range patch {
		if k == t.PrimaryKey && storage.KeyOf(v) != pk {
			return nil, fmt.Errorf("%w: primary key %s.%s is immutable", schema.ErrValidation, objectType, k)
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	next, err := e.newObject(t, merged)
	if err != nil {
		return nil, err
	}
	if err := e.replace(prev, next); err != nil {
		return nil, err
	}
	e.metrics.Mutation(objectType, "update")
	return next.Clone(), nil
}

// replace re-indexes prev as next and stores next. The index is updated
// first so a unique violation leaves the store untouched.
func (e *Engine) replace(prev, next *storage.Object) error {
	if err := e.indexes.ReindexObject(prev, next); err != nil {
		return err
	}
	e.objects.Put(next)
	e.invalidate(next.Type)
	e.log.WithFields(logrus.Fields{"object_type": next.Type, "pk": next.Key}).Debug("Object replaced")
	return nil
}

// DeleteObject removes an object and its index entries. Links touching it
// are kept and skipped by later traversals.
func (e *Engine) DeleteObject(objectType string, key any, opts ...CallOption) error {
	if _, _, err := e.prepareWrite(objectType, auth.PermDelete, opts); err != nil {
		return err
	}
	pk := storage.KeyOf(key)
	removed, ok := e.objects.Delete(objectType, pk)
	if !ok {
		return fmt.Errorf("%w: %s %s", schema.ErrNotFound, objectType, pk)
	}
	e.indexes.RemoveObject(removed)
	e.invalidate(objectType)
	e.metrics.Mutation(objectType, "delete")
	return nil
}

// GetObject returns the object, or false when it does not exist.
func (e *Engine) GetObject(objectType string, key any, opts ...CallOption) (*storage.Object, bool, error) {
	t, err := e.types.MustObjectType(objectType)
	if err != nil {
		return nil, false, err
	}
	call, err := e.resolveCall(opts)
	if err != nil {
		return nil, false, err
	}
	if err := e.authorizeRead(t, call); err != nil {
		return nil, false, err
	}
	obj, ok := e.objects.Get(objectType, storage.KeyOf(key))
	if ok {
		e.indexes.RecordAccess([]*storage.Object{obj})
	}
	return obj, ok, nil
}

// ObjectsOfType returns the set of every object of objectType. Permission
// and type errors surface from the set's terminal operations.
func (e *Engine) ObjectsOfType(objectType string, opts ...CallOption) *ObjectSet {
	set := &ObjectSet{e: e, objectType: objectType}
	t, err := e.types.MustObjectType(objectType)
	if err != nil {
		set.err = err
		return set
	}
	call, err := e.resolveCall(opts)
	if err != nil {
		set.err = err
		return set
	}
	set.call = call
	set.err = e.authorizeRead(t, call)
	return set
}

// CreateLink links source to target. Creating an existing link is a no-op
// and reports false.
func (e *Engine) CreateLink(linkType string, source, target any, opts ...CallOption) (bool, error) {
	lt, err := e.types.MustLinkType(linkType)
	if err != nil {
		return false, err
	}
	if _, _, err := e.prepareWrite(lt.Source, auth.PermEdit, opts); err != nil {
		return false, err
	}
	e.linkMu.Lock()
	created, err := e.links.Create(lt, storage.KeyOf(source), storage.KeyOf(target))
	if err == nil && created {
		e.linkIndex.Add(storage.Link{Type: linkType, Source: storage.KeyOf(source), Target: storage.KeyOf(target)})
	}
	e.linkMu.Unlock()
	if err != nil || !created {
		return created, err
	}
	e.metrics.Mutation(linkType, "link")
	return true, nil
}

// DeleteLink removes a link. A missing link fails with ErrNotFound.
func (e *Engine) DeleteLink(linkType string, source, target any, opts ...CallOption) error {
	lt, err := e.types.MustLinkType(linkType)
	if err != nil {
		return err
	}
	if _, _, err := e.prepareWrite(lt.Source, auth.PermEdit, opts); err != nil {
		return err
	}
	l := storage.Link{Type: linkType, Source: storage.KeyOf(source), Target: storage.KeyOf(target)}
	e.linkMu.Lock()
	err = e.links.Delete(l.Type, l.Source, l.Target)
	if err == nil {
		e.linkIndex.Remove(l)
	}
	e.linkMu.Unlock()
	if err != nil {
		return err
	}
	e.metrics.Mutation(linkType, "unlink")
	return nil
}

// LinksOf lists the links touching an object, grouped by link type in
// registration order.
func (e *Engine) LinksOf(objectType string, key any) ([]storage.Link, error) {
	if _, err := e.types.MustObjectType(objectType); err != nil {
		return nil, err
	}
	pk := storage.KeyOf(key)
	var out []storage.Link
	seen := make(map[storage.Link]struct{})
	add := func(ls []storage.Link) {
		for _, l := range ls {
			if _, dup := seen[l]; !dup {
				seen[l] = struct{}{}
				out = append(out, l)
			}
		}
	}
	for _, lt := range e.types.LinkTypesFor(objectType) {
		if lt.Source == objectType {
			add(e.linkIndex.Neighbors(lt.APIName, schema.Forward, []storage.PK{pk}))
		}
		if lt.Target == objectType {
			add(e.linkIndex.Neighbors(lt.APIName, schema.Reverse, []storage.PK{pk}))
		}
	}
	return out, nil
}

func (e *Engine) prepareWrite(objectType string, perm auth.Permission, opts []CallOption) (*schema.ObjectType, callOptions, error) {
	t, err := e.types.MustObjectType(objectType)
	if err != nil {
		return nil, callOptions{}, err
	}
	call, err := e.resolveCall(opts)
	if err != nil {
		return nil, call, err
	}
	if err := e.authorizeWrite(t, call, perm); err != nil {
		return nil, call, err
	}
	return t, call, nil
}
