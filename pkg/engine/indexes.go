package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// CreateIndex creates an index over stored properties of its object type
// and fills it with the existing objects. Derived properties cannot be
// indexed.
func (e *Engine) CreateIndex(def index.Definition) (index.Definition, error) {
	t, err := e.types.MustObjectType(def.ObjectType)
	if err != nil {
		return def, err
	}
	for _, prop := range def.Properties {
		if _, ok := t.Property(prop); ok {
			continue
		}
		if _, derived := t.DerivedProperty(prop); derived {
			return def, fmt.Errorf("%w: %s.%s is derived and cannot be indexed", schema.ErrSchema, t.APIName, prop)
		}
		return def, fmt.Errorf("%w: %s has no property %s", schema.ErrNotFound, t.APIName, prop)
	}

	created, err := def.Normalized()
	if err != nil {
		return def, err
	}
	if err := e.indexes.CreateIndex(created, e.objects.List(t.APIName)); err != nil {
		return def, err
	}
	// plans change with the index set
	e.invalidate(t.APIName)
	e.log.WithFields(logrus.Fields{
		"index":       created.Name,
		"object_type": created.ObjectType,
		"properties":  created.Properties,
		"kind":        created.Kind,
		"unique":      created.Unique,
	}).Info("Index created")
	return created, nil
}

// CreatePropertyIndex indexes one property with a hash or range index.
func (e *Engine) CreatePropertyIndex(objectType, property string, kind index.Kind, unique bool) (index.Definition, error) {
	return e.CreateIndex(index.Definition{
		ObjectType: objectType,
		Properties: []string{property},
		Kind:       kind,
		Unique:     unique,
	})
}

// CreateCompositeIndex indexes an ordered tuple of properties.
func (e *Engine) CreateCompositeIndex(objectType string, properties []string, unique bool) (index.Definition, error) {
	return e.CreateIndex(index.Definition{
		ObjectType: objectType,
		Properties: properties,
		Kind:       index.KindComposite,
		Unique:     unique,
	})
}

// DropIndex removes an index by name.
func (e *Engine) DropIndex(name string) error {
	var objectType string
	for _, d := range e.indexes.Definitions() {
		if d.Name == name {
			objectType = d.ObjectType
		}
	}
	if err := e.indexes.DropIndex(name); err != nil {
		return err
	}
	if objectType != "" {
		e.invalidate(objectType)
	}
	e.log.WithField("index", name).Info("Index dropped")
	return nil
}

// Indexes returns every index definition sorted by name.
func (e *Engine) Indexes() []index.Definition {
	return e.indexes.Definitions()
}

// IndexStats returns per-index statistics, including per-tier entry counts.
func (e *Engine) IndexStats() []index.Stats {
	return e.indexes.Stats()
}

// TierOf reports the tier an object's index entries live in.
func (e *Engine) TierOf(objectType string, key any) index.Tier {
	return e.indexes.TierOf(objectType, storage.KeyOf(key))
}
