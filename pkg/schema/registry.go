package schema

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Registry holds the registered object and link types.
//
// Definitions are copied on registration and never modified afterwards, so the
// pointers returned by lookups may be shared freely but must not be mutated.
type Registry struct {
	mu          sync.RWMutex
	objectTypes map[string]*ObjectType
	linkTypes   map[string]*LinkType
	objectOrder []string
	linkOrder   []string
	log         *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objectTypes: make(map[string]*ObjectType),
		linkTypes:   make(map[string]*LinkType),
		log:         logrus.WithField("component", "SchemaRegistry"),
	}
}

// SetLogger replaces the registry's log entry.
func (r *Registry) SetLogger(log *logrus.Entry) {
	if log != nil {
		r.log = log.WithField("component", "SchemaRegistry")
	}
}

// RegisterObjectType validates and stores t. Registering a name twice, or a
// primary key that is not one of the type's properties, fails with ErrSchema.
func (r *Registry) RegisterObjectType(t ObjectType) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objectTypes[t.APIName]; exists {
		return fmt.Errorf("%w: object type %s already registered", ErrSchema, t.APIName)
	}
	r.objectTypes[t.APIName] = t.clone()
	r.objectOrder = append(r.objectOrder, t.APIName)

	r.log.WithFields(logrus.Fields{
		"object_type": t.APIName,
		"properties":  len(t.Properties),
		"derived":     len(t.Derived),
	}).Info("Registered object type")
	return nil
}

// RegisterLinkType stores l. Both endpoint types must already be registered.
func (r *Registry) RegisterLinkType(l LinkType) error {
	if l.APIName == "" {
		return fmt.Errorf("%w: link type name is empty", ErrSchema)
	}
	switch l.Cardinality {
	case "", OneToOne, OneToMany, ManyToMany:
	default:
		return fmt.Errorf("%w: link type %s has unknown cardinality %q", ErrSchema, l.APIName, l.Cardinality)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.linkTypes[l.APIName]; exists {
		return fmt.Errorf("%w: link type %s already registered", ErrSchema, l.APIName)
	}
	if _, ok := r.objectTypes[l.Source]; !ok {
		return fmt.Errorf("%w: link type %s references unknown source type %q", ErrSchema, l.APIName, l.Source)
	}
	if _, ok := r.objectTypes[l.Target]; !ok {
		return fmt.Errorf("%w: link type %s references unknown target type %q", ErrSchema, l.APIName, l.Target)
	}
	r.linkTypes[l.APIName] = l.clone()
	r.linkOrder = append(r.linkOrder, l.APIName)

	r.log.WithFields(logrus.Fields{
		"link_type": l.APIName,
		"source":    l.Source,
		"target":    l.Target,
	}).Info("Registered link type")
	return nil
}

// ObjectType returns the registered object type with the given name.
func (r *Registry) ObjectType(name string) (*ObjectType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.objectTypes[name]
	return t, ok
}

// LinkType returns the registered link type with the given name.
func (r *Registry) LinkType(name string) (*LinkType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.linkTypes[name]
	return l, ok
}

// MustObjectType is ObjectType returning ErrNotFound on a miss.
func (r *Registry) MustObjectType(name string) (*ObjectType, error) {
	if t, ok := r.ObjectType(name); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: object type %q", ErrNotFound, name)
}

// MustLinkType is LinkType returning ErrNotFound on a miss.
func (r *Registry) MustLinkType(name string) (*LinkType, error) {
	if l, ok := r.LinkType(name); ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: link type %q", ErrNotFound, name)
}

// ObjectTypes returns every object type in registration order.
func (r *Registry) ObjectTypes() []*ObjectType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ObjectType, 0, len(r.objectOrder))
	for _, name := range r.objectOrder {
		out = append(out, r.objectTypes[name])
	}
	return out
}

// LinkTypes returns every link type in registration order.
func (r *Registry) LinkTypes() []*LinkType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LinkType, 0, len(r.linkOrder))
	for _, name := range r.linkOrder {
		out = append(out, r.linkTypes[name])
	}
	return out
}

// LinkTypesFor returns the link types that have objectType as source or target.
func (r *Registry) LinkTypesFor(objectType string) []*LinkType {
	var out []*LinkType
	for _, l := range r.LinkTypes() {
		if l.Source == objectType || l.Target == objectType {
			out = append(out, l)
		}
	}
	return out
}

// Document is the serialisable form of a registry.
type Document struct {
	ObjectTypes []ObjectType `yaml:"object_types" json:"object_types"`
	LinkTypes   []LinkType   `yaml:"link_types,omitempty" json:"link_types,omitempty"`
}

// ParseYAML decodes a schema document.
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding schema document: %v", ErrSchema, err)
	}
	return &doc, nil
}

// Load registers every type in doc, object types first.
func (r *Registry) Load(doc *Document) error {
	for _, t := range doc.ObjectTypes {
		if err := r.RegisterObjectType(t); err != nil {
			return err
		}
	}
	for _, l := range doc.LinkTypes {
		if err := r.RegisterLinkType(l); err != nil {
			return err
		}
	}
	return nil
}

// Export returns a snapshot of the registered types.
func (r *Registry) Export() Document {
	var doc Document
	for _, t := range r.ObjectTypes() {
		doc.ObjectTypes = append(doc.ObjectTypes, *t.clone())
	}
	for _, l := range r.LinkTypes() {
		doc.LinkTypes = append(doc.LinkTypes, *l.clone())
	}
	return doc
}

// ExportYAML renders Export as YAML.
func (r *Registry) ExportYAML() ([]byte, error) {
	return yaml.Marshal(r.Export())
}
