// Package schema defines the object and link types of an ontology and the
// registry that holds them.
//
// Types are registered once during setup and are read-only afterwards. A
// registered ObjectType names its primary key, an ordered list of stored
// properties and the derived properties computed by registered functions. A
// LinkType connects a source object type to a target object type and may name
// validation and scoring functions that run during traversal.
//
// Example:
//
//	reg := schema.NewRegistry()
//	_ = reg.RegisterObjectType(schema.ObjectType{
//		APIName:    "Order",
//		PrimaryKey: "order_id",
//		Properties: []schema.Property{
//			{Name: "order_id", Type: schema.TypeString},
//			{Name: "merchant_id", Type: schema.TypeString},
//			{Name: "amount", Type: schema.TypeDouble},
//		},
//	})
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
)

// PrimitiveType is the storage type of a property.
type PrimitiveType string

const (
	TypeString    PrimitiveType = "string"
	TypeInteger   PrimitiveType = "integer"
	TypeDouble    PrimitiveType = "double"
	TypeBoolean   PrimitiveType = "boolean"
	TypeDate      PrimitiveType = "date"
	TypeTimestamp PrimitiveType = "timestamp"
)

// Valid reports whether p is a known primitive type.
func (p PrimitiveType) Valid() bool {
	switch p {
	case TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeDate, TypeTimestamp:
		return true
	}
	return false
}

// Coerce converts v to the canonical Go representation of p:
// string, int64, float64, bool or time.Time (UTC). Dates are truncated to the
// day. A nil value is returned unchanged.
func (p PrimitiveType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch p {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInteger:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			i, _ := convert.ToInt64(v)
			return i, nil
		case float32, float64:
			f, _ := convert.ToFloat64(v)
			if f == float64(int64(f)) {
				return int64(f), nil
			}
		}
	case TypeDouble:
		switch v.(type) {
		case string, bool:
		default:
			if f, ok := convert.ToFloat64(v); ok {
				return f, nil
			}
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate, TypeTimestamp:
		t, ok := convert.ToTime(v)
		if !ok {
			break
		}
		t = t.UTC()
		if p == TypeDate {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown primitive type %q", ErrSchema, p)
	}
	return nil, fmt.Errorf("%w: %v (%T) is not a valid %s", ErrValidation, v, v, p)
}

// Property is a stored property of an object type.
type Property struct {
	Name        string        `yaml:"name" json:"name"`
	Type        PrimitiveType `yaml:"type" json:"type"`
	Required    bool          `yaml:"required,omitempty" json:"required,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// DerivedProperty is computed on read by the named backing function.
type DerivedProperty struct {
	Name        string        `yaml:"name" json:"name"`
	Type        PrimitiveType `yaml:"type" json:"type"`
	Function    string        `yaml:"function" json:"function"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// ObjectType describes one kind of entity.
type ObjectType struct {
	APIName          string            `yaml:"api_name" json:"api_name"`
	DisplayName      string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description      string            `yaml:"description,omitempty" json:"description,omitempty"`
	PrimaryKey       string            `yaml:"primary_key" json:"primary_key"`
	Properties       []Property        `yaml:"properties" json:"properties"`
	Derived          []DerivedProperty `yaml:"derived_properties,omitempty" json:"derived_properties,omitempty"`
	AccessControlled bool              `yaml:"access_controlled,omitempty" json:"access_controlled,omitempty"`
}

// Property returns the stored property definition with the given name.
func (t *ObjectType) Property(name string) (Property, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// DerivedProperty returns the derived property definition with the given name.
func (t *ObjectType) DerivedProperty(name string) (DerivedProperty, bool) {
	for _, d := range t.Derived {
		if d.Name == name {
			return d, true
		}
	}
	return DerivedProperty{}, false
}

// PrimaryKeyType returns the primitive type of the primary key property.
func (t *ObjectType) PrimaryKeyType() PrimitiveType {
	p, _ := t.Property(t.PrimaryKey)
	return p.Type
}

// Validate checks the definition in isolation.
func (t *ObjectType) Validate() error {
	if strings.TrimSpace(t.APIName) == "" {
		return fmt.Errorf("%w: object type name is empty", ErrSchema)
	}
	seen := make(map[string]struct{}, len(t.Properties)+len(t.Derived))
	for _, p := range t.Properties {
		if p.Name == "" {
			return fmt.Errorf("%w: %s has a property without a name", ErrSchema, t.APIName)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: %s.%s has unknown type %q", ErrSchema, t.APIName, p.Name, p.Type)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: %s.%s declared twice", ErrSchema, t.APIName, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	for _, d := range t.Derived {
		if d.Name == "" || d.Function == "" {
			return fmt.Errorf("%w: %s has a derived property without name or function", ErrSchema, t.APIName)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: %s.%s declared twice", ErrSchema, t.APIName, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	if _, ok := t.Property(t.PrimaryKey); !ok {
		return fmt.Errorf("%w: primary key %q of %s is not one of its properties", ErrSchema, t.PrimaryKey, t.APIName)
	}
	return nil
}

func (t *ObjectType) clone() *ObjectType {
	c := *t
	c.Properties = append([]Property(nil), t.Properties...)
	c.Derived = append([]DerivedProperty(nil), t.Derived...)
	return &c
}

// Cardinality limits how many links of one type an object may take part in.
type Cardinality string

const (
	OneToOne   Cardinality = "ONE_TO_ONE"
	OneToMany  Cardinality = "ONE_TO_MANY"
	ManyToMany Cardinality = "MANY_TO_MANY"
)

// LinkType describes a directed edge between two object types.
type LinkType struct {
	APIName     string      `yaml:"api_name" json:"api_name"`
	DisplayName string      `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Source      string      `yaml:"source" json:"source"`
	Target      string      `yaml:"target" json:"target"`
	Cardinality Cardinality `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`

	// Validations name boolean functions over the two endpoints. An edge is
	// followed only if every one of them accepts it.
	Validations []string `yaml:"validations,omitempty" json:"validations,omitempty"`

	// Scoring names a numeric function over the two endpoints whose result is
	// attached to each reached object.
	Scoring string `yaml:"scoring,omitempty" json:"scoring,omitempty"`
}

// Direction is the orientation in which a link type is followed.
type Direction int

const (
	Forward Direction = iota // source to target
	Reverse                  // target to source
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// DirectionFrom infers the traversal direction when starting from objectType.
// It returns the direction and the object type on the far side.
func (l *LinkType) DirectionFrom(objectType string) (Direction, string, error) {
	switch objectType {
	case l.Source:
		return Forward, l.Target, nil
	case l.Target:
		return Reverse, l.Source, nil
	}
	return Forward, "", fmt.Errorf("%w: link type %s connects %s to %s, not %s",
		ErrTypeMismatch, l.APIName, l.Source, l.Target, objectType)
}

func (l *LinkType) clone() *LinkType {
	c := *l
	c.Validations = append([]string(nil), l.Validations...)
	if c.Cardinality == "" {
		c.Cardinality = ManyToMany
	}
	return &c
}
