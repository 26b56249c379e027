// Package function holds the named functions that back derived properties
// and the validation and scoring hooks of link types.
//
// Every function declares its arguments up front. The declaration is checked
// when the function is registered, and again when a link type or derived
// property is bound to it, so a call never has to discover its arguments by
// inspecting values.
//
// Example:
//
//	funcs := function.NewRegistry()
//	_ = funcs.Register(function.Definition{
//		Name: "merchant_matches",
//		Args: []function.Arg{
//			{Name: "order", ObjectType: "Order"},
//			{Name: "merchant", ObjectType: "Merchant"},
//		},
//		Fn: func(env function.Env, args function.Args) (any, error) {
//			o, m := args.Object("order"), args.Object("merchant")
//			return o.Properties["merchant_id"] == m.Properties["merchant_id"], nil
//		},
//	})
package function

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// Env gives functions read access to the objects of the engine that calls
// them.
type Env interface {
	GetObject(objectType string, key storage.PK) (*storage.Object, error)
	ObjectsOfType(objectType string) ([]*storage.Object, error)
	Neighbors(linkType string, from *storage.Object) ([]*storage.Object, error)
}

// Func is the body of a registered function.
type Func func(env Env, args Args) (any, error)

// Arg declares one argument. Exactly one of Type and ObjectType is set:
// Type for primitive values, ObjectType for objects of that type.
type Arg struct {
	Name       string
	Type       schema.PrimitiveType
	ObjectType string
	Optional   bool
	Default    any
}

// IsObject reports whether the argument takes an object.
func (a Arg) IsObject() bool { return a.ObjectType != "" }

// Definition is a function together with its argument table.
type Definition struct {
	Name        string
	Description string
	Args        []Arg
	Returns     schema.PrimitiveType // optional; results are coerced to it
	Fn          Func
}

// Arg returns the declared argument called name.
func (d *Definition) Arg(name string) (Arg, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return Arg{}, false
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: function without a name", schema.ErrSchema)
	}
	if d.Fn == nil {
		return fmt.Errorf("%w: function %s has no body", schema.ErrSchema, d.Name)
	}
	if d.Returns != "" && !d.Returns.Valid() {
		return fmt.Errorf("%w: function %s returns unknown type %q", schema.ErrSchema, d.Name, d.Returns)
	}
	seen := make(map[string]struct{}, len(d.Args))
	for _, a := range d.Args {
		if a.Name == "" {
			return fmt.Errorf("%w: function %s has an argument without a name", schema.ErrSchema, d.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: function %s declares argument %s twice", schema.ErrSchema, d.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		switch {
		case a.IsObject() && a.Type != "":
			return fmt.Errorf("%w: argument %s.%s has both a primitive and an object type", schema.ErrSchema, d.Name, a.Name)
		case !a.IsObject() && !a.Type.Valid():
			return fmt.Errorf("%w: argument %s.%s has unknown type %q", schema.ErrSchema, d.Name, a.Name, a.Type)
		}
		if a.Default != nil {
			if a.IsObject() {
				return fmt.Errorf("%w: object argument %s.%s cannot have a default", schema.ErrSchema, d.Name, a.Name)
			}
			if _, err := a.Type.Coerce(a.Default); err != nil {
				return fmt.Errorf("%w: default of %s.%s: %v", schema.ErrSchema, d.Name, a.Name, err)
			}
		}
	}
	return nil
}

// Args are the bound arguments of one call.
type Args map[string]any

// Object returns an object argument, or nil.
func (a Args) Object(name string) *storage.Object {
	o, _ := a[name].(*storage.Object)
	return o
}

func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a Args) Float(name string) float64 {
	f, _ := convert.ToFloat64(a[name])
	return f
}

func (a Args) Int(name string) int64 {
	i, _ := convert.ToInt64(a[name])
	return i
}

func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Registry is the function table of one engine.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*Definition
	log   *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]*Definition),
		log:   logrus.WithField("component", "FunctionRegistry"),
	}
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(log *logrus.Entry) {
	r.log = log.WithField("component", "FunctionRegistry")
}

// Register validates and adds def. Names are unique.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	def.Args = append([]Arg(nil), def.Args...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[def.Name]; exists {
		return fmt.Errorf("%w: function %s already registered", schema.ErrSchema, def.Name)
	}
	r.funcs[def.Name] = &def
	r.log.WithFields(logrus.Fields{"function": def.Name, "args": len(def.Args)}).Info("Registered function")
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.funcs[name]
	return d, ok
}

// Names lists the registered functions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the function registered under name.
func (r *Registry) Invoke(env Env, name string, args Args) (any, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: function %s", schema.ErrNotFound, name)
	}
	return Call(env, def, args)
}

// Call checks args against the declaration of def and runs it. Missing
// required arguments and unknown arguments fail with ErrValidation; values of
// the wrong type fail with ErrTypeMismatch.
func Call(env Env, def *Definition, args Args) (any, error) {
	bound, err := bindArgs(def, args)
	if err != nil {
		return nil, err
	}
	out, err := def.Fn(env, bound)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", def.Name, err)
	}
	if def.Returns != "" && out != nil {
		if out, err = def.Returns.Coerce(out); err != nil {
			return nil, fmt.Errorf("function %s result: %w", def.Name, err)
		}
	}
	return out, nil
}

func bindArgs(def *Definition, args Args) (Args, error) {
	for name := range args {
		if _, ok := def.Arg(name); !ok {
			return nil, fmt.Errorf("%w: function %s has no argument %s", schema.ErrValidation, def.Name, name)
		}
	}
	bound := make(Args, len(def.Args))
	for _, a := range def.Args {
		v, present := args[a.Name]
		if !present || v == nil {
			if a.Default != nil {
				v, _ = a.Type.Coerce(a.Default)
				bound[a.Name] = v
				continue
			}
			if !a.Optional {
				return nil, fmt.Errorf("%w: function %s requires argument %s", schema.ErrValidation, def.Name, a.Name)
			}
			continue
		}
		if a.IsObject() {
			obj, ok := v.(*storage.Object)
			if !ok || obj == nil {
				return nil, fmt.Errorf("%w: argument %s.%s wants a %s object, got %T",
					schema.ErrTypeMismatch, def.Name, a.Name, a.ObjectType, v)
			}
			if obj.Type != a.ObjectType {
				return nil, fmt.Errorf("%w: argument %s.%s wants a %s object, got %s",
					schema.ErrTypeMismatch, def.Name, a.Name, a.ObjectType, obj.Type)
			}
			bound[a.Name] = obj
			continue
		}
		cv, err := a.Type.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %s.%s: %v", schema.ErrTypeMismatch, def.Name, a.Name, err)
		}
		bound[a.Name] = cv
	}
	return bound, nil
}
