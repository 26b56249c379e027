package function

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// SelfArg returns the argument of def that receives an instance of
// objectType: the first object argument declared with that type.
func SelfArg(def *Definition, objectType string) (Arg, error) {
	for _, a := range def.Args {
		if a.IsObject() && a.ObjectType == objectType {
			return a, nil
		}
	}
	return Arg{}, fmt.Errorf("%w: function %s takes no %s argument", schema.ErrResolution, def.Name, objectType)
}

// Resolver computes derived properties. It implements storage.Resolver.
// Results are not cached here.
type Resolver struct {
	types *schema.Registry
	funcs *Registry
	env   Env
	log   *logrus.Entry
}

// NewResolver creates a resolver that runs functions against env.
func NewResolver(types *schema.Registry, funcs *Registry, env Env) *Resolver {
	return &Resolver{
		types: types,
		funcs: funcs,
		env:   env,
		log:   logrus.WithField("component", "DerivedPropertyResolver"),
	}
}

// SetLogger replaces the resolver's logger.
func (r *Resolver) SetLogger(log *logrus.Entry) {
	r.log = log.WithField("component", "DerivedPropertyResolver")
}

// Resolve computes property of o by calling the function backing it, with o
// bound to the function's argument of o's type.
func (r *Resolver) Resolve(o *storage.Object, property string) (any, error) {
	t, err := r.types.MustObjectType(o.Type)
	if err != nil {
		return nil, err
	}
	derived, ok := t.DerivedProperty(property)
	if !ok {
		return nil, fmt.Errorf("%w: property %s.%s", schema.ErrNotFound, o.Type, property)
	}
	def, ok := r.funcs.Lookup(derived.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is backed by unregistered function %s",
			schema.ErrResolution, o.Type, property, derived.Function)
	}
	self, err := SelfArg(def, o.Type)
	if err != nil {
		return nil, fmt.Errorf("resolving %s.%s: %w", o.Type, property, err)
	}

	out, err := Call(r.env, def, Args{self.Name: o})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"object_type": o.Type,
			"key":         o.Key,
			"property":    property,
			"function":    def.Name,
		}).WithError(err).Debug("Derived property failed")
		return nil, err
	}
	if derived.Type != "" && out != nil {
		if out, err = derived.Type.Coerce(out); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", schema.ErrResolution, o.Type, property, err)
		}
	}
	return out, nil
}

// Check verifies that every derived property of t names a registered
// function with an argument of type t.
func (r *Resolver) Check(t *schema.ObjectType) error {
	for _, d := range t.Derived {
		def, ok := r.funcs.Lookup(d.Function)
		if !ok {
			return fmt.Errorf("%w: %s.%s is backed by unregistered function %s",
				schema.ErrResolution, t.APIName, d.Name, d.Function)
		}
		if _, err := SelfArg(def, t.APIName); err != nil {
			return fmt.Errorf("checking %s.%s: %w", t.APIName, d.Name, err)
		}
	}
	return nil
}
