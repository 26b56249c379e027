package function

import (
	"fmt"

	"github.com/tiw/ontology-fk-sub000/pkg/convert"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// Argument names that bind link endpoints regardless of declared type.
var (
	sourceNames = map[string]bool{"source": true, "source_object": true}
	targetNames = map[string]bool{"target": true, "target_object": true}
)

// linkTypeArg receives the name of the link type being followed.
const linkTypeArg = "link_type"

// LinkHook is a function bound to the endpoints of one link type.
type LinkHook struct {
	Def      *Definition
	LinkType string

	sourceArg string
	targetArg string
	typeArg   string
}

// BindLinkHook decides which arguments of def receive the source object, the
// target object and the link type name when it runs as a hook of lt.
//
// Arguments named source or source_object take the source and target or
// target_object take the target. Otherwise an object argument declared with
// the source type takes the source, and then one declared with the target
// type takes the target. A primitive argument named link_type takes the link
// type name. Any other required argument fails the binding with
// ErrValidation.
func BindLinkHook(def *Definition, lt *schema.LinkType) (*LinkHook, error) {
	h := &LinkHook{Def: def, LinkType: lt.APIName}
	claimed := make(map[string]bool)

	bindNamed := func(names map[string]bool, objectType string, dst *string) error {
		for _, a := range def.Args {
			if !names[a.Name] || claimed[a.Name] {
				continue
			}
			if a.IsObject() && a.ObjectType != objectType {
				return fmt.Errorf("%w: %s.%s wants %s but %s carries %s",
					schema.ErrValidation, def.Name, a.Name, a.ObjectType, lt.APIName, objectType)
			}
			if !a.IsObject() {
				return fmt.Errorf("%w: %s.%s must take an object to bind a link endpoint",
					schema.ErrValidation, def.Name, a.Name)
			}
			*dst = a.Name
			claimed[a.Name] = true
			return nil
		}
		return nil
	}
	if err := bindNamed(sourceNames, lt.Source, &h.sourceArg); err != nil {
		return nil, err
	}
	if err := bindNamed(targetNames, lt.Target, &h.targetArg); err != nil {
		return nil, err
	}

	bindTyped := func(objectType string, dst *string) {
		if *dst != "" {
			return
		}
		for _, a := range def.Args {
			if claimed[a.Name] || !a.IsObject() || a.ObjectType != objectType {
				continue
			}
			if sourceNames[a.Name] || targetNames[a.Name] {
				continue
			}
			*dst = a.Name
			claimed[a.Name] = true
			return
		}
	}
	bindTyped(lt.Source, &h.sourceArg)
	bindTyped(lt.Target, &h.targetArg)

	if a, ok := def.Arg(linkTypeArg); ok && !a.IsObject() && !claimed[a.Name] {
		h.typeArg = a.Name
		claimed[a.Name] = true
	}

	for _, a := range def.Args {
		if !claimed[a.Name] && !a.Optional && a.Default == nil {
			return nil, fmt.Errorf("%w: argument %s.%s cannot be bound for link type %s",
				schema.ErrValidation, def.Name, a.Name, lt.APIName)
		}
	}
	return h, nil
}

func (h *LinkHook) args(src, tgt *storage.Object) Args {
	args := make(Args, 3)
	if h.sourceArg != "" {
		args[h.sourceArg] = src
	}
	if h.targetArg != "" {
		args[h.targetArg] = tgt
	}
	if h.typeArg != "" {
		args[h.typeArg] = h.LinkType
	}
	return args
}

// Validate runs the hook as an edge predicate. The result must be a bool or
// a map with a bool "valid" entry.
func (h *LinkHook) Validate(env Env, src, tgt *storage.Object) (bool, error) {
	out, err := Call(env, h.Def, h.args(src, tgt))
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case map[string]any:
		if ok, isBool := v["valid"].(bool); isBool {
			return ok, nil
		}
	}
	return false, fmt.Errorf("%w: validation %s returned %T", schema.ErrValidation, h.Def.Name, out)
}

// Score runs the hook as a scoring function.
func (h *LinkHook) Score(env Env, src, tgt *storage.Object) (float64, error) {
	out, err := Call(env, h.Def, h.args(src, tgt))
	if err != nil {
		return 0, err
	}
	f, ok := convert.ToFloat64(out)
	if !ok {
		return 0, fmt.Errorf("%w: scoring %s returned %T", schema.ErrValidation, h.Def.Name, out)
	}
	return f, nil
}
