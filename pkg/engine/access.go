package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/auth"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
)

// CallOption carries per-call context: the principal and the context.
type CallOption func(*callOptions)

type callOptions struct {
	ctx       context.Context
	principal string
	token     string

	// internal calls come from registered functions and skip checks.
	internal bool
}

// As runs the call on behalf of principal.
func As(principal string) CallOption {
	return func(o *callOptions) { o.principal = principal }
}

// WithToken runs the call on behalf of the principal owning token.
func WithToken(token string) CallOption {
	return func(o *callOptions) { o.token = token }
}

// WithContext sets the context handed to the cache tiers.
func WithContext(ctx context.Context) CallOption {
	return func(o *callOptions) { o.ctx = ctx }
}

// resolveCall applies opts and turns a token into its principal.
func (e *Engine) resolveCall(opts []CallOption) (callOptions, error) {
	o := callOptions{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.token != "" {
		if e.opts.Tokens == nil {
			return o, fmt.Errorf("%w: tokens are not configured", schema.ErrPermissionDenied)
		}
		p, err := e.opts.Tokens.Resolve(o.token)
		if err != nil {
			return o, fmt.Errorf("%w: %v", schema.ErrPermissionDenied, err)
		}
		o.principal = p
	}
	return o, nil
}

// authorizeRead checks VIEW on an access-controlled type. Reads are always
// checked; an anonymous caller passes only through wildcard grants.
func (e *Engine) authorizeRead(t *schema.ObjectType, o callOptions) error {
	if o.internal || !t.AccessControlled || e.opts.Checker == nil {
		return nil
	}
	return e.authorize(t.APIName, o.principal, auth.PermView)
}

// authorizeWrite checks perm on an access-controlled type when the caller
// named a principal. Anonymous mutations are left to the caller.
func (e *Engine) authorizeWrite(t *schema.ObjectType, o callOptions, perm auth.Permission) error {
	if o.internal || !t.AccessControlled || e.opts.Checker == nil || o.principal == "" {
		return nil
	}
	return e.authorize(t.APIName, o.principal, perm)
}

func (e *Engine) authorize(objectType, principal string, perm auth.Permission) error {
	if e.opts.Checker.Check(principal, objectType, perm) {
		return nil
	}
	e.log.WithFields(logrus.Fields{
		"object_type": objectType,
		"principal":   principal,
		"permission":  perm,
	}).Debug("Permission denied")
	return fmt.Errorf("%w: %q lacks %s on %s", schema.ErrPermissionDenied, principal, perm, objectType)
}
