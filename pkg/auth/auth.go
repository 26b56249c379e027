// Package auth provides the permission checks consulted by the engine before
// it exposes or mutates objects of an access-controlled type.
//
// The engine only owns the call site; policy lives behind the Checker
// interface. ACL is the in-process implementation: grants are recorded per
// (resource type, principal) and OWNER implies every other permission.
// TokenStore issues opaque API tokens for principals and keeps only their
// bcrypt hashes, so a caller can present a token instead of a principal name.
//
// Example Usage:
//
//	acl := auth.NewACL()
//	acl.Grant("Order", "alice", auth.PermView)
//	acl.GrantRole("Order", "bob", auth.RoleEditor)
//
//	tokens := auth.NewTokenStore(auth.DefaultTokenConfig())
//	tok, _ := tokens.Issue("alice")
//	principal, err := tokens.Resolve(tok)
//	if err == nil && acl.Check(principal, "Order", auth.PermView) {
//		fmt.Println("alice may read orders")
//	}
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Errors for token and grant operations.
var (
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrNoPrincipal       = errors.New("principal is required")
	ErrUnknownPermission = errors.New("unknown permission")
)

// Permission is an action on objects of one type.
type Permission string

const (
	PermView   Permission = "VIEW"
	PermEdit   Permission = "EDIT"
	PermDelete Permission = "DELETE"
	PermOwner  Permission = "OWNER" // implies all others
)

// Implies reports whether holding p grants want.
func (p Permission) Implies(want Permission) bool {
	return p == want || p == PermOwner
}

// ParsePermission accepts permission names in any case.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PermView, PermEdit, PermDelete, PermOwner:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
}

// Role is a named bundle of permissions.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// RolePermissions maps roles to the permissions they grant.
var RolePermissions = map[Role][]Permission{
	RoleViewer: {PermView},
	RoleEditor: {PermView, PermEdit, PermDelete},
	RoleAdmin:  {PermOwner},
}

// Checker decides whether principal may perform perm on resourceType.
type Checker interface {
	Check(principal, resourceType string, perm Permission) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(principal, resourceType string, perm Permission) bool

func (f CheckerFunc) Check(principal, resourceType string, perm Permission) bool {
	return f(principal, resourceType, perm)
}

// AllowAll grants everything.
var AllowAll Checker = CheckerFunc(func(string, string, Permission) bool { return true })

// Wildcard matches any principal in a grant.
const Wildcard = "*"

// ACL is an in-memory Checker keyed by resource type and principal.
type ACL struct {
	mu     sync.RWMutex
	grants map[string]map[string]map[Permission]struct{}
}

// NewACL creates an empty ACL. An empty ACL denies everything.
func NewACL() *ACL {
	return &ACL{grants: make(map[string]map[string]map[Permission]struct{})}
}

// Grant gives principal the listed permissions on resourceType. Use
// Wildcard as principal to grant to everyone.
func (a *ACL) Grant(resourceType, principal string, perms ...Permission) error {
	if principal == "" {
		return ErrNoPrincipal
	}
	for _, p := range perms {
		if _, err := ParsePermission(string(p)); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	byPrincipal, ok := a.grants[resourceType]
	if !ok {
		byPrincipal = make(map[string]map[Permission]struct{})
		a.grants[resourceType] = byPrincipal
	}
	set, ok := byPrincipal[principal]
	if !ok {
		set = make(map[Permission]struct{})
		byPrincipal[principal] = set
	}
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return nil
}

// GrantRole grants every permission of role.
func (a *ACL) GrantRole(resourceType, principal string, role Role) error {
	perms, ok := RolePermissions[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	return a.Grant(resourceType, principal, perms...)
}

// Revoke removes the listed permissions; with none listed it removes all of
// the principal's grants on resourceType.
func (a *ACL) Revoke(resourceType, principal string, perms ...Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byPrincipal := a.grants[resourceType]
	if byPrincipal == nil {
		return
	}
	if len(perms) == 0 {
		delete(byPrincipal, principal)
		return
	}
	for _, p := range perms {
		delete(byPrincipal[principal], p)
	}
}

// Check implements Checker.
func (a *ACL) Check(principal, resourceType string, perm Permission) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byPrincipal := a.grants[resourceType]
	for _, who := range [2]string{principal, Wildcard} {
		if who == "" {
			continue
		}
		for held := range byPrincipal[who] {
			if held.Implies(perm) {
				return true
			}
		}
	}
	return false
}

// Permissions lists the permissions held directly by principal on
// resourceType, sorted.
func (a *ACL) Permissions(resourceType, principal string) []Permission {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Permission, 0, len(a.grants[resourceType][principal]))
	for p := range a.grants[resourceType][principal] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
