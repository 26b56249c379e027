// Package auth tests for permission checks and tokens.
package auth

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestTokenStore(t *testing.T) *TokenStore {
	t.Helper()
	return NewTokenStore(TokenConfig{BcryptCost: bcrypt.MinCost})
}

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{"VIEW", PermView, false},
		{"edit", PermEdit, false},
		{" Delete ", PermDelete, false},
		{"owner", PermOwner, false},
		{"read", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePermission(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePermission(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePermission(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestACLCheck(t *testing.T) {
	acl := NewACL()
	if acl.Check("alice", "Order", PermView) {
		t.Fatal("empty ACL should deny")
	}

	if err := acl.Grant("Order", "alice", PermView); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if !acl.Check("alice", "Order", PermView) {
		t.Error("alice should view orders")
	}
	if acl.Check("alice", "Order", PermEdit) {
		t.Error("alice should not edit orders")
	}
	if acl.Check("alice", "Merchant", PermView) {
		t.Error("grants are per resource type")
	}
	if acl.Check("bob", "Order", PermView) {
		t.Error("grants are per principal")
	}

	t.Run("owner implies all", func(t *testing.T) {
		_ = acl.Grant("Order", "root", PermOwner)
		for _, p := range []Permission{PermView, PermEdit, PermDelete, PermOwner} {
			if !acl.Check("root", "Order", p) {
				t.Errorf("owner should hold %s", p)
			}
		}
	})

	t.Run("roles", func(t *testing.T) {
		if err := acl.GrantRole("Order", "ed", RoleEditor); err != nil {
			t.Fatalf("GrantRole() error = %v", err)
		}
		if !acl.Check("ed", "Order", PermDelete) || acl.Check("ed", "Order", PermOwner) {
			t.Errorf("editor permissions = %v", acl.Permissions("Order", "ed"))
		}
		if err := acl.GrantRole("Order", "ed", Role("superuser")); err == nil {
			t.Error("unknown role should fail")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		_ = acl.Grant("Merchant", Wildcard, PermView)
		if !acl.Check("anyone", "Merchant", PermView) {
			t.Error("wildcard grant should match any principal")
		}
		if acl.Check("", "Order", PermView) {
			t.Error("empty principal should only match wildcard grants")
		}
	})

	t.Run("revoke", func(t *testing.T) {
		acl.Revoke("Order", "ed", PermDelete)
		if acl.Check("ed", "Order", PermDelete) {
			t.Error("revoked permission still granted")
		}
		acl.Revoke("Order", "ed")
		if len(acl.Permissions("Order", "ed")) != 0 {
			t.Error("revoke without permissions should drop every grant")
		}
	})

	t.Run("invalid grants", func(t *testing.T) {
		if err := acl.Grant("Order", "", PermView); !errors.Is(err, ErrNoPrincipal) {
			t.Errorf("Grant() error = %v, want ErrNoPrincipal", err)
		}
		if err := acl.Grant("Order", "x", Permission("FLY")); !errors.Is(err, ErrUnknownPermission) {
			t.Errorf("Grant() error = %v, want ErrUnknownPermission", err)
		}
	})
}

func TestCheckerFunc(t *testing.T) {
	var c Checker = CheckerFunc(func(p, r string, perm Permission) bool {
		return p == "svc" && perm == PermView
	})
	if !c.Check("svc", "Order", PermView) || c.Check("svc", "Order", PermEdit) {
		t.Error("CheckerFunc should delegate")
	}
	if !AllowAll.Check("", "", PermOwner) {
		t.Error("AllowAll should allow")
	}
}

func TestTokenStore(t *testing.T) {
	s := newTestTokenStore(t)

	var events []TokenEvent
	s.SetAuditLogger(func(e TokenEvent) { events = append(events, e) })

	tok, err := s.Issue("alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !strings.Contains(tok, ".") {
		t.Fatalf("token %q has no id separator", tok)
	}

	got, err := s.Resolve(tok)
	if err != nil || got != "alice" {
		t.Fatalf("Resolve() = %q, %v", got, err)
	}

	id, _, _ := strings.Cut(tok, ".")
	for _, bad := range []string{"", "nodot", id + ".wrong", "unknown.secret"} {
		if _, err := s.Resolve(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Resolve(%q) error = %v, want ErrInvalidToken", bad, err)
		}
	}

	s.Revoke(tok)
	if _, err := s.Resolve(tok); !errors.Is(err, ErrInvalidToken) {
		t.Error("revoked token should not resolve")
	}

	if len(events) == 0 || events[0].EventType != "token_issue" || !events[0].Success {
		t.Errorf("unexpected audit events: %+v", events)
	}

	if _, err := s.Issue(""); !errors.Is(err, ErrNoPrincipal) {
		t.Errorf("Issue(\"\") error = %v", err)
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	s := NewTokenStore(TokenConfig{BcryptCost: bcrypt.MinCost, Expiry: time.Hour})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	tok, err := s.Issue("bob")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	now = now.Add(30 * time.Minute)
	if _, err := s.Resolve(tok); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
	now = now.Add(time.Hour)
	if _, err := s.Resolve(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token resolved, err = %v", err)
	}
}

func TestTokenStoreReconfigureWhileResolving(t *testing.T) {
	s := newTestTokenStore(t)
	tok, err := s.Issue("alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var resolved, stamped atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := s.Resolve(tok); err != nil {
					t.Errorf("Resolve() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			s.SetClock(func() time.Time { return fixed })
			s.SetAuditLogger(func(e TokenEvent) {
				resolved.Add(1)
				if e.Timestamp.Equal(fixed) {
					stamped.Add(1)
				}
			})
		}
	}()
	wg.Wait()

	if resolved.Load() != stamped.Load() {
		t.Errorf("%d of %d events carry a timestamp from another clock", resolved.Load()-stamped.Load(), resolved.Load())
	}
	if _, err := s.Resolve(tok); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Load() == 0 {
		t.Error("audit logger set after reconfiguration received no events")
	}
}

func TestRevokePrincipal(t *testing.T) {
	s := newTestTokenStore(t)
	a1, _ := s.Issue("alice")
	_, _ = s.Issue("alice")
	b, _ := s.Issue("bob")

	if n := s.RevokePrincipal("alice"); n != 2 {
		t.Errorf("RevokePrincipal() = %d, want 2", n)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}
	if _, err := s.Resolve(a1); err == nil {
		t.Error("alice's token should be revoked")
	}
	if p, err := s.Resolve(b); err != nil || p != "bob" {
		t.Errorf("Resolve(bob) = %q, %v", p, err)
	}
}
