package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// TokenConfig configures a TokenStore.
type TokenConfig struct {
	BcryptCost int
	Expiry     time.Duration // 0 = never expire
}

// DefaultTokenConfig returns bcrypt.DefaultCost and tokens that never expire.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{BcryptCost: bcrypt.DefaultCost}
}

// TokenEvent is reported to the audit callback for every issue, resolve and
// revoke.
type TokenEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"` // token_issue, token_resolve, token_revoke
	Principal string    `json:"principal,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

type tokenRecord struct {
	principal string
	hash      []byte
	issuedAt  time.Time
	expiresAt time.Time
}

// TokenStore issues API tokens of the form "<id>.<secret>". Only the bcrypt
// hash of the secret is kept; the id selects the record so resolution costs
// one bcrypt comparison.
type TokenStore struct {
	mu      sync.RWMutex
	config  TokenConfig
	records map[string]*tokenRecord
	now     func() time.Time
	audit   func(TokenEvent)
	log     *logrus.Entry
}

// NewTokenStore creates an empty store.
func NewTokenStore(config TokenConfig) *TokenStore {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &TokenStore{
		config:  config,
		records: make(map[string]*tokenRecord),
		now:     time.Now,
		log:     logrus.WithField("component", "TokenStore"),
	}
}

// SetAuditLogger registers a callback receiving every token event.
func (s *TokenStore) SetAuditLogger(fn func(TokenEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = fn
}

// SetClock replaces the time source.
func (s *TokenStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// logAudit reports e to the audit callback. Caller must hold the lock.
func (s *TokenStore) logAudit(e TokenEvent) {
	emitAudit(s.audit, s.now(), e)
}

func emitAudit(audit func(TokenEvent), at time.Time, e TokenEvent) {
	if audit != nil {
		e.Timestamp = at
		audit(e)
	}
}

// Issue creates a token for principal. The plain token is returned once and
// cannot be recovered later.
func (s *TokenStore) Issue(principal string) (string, error) {
	if principal == "" {
		return "", ErrNoPrincipal
	}
	id := generateID(9)
	secret := generateID(24)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.config.BcryptCost)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &tokenRecord{principal: principal, hash: hash, issuedAt: s.now()}
	if s.config.Expiry > 0 {
		rec.expiresAt = rec.issuedAt.Add(s.config.Expiry)
	}
	s.records[id] = rec
	s.logAudit(TokenEvent{EventType: "token_issue", Principal: principal, TokenID: id, Success: true})
	s.log.WithFields(logrus.Fields{"principal": principal, "token_id": id}).Debug("Issued token")
	return id + "." + secret, nil
}

// Resolve returns the principal owning token.
func (s *TokenStore) Resolve(token string) (string, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidToken
	}

	// bcrypt runs outside the lock, so everything it needs is read here
	s.mu.RLock()
	rec, found := s.records[id]
	now := s.now()
	audit := s.audit
	s.mu.RUnlock()

	if !found {
		emitAudit(audit, now, TokenEvent{EventType: "token_resolve", TokenID: id, Details: "unknown token"})
		return "", ErrInvalidToken
	}
	if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
		emitAudit(audit, now, TokenEvent{EventType: "token_resolve", Principal: rec.principal, TokenID: id, Details: "expired"})
		return "", ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(secret)); err != nil {
		emitAudit(audit, now, TokenEvent{EventType: "token_resolve", Principal: rec.principal, TokenID: id, Details: "secret mismatch"})
		return "", ErrInvalidToken
	}
	emitAudit(audit, now, TokenEvent{EventType: "token_resolve", Principal: rec.principal, TokenID: id, Success: true})
	return rec.principal, nil
}

// Revoke invalidates token. Revoking an unknown token is not an error.
func (s *TokenStore) Revoke(token string) {
	id, _, _ := strings.Cut(token, ".")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	delete(s.records, id)
	s.logAudit(TokenEvent{EventType: "token_revoke", Principal: rec.principal, TokenID: id, Success: true})
}

// RevokePrincipal invalidates every token of principal and returns how many
// were removed.
func (s *TokenStore) RevokePrincipal(principal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.principal == principal {
			delete(s.records, id)
			n++
		}
	}
	if n > 0 {
		s.logAudit(TokenEvent{EventType: "token_revoke", Principal: principal, Success: true})
	}
	return n
}

// Count returns the number of live records, expired ones included.
func (s *TokenStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func generateID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
