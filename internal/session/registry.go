// Package session holds the in-process token registry that authenticates
// API requests. Tokens live only in memory; a restart logs everyone out.
package session

import (
	"sync"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/ident"
)

// DefaultTTL is how long a token stays valid after it was issued or last
// resolved.
const DefaultTTL = 3 * time.Hour

// binding is a snapshot of one token binding.
type binding struct {
	token     string
	accountID int64
	expiresAt time.Time
}

type entry struct {
	accountID int64
	expiresAt time.Time
}

// Registry maps opaque tokens to account ids and back. Each account holds
// at most one token; the two maps are always mutated together under mu.
type Registry struct {
	mu       sync.Mutex
	tokens   map[string]*entry
	accounts map[int64]string
	ttl      time.Duration
	clock    clock.Clock
	newToken func() (string, error)
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithTokenGenerator replaces the random token source.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(r *Registry) {
		r.newToken = fn
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tokens:   make(map[string]*entry),
		accounts: make(map[int64]string),
		ttl:      DefaultTTL,
		clock:    clock.Real(),
		newToken: ident.NewToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue returns the account's token, creating one if the account has no
// live session. An existing live token is reused and its expiry extended.
func (r *Registry) Issue(accountID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if token, ok := r.accounts[accountID]; ok {
		e := r.tokens[token]
		if e.expiresAt.After(now) {
			r.extend(e, now)
			return token, nil
		}
		delete(r.tokens, token)
		delete(r.accounts, accountID)
	}

	token, err := r.newToken()
	if err != nil {
		return "", err
	}
	r.tokens[token] = &entry{accountID: accountID, expiresAt: now.Add(r.ttl)}
	r.accounts[accountID] = token
	return token, nil
}

// Resolve returns the account bound to token and slides its expiry.
// Unknown and expired tokens report ok=false.
func (r *Registry) Resolve(token string) (accountID int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.tokens[token]
	if !found {
		return 0, false
	}
	now := r.clock.Now()
	if !e.expiresAt.After(now) {
		return 0, false
	}
	r.extend(e, now)
	return e.accountID, true
}

// Revoke removes the account's token. No-op if it has none.
func (r *Registry) Revoke(accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.accounts[accountID]
	if !ok {
		return
	}
	delete(r.accounts, accountID)
	delete(r.tokens, token)
}

// lookup returns the binding for an account without refreshing it.
// Expired bindings that have not been swept are still returned.
func (r *Registry) lookup(accountID int64) (binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.accounts[accountID]
	if !ok {
		return binding{}, false
	}
	e := r.tokens[token]
	return binding{token: token, accountID: accountID, expiresAt: e.expiresAt}, true
}

// Sweep evicts expired sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for token, e := range r.tokens {
		if e.expiresAt.After(now) {
			continue
		}
		delete(r.tokens, token)
		delete(r.accounts, e.accountID)
		removed++
	}
	return removed
}

// Len returns the number of stored sessions, including expired ones not
// yet swept.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Live returns the number of sessions that have not expired.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for _, e := range r.tokens {
		if e.expiresAt.After(now) {
			n++
		}
	}
	return n
}

// extend never moves expiry backwards, even if the clock does.
func (r *Registry) extend(e *entry, now time.Time) {
	if next := now.Add(r.ttl); next.After(e.expiresAt) {
		e.expiresAt = next
	}
}
