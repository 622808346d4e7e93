// Package identity holds the nickname -> account cache for the IRC side and the
// confirmed pairings between IRC accounts and Steam users.
//
// A nickname on IRC is not an identity: the same nick is reused by different
// accounts over time. The cache therefore lives only until the nick joins or
// parts the room, and every pairing is keyed by the authenticated account, never
// by the nick.
package identity

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Account is an authenticated IRC account name. The empty Account means the
// nickname is not authenticated.
type Account string

// UserID is a Steam user id.
type UserID uint64

// Pairing is a confirmed Account <-> UserID association.
type Pairing struct {
	Account Account `json:"account"`
	UserID  UserID  `json:"user_id"`
}

// Stats is a point-in-time view of the store sizes.
type Stats struct {
	CachedNicks int `json:"cached_nicks"`
	Pairings    int `json:"pairings"`
}

// Store owns the identity cache and both pairing directions.
type Store struct {
	// Strict turns invariant violations into panics instead of logged no-ops.
	Strict bool

	mu        sync.RWMutex
	cache     map[string]Account
	toUser    map[Account]UserID
	toAccount map[UserID]Account
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		cache:     make(map[string]Account),
		toUser:    make(map[Account]UserID),
		toAccount: make(map[UserID]Account),
	}
}

// LookupCachedIdentity returns the cached account for nick.
func (s *Store) LookupCachedIdentity(nick string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.cache[nick]
	return a, ok
}

// CacheIdentity records the account nick is authenticated as.
func (s *Store) CacheIdentity(nick string, account Account) {
	if nick == "" || account == "" {
		s.violation("cache identity with empty nick or account", slog.String("nick", nick), slog.String("account", string(account)))
		return
	}
	s.mu.Lock()
	s.cache[nick] = account
	s.mu.Unlock()
}

// Invalidate drops the cached account for nick.
func (s *Store) Invalidate(nick string) {
	s.mu.Lock()
	delete(s.cache, nick)
	s.mu.Unlock()
}

// PairedAccount returns the account paired with user.
func (s *Store) PairedAccount(user UserID) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.toAccount[user]
	return a, ok
}

// PairedUser returns the Steam user paired with account.
func (s *Store) PairedUser(account Account) (UserID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.toUser[account]
	return u, ok
}

// CommitPairing installs account <-> user, dropping whatever either side was
// paired with before.
func (s *Store) CommitPairing(account Account, user UserID) {
	if account == "" || user == 0 {
		s.violation("commit pairing with empty key", slog.String("account", string(account)), slog.Uint64("user_id", uint64(user)))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(account, user)
}

func (s *Store) commitLocked(account Account, user UserID) {
	if old, ok := s.toUser[account]; ok {
		delete(s.toAccount, old)
	}
	if old, ok := s.toAccount[user]; ok {
		delete(s.toUser, old)
	}
	s.toUser[account] = user
	s.toAccount[user] = account
}

// Unlink removes the pairing for account. It reports whether one existed.
func (s *Store) Unlink(account Account) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.toUser[account]
	if !ok {
		return false
	}
	delete(s.toUser, account)
	delete(s.toAccount, user)
	return true
}

// Pairings returns all pairings sorted by account.
func (s *Store) Pairings() []Pairing {
	s.mu.RLock()
	out := make([]Pairing, 0, len(s.toUser))
	for a, u := range s.toUser {
		out = append(out, Pairing{Account: a, UserID: u})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Restore commits every pairing in order; later entries win on conflicts.
func (s *Store) Restore(pairings []Pairing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairings {
		if p.Account == "" || p.UserID == 0 {
			slog.Warn("skipping invalid stored pairing", slog.String("account", string(p.Account)), slog.Uint64("user_id", uint64(p.UserID)))
			continue
		}
		s.commitLocked(p.Account, p.UserID)
	}
}

// Stats returns current table sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{CachedNicks: len(s.cache), Pairings: len(s.toUser)}
}

func (s *Store) violation(msg string, attrs ...any) {
	if s.Strict {
		panic(fmt.Sprintf("identity: %s", msg))
	}
	slog.Error("identity invariant violated: "+msg, append(attrs, slog.String("component", "identity"))...)
}
