// Package verify issues and redeems the short one-time codes that prove an IRC
// account holder also controls a Steam account.
package verify

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/telemetry"
)

const (
	// CodeLength is the number of letters in a code.
	CodeLength = 4
	// DefaultTTL bounds how long an unredeemed code stays valid.
	DefaultTTL = 10 * time.Minute

	maxGenerateAttempts = 1000
)

// ErrCodeSpaceExhausted is returned when no free code could be drawn.
var ErrCodeSpaceExhausted = errors.New("verify: no free code available")

// Options configures a Registry. Zero values pick defaults.
type Options struct {
	TTL  time.Duration
	Now  func() time.Time
	Intn func(n int) int
}

type entry struct {
	code     string
	account  identity.Account
	issuedAt time.Time
}

// Registry maps outstanding codes to accounts and back. At most one code is
// outstanding per account.
type Registry struct {
	store *identity.Store
	ttl   time.Duration
	now   func() time.Time
	intn  func(n int) int

	mu        sync.Mutex
	byCode    map[string]*entry
	byAccount map[identity.Account]*entry
}

// NewRegistry returns a registry committing pairings into store.
func NewRegistry(store *identity.Store, opts Options) *Registry {
	r := &Registry{
		store:     store,
		ttl:       opts.TTL,
		now:       opts.Now,
		intn:      opts.Intn,
		byCode:    make(map[string]*entry),
		byAccount: make(map[identity.Account]*entry),
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.intn == nil {
		r.intn = rand.IntN
	}
	return r
}

// TTL returns the configured code lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// IssueOrReuse returns the live code for account, creating one if needed.
func (r *Registry) IssueOrReuse(account identity.Account) (string, error) {
	if account == "" {
		return "", errors.New("verify: issue for empty account")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var previous string
	if e, ok := r.byAccount[account]; ok {
		if !r.expired(e, now) {
			return e.code, nil
		}
		previous = e.code
		r.dropLocked(e)
		telemetry.CodeExpired()
	}

	code, err := r.generateLocked(previous)
	if err != nil {
		return "", err
	}
	e := &entry{code: code, account: account, issuedAt: now}
	r.byCode[code] = e
	r.byAccount[account] = e
	telemetry.CodeIssued()
	telemetry.SetOutstandingCodes(len(r.byCode))
	return code, nil
}

// generateLocked draws codes until one is free. avoid excludes a code the
// caller just retired so a re-request visibly changes.
func (r *Registry) generateLocked(avoid string) (string, error) {
	buf := make([]byte, CodeLength)
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		for i := range buf {
			buf[i] = byte('A' + r.intn(26))
		}
		code := string(buf)
		if code == avoid {
			continue
		}
		if _, taken := r.byCode[code]; taken {
			continue
		}
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// Redeem consumes code and returns the account it was issued to. Unknown and
// expired codes report false and change nothing.
func (r *Registry) Redeem(code string) (identity.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redeemLocked(code)
}

// RedeemAndPair consumes code and pairs its account with user in one step.
func (r *Registry) RedeemAndPair(code string, user identity.UserID) (identity.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.redeemLocked(code)
	if !ok {
		return "", false
	}
	r.store.CommitPairing(account, user)
	telemetry.PairingCommitted()
	return account, true
}

func (r *Registry) redeemLocked(code string) (identity.Account, bool) {
	e, ok := r.byCode[code]
	if !ok {
		return "", false
	}
	// Expired entries stay until the sweep or a reissue retires them, so the
	// reissue can still steer away from the old code.
	if r.expired(e, r.now()) {
		return "", false
	}
	r.dropLocked(e)
	telemetry.SetOutstandingCodes(len(r.byCode))
	telemetry.CodeRedeemed()
	return e.account, true
}

// Sweep purges expired codes and reports how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, e := range r.byCode {
		if r.expired(e, now) {
			r.dropLocked(e)
			telemetry.CodeExpired()
			n++
		}
	}
	if n > 0 {
		slog.Debug("expired verification codes purged", slog.Int("count", n), slog.String("component", "verify"))
	}
	telemetry.SetOutstandingCodes(len(r.byCode))
	return n
}

// Outstanding returns the number of codes currently held.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode)
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	return now.Sub(e.issuedAt) >= r.ttl
}

func (r *Registry) dropLocked(e *entry) {
	delete(r.byCode, e.code)
	if cur, ok := r.byAccount[e.account]; ok && cur == e {
		delete(r.byAccount, e.account)
	}
}
