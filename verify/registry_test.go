package verify

import (
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jamal/gatherbot/identity"
)

var codePattern = regexp.MustCompile(`^[A-Z]{4}$`)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequence returns an Intn that replays letters (0 = 'A') in order, cycling.
func sequence(letters ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		v := letters[i%len(letters)] % n
		i++
		return v
	}
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *identity.Store, *fakeClock) {
	t.Helper()
	store := identity.NewStore()
	store.Strict = true
	clock := &fakeClock{now: time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return NewRegistry(store, opts), store, clock
}

func TestIssueOrReuseIdempotent(t *testing.T) {
	r, _, clock := newTestRegistry(t, Options{})
	first, err := r.IssueOrReuse("alice")
	if err != nil {
		t.Fatalf("IssueOrReuse() error = %v", err)
	}
	if !codePattern.MatchString(first) {
		t.Fatalf("code %q does not match [A-Z]{4}", first)
	}
	clock.Advance(DefaultTTL - time.Second)
	second, err := r.IssueOrReuse("alice")
	if err != nil {
		t.Fatalf("IssueOrReuse() error = %v", err)
	}
	if second != first {
		t.Errorf("second code = %q, want reused %q", second, first)
	}
	if got := r.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1", got)
	}
}

func TestIssueCodesMatchPattern(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := r.IssueOrReuse(identity.Account("acct" + string(rune('a'+i%26)) + string(rune('a'+i/26))))
		if err != nil {
			t.Fatalf("IssueOrReuse() error = %v", err)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("code %q does not match [A-Z]{4}", code)
		}
		if seen[code] {
			t.Fatalf("outstanding code %q issued twice", code)
		}
		seen[code] = true
	}
}

func TestIssueRetriesOnCollision(t *testing.T) {
	// First account draws AAAA; second draws AAAA again, then BBBB.
	r, _, _ := newTestRegistry(t, Options{Intn: sequence(0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1)})
	a, _ := r.IssueOrReuse("alice")
	b, _ := r.IssueOrReuse("bob")
	if a != "AAAA" || b != "BBBB" {
		t.Errorf("codes = %q,%q want AAAA,BBBB", a, b)
	}
}

func TestIssueExhausted(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{Intn: sequence(0)})
	if _, err := r.IssueOrReuse("alice"); err != nil {
		t.Fatalf("IssueOrReuse() error = %v", err)
	}
	if _, err := r.IssueOrReuse("bob"); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Errorf("IssueOrReuse() error = %v, want ErrCodeSpaceExhausted", err)
	}
}

func TestIssueEmptyAccount(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	if _, err := r.IssueOrReuse(""); err == nil {
		t.Error("expected error for empty account")
	}
}

func TestRedeemOneShot(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	code, _ := r.IssueOrReuse("alice")
	acct, ok := r.Redeem(code)
	if !ok || acct != "alice" {
		t.Fatalf("Redeem(%q) = %q,%v want alice,true", code, acct, ok)
	}
	if acct, ok := r.Redeem(code); ok {
		t.Errorf("second Redeem(%q) = %q, want absent", code, acct)
	}
	if got := r.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
	next, _ := r.IssueOrReuse("alice")
	if !codePattern.MatchString(next) {
		t.Errorf("fresh code %q after redeem does not match", next)
	}
}

func TestRedeemUnknown(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	code, _ := r.IssueOrReuse("alice")
	other := "ZZZZ"
	if code == other {
		other = "YYYY"
	}
	if _, ok := r.Redeem(other); ok {
		t.Error("Redeem of unknown code succeeded")
	}
	if got := r.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1 (unknown redeem has no side effect)", got)
	}
}

func TestRedeemAndPairCommits(t *testing.T) {
	r, store, _ := newTestRegistry(t, Options{})
	code, _ := r.IssueOrReuse("alice")
	acct, ok := r.RedeemAndPair(code, 76561198045040175)
	if !ok || acct != "alice" {
		t.Fatalf("RedeemAndPair() = %q,%v", acct, ok)
	}
	if u, ok := store.PairedUser("alice"); !ok || u != 76561198045040175 {
		t.Errorf("PairedUser(alice) = %d,%v", u, ok)
	}
	if _, ok := r.RedeemAndPair(code, 42); ok {
		t.Error("replayed RedeemAndPair succeeded")
	}
	if a, ok := store.PairedAccount(42); ok {
		t.Errorf("replay paired user 42 with %q", a)
	}
}

func TestExpiry(t *testing.T) {
	r, _, clock := newTestRegistry(t, Options{TTL: time.Minute})
	code, _ := r.IssueOrReuse("alice")
	clock.Advance(time.Minute)
	if _, ok := r.Redeem(code); ok {
		t.Fatal("Redeem of expired code succeeded")
	}
	fresh, err := r.IssueOrReuse("alice")
	if err != nil {
		t.Fatalf("IssueOrReuse() error = %v", err)
	}
	if fresh == code {
		t.Errorf("reissued code %q equals expired code", fresh)
	}
}

func TestReissueAfterExpiryAvoidsOldCode(t *testing.T) {
	// Both draws would produce CCCC; the expired one must be skipped.
	r, _, clock := newTestRegistry(t, Options{TTL: time.Minute, Intn: sequence(2, 2, 2, 2, 2, 2, 2, 2, 3, 3, 3, 3)})
	old, _ := r.IssueOrReuse("alice")
	clock.Advance(2 * time.Minute)
	fresh, _ := r.IssueOrReuse("alice")
	if old != "CCCC" || fresh != "DDDD" {
		t.Errorf("codes = %q then %q, want CCCC then DDDD", old, fresh)
	}
}

func TestSweep(t *testing.T) {
	r, _, clock := newTestRegistry(t, Options{TTL: time.Minute})
	_, _ = r.IssueOrReuse("alice")
	clock.Advance(30 * time.Second)
	_, _ = r.IssueOrReuse("bob")
	clock.Advance(31 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if got := r.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1", got)
	}
	clock.Advance(time.Minute)
	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}

func TestConcurrentIssueAndRedeem(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		acct := identity.Account("user" + string(rune('A'+i%26)) + string(rune('a'+i/26)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := r.IssueOrReuse(acct)
			if err != nil {
				t.Errorf("IssueOrReuse() error = %v", err)
				return
			}
			if got, ok := r.Redeem(code); !ok || got != acct {
				t.Errorf("Redeem(%q) = %q,%v want %q", code, got, ok, acct)
			}
		}()
	}
	wg.Wait()
	if got := r.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
}
