package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jamal/gatherbot/identity"
)

type result struct {
	account identity.Account
	err     error
}

// loopStub stands in for the bridge loop: continuations queue up until run.
type loopStub struct{ queue chan func() }

func newLoopStub() *loopStub { return &loopStub{queue: make(chan func(), 16)} }

func (l *loopStub) post(fn func()) { l.queue <- fn }

func (l *loopStub) runN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case fn := <-l.queue:
			fn()
		case <-time.After(2 * time.Second):
			t.Fatalf("continuation %d never arrived", i+1)
		}
	}
}

func collect(out *[]result) func(identity.Account, error) {
	return func(a identity.Account, err error) { *out = append(*out, result{a, err}) }
}

func waitCalls(t *testing.T, l *fakeLookup, n int32) {
	t.Helper()
	waitFor(t, "lookup calls", func() bool { return l.calls.Load() >= n })
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	store := identity.NewStore()
	lookup := &fakeLookup{accounts: map[string]identity.Account{"alice": "alice"}, gate: make(chan struct{})}
	loop := newLoopStub()
	r := NewResolver(store, lookup, time.Second, loop.post)

	var got []result
	r.Resolve(context.Background(), "alice", collect(&got))
	r.Resolve(context.Background(), "alice", collect(&got))
	waitCalls(t, lookup, 1)
	close(lookup.gate)
	loop.runN(t, 2)

	if n := lookup.calls.Load(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}
	if len(got) != 2 || got[0].account != "alice" || got[1].account != "alice" {
		t.Errorf("results = %+v", got)
	}
	if a, ok := store.LookupCachedIdentity("alice"); !ok || a != "alice" {
		t.Errorf("cache = %q, %v", a, ok)
	}

	r.Resolve(context.Background(), "alice", collect(&got))
	if len(got) != 3 || lookup.calls.Load() != 1 {
		t.Errorf("cached resolve did a lookup: calls=%d results=%d", lookup.calls.Load(), len(got))
	}
}

func TestLookupStartedBeforeJoinIsNotCached(t *testing.T) {
	store := identity.NewStore()
	lookup := &fakeLookup{accounts: map[string]identity.Account{"alice": "alice"}, gate: make(chan struct{})}
	loop := newLoopStub()
	r := NewResolver(store, lookup, time.Second, loop.post)

	var got []result
	r.Resolve(context.Background(), "alice", collect(&got))
	waitCalls(t, lookup, 1)
	r.Invalidate("alice")
	close(lookup.gate)
	loop.runN(t, 1)

	if len(got) != 1 || got[0].account != "alice" {
		t.Errorf("results = %+v", got)
	}
	if _, ok := store.LookupCachedIdentity("alice"); ok {
		t.Error("stale lookup populated the cache")
	}
}

func TestRequestAfterJoinStartsFreshLookup(t *testing.T) {
	store := identity.NewStore()
	lookup := &fakeLookup{accounts: map[string]identity.Account{"alice": "alice"}, gate: make(chan struct{})}
	loop := newLoopStub()
	r := NewResolver(store, lookup, time.Second, loop.post)

	var got []result
	r.Resolve(context.Background(), "alice", collect(&got))
	waitCalls(t, lookup, 1)
	r.Invalidate("alice")
	r.Resolve(context.Background(), "alice", collect(&got))
	waitCalls(t, lookup, 2)
	close(lookup.gate)
	loop.runN(t, 2)

	if n := lookup.calls.Load(); n != 2 {
		t.Errorf("lookups = %d, want 2", n)
	}
	if a, ok := store.LookupCachedIdentity("alice"); !ok || a != "alice" {
		t.Errorf("fresh lookup not cached: %q, %v", a, ok)
	}
}

func TestUnauthenticatedNotCached(t *testing.T) {
	store := identity.NewStore()
	lookup := &fakeLookup{accounts: map[string]identity.Account{}}
	loop := newLoopStub()
	r := NewResolver(store, lookup, time.Second, loop.post)

	var got []result
	r.Resolve(context.Background(), "ghost", collect(&got))
	loop.runN(t, 1)
	if len(got) != 1 || got[0].account != "" || got[0].err != nil {
		t.Errorf("results = %+v", got)
	}
	if _, ok := store.LookupCachedIdentity("ghost"); ok {
		t.Error("unauthenticated answer was cached")
	}
}

type failingLookup struct{}

func (failingLookup) ResolveIdentity(context.Context, string) (identity.Account, error) {
	return "", errors.New("helix unavailable")
}

func TestLookupErrorReported(t *testing.T) {
	store := identity.NewStore()
	loop := newLoopStub()
	r := NewResolver(store, failingLookup{}, time.Second, loop.post)

	var got []result
	r.Resolve(context.Background(), "alice", collect(&got))
	loop.runN(t, 1)
	if len(got) != 1 || got[0].err == nil {
		t.Errorf("results = %+v", got)
	}
	if _, ok := store.LookupCachedIdentity("alice"); ok {
		t.Error("failed lookup was cached")
	}
}
