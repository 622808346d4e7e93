package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/telemetry"
)

// IdentityLookup asks the IRC network which account a nick is logged in as.
type IdentityLookup interface {
	ResolveIdentity(ctx context.Context, nick string) (identity.Account, error)
}

// Resolver answers "which account is this nick" from the store cache, falling
// back to one network lookup per nick and generation. Resolve and Invalidate
// are called from the bridge loop; continuations are handed back through post.
type Resolver struct {
	store   *identity.Store
	lookup  IdentityLookup
	timeout time.Duration
	post    func(fn func())

	group singleflight.Group

	mu       sync.Mutex
	gens     map[string]uint64
	inflight map[string]int
	seq      uint64
}

// NewResolver builds a resolver. post must run fn on the bridge loop.
func NewResolver(store *identity.Store, lookup IdentityLookup, timeout time.Duration, post func(fn func())) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		store:    store,
		lookup:   lookup,
		timeout:  timeout,
		post:     post,
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
	}
}

// Resolve calls then with the account nick is authenticated as. Cached answers
// are delivered immediately; otherwise then runs later via post.
func (r *Resolver) Resolve(ctx context.Context, nick string, then func(identity.Account, error)) {
	if account, ok := r.store.LookupCachedIdentity(nick); ok {
		telemetry.LookupResult("cached")
		then(account, nil)
		return
	}

	r.mu.Lock()
	gen := r.gens[nick]
	r.inflight[nick]++
	r.mu.Unlock()

	key := nick + "#" + strconv.FormatUint(gen, 10)
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.fetch(lookupCtx, nick)
	})
	go func() {
		res := <-ch
		account, _ := res.Val.(identity.Account)
		r.post(func() { r.finish(ctx, nick, gen, account, res.Err, then) })
	}()
}

func (r *Resolver) fetch(ctx context.Context, nick string) (identity.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "identity.lookup", attribute.String("nick", nick))
	defer span.End()

	var account identity.Account
	var err error
	telemetry.TimeFunc(telemetry.LookupDuration, func() {
		account, err = r.lookup.ResolveIdentity(ctx, nick)
	})
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return account, err
}

func (r *Resolver) finish(ctx context.Context, nick string, gen uint64, account identity.Account, err error, then func(identity.Account, error)) {
	r.mu.Lock()
	stale := r.gens[nick] != gen
	r.inflight[nick]--
	if r.inflight[nick] <= 0 {
		delete(r.inflight, nick)
		delete(r.gens, nick)
	}
	r.mu.Unlock()

	log := telemetry.LoggerWithCorr(ctx)
	switch {
	case err != nil:
		telemetry.LookupResult("error")
		log.Warn("identity lookup failed", slog.String("nick", nick), slog.Any("err", err), slog.String("component", "bridge"))
	case stale:
		telemetry.LookupResult("stale")
		log.Debug("identity lookup finished after membership change; not cached", slog.String("nick", nick), slog.String("component", "bridge"))
	case account == "":
		telemetry.LookupResult("unauthenticated")
	default:
		telemetry.LookupResult("authenticated")
		r.store.CacheIdentity(nick, account)
	}
	then(account, err)
}

// Invalidate forgets what is known about nick. A lookup already running for
// nick keeps its callers but can no longer fill the cache, and later Resolve
// calls start a fresh lookup instead of joining it.
func (r *Resolver) Invalidate(nick string) {
	r.mu.Lock()
	if r.inflight[nick] > 0 {
		r.seq++
		r.gens[nick] = r.seq
	}
	r.mu.Unlock()
	r.store.Invalidate(nick)
}
