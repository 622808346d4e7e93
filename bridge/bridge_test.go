package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jamal/gatherbot/chat"
	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/steam"
	"github.com/jamal/gatherbot/verify"
)

// recorder collects outbound calls as "op target text" lines.
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) matching(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

type fakeChat struct {
	events chan chat.Event
	rec    *recorder
}

func (f *fakeChat) Events() <-chan chat.Event { return f.events }
func (f *fakeChat) Say(channel, text string) { f.rec.add("say %s %s", channel, text) }
func (f *fakeChat) Whisper(nick, text string) { f.rec.add("whisper %s %s", nick, text) }

type fakeSteam struct {
	events chan steam.Event
	rec    *recorder
}

func (f *fakeSteam) Events() <-chan steam.Event { return f.events }
func (f *fakeSteam) SetOnline() { f.rec.add("online") }
func (f *fakeSteam) SetDisplayName(name string) { f.rec.add("name %s", name) }
func (f *fakeSteam) JoinRoom(room steam.ID) { f.rec.add("join %d", room) }
func (f *fakeSteam) AcceptContact(user steam.ID) { f.rec.add("accept %d", user) }
func (f *fakeSteam) SendRoomMessage(room steam.ID, text string) {
	f.rec.add("room %d %s", room, text)
}

func (f *fakeSteam) SendDirectMessage(user steam.ID, text string) {
	f.rec.add("dm %d %s", user, text)
}

// fakeLookup answers from a table. When gate is set every lookup waits on it.
type fakeLookup struct {
	accounts map[string]identity.Account
	gate     chan struct{}
	calls    atomic.Int32
}

func (f *fakeLookup) ResolveIdentity(ctx context.Context, nick string) (identity.Account, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.accounts[strings.ToLower(nick)], nil
}

type fakePersister struct {
	mu    sync.Mutex
	saved []identity.Pairing
}

func (p *fakePersister) Save(pr identity.Pairing) {
	p.mu.Lock()
	p.saved = append(p.saved, pr)
	p.mu.Unlock()
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	rec      *recorder
	chat     *fakeChat
	steam    *fakeSteam
	lookup   *fakeLookup
	store    *identity.Store
	registry *verify.Registry
	persist  *fakePersister
	clock    *clock
	bridge   *Bridge
}

const group steam.ID = 103582791429521412

func newHarness(t *testing.T, relay bool) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:     rec,
		chat:    &fakeChat{events: make(chan chat.Event, 16), rec: rec},
		steam:   &fakeSteam{events: make(chan steam.Event, 16), rec: rec},
		lookup:  &fakeLookup{accounts: map[string]identity.Account{"alice": "alice", "bob": "bob"}},
		store:   identity.NewStore(),
		persist: &fakePersister{},
		clock:   &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.store.Strict = true
	h.registry = verify.NewRegistry(h.store, verify.Options{Now: h.clock.Now})
	h.bridge = New(Options{
		Chat:           h.chat,
		Steam:          h.steam,
		Lookup:         h.lookup,
		Store:          h.store,
		Registry:       h.registry,
		Persister:      h.persist,
		Nick:           "gatherbot",
		PrimaryChannel: "ns2gather",
		Prefix:         ".",
		ProfileURL:     "http://steamcommunity.com/profiles/1",
		DisplayName:    "Gather Bot",
		GroupID:        group,
		Relay:          relay,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.bridge.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle pushes a marker contact request through the loop and waits for it,
// so every event queued before it has been handled.
func (h *harness) settle(t *testing.T, marker steam.ID) {
	t.Helper()
	h.steam.events <- steam.ContactRequestEvent{User: marker, State: steam.ContactPendingInvitee}
	want := fmt.Sprintf("accept %d", marker)
	waitFor(t, want, func() bool { return len(h.rec.matching(want)) > 0 })
}

var codeRe = regexp.MustCompile(`: ([A-Z]{4})`)

func (h *harness) requestCode(t *testing.T, nick string) string {
	t.Helper()
	before := len(h.rec.matching("whisper " + nick + " Then send"))
	h.chat.events <- chat.MessageEvent{Channel: "ns2gather", User: nick, Text: ".verify"}
	var code string
	waitFor(t, "code whisper", func() bool {
		lines := h.rec.matching("whisper " + nick + " Then send")
		if len(lines) <= before {
			return false
		}
		m := codeRe.FindStringSubmatch(lines[len(lines)-1])
		if m == nil {
			return false
		}
		code = m[1]
		return true
	})
	return code
}

func TestVerifyEndToEnd(t *testing.T) {
	h := newHarness(t, false)
	code := h.requestCode(t, "Alice")

	if got := h.rec.matching("whisper Alice Please add me"); len(got) != 1 {
		t.Errorf("profile link whispers = %v", got)
	}
	if got := h.rec.matching("say "); len(got) != 0 {
		t.Errorf("code leaked to the room: %v", got)
	}

	h.steam.events <- steam.DirectMessageEvent{From: 7, Text: "  " + strings.ToLower(code) + "\n", Kind: steam.KindChatMessage}
	waitFor(t, "thank you", func() bool {
		return len(h.rec.matching("dm 7 Thank you, you are now verified as alice")) == 1
	})
	if user, ok := h.store.PairedUser("alice"); !ok || user != 7 {
		t.Errorf("PairedUser(alice) = %d, %v", user, ok)
	}
	if h.persist.count() != 1 {
		t.Errorf("persisted %d pairings, want 1", h.persist.count())
	}

	// Replaying the code from someone else does nothing.
	h.steam.events <- steam.DirectMessageEvent{From: 8, Text: code, Kind: steam.KindChatMessage}
	h.settle(t, 99)
	if _, ok := h.store.PairedAccount(8); ok {
		t.Error("replayed code paired a second user")
	}
	if got := h.rec.matching("dm 8 "); len(got) != 0 {
		t.Errorf("replay answered: %v", got)
	}
}

func TestVerifyUnauthenticated(t *testing.T) {
	h := newHarness(t, false)
	h.chat.events <- chat.MessageEvent{Channel: "ns2gather", User: "Mallory", Text: ".verify"}
	waitFor(t, "auth reply", func() bool {
		return len(h.rec.matching("say ns2gather You need to be authenticated")) == 1
	})
	if h.registry.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", h.registry.Outstanding())
	}
}

func TestIgnoredDirectMessages(t *testing.T) {
	h := newHarness(t, false)
	code := h.requestCode(t, "Alice")
	h.steam.events <- steam.DirectMessageEvent{From: 7, Text: code, Kind: steam.KindTyping}
	h.steam.events <- steam.DirectMessageEvent{From: 7, Text: code + "X", Kind: steam.KindChatMessage}
	h.steam.events <- steam.DirectMessageEvent{From: 7, Text: "ZZZZ", Kind: steam.KindChatMessage}
	h.settle(t, 99)
	if _, ok := h.store.PairedAccount(7); ok {
		t.Error("non-code message paired a user")
	}
	if h.registry.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", h.registry.Outstanding())
	}
}

func TestExpiredCodeIsReplaced(t *testing.T) {
	h := newHarness(t, false)
	first := h.requestCode(t, "Alice")
	h.clock.Advance(11 * time.Minute)

	h.steam.events <- steam.DirectMessageEvent{From: 7, Text: first, Kind: steam.KindChatMessage}
	h.settle(t, 99)
	if _, ok := h.store.PairedAccount(7); ok {
		t.Fatal("expired code was accepted")
	}

	second := h.requestCode(t, "Alice")
	if second == first {
		t.Errorf("expired code %q was reissued", first)
	}
}

func TestUnknownCommandThroughBridge(t *testing.T) {
	h := newHarness(t, false)
	h.chat.events <- chat.MessageEvent{Channel: "ns2gather", User: "bob", Text: ".frobnicate"}
	waitFor(t, "unknown reply", func() bool { return len(h.rec.matching("say ns2gather ")) > 0 })
	h.settle(t, 99)
	got := h.rec.matching("say ns2gather ")
	if len(got) != 1 || !strings.Contains(got[0], ".help") {
		t.Errorf("replies = %v", got)
	}
}

func TestContactsAndInvites(t *testing.T) {
	h := newHarness(t, false)
	h.steam.events <- steam.ContactRequestEvent{User: 5, State: steam.ContactFriend}
	h.steam.events <- steam.RoomInviteEvent{Room: 42, Inviter: 5}
	h.settle(t, 6)
	if got := h.rec.matching("accept 5"); len(got) != 0 {
		t.Errorf("accepted a non-pending contact: %v", got)
	}
	if got := h.rec.matching("join 42"); len(got) != 1 {
		t.Errorf("room joins = %v", got)
	}
}

func TestLoggedOnSetsPresence(t *testing.T) {
	h := newHarness(t, false)
	h.steam.events <- steam.LoggedOnEvent{Self: 1}
	h.settle(t, 99)
	for _, want := range []string{"online", "name Gather Bot", fmt.Sprintf("join %d", group)} {
		if len(h.rec.matching(want)) != 1 {
			t.Errorf("missing %q in %v", want, h.rec.matching(""))
		}
	}
}

func TestRelay(t *testing.T) {
	h := newHarness(t, true)
	h.store.CommitPairing("alice", 7)
	h.steam.events <- steam.LoggedOnEvent{Self: 1}

	h.chat.events <- chat.MessageEvent{Channel: "ns2gather", User: "bob", Text: "anyone up for a game"}
	h.chat.events <- chat.MessageEvent{Channel: "ns2gather", User: "gatherbot", Text: "echo"}
	h.steam.events <- steam.RoomMessageEvent{Room: group, From: 7, Text: "me", Kind: steam.KindChatMessage}
	h.steam.events <- steam.RoomMessageEvent{Room: group, From: 8, Text: "stranger", Kind: steam.KindChatMessage}
	h.steam.events <- steam.RoomMessageEvent{Room: group, From: 1, Text: "self", Kind: steam.KindChatMessage}
	waitFor(t, "relay to steam", func() bool {
		return len(h.rec.matching(fmt.Sprintf("room %d <bob> anyone up for a game", group))) == 1
	})
	h.settle(t, 99)

	if got := h.rec.matching("room "); len(got) != 1 {
		t.Errorf("room relays = %v", got)
	}
	got := h.rec.matching("say ns2gather ")
	if len(got) != 1 || got[0] != "say ns2gather <alice> me" {
		t.Errorf("channel relays = %v", got)
	}
}

func TestRelayDisabled(t *testing.T) {
	h := newHarness(t, false)
	h.store.CommitPairing("alice", 7)
	h.chat.events <- chat.MessageEvent{Channel: "ns2gather", User: "bob", Text: "hi"}
	h.steam.events <- steam.RoomMessageEvent{Room: group, From: 7, Text: "hi", Kind: steam.KindChatMessage}
	h.settle(t, 99)
	if got := append(h.rec.matching("room "), h.rec.matching("say ")...); len(got) != 0 {
		t.Errorf("relayed while disabled: %v", got)
	}
}

func TestJoinInvalidatesCache(t *testing.T) {
	h := newHarness(t, false)
	h.requestCode(t, "Alice")
	if _, ok := h.store.LookupCachedIdentity("Alice"); !ok {
		t.Fatal("authenticated lookup was not cached")
	}
	h.chat.events <- chat.JoinEvent{Channel: "ns2gather", User: "Alice"}
	h.settle(t, 99)
	if _, ok := h.store.LookupCachedIdentity("Alice"); ok {
		t.Error("cache survived a join")
	}
}
