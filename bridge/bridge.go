// Package bridge joins the IRC and Steam sessions. One goroutine (Run) owns
// every handler: it drains both adapters' event queues, continuations posted
// by background identity lookups, and the code sweep ticker.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jamal/gatherbot/chat"
	"github.com/jamal/gatherbot/command"
	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/steam"
	"github.com/jamal/gatherbot/telemetry"
	"github.com/jamal/gatherbot/verify"
)

// ChatSession is the IRC side as the bridge uses it.
type ChatSession interface {
	Events() <-chan chat.Event
	Say(channel, text string)
	Whisper(nick, text string)
}

// SteamSession is the Steam side as the bridge uses it.
type SteamSession interface {
	Events() <-chan steam.Event
	SetOnline()
	SetDisplayName(name string)
	JoinRoom(room steam.ID)
	SendDirectMessage(user steam.ID, text string)
	SendRoomMessage(room steam.ID, text string)
	AcceptContact(user steam.ID)
}

// Persister receives every committed pairing. Save must not block.
type Persister interface {
	Save(p identity.Pairing)
}

// Options wires a Bridge.
type Options struct {
	Chat     ChatSession
	Steam    SteamSession
	Lookup   IdentityLookup
	Store    *identity.Store
	Registry *verify.Registry
	// Persister is optional.
	Persister Persister

	Nick           string
	PrimaryChannel string
	Prefix         string
	ProfileURL     string
	AuthHelpURL    string
	Admins         []string

	DisplayName string
	GroupID     steam.ID
	Relay       bool

	SweepInterval time.Duration
	LookupTimeout time.Duration
}

// Bridge routes events between the two networks.
type Bridge struct {
	opts     Options
	resolver *Resolver
	commands *command.Dispatcher

	cont chan func()
	done chan struct{}
	self steam.ID
}

// New builds a bridge; call Run to start it.
func New(opts Options) *Bridge {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	b := &Bridge{
		opts: opts,
		cont: make(chan func(), 64),
		done: make(chan struct{}),
	}
	b.resolver = NewResolver(opts.Store, opts.Lookup, opts.LookupTimeout, b.post)
	b.commands = command.New(command.Options{
		Prefix:      opts.Prefix,
		ProfileURL:  opts.ProfileURL,
		AuthHelpURL: opts.AuthHelpURL,
		CodeTTL:     opts.Registry.TTL(),
		Admins:      opts.Admins,
		Replier:     opts.Chat,
		Resolver:    b.resolver,
		Issuer:      opts.Registry,
		Directory:   opts.Store,
		Messenger:   steamMessenger{opts.Steam},
	})
	return b
}

// post queues fn to run on the loop. It gives up once Run has returned.
func (b *Bridge) post(fn func()) {
	select {
	case b.cont <- fn:
	case <-b.done:
	}
}

// Run processes events until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()

	slog.Info("bridge loop started", slog.String("component", "bridge"))
	chatEvents := b.opts.Chat.Events()
	steamEvents := b.opts.Steam.Events()
	for {
		select {
		case <-ctx.Done():
			slog.Info("bridge loop stopped", slog.String("component", "bridge"))
			return
		case ev, ok := <-chatEvents:
			if !ok {
				chatEvents = nil
				continue
			}
			b.safely(ctx, "irc", kindOf(ev), func(ctx context.Context) { b.handleChat(ctx, ev) })
		case ev, ok := <-steamEvents:
			if !ok {
				steamEvents = nil
				continue
			}
			b.safely(ctx, "steam", kindOf(ev), func(ctx context.Context) { b.handleSteam(ctx, ev) })
		case fn := <-b.cont:
			b.safely(ctx, "bridge", "continuation", func(context.Context) { fn() })
		case <-ticker.C:
			b.safely(ctx, "bridge", "sweep", func(context.Context) { b.opts.Registry.Sweep() })
		}
	}
}

// safely runs one handler with a fresh correlation id; a panic is logged and
// the loop carries on.
func (b *Bridge) safely(ctx context.Context, network, kind string, fn func(ctx context.Context)) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			telemetry.LoggerWithCorr(ctx).Error("bridge handler panicked",
				slog.String("network", network), slog.String("kind", kind),
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())),
				slog.String("component", "bridge"))
		}
	}()
	telemetry.EventHandled(network, kind)
	fn(ctx)
}

func kindOf(ev any) string {
	name := fmt.Sprintf("%T", ev)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "Event")
}

func (b *Bridge) handleChat(ctx context.Context, ev chat.Event) {
	log := telemetry.LoggerWithCorr(ctx)
	switch e := ev.(type) {
	case chat.MessageEvent:
		if strings.EqualFold(e.User, b.opts.Nick) {
			return
		}
		if inv, ok := command.Parse(b.commands.Prefix(), e.Text, e.Private); ok {
			inv.Nick = e.User
			inv.Channel = e.Channel
			inv.Private = e.Private
			b.commands.Dispatch(ctx, inv)
			return
		}
		if !e.Private {
			b.relayToSteam(e)
		}
	case chat.JoinEvent:
		b.resolver.Invalidate(e.User)
	case chat.PartEvent:
		b.resolver.Invalidate(e.User)
	case chat.ConnectedEvent:
		log.Info("irc session up", slog.String("component", "bridge"))
	case chat.ErrorEvent:
		log.Warn("irc session error", slog.Any("err", e.Err), slog.String("component", "bridge"))
	}
}

func (b *Bridge) handleSteam(ctx context.Context, ev steam.Event) {
	log := telemetry.LoggerWithCorr(ctx)
	switch e := ev.(type) {
	case steam.LoggedOnEvent:
		b.self = e.Self
		b.opts.Steam.SetOnline()
		if b.opts.DisplayName != "" {
			b.opts.Steam.SetDisplayName(b.opts.DisplayName)
		}
		if b.opts.GroupID != 0 {
			b.opts.Steam.JoinRoom(b.opts.GroupID)
		}
	case steam.DirectMessageEvent:
		b.redeem(ctx, e)
	case steam.RoomMessageEvent:
		b.relayToChat(e)
	case steam.ContactRequestEvent:
		if e.State == steam.ContactPendingInvitee {
			log.Info("accepting contact request", slog.Uint64("user_id", uint64(e.User)), slog.String("component", "bridge"))
			b.opts.Steam.AcceptContact(e.User)
		}
	case steam.RoomInviteEvent:
		log.Info("joining room on invite", slog.Uint64("room", uint64(e.Room)), slog.Uint64("inviter", uint64(e.Inviter)), slog.String("component", "bridge"))
		b.opts.Steam.JoinRoom(e.Room)
	case steam.DisconnectedEvent:
		if e.Err != nil {
			log.Warn("steam session dropped", slog.Any("err", e.Err), slog.String("component", "bridge"))
		}
	}
}

// redeem treats a four letter direct message as a verification code. Anything
// else, including a wrong code, is ignored.
func (b *Bridge) redeem(ctx context.Context, e steam.DirectMessageEvent) {
	if e.Kind != steam.KindChatMessage || e.From == 0 {
		return
	}
	code := strings.ToUpper(strings.TrimSpace(e.Text))
	if len([]rune(code)) != verify.CodeLength {
		return
	}
	account, ok := b.opts.Registry.RedeemAndPair(code, identity.UserID(e.From))
	if !ok {
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("pairing committed", slog.String("account", string(account)), slog.Uint64("user_id", uint64(e.From)), slog.String("component", "bridge"))
	telemetry.SetPairedAccounts(b.opts.Store.Stats().Pairings)
	b.opts.Steam.SendDirectMessage(e.From, "Thank you, you are now verified as "+string(account))
	if b.opts.Persister != nil {
		b.opts.Persister.Save(identity.Pairing{Account: account, UserID: identity.UserID(e.From)})
	}
}

func (b *Bridge) relayToSteam(e chat.MessageEvent) {
	if !b.opts.Relay || b.opts.GroupID == 0 {
		return
	}
	b.opts.Steam.SendRoomMessage(b.opts.GroupID, fmt.Sprintf("<%s> %s", e.User, e.Text))
}

// relayToChat forwards room chatter from paired users only.
func (b *Bridge) relayToChat(e steam.RoomMessageEvent) {
	if !b.opts.Relay || b.opts.PrimaryChannel == "" || e.Kind != steam.KindChatMessage {
		return
	}
	if e.From == b.self || (b.opts.GroupID != 0 && e.Room != b.opts.GroupID) {
		return
	}
	account, ok := b.opts.Store.PairedAccount(identity.UserID(e.From))
	if !ok {
		return
	}
	b.opts.Chat.Say(b.opts.PrimaryChannel, fmt.Sprintf("<%s> %s", account, e.Text))
}

type steamMessenger struct{ s SteamSession }

func (m steamMessenger) SendDirectMessage(user identity.UserID, text string) {
	m.s.SendDirectMessage(steam.ID(user), text)
}
