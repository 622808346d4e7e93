// Package steam is the Steam side of the bridge: a logged-on user session that
// reports direct messages, group chat traffic, friend requests and chat invites,
// and reconnects with exponential backoff when the connection drops.
package steam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gosteam "github.com/Philipp15b/go-steam/v3"
	"github.com/Philipp15b/go-steam/v3/protocol/steamlang"
	"github.com/Philipp15b/go-steam/v3/steamid"
	"github.com/cenkalti/backoff/v5"

	"github.com/jamal/gatherbot/telemetry"
)

const network = "steam"

// Options configures a Client.
type Options struct {
	Username string
	Password string
	// EventBuffer sizes the event queue; defaults to 256.
	EventBuffer int
}

// Client is a reconnecting Steam session.
type Client struct {
	opts   Options
	events chan Event

	mu       sync.Mutex
	sc       *gosteam.Client
	loggedOn atomic.Bool
}

// NewClient returns an unconnected client; call Run to start it.
func NewClient(opts Options) *Client {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Client{opts: opts, events: make(chan Event, opts.EventBuffer)}
}

// Events is the inbound queue consumed by the bridge.
func (c *Client) Events() <-chan Event { return c.events }

// LoggedOn reports whether the session is currently usable.
func (c *Client) LoggedOn() bool { return c.loggedOn.Load() }

// Run keeps the session logged on until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.emit(ctx, DisconnectedEvent{})
			slog.Info("steam session closed", slog.String("component", network))
			return
		}
		if time.Since(started) > 5*time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		slog.Warn("steam session ended; reconnecting", slog.Any("err", err), slog.Duration("backoff", wait), slog.String("component", network))
		c.emit(ctx, DisconnectedEvent{Err: err})
		telemetry.Reconnect(network)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	sc := gosteam.NewClient()
	c.mu.Lock()
	c.sc = sc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sc = nil
		c.mu.Unlock()
		c.loggedOn.Store(false)
		telemetry.SetAdapterUp(network, false)
	}()

	if _, err := sc.Connect(); err != nil {
		return fmt.Errorf("steam connect: %w", err)
	}
	defer sc.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sc.Events():
			if !ok {
				return errors.New("steam event stream closed")
			}
			if err := c.handle(ctx, sc, raw); err != nil {
				return err
			}
		}
	}
}

// handle translates one go-steam event; a non-nil error ends the session.
func (c *Client) handle(ctx context.Context, sc *gosteam.Client, raw interface{}) error {
	switch e := raw.(type) {
	case *gosteam.ConnectedEvent:
		slog.Info("steam connected; logging on", slog.String("user", c.opts.Username), slog.String("component", network))
		c.emit(ctx, ConnectedEvent{})
		sc.Auth.LogOn(&gosteam.LogOnDetails{Username: c.opts.Username, Password: c.opts.Password})
	case *gosteam.LoggedOnEvent:
		c.loggedOn.Store(true)
		telemetry.SetAdapterUp(network, true)
		slog.Info("steam logged on", slog.String("user", c.opts.Username), slog.String("component", network))
		c.emit(ctx, LoggedOnEvent{Self: ID(sc.SteamId())})
	case *gosteam.LogOnFailedEvent:
		return fmt.Errorf("steam logon failed: %v", e.Result)
	case *gosteam.ChatMsgEvent:
		kind := entryKind(e.EntryType)
		if e.ChatRoomId == 0 {
			c.emit(ctx, DirectMessageEvent{From: ID(e.ChatterId), Text: e.Message, Kind: kind})
		} else {
			c.emit(ctx, RoomMessageEvent{Room: ID(e.ChatRoomId), From: ID(e.ChatterId), Text: e.Message, Kind: kind})
		}
	case *gosteam.ChatInviteEvent:
		c.emit(ctx, RoomInviteEvent{Room: ID(e.ChatRoomId), Inviter: ID(e.PatronId)})
	case *gosteam.FriendStateEvent:
		c.emit(ctx, ContactRequestEvent{User: ID(e.SteamId), State: contactState(e.Relationship)})
	case *gosteam.DisconnectedEvent:
		return errors.New("steam disconnected")
	case error:
		// Fatal errors arrive here too; go-steam follows them with a DisconnectedEvent.
		slog.Warn("steam error", slog.Any("err", e), slog.String("component", network))
	}
	return nil
}

func entryKind(t steamlang.EChatEntryType) EntryKind {
	switch t {
	case steamlang.EChatEntryType_ChatMsg:
		return KindChatMessage
	case steamlang.EChatEntryType_Typing:
		return KindTyping
	default:
		return KindOther
	}
}

func contactState(r steamlang.EFriendRelationship) ContactState {
	switch r {
	case steamlang.EFriendRelationship_None:
		return ContactNone
	case steamlang.EFriendRelationship_RequestRecipient:
		return ContactPendingInvitee
	case steamlang.EFriendRelationship_Friend:
		return ContactFriend
	default:
		return ContactOther
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) live(op string) *gosteam.Client {
	if c.loggedOn.Load() {
		c.mu.Lock()
		sc := c.sc
		c.mu.Unlock()
		if sc != nil {
			return sc
		}
	}
	telemetry.SendDropped(network)
	slog.Warn("steam send dropped: session down", slog.String("op", op), slog.String("component", network))
	return nil
}

// SetOnline marks the bot as online.
func (c *Client) SetOnline() {
	if sc := c.live("set_online"); sc != nil {
		sc.Social.SetPersonaState(steamlang.EPersonaState_Online)
	}
}

// SetDisplayName changes the bot's persona name.
func (c *Client) SetDisplayName(name string) {
	if sc := c.live("set_display_name"); sc != nil {
		sc.Social.SetPersonaName(name)
	}
}

// JoinRoom enters a group chat room.
func (c *Client) JoinRoom(room ID) {
	if sc := c.live("join_room"); sc != nil {
		sc.Social.JoinChat(steamid.SteamId(room))
	}
}

// SendDirectMessage sends text to a single user.
func (c *Client) SendDirectMessage(user ID, text string) {
	if sc := c.live("direct_message"); sc != nil {
		sc.Social.SendMessage(steamid.SteamId(user), steamlang.EChatEntryType_ChatMsg, text)
	}
}

// SendRoomMessage posts text in a group chat room.
func (c *Client) SendRoomMessage(room ID, text string) {
	if sc := c.live("room_message"); sc != nil {
		sc.Social.SendMessage(steamid.SteamId(room), steamlang.EChatEntryType_ChatMsg, text)
	}
}

// AcceptContact accepts a pending friend request from user.
func (c *Client) AcceptContact(user ID) {
	if sc := c.live("accept_contact"); sc != nil {
		sc.Social.AddFriend(steamid.SteamId(user))
	}
}
