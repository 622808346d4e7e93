package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/telemetry"
	"github.com/jamal/gatherbot/twitchapi"
)

const network = "irc"

// UserLookup resolves a login to its account record.
type UserLookup interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
}

// Whisperer sends a private message between two Helix user ids.
type Whisperer interface {
	SendWhisper(ctx context.Context, fromUserID, toUserID, message string) error
}

// Options configures a Client.
type Options struct {
	Address  string
	Nick     string
	Token    string
	Channels []string
	Lookup   UserLookup
	// Whisperer delivers Whisper calls; Twitch no longer accepts whispers over IRC.
	Whisperer Whisperer
	// WhisperTimeout bounds one whisper delivery; defaults to 10s.
	WhisperTimeout time.Duration
	// EventBuffer sizes the event queue; defaults to 256.
	EventBuffer int
}

// Client is a reconnecting IRC session.
type Client struct {
	opts   Options
	events chan Event

	mu        sync.Mutex
	irc       *twitch.Client
	botID     string
	connected atomic.Bool
}

// NewClient returns an unconnected client; call Run to start it.
func NewClient(opts Options) *Client {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.WhisperTimeout <= 0 {
		opts.WhisperTimeout = 10 * time.Second
	}
	return &Client{opts: opts, events: make(chan Event, opts.EventBuffer)}
}

// Events is the inbound queue consumed by the bridge.
func (c *Client) Events() <-chan Event { return c.events }

// Connected reports whether the session is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run keeps the session open until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 2 * time.Minute
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			slog.Info("irc session closed", slog.String("component", network))
			return
		}
		// A session that stayed up for a while earns a fresh backoff schedule.
		if time.Since(started) > 5*time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		slog.Warn("irc session ended; reconnecting", slog.Any("err", err), slog.Duration("backoff", wait), slog.String("component", network))
		c.emit(ctx, ErrorEvent{Err: err})
		telemetry.Reconnect(network)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	client := twitch.NewClient(c.opts.Nick, c.opts.Token)
	if c.opts.Address != "" {
		client.IrcAddress = c.opts.Address
	}
	client.Capabilities = []string{twitch.TagsCapability, twitch.CommandsCapability, twitch.MembershipCapability}

	client.OnConnect(func() {
		c.connected.Store(true)
		telemetry.SetAdapterUp(network, true)
		slog.Info("irc connected", slog.String("address", client.IrcAddress), slog.Any("channels", c.opts.Channels), slog.String("component", network))
		c.emit(ctx, ConnectedEvent{})
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.emit(ctx, MessageEvent{Channel: msg.Channel, User: msg.User.Name, Text: msg.Message})
	})
	client.OnWhisperMessage(func(msg twitch.WhisperMessage) {
		c.emit(ctx, MessageEvent{User: msg.User.Name, Text: msg.Message, Private: true})
	})
	client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		c.emit(ctx, JoinEvent{Channel: msg.Channel, User: msg.User})
	})
	client.OnUserPartMessage(func(msg twitch.UserPartMessage) {
		c.emit(ctx, PartEvent{Channel: msg.Channel, User: msg.User})
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		slog.Info("irc server requested reconnect", slog.String("component", network))
	})

	c.mu.Lock()
	c.irc = client
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.irc = nil
		c.mu.Unlock()
		c.connected.Store(false)
		telemetry.SetAdapterUp(network, false)
	}()

	// Handle context cancellation by closing the client
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	client.Join(c.opts.Channels...)
	err := client.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Say sends text into channel.
func (c *Client) Say(channel, text string) {
	if irc := c.live(); irc != nil {
		irc.Say(strings.TrimPrefix(channel, "#"), text)
		return
	}
	c.dropped("say", channel)
}

// Whisper sends text privately to nick. Delivery goes through Helix on its own
// goroutine; failures are counted as dropped sends.
func (c *Client) Whisper(nick, text string) {
	if c.opts.Whisperer == nil || c.opts.Lookup == nil {
		c.dropped("whisper", nick)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WhisperTimeout)
		defer cancel()
		if err := c.whisper(ctx, nick, text); err != nil {
			telemetry.SendDropped(network)
			slog.Warn("irc whisper failed", slog.String("target", nick), slog.Any("err", err), slog.String("component", network))
		}
	}()
}

func (c *Client) whisper(ctx context.Context, nick, text string) error {
	from, err := c.selfID(ctx)
	if err != nil {
		return err
	}
	to, err := c.opts.Lookup.GetUser(ctx, strings.ToLower(nick))
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", nick, err)
	}
	return c.opts.Whisperer.SendWhisper(ctx, from, to.ID, text)
}

// selfID resolves the bot's own user id once and keeps it.
func (c *Client) selfID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.botID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}
	user, err := c.opts.Lookup.GetUser(ctx, strings.ToLower(c.opts.Nick))
	if err != nil {
		return "", fmt.Errorf("resolve bot account %s: %w", c.opts.Nick, err)
	}
	c.mu.Lock()
	c.botID = user.ID
	c.mu.Unlock()
	return user.ID, nil
}

func (c *Client) live() *twitch.Client {
	if !c.connected.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irc
}

func (c *Client) dropped(kind, target string) {
	telemetry.SendDropped(network)
	slog.Warn("irc send dropped: session down", slog.String("kind", kind), slog.String("target", target), slog.String("component", network))
}

// ResolveIdentity returns the account nick is logged in as, or "" when no
// account exists for it.
func (c *Client) ResolveIdentity(ctx context.Context, nick string) (identity.Account, error) {
	if c.opts.Lookup == nil {
		return "", errors.New("irc identity lookup not configured")
	}
	user, err := c.opts.Lookup.GetUser(ctx, strings.ToLower(nick))
	if errors.Is(err, twitchapi.ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", nick, err)
	}
	return identity.Account(user.Login), nil
}
