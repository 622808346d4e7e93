// Package command parses IRC lines addressed to the bot and runs the matching
// handler. Looking up a name that has no handler is an ordinary outcome: the
// caller gets a single "unknown command" reply.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/telemetry"
)

// Invocation is one parsed command line.
type Invocation struct {
	Nick    string
	Channel string
	Private bool
	Name    string
	Args    []string
}

// Handler runs a command. Handlers execute on the bridge loop and must not block.
type Handler func(ctx context.Context, inv Invocation)

// Replier sends IRC text.
type Replier interface {
	Say(channel, text string)
	Whisper(nick, text string)
}

// Resolver finds the account a nick is authenticated as. then runs on the
// bridge loop once the answer is known; an empty account means unauthenticated.
type Resolver interface {
	Resolve(ctx context.Context, nick string, then func(account identity.Account, err error))
}

// Issuer hands out verification codes.
type Issuer interface {
	IssueOrReuse(account identity.Account) (string, error)
}

// Directory answers pairing questions.
type Directory interface {
	PairedUser(account identity.Account) (identity.UserID, bool)
	Pairings() []identity.Pairing
}

// Messenger sends Steam direct messages.
type Messenger interface {
	SendDirectMessage(user identity.UserID, text string)
}

// Options wires a Dispatcher.
type Options struct {
	Prefix      string
	ProfileURL  string
	AuthHelpURL string
	CodeTTL     time.Duration
	Admins      []string

	Replier   Replier
	Resolver  Resolver
	Issuer    Issuer
	Directory Directory
	Messenger Messenger
}

type entry struct {
	name    string
	summary string
	handler Handler
	listed  bool
}

// Dispatcher owns the fixed command table.
type Dispatcher struct {
	opts     Options
	admins   map[identity.Account]bool
	commands map[string]*entry
	order    []string
}

// New builds a dispatcher with the built-in commands registered.
func New(opts Options) *Dispatcher {
	if opts.Prefix == "" {
		opts.Prefix = "."
	}
	d := &Dispatcher{
		opts:     opts,
		admins:   make(map[identity.Account]bool),
		commands: make(map[string]*entry),
	}
	for _, a := range opts.Admins {
		d.admins[identity.Account(strings.ToLower(a))] = true
	}

	d.register("verify", "link your Steam account", d.verify, true)
	d.register("steam", "", d.verify, false)
	d.register("link", "", d.verify, false)
	d.register("whoami", "show your linked accounts", d.whoami, true)
	d.register("help", "list commands", d.help, true)
	if len(d.admins) > 0 {
		d.register("test", "", d.test, false)
	}
	return d
}

func (d *Dispatcher) register(name, summary string, h Handler, listed bool) {
	d.commands[name] = &entry{name: name, summary: summary, handler: h, listed: listed}
	d.order = append(d.order, name)
}

// Parse extracts a command from text. Channel lines must carry the prefix;
// private lines may omit it.
func Parse(prefix, text string, private bool) (Invocation, bool) {
	switch {
	case strings.HasPrefix(text, prefix):
		text = text[len(prefix):]
	case !private:
		return Invocation{}, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Invocation{}, false
	}
	return Invocation{Name: fields[0], Args: fields[1:]}, true
}

// Prefix is the command marker channel lines must start with.
func (d *Dispatcher) Prefix() string { return d.opts.Prefix }

// Lookup returns the handler registered under name.
func (d *Dispatcher) Lookup(name string) (Handler, bool) {
	e, ok := d.commands[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Dispatch runs inv. Handler panics are recovered and logged.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) {
	ctx, span := telemetry.StartSpan(ctx, "command.dispatch",
		attribute.String("command", inv.Name),
		attribute.String("nick", inv.Nick),
		attribute.Bool("private", inv.Private),
	)
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx)

	h, ok := d.Lookup(inv.Name)
	if !ok {
		telemetry.CommandDispatched("unknown", "unknown")
		log.Debug("unknown command", slog.String("command", inv.Name), slog.String("nick", inv.Nick), slog.String("component", "command"))
		d.Reply(inv, fmt.Sprintf("Unknown command, try %shelp", d.opts.Prefix))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.CommandDispatched(inv.Name, "panic")
			telemetry.RecordError(span, fmt.Errorf("panic: %v", r))
			log.Error("command handler panicked", slog.String("command", inv.Name), slog.Any("panic", r), slog.String("stack", string(debug.Stack())), slog.String("component", "command"))
		}
	}()
	h(ctx, inv)
	telemetry.CommandDispatched(inv.Name, "ok")
}

// Reply answers where the command came from.
func (d *Dispatcher) Reply(inv Invocation, text string) {
	if inv.Private || inv.Channel == "" {
		d.opts.Replier.Whisper(inv.Nick, text)
		return
	}
	d.opts.Replier.Say(inv.Channel, text)
}

func (d *Dispatcher) unauthenticatedText() string {
	msg := "You need to be authenticated to use the Steam feature"
	if d.opts.AuthHelpURL != "" {
		return msg + ", see: " + d.opts.AuthHelpURL
	}
	return msg + "."
}

// withAccount resolves the caller and runs fn only for authenticated callers.
func (d *Dispatcher) withAccount(ctx context.Context, inv Invocation, fn func(account identity.Account)) {
	d.opts.Resolver.Resolve(ctx, inv.Nick, func(account identity.Account, err error) {
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("identity lookup failed", slog.String("nick", inv.Nick), slog.Any("err", err), slog.String("component", "command"))
			d.Reply(inv, "Could not check your authentication right now, please try again shortly.")
			return
		}
		if account == "" {
			d.Reply(inv, d.unauthenticatedText())
			return
		}
		fn(account)
	})
}

func (d *Dispatcher) verify(ctx context.Context, inv Invocation) {
	d.withAccount(ctx, inv, func(account identity.Account) {
		code, err := d.opts.Issuer.IssueOrReuse(account)
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Error("issue verification code", slog.String("account", string(account)), slog.Any("err", err), slog.String("component", "command"))
			d.Reply(inv, "Could not issue a verification code right now, please try again later.")
			return
		}
		if d.opts.ProfileURL != "" {
			d.opts.Replier.Whisper(inv.Nick, "Please add me on Steam: "+d.opts.ProfileURL)
		}
		text := "Then send this code to me in a Steam message to verify your account: " + code
		if d.opts.CodeTTL > 0 {
			text += fmt.Sprintf(" (valid for %s)", humanDuration(d.opts.CodeTTL))
		}
		d.opts.Replier.Whisper(inv.Nick, text)
	})
}

func (d *Dispatcher) whoami(ctx context.Context, inv Invocation) {
	d.withAccount(ctx, inv, func(account identity.Account) {
		if user, ok := d.opts.Directory.PairedUser(account); ok {
			d.opts.Replier.Whisper(inv.Nick, fmt.Sprintf("You are authenticated as %s and linked to Steam ID %d.", account, user))
			return
		}
		d.opts.Replier.Whisper(inv.Nick, fmt.Sprintf("You are authenticated as %s and not linked to Steam yet, use %sverify.", account, d.opts.Prefix))
	})
}

func (d *Dispatcher) help(_ context.Context, inv Invocation) {
	parts := make([]string, 0, len(d.order))
	for _, name := range d.order {
		e := d.commands[name]
		if !e.listed {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s%s (%s)", d.opts.Prefix, e.name, e.summary))
	}
	d.Reply(inv, "Commands are "+strings.Join(parts, ", "))
}

// test sends a direct message to every linked Steam user.
func (d *Dispatcher) test(ctx context.Context, inv Invocation) {
	d.withAccount(ctx, inv, func(account identity.Account) {
		if !d.admins[identity.Account(strings.ToLower(string(account)))] {
			d.Reply(inv, "That command is restricted to bridge admins.")
			return
		}
		pairings := d.opts.Directory.Pairings()
		for _, p := range pairings {
			telemetry.LoggerWithCorr(ctx).Debug("sending test message", slog.String("account", string(p.Account)), slog.Uint64("user_id", uint64(p.UserID)), slog.String("component", "command"))
			d.opts.Messenger.SendDirectMessage(p.UserID, "Test")
		}
		d.opts.Replier.Whisper(inv.Nick, fmt.Sprintf("Sent a test message to %d linked Steam users.", len(pairings)))
	})
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
