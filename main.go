// Command gatherbot bridges an IRC channel and a Steam group. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, applies migrations and restores pairings.
//   - Starts the IRC and Steam sessions and the bridge loop that links
//     IRC accounts to Steam users through one-time codes.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics
//     and /admin/pairings.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jamal/gatherbot/bridge"
	"github.com/jamal/gatherbot/chat"
	"github.com/jamal/gatherbot/config"
	"github.com/jamal/gatherbot/db"
	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/server"
	"github.com/jamal/gatherbot/steam"
	"github.com/jamal/gatherbot/telemetry"
	"github.com/jamal/gatherbot/twitchapi"
	"github.com/jamal/gatherbot/verify"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	for _, check := range []func() error{cfg.ValidateChatReady, cfg.ValidateIdentityLookupReady, cfg.ValidateSteamReady} {
		if err := check(); err != nil {
			slog.Error("configuration incomplete", slog.Any("err", err))
			os.Exit(1)
		}
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "gatherbot", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := identity.NewStore()
	store.Strict = cfg.Strict
	registry := verify.NewRegistry(store, verify.Options{TTL: cfg.CodeTTL})

	var wg sync.WaitGroup
	deps := server.Deps{
		Store:    store,
		Registry: registry,
		Auth:     server.AuthConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
	}
	var persister bridge.Persister
	if cfg.DBDsn != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		database, err := db.Connect(connectCtx, cfg.DBDsn)
		cancel()
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err), slog.String("component", "db"))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err), slog.String("component", "db"))
			}
		}()

		// Versioned migrations first; idempotent DDL when the migrator cannot run.
		if err := db.RunMigrations(database); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
			if err := db.Migrate(ctx, database); err != nil {
				slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err), slog.String("component", "db_migrate"))
				os.Exit(1)
			}
		}

		pairings := &db.PairingStore{DB: database}
		stored, err := pairings.Load(ctx)
		if err != nil {
			slog.Error("failed to load pairings", slog.Any("err", err), slog.String("component", "db"))
			os.Exit(1)
		}
		store.Restore(stored)
		telemetry.SetPairedAccounts(store.Stats().Pairings)
		slog.Info("pairings restored", slog.Int("count", len(stored)), slog.String("component", "db"))

		writer := db.NewWriter(pairings, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer.Start(ctx)
		}()
		persister = writer
		deps.DB = database
		deps.Persist = writer
		deps.Migrations = func() (uint, bool, error) { return db.MigrationVersion(database) }
	} else {
		slog.Info("DB_DSN not set; pairings are kept in memory only", slog.String("component", "db"))
	}

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		UserToken:      cfg.TwitchWhisperToken,
		ClientID:       cfg.TwitchClientID,
	}
	ircClient := chat.NewClient(chat.Options{
		Address:        cfg.IRCAddress,
		Nick:           cfg.IRCNick,
		Token:          cfg.IRCOAuthToken,
		Channels:       cfg.IRCChannels,
		Lookup:         helix,
		Whisperer:      helix,
		WhisperTimeout: cfg.IdentityLookupTimeout,
	})
	steamClient := steam.NewClient(steam.Options{
		Username: cfg.SteamUsername,
		Password: cfg.SteamPassword,
	})
	deps.Adapters = map[string]func() bool{
		"irc":   ircClient.Connected,
		"steam": steamClient.LoggedOn,
	}

	b := bridge.New(bridge.Options{
		Chat:           ircClient,
		Steam:          steamClient,
		Lookup:         ircClient,
		Store:          store,
		Registry:       registry,
		Persister:      persister,
		Nick:           cfg.IRCNick,
		PrimaryChannel: cfg.PrimaryChannel(),
		Prefix:         cfg.CommandPrefix,
		ProfileURL:     cfg.SteamProfileURL,
		AuthHelpURL:    cfg.AuthHelpURL,
		Admins:         cfg.Admins,
		DisplayName:    cfg.SteamDisplayName,
		GroupID:        steam.ID(cfg.SteamGroupID),
		Relay:          cfg.RelayEnabled,
		SweepInterval:  cfg.SweepInterval,
		LookupTimeout:  cfg.IdentityLookupTimeout,
	})

	for _, run := range []func(context.Context){ircClient.Run, steamClient.Run, b.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}
