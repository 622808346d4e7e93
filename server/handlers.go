package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jamal/gatherbot/identity"
	"github.com/jamal/gatherbot/telemetry"
	"github.com/jamal/gatherbot/verify"
)

// Pinger checks a backing service, typically *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Unlinker forgets a stored pairing, typically *db.Writer.
type Unlinker interface {
	Delete(account identity.Account)
}

// MigrationVersionFunc reports the applied schema version, typically
// db.MigrationVersion bound to the open database.
type MigrationVersionFunc func() (version uint, dirty bool, err error)

// Deps holds what the handlers read from. DB, Persist and Migrations are optional.
type Deps struct {
	Store    *identity.Store
	Registry *verify.Registry
	// Adapters maps a network name to a probe reporting whether its session is up.
	Adapters   map[string]func() bool
	DB         Pinger
	Persist    Unlinker
	Migrations MigrationVersionFunc
	Auth       AuthConfig
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct{ deps Deps }

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers { return &Handlers{deps: deps} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleStatus reports table sizes, adapter state and, with persistence, the
// schema migration version.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Store.Stats()
	adapters := make(map[string]bool, len(h.deps.Adapters))
	for name, up := range h.deps.Adapters {
		adapters[name] = up()
	}
	body := map[string]any{
		"cached_nicks":      stats.CachedNicks,
		"paired_accounts":   stats.Pairings,
		"outstanding_codes": h.deps.Registry.Outstanding(),
		"adapters":          adapters,
		"persistence":       h.deps.DB != nil,
	}
	if h.deps.Migrations != nil {
		version, dirty, err := h.deps.Migrations()
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("migration version unavailable", slog.Any("err", err), slog.String("component", "http"))
			body["migration_error"] = err.Error()
		} else {
			body["migration_version"] = version
			body["migration_dirty"] = dirty
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleAdminPairings lists pairings (GET) or unlinks one (DELETE ?account=).
func (h *Handlers) HandleAdminPairings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Store.Pairings())
	case http.MethodDelete:
		account := identity.Account(r.URL.Query().Get("account"))
		if account == "" {
			http.Error(w, "account required", http.StatusBadRequest)
			return
		}
		if !h.deps.Store.Unlink(account) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if h.deps.Persist != nil {
			h.deps.Persist.Delete(account)
		}
		telemetry.SetPairedAccounts(h.deps.Store.Stats().Pairings)
		telemetry.LoggerWithCorr(r.Context()).Info("pairing removed by admin", slog.String("account", string(account)), slog.String("component", "http"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked", "account": string(account)})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
