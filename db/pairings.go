package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jamal/gatherbot/identity"
)

// PairingStore reads and writes the pairings table.
type PairingStore struct{ DB *sql.DB }

// Load returns every stored pairing, oldest first so later pairings win when
// replayed into an identity.Store.
func (s *PairingStore) Load(ctx context.Context) ([]identity.Pairing, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT account, steam_id FROM pairings ORDER BY paired_at, account`)
	if err != nil {
		return nil, fmt.Errorf("query pairings: %w", err)
	}
	defer rows.Close()

	var out []identity.Pairing
	for rows.Next() {
		var account string
		var steamID int64
		if err := rows.Scan(&account, &steamID); err != nil {
			return nil, fmt.Errorf("scan pairing: %w", err)
		}
		out = append(out, identity.Pairing{Account: identity.Account(account), UserID: identity.UserID(steamID)})
	}
	return out, rows.Err()
}

// Save upserts p, removing any other account that held the same Steam id.
func (s *PairingStore) Save(ctx context.Context, p identity.Pairing) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairings WHERE steam_id = $1 AND account <> $2`, int64(p.UserID), string(p.Account)); err != nil {
		return fmt.Errorf("clear previous owner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO pairings(account, steam_id, paired_at) VALUES($1, $2, NOW())
		ON CONFLICT(account) DO UPDATE SET steam_id = EXCLUDED.steam_id, paired_at = NOW()`,
		string(p.Account), int64(p.UserID)); err != nil {
		return fmt.Errorf("upsert pairing: %w", err)
	}
	return tx.Commit()
}

// Delete removes the pairing for account.
func (s *PairingStore) Delete(ctx context.Context, account identity.Account) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM pairings WHERE account = $1`, string(account)); err != nil {
		return fmt.Errorf("delete pairing: %w", err)
	}
	return nil
}

type change struct {
	pairing identity.Pairing
	unlink  bool
}

// Writer applies pairing changes in order on its own goroutine so callers on
// the bridge loop never wait for the database.
type Writer struct {
	store   *PairingStore
	queue   chan change
	retries uint
}

// NewWriter returns a writer with a queue of size buffer (default 256).
func NewWriter(store *PairingStore, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Writer{store: store, queue: make(chan change, buffer), retries: 5}
}

// Save queues p for upsert.
func (w *Writer) Save(p identity.Pairing) { w.enqueue(change{pairing: p}) }

// Delete queues removal of account's pairing.
func (w *Writer) Delete(account identity.Account) {
	w.enqueue(change{pairing: identity.Pairing{Account: account}, unlink: true})
}

func (w *Writer) enqueue(c change) {
	select {
	case w.queue <- c:
	default:
		slog.Error("pairing write queue full; change dropped", slog.String("account", string(c.pairing.Account)), slog.Bool("unlink", c.unlink), slog.String("component", "db"))
	}
}

// Start drains the queue until ctx is canceled.
func (w *Writer) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-w.queue:
			w.apply(ctx, c)
		}
	}
}

func (w *Writer) apply(ctx context.Context, c change) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if c.unlink {
			return struct{}{}, w.store.Delete(ctx, c.pairing.Account)
		}
		return struct{}{}, w.store.Save(ctx, c.pairing)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.retries))
	if err != nil {
		slog.Error("pairing write failed", slog.String("account", string(c.pairing.Account)), slog.Bool("unlink", c.unlink), slog.Any("err", err), slog.String("component", "db"))
		return
	}
	slog.Debug("pairing written", slog.String("account", string(c.pairing.Account)), slog.Bool("unlink", c.unlink), slog.String("component", "db"))
}
