package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jackc/pgx/v5"
)

// ChangeChannel is the NOTIFY channel written by the documents trigger.
const ChangeChannel = "document_changes"

type changeNotification struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

// OnConnectivityChange registers fn to be called whenever the listener
// connection goes up or down.
func (r *PostgresDocumentRepository) OnConnectivityChange(fn func(online bool)) {
	r.mu.Lock()
	r.onConnectivity = append(r.onConnectivity, fn)
	r.mu.Unlock()
}

// Listen holds a dedicated connection on ChangeChannel and wakes the live
// queries of every collection named in a notification. It reconnects with
// backoff until ctx is cancelled, and returns nil on cancellation.
func (r *PostgresDocumentRepository) Listen(ctx context.Context) error {
	for {
		err := retry.Do(
			func() error { return r.listenOnce(ctx) },
			retry.Attempts(10),
			retry.Delay(250*time.Millisecond),
			retry.MaxDelay(30*time.Second),
			retry.MaxJitter(time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				r.logger.Warn().Uint("attempt", n).Err(err).Msg("change listener reconnecting")
			}),
		)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("change listener stopped")
		}
	}
}

func (r *PostgresDocumentRepository) listenOnce(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}

	r.setOnline(true)
	// Anything written while we were disconnected is picked up by a resync.
	r.wakeAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.setOnline(false)
			r.failAll(fmt.Errorf("%w: %w", ErrUnavailable, err))
			// A broken connection must not go back to the pool.
			_ = conn.Conn().Close(context.Background())
			return err
		}

		var change changeNotification
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			r.logger.Warn().Err(err).Str("payload", n.Payload).Msg("ignoring malformed change notification")
			continue
		}
		r.wakeCollection(change.Collection)
	}
}

func (r *PostgresDocumentRepository) setOnline(online bool) {
	r.mu.Lock()
	changed := r.online != online
	r.online = online
	hooks := append([]func(bool){}, r.onConnectivity...)
	r.mu.Unlock()

	if !changed {
		return
	}
	r.logger.Info().Bool("online", online).Msg("document store connectivity changed")
	for _, fn := range hooks {
		fn(online)
	}
}

func (r *PostgresDocumentRepository) wakeCollection(collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w, c := range r.watchers {
		if c == collection {
			w.notify()
		}
	}
}

func (r *PostgresDocumentRepository) wakeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.watchers {
		w.notify()
	}
}

func (r *PostgresDocumentRepository) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.watchers {
		w.fail(err)
	}
}
