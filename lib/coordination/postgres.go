// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// postgresBackend stores keys in a single coordination_kv table.
// Versions come from a global sequence, so they increase across
// deletes and re-creates of the same key. Watch events ride on
// LISTEN/NOTIFY: each write transaction fires pg_notify with a small
// "op version key" payload, and the listener re-reads the row to get
// the value, the same way the websocket event source follows the logs
// table.
type postgresBackend struct {
	logger     logrus.FieldLogger
	db         *sqlx.DB
	dataSource string
	listener   *pq.Listener

	mtx      sync.Mutex
	watchers map[*pgWatcher]bool
	closed   bool
	stop     chan struct{}
}

type pgWatcher struct {
	prefix string
	ch     chan Event
}

const (
	pgNotifyChannel = "loom_kv"

	pgSweepInterval = time.Second
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS coordination_kv (
	key varchar(255) PRIMARY KEY,
	value bytea NOT NULL,
	version bigint NOT NULL,
	expires_at timestamptz
);
CREATE INDEX IF NOT EXISTS coordination_kv_expires_at ON coordination_kv (expires_at) WHERE expires_at IS NOT NULL;
CREATE SEQUENCE IF NOT EXISTS coordination_kv_version;
`

type kvRow struct {
	Key       string       `db:"key"`
	Value     []byte       `db:"value"`
	Version   int64        `db:"version"`
	ExpiresAt sql.NullTime `db:"expires_at"`
}

func newPostgresBackend(cluster *loom.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) (Backend, error) {
	b := &postgresBackend{
		logger:     logger,
		dataSource: cluster.Coordination.Postgres.Connection.String(),
		watchers:   map[*pgWatcher]bool{},
		stop:       make(chan struct{}),
	}
	db, err := sqlx.Open("postgres", b.dataSource)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavail(err)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting up coordination_kv table: %w", err)
	}
	b.db = db
	b.listener = pq.NewListener(b.dataSource, time.Second, time.Minute, b.listenerProblem)
	if err := b.listener.Listen(pgNotifyChannel); err != nil {
		db.Close()
		return nil, unavail(err)
	}
	go b.runListener()
	go b.sweep()
	return b, nil
}

func (b *postgresBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Version, error) {
	var version int64
	err := b.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO coordination_kv (key, value, version, expires_at)
			VALUES ($1, $2, nextval('coordination_kv_version'),
			        CASE WHEN $3::float8 > 0 THEN current_timestamp + $3::float8 * interval '1 second' ELSE NULL END)
			ON CONFLICT (key) DO UPDATE
			SET value = excluded.value, version = excluded.version, expires_at = excluded.expires_at
			RETURNING version`,
			key, value, ttl.Seconds()).Scan(&version)
		if err != nil {
			return unavail(err)
		}
		return b.notifyTx(ctx, tx, "put", key, version)
	})
	return Version(version), err
}

func (b *postgresBackend) Get(ctx context.Context, key string) (KV, error) {
	var row kvRow
	err := b.db.GetContext(ctx, &row, `
		SELECT key, value, version FROM coordination_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > current_timestamp)`,
		key)
	if errors.Is(err, sql.ErrNoRows) {
		return KV{}, ErrNotFound
	} else if err != nil {
		return KV{}, unavail(err)
	}
	return KV{Key: row.Key, Value: row.Value, Version: Version(row.Version)}, nil
}

func (b *postgresBackend) CompareAndSwap(ctx context.Context, key string, value []byte, expect Version, ttl time.Duration) (Version, error) {
	var version int64
	err := b.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := b.clearExpired(ctx, tx, key); err != nil {
			return err
		}
		var err error
		if expect == 0 {
			err = tx.QueryRowxContext(ctx, `
				INSERT INTO coordination_kv (key, value, version, expires_at)
				VALUES ($1, $2, nextval('coordination_kv_version'),
				        CASE WHEN $3::float8 > 0 THEN current_timestamp + $3::float8 * interval '1 second' ELSE NULL END)
				ON CONFLICT (key) DO NOTHING
				RETURNING version`,
				key, value, ttl.Seconds()).Scan(&version)
		} else {
			err = tx.QueryRowxContext(ctx, `
				UPDATE coordination_kv
				SET value = $2, version = nextval('coordination_kv_version'),
				    expires_at = CASE WHEN $3::float8 > 0 THEN current_timestamp + $3::float8 * interval '1 second' ELSE NULL END
				WHERE key = $1 AND version = $4
				RETURNING version`,
				key, value, ttl.Seconds(), int64(expect)).Scan(&version)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCASMismatch
		} else if err != nil {
			return unavail(err)
		}
		return b.notifyTx(ctx, tx, "put", key, version)
	})
	if err != nil {
		return 0, err
	}
	return Version(version), nil
}

func (b *postgresBackend) Delete(ctx context.Context, key string, expect Version) error {
	return b.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := b.clearExpired(ctx, tx, key); err != nil {
			return err
		}
		var version int64
		var err error
		if expect == 0 {
			err = tx.QueryRowxContext(ctx, `DELETE FROM coordination_kv WHERE key = $1 RETURNING version`, key).Scan(&version)
		} else {
			err = tx.QueryRowxContext(ctx, `DELETE FROM coordination_kv WHERE key = $1 AND version = $2 RETURNING version`, key, int64(expect)).Scan(&version)
		}
		if errors.Is(err, sql.ErrNoRows) {
			var n int
			if err := tx.GetContext(ctx, &n, `SELECT count(*) FROM coordination_kv WHERE key = $1`, key); err != nil {
				return unavail(err)
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrCASMismatch
		} else if err != nil {
			return unavail(err)
		}
		return b.notifyTx(ctx, tx, "delete", key, version)
	})
}

func (b *postgresBackend) List(ctx context.Context, prefix string) ([]KV, error) {
	var rows []kvRow
	err := b.db.SelectContext(ctx, &rows, `
		SELECT key, value, version FROM coordination_kv
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > current_timestamp)
		ORDER BY key`,
		likePrefix(prefix))
	if err != nil {
		return nil, unavail(err)
	}
	var kvs []KV
	for _, row := range rows {
		kvs = append(kvs, KV{Key: row.Key, Value: row.Value, Version: Version(row.Version)})
	}
	return kvs, nil
}

func (b *postgresBackend) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	w := &pgWatcher{prefix: prefix, ch: make(chan Event, watchBuffer)}
	b.watchers[w] = true
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
		}
		b.mtx.Lock()
		defer b.mtx.Unlock()
		b.drop(w)
	}()
	return w.ch, nil
}

func (b *postgresBackend) Ping(ctx context.Context) error {
	var n int
	return unavail(b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n))
}

func (b *postgresBackend) Close() error {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	for w := range b.watchers {
		b.drop(w)
	}
	b.mtx.Unlock()
	b.listener.Close()
	return b.db.Close()
}

func (b *postgresBackend) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavail(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return unavail(tx.Commit())
}

// clearExpired deletes an expired row for key, if any, so the caller
// sees a clean create-if-absent picture. The delete event is notified
// here rather than left to the sweeper.
func (b *postgresBackend) clearExpired(ctx context.Context, tx *sqlx.Tx, key string) error {
	var version int64
	err := tx.QueryRowxContext(ctx, `
		DELETE FROM coordination_kv
		WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= current_timestamp
		RETURNING version`,
		key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return unavail(err)
	}
	return b.notifyTx(ctx, tx, "delete", key, version)
}

func (b *postgresBackend) notifyTx(ctx context.Context, tx *sqlx.Tx, op, key string, version int64) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, fmt.Sprintf("%s %d %s", op, version, key))
	return unavail(err)
}

func (b *postgresBackend) listenerProblem(et pq.ListenerEventType, err error) {
	if et == pq.ListenerEventConnected {
		b.logger.Debug("listener connected")
		return
	}
	// There is no way to catch up on notifications missed while
	// disconnected, so current watchers cannot be trusted anymore.
	// Close them; their consumers re-list and re-watch.
	b.logger.WithField("eventType", et).WithError(err).Error("listener problem")
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for w := range b.watchers {
		b.drop(w)
	}
}

func (b *postgresBackend) runListener() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.listener.Ping()
		case pqEvent, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if pqEvent == nil {
				// pq reports the underlying problem via
				// listenerProblem
				continue
			}
			if pqEvent.Channel != pgNotifyChannel {
				b.logger.WithField("pqEvent", pqEvent).Error("unexpected notify from wrong channel")
				continue
			}
			b.dispatchNotify(pqEvent.Extra)
		}
	}
}

// dispatchNotify turns one notify payload into a watch event. For puts
// the payload only carries the key and version; the value is re-read
// from the table. A row that is already gone or overwritten is skipped
// because a newer notification covers it.
func (b *postgresBackend) dispatchNotify(payload string) {
	op, version, key, err := parseNotifyPayload(payload)
	if err != nil {
		b.logger.WithField("payload", payload).WithError(err).Error("bad notify payload")
		return
	}
	ev := Event{Type: EventDelete, KV: KV{Key: key, Version: version}}
	if op == "put" {
		var row kvRow
		err := b.db.Get(&row, `SELECT key, value, version FROM coordination_kv WHERE key = $1 AND version = $2`, key, int64(version))
		if errors.Is(err, sql.ErrNoRows) {
			return
		} else if err != nil {
			b.logger.WithField("Key", key).WithError(err).Error("error reading notified row")
			return
		}
		ev = Event{Type: EventPut, KV: KV{Key: row.Key, Value: row.Value, Version: Version(row.Version)}}
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for w := range b.watchers {
		if !strings.HasPrefix(ev.KV.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			b.logger.WithField("Prefix", w.prefix).Warn("watch channel overflowed, dropping watcher")
			b.drop(w)
		}
	}
}

// drop unregisters a watcher and closes its channel, exactly once.
// Caller must hold mtx.
func (b *postgresBackend) drop(w *pgWatcher) {
	if b.watchers[w] {
		delete(b.watchers, w)
		close(w.ch)
	}
}

func (b *postgresBackend) sweep() {
	ticker := time.NewTicker(pgSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), pgSweepInterval)
		err := b.withTx(ctx, func(tx *sqlx.Tx) error {
			var rows []kvRow
			err := tx.SelectContext(ctx, &rows, `
				DELETE FROM coordination_kv
				WHERE expires_at IS NOT NULL AND expires_at <= current_timestamp
				RETURNING key, value, version`)
			if err != nil {
				return unavail(err)
			}
			for _, row := range rows {
				if err := b.notifyTx(ctx, tx, "delete", row.Key, row.Version); err != nil {
					return err
				}
			}
			return nil
		})
		cancel()
		if err != nil {
			b.logger.WithError(err).Warn("error sweeping expired keys")
		}
	}
}

func parseNotifyPayload(payload string) (op string, version Version, key string, err error) {
	fields := strings.SplitN(payload, " ", 3)
	if len(fields) != 3 || (fields[0] != "put" && fields[0] != "delete") {
		return "", 0, "", fmt.Errorf("malformed payload %q", payload)
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed version in payload %q", payload)
	}
	return fields[0], Version(v), fields[2], nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix turns a key prefix into a LIKE pattern matching all keys
// that start with it.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// unavail marks err as a coordination backend outage so callers can
// degrade instead of treating it as a data-level failure.
func unavail(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", loom.ErrBackendUnavailable, err)
}
