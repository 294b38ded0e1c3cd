// Package storage implements the bridge's typed key/value persistence
// engine: a single physical Postgres table holding every prefixed
// namespace, with ACID multi-write transactions and ordered prefix scans.
// The schema is deliberately one generic KV table rather than per-entity
// relational tables — everything above this layer addresses state by
// prefixed binary key.
package storage

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps a pgx connection pool holding the bridge's single KV table.
type Store struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates the connection pool and verifies connectivity with a ping.
func New(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing storage URL: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating storage pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging storage: %w", err)
	}

	logger.Info("storage connection established", slog.String("host", cfg.ConnConfig.Host))
	return &Store{Pool: pool, logger: logger}, nil
}

// Migrate runs the embedded schema migration that creates the kv table.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening storage migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("creating storage migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying storage migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// HealthCheck verifies the connection is alive.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("storage health check: %w", err)
	}
	return nil
}

// Close shuts down the pool.
func (s *Store) Close() {
	s.logger.Info("closing storage pool")
	s.Pool.Close()
}

// KV is the read/write surface shared by Txn and TxnRO.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	FindByPrefix(ctx context.Context, prefix []byte) (iterNext func() (key, value []byte, ok bool, err error), closeFn func())
	FindByPrefixDesc(ctx context.Context, prefix []byte) (iterNext func() (key, value []byte, ok bool, err error), closeFn func())
}

// Txn is a read-write transaction with snapshot (repeatable read) isolation.
type Txn struct {
	tx pgx.Tx
}

// TxnRO is a non-committing, read-only transaction: it is always rolled
// back, never committed.
type TxnRO struct {
	tx pgx.Tx
}

// BeginTransaction starts a read-write transaction.
func (s *Store) BeginTransaction(ctx context.Context) (*Txn, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Txn{tx: tx}, nil
}

// BeginTransactionNC starts a non-committing, read-only transaction.
func (s *Store) BeginTransactionNC(ctx context.Context) (*TxnRO, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read-only transaction: %w", err)
	}
	return &TxnRO{tx: tx}, nil
}

// Commit commits the write transaction. A write-write conflict surfaces as a
// plain error; callers retry or accept staleness per call site.
func (t *Txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit conflict: %w", err)
	}
	return nil
}

// Rollback aborts the write transaction.
func (t *Txn) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// Close rolls back the read-only transaction; it is never committed.
func (t *TxnRO) Close(ctx context.Context) {
	_ = t.tx.Rollback(ctx)
}

func get(ctx context.Context, tx pgx.Tx, key []byte) ([]byte, bool, error) {
	var v []byte
	err := tx.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, key).Scan(&v)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return v, true, nil
}

// Get reads a single key.
func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) { return get(ctx, t.tx, key) }

// Get reads a single key in a read-only transaction.
func (t *TxnRO) Get(ctx context.Context, key []byte) ([]byte, bool, error) { return get(ctx, t.tx, key) }

// Set writes key/value. Callers build keys with a stable 1-byte prefix
// followed by a fixed binary encoding of the key fields (see keys.go).
func (t *Txn) Set(ctx context.Context, key, value []byte) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO kv (k, v) VALUES ($1, $2)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (t *Txn) Delete(ctx context.Context, key []byte) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM kv WHERE k = $1`, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key sharing prefix, used when leaving a
// federation to delete its entire database.
func (t *Txn) DeletePrefix(ctx context.Context, prefix []byte) error {
	hi := upperBound(prefix)
	var err error
	if hi == nil {
		_, err = t.tx.Exec(ctx, `DELETE FROM kv WHERE k >= $1`, prefix)
	} else {
		_, err = t.tx.Exec(ctx, `DELETE FROM kv WHERE k >= $1 AND k < $2`, prefix, hi)
	}
	if err != nil {
		return fmt.Errorf("kv delete prefix: %w", err)
	}
	return nil
}

// upperBound returns the smallest byte string that is strictly greater than
// every string with the given prefix, or nil if prefix is all 0xff bytes
// (meaning there is no finite upper bound and callers should scan to the end
// of the keyspace instead).
func upperBound(prefix []byte) []byte {
	hi := append([]byte{}, prefix...)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] != 0xff {
			hi[i]++
			return hi[:i+1]
		}
	}
	return nil
}

func findByPrefix(ctx context.Context, tx pgx.Tx, prefix []byte, desc bool) (func() (key, value []byte, ok bool, err error), func()) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	hi := upperBound(prefix)
	var rows pgx.Rows
	var err error
	if hi == nil {
		query := fmt.Sprintf(`SELECT k, v FROM kv WHERE k >= $1 ORDER BY k %s`, order)
		rows, err = tx.Query(ctx, query, prefix)
	} else {
		query := fmt.Sprintf(`SELECT k, v FROM kv WHERE k >= $1 AND k < $2 ORDER BY k %s`, order)
		rows, err = tx.Query(ctx, query, prefix, hi)
	}
	if err != nil {
		failed := true
		return func() ([]byte, []byte, bool, error) {
			if failed {
				failed = false
				return nil, nil, false, fmt.Errorf("kv find_by_prefix: %w", err)
			}
			return nil, nil, false, nil
		}, func() {}
	}
	next := func() ([]byte, []byte, bool, error) {
		if !rows.Next() {
			return nil, nil, false, rows.Err()
		}
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, nil, false, fmt.Errorf("kv scan: %w", err)
		}
		return k, v, true, nil
	}
	return next, rows.Close
}

// FindByPrefix yields key/value pairs in ascending lexical key order.
func (t *Txn) FindByPrefix(ctx context.Context, prefix []byte) (func() (key, value []byte, ok bool, err error), func()) {
	return findByPrefix(ctx, t.tx, prefix, false)
}

// FindByPrefixDesc yields key/value pairs in descending lexical key order.
func (t *Txn) FindByPrefixDesc(ctx context.Context, prefix []byte) (func() (key, value []byte, ok bool, err error), func()) {
	return findByPrefix(ctx, t.tx, prefix, true)
}

// FindByPrefix on a read-only transaction.
func (t *TxnRO) FindByPrefix(ctx context.Context, prefix []byte) (func() (key, value []byte, ok bool, err error), func()) {
	return findByPrefix(ctx, t.tx, prefix, false)
}

// FindByPrefixDesc on a read-only transaction.
func (t *TxnRO) FindByPrefixDesc(ctx context.Context, prefix []byte) (func() (key, value []byte, ok bool, err error), func()) {
	return findByPrefix(ctx, t.tx, prefix, true)
}

// SubDB is a logical sub-database scoped beneath a byte prefix, used to
// isolate the bridge's own keys from an underlying federation client's keys
// sharing the same physical store (federation prefixes 0xb0..0xcf,
// client-reserved 0xd0+).
type SubDB struct {
	prefix []byte
}

// WithPrefix returns a SubDB scoped beneath prefix.
func WithPrefix(prefix []byte) SubDB { return SubDB{prefix: append([]byte{}, prefix...)} }

// Key qualifies suffix with the sub-database's prefix.
func (d SubDB) Key(suffix []byte) []byte {
	return append(append([]byte{}, d.prefix...), suffix...)
}

// HasPrefix reports whether key falls within this sub-database.
func (d SubDB) HasPrefix(key []byte) bool { return bytes.HasPrefix(key, d.prefix) }
