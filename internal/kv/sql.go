package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlTableName        = "attendcore_kv"
	sqlOperationTimeout = 5 * time.Second
)

type dialect struct {
	driver string
	schema string
	get    string
	upsert string
	delete string
	keys   string
	usage  string
}

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS ` + sqlTableName + ` (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	get:    `SELECT v FROM ` + sqlTableName + ` WHERE k = ?`,
	upsert: `INSERT INTO ` + sqlTableName + ` (k, v, updated_at) VALUES (?, ?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
	delete: `DELETE FROM ` + sqlTableName + ` WHERE k = ?`,
	keys:   `SELECT k FROM ` + sqlTableName + ` ORDER BY k`,
	usage:  `SELECT COALESCE(SUM(LENGTH(k) + LENGTH(v)), 0) FROM ` + sqlTableName,
}

var postgresDialect = dialect{
	driver: "postgres",
	schema: `CREATE TABLE IF NOT EXISTS ` + sqlTableName + ` (
		k TEXT PRIMARY KEY,
		v BYTEA NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	get:    `SELECT v FROM ` + sqlTableName + ` WHERE k = $1`,
	upsert: `INSERT INTO ` + sqlTableName + ` (k, v, updated_at) VALUES ($1, $2, $3) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at`,
	delete: `DELETE FROM ` + sqlTableName + ` WHERE k = $1`,
	keys:   `SELECT k FROM ` + sqlTableName + ` ORDER BY k`,
	usage:  `SELECT COALESCE(SUM(OCTET_LENGTH(k) + OCTET_LENGTH(v)), 0) FROM ` + sqlTableName,
}

// SQL is a KeyValueStore over a single table, backed by SQLite
// (modernc.org/sqlite) or PostgreSQL (lib/pq).
type SQL struct {
	db *sql.DB
	d  dialect
}

// NewSQLite opens (or creates) a SQLite database file.
func NewSQLite(path string) (*SQL, error) {
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps writes serialized and PRAGMAs in effect.
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return newSQL(db, sqliteDialect)
}

// NewPostgres connects to PostgreSQL using a lib/pq DSN.
func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQL(db, postgresDialect)
}

func newSQL(db *sql.DB, d dialect) (*SQL, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create %s table: %w", d.driver, err)
	}
	return &SQL{db: db, d: d}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var v []byte
	err := s.db.QueryRowContext(ctx, s.d.get, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.d.upsert, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.d.delete, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.d.keys)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQL) Usage(ctx context.Context) (Usage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var used int64
	if err := s.db.QueryRowContext(ctx, s.d.usage).Scan(&used); err != nil {
		return Usage{}, fmt.Errorf("usage: %w", err)
	}
	return Usage{UsedBytes: used}, nil
}

func (s *SQL) Close() error { return s.db.Close() }
