package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres implements KV on a single table using pgx.
type Postgres struct {
	Client *sql.DB
}

// NewPostgres creates a Postgres connection with sane defaults and ensures the table exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Unavailable(err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{Client: db}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.Client.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable(err)
	}
	return v, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.Client.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return Unavailable(err)
}

// Transact locks an existing row with FOR UPDATE. An absent key cannot be
// locked, so creation goes through ON CONFLICT DO NOTHING and a lost insert
// race reruns fn against the winner's value.
func (p *Postgres) Transact(ctx context.Context, key string, fn TxFunc) (TxResult, error) {
	for i := 0; i < maxTxAttempts; i++ {
		res, retry, err := p.transactOnce(ctx, key, fn)
		if err != nil {
			return TxResult{}, Unavailable(err)
		}
		if !retry {
			return res, nil
		}
	}
	return TxResult{}, ErrContention
}

func (p *Postgres) transactOnce(ctx context.Context, key string, fn TxFunc) (TxResult, bool, error) {
	tx, err := p.Client.BeginTx(ctx, nil)
	if err != nil {
		return TxResult{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur []byte
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = $1 FOR UPDATE`, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return TxResult{}, false, err
	}

	next, commit := fn(cur, exists)
	if !commit {
		return TxResult{Value: cur, Exists: exists}, false, nil
	}

	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE kv_entries SET value = $2, updated_at = NOW() WHERE key = $1`, key, next)
		if err != nil {
			return TxResult{}, false, err
		}
	} else {
		out, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO NOTHING
		`, key, next)
		if err != nil {
			return TxResult{}, false, err
		}
		n, err := out.RowsAffected()
		if err != nil {
			return TxResult{}, false, err
		}
		if n == 0 {
			return TxResult{}, true, nil
		}
	}
	if err := tx.Commit(); err != nil {
		return TxResult{}, false, err
	}
	return TxResult{Committed: true, Value: next, Exists: true}, false, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return Unavailable(p.Client.PingContext(ctx))
}

// Close closes the underlying connection.
func (p *Postgres) Close() error {
	if p == nil || p.Client == nil {
		return nil
	}
	return p.Client.Close()
}
