package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS voice_documents (
	key        TEXT PRIMARY KEY,
	value      BYTEA,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres keeps documents in one table. Transact locks the row with
// SELECT ... FOR UPDATE, inserting an empty placeholder first so the very
// first claim on a key is serialised too.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// EnsureSchema creates the documents table if it is missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM voice_documents WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get %s: %w", key, err)
	}
	// placeholder rows from an aborted first Transact carry NULL
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO voice_documents (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	observeTransact("postgres", "set")
	return nil
}

func (p *Postgres) Transact(ctx context.Context, key string, fn TransactFunc) error {
	var fnErr error
	wrote := false
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO voice_documents (key, value) VALUES ($1, NULL) ON CONFLICT (key) DO NOTHING`, key); err != nil {
			return err
		}
		var cur []byte
		if err := tx.QueryRow(ctx, `SELECT value FROM voice_documents WHERE key = $1 FOR UPDATE`, key).Scan(&cur); err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE voice_documents SET value = $2, updated_at = now() WHERE key = $1`, key, next); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if fnErr != nil {
		observeTransact("postgres", "aborted")
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("postgres transact %s: %w", key, err)
	}
	if wrote {
		observeTransact("postgres", "committed")
	} else {
		observeTransact("postgres", "noop")
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }
