package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store backed by a single PostgreSQL table.
// Versions are a bigint column bumped on every write; conditional writes
// compare it in the WHERE clause so losers see zero rows affected.
type Postgres struct {
	pool *pgxpool.Pool
}

// schema creates the backing table. Safe to run repeatedly.
const schema = `
	CREATE TABLE IF NOT EXISTS kv_items (
		partition  text        NOT NULL,
		key        text        NOT NULL,
		value      jsonb       NOT NULL,
		version    bigint      NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT NOW(),
		PRIMARY KEY (partition, key)
	)
`

// NewPostgres creates a PostgreSQL-backed store, verifying the connection
// and ensuring the backing table exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating kv_items table: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, partition, key string) (Item, error) {
	query := `
		SELECT value, version
		FROM kv_items
		WHERE partition = $1 AND key = $2
	`
	item := Item{Partition: partition, Key: key}
	err := p.pool.QueryRow(ctx, query, partition, key).Scan(&item.Value, &item.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("querying item: %w", err)
	}
	return item, nil
}

// Put implements Store.
func (p *Postgres) Put(ctx context.Context, partition, key string, value []byte, version int64) (int64, error) {
	if version == VersionAbsent {
		query := `
			INSERT INTO kv_items (partition, key, value, version)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (partition, key) DO NOTHING
		`
		tag, err := p.pool.Exec(ctx, query, partition, key, value)
		if err != nil {
			return 0, fmt.Errorf("inserting item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrVersionMismatch
		}
		return 1, nil
	}

	query := `
		UPDATE kv_items
		SET value = $3, version = version + 1, updated_at = NOW()
		WHERE partition = $1 AND key = $2 AND version = $4
	`
	tag, err := p.pool.Exec(ctx, query, partition, key, value, version)
	if err != nil {
		return 0, fmt.Errorf("updating item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrVersionMismatch
	}
	return version + 1, nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, partition, key string, version int64) error {
	query := `
		DELETE FROM kv_items
		WHERE partition = $1 AND key = $2 AND version = $3
	`
	tag, err := p.pool.Exec(ctx, query, partition, key, version)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		if _, getErr := p.Get(ctx, partition, key); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	return nil
}

// Scan implements Store.
func (p *Postgres) Scan(ctx context.Context, partition string) ([]Item, error) {
	query := `
		SELECT key, value, version
		FROM kv_items
		WHERE partition = $1
		ORDER BY key
	`
	rows, err := p.pool.Query(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("scanning partition: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item := Item{Partition: partition}
		if err := rows.Scan(&item.Key, &item.Value, &item.Version); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
