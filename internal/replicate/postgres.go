package replicate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore mirrors blocks into a PostgreSQL table. Rows are insert-only;
// a conflicting name is left untouched, matching block immutability.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the mirror table
// exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chain_blocks (
			name        TEXT PRIMARY KEY,
			data        BYTEA NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure mirror table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Put implements RemoteStore.
func (p *PostgresStore) Put(ctx context.Context, name string, data []byte) error {
	if _, err := p.pool.Exec(ctx,
		"INSERT INTO chain_blocks (name, data) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
		name, data,
	); err != nil {
		return fmt.Errorf("insert mirror block %s: %w", name, err)
	}
	return nil
}

// Get implements RemoteStore.
func (p *PostgresStore) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	if err := p.pool.QueryRow(ctx,
		"SELECT data FROM chain_blocks WHERE name = $1", name,
	).Scan(&data); err != nil {
		return nil, fmt.Errorf("get mirror block %s: %w", name, err)
	}
	return data, nil
}

// List implements RemoteStore.
func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT name FROM chain_blocks ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("list mirror blocks: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
