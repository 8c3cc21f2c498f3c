package fingerprint

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ingest_fingerprints (
	content_hash TEXT PRIMARY KEY,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres keeps the index in the knowledge store's own database, so the
// record of prior submissions outlives any single ingest process.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("fingerprint: postgres database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create fingerprint table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Exists(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ingest_fingerprints WHERE content_hash = $1)`, hash,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return ok, nil
}

func (p *Postgres) Record(ctx context.Context, hash string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ingest_fingerprints (content_hash) VALUES ($1) ON CONFLICT (content_hash) DO NOTHING`, hash,
	)
	if err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM ingest_fingerprints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
