package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS upvoted_topics (
		id            BIGINT      PRIMARY KEY,
		url           TEXT        NOT NULL,
		title         TEXT        NOT NULL DEFAULT '',
		description   TEXT        NOT NULL DEFAULT '',
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id             BIGSERIAL   PRIMARY KEY,
		source_id      TEXT        NOT NULL UNIQUE,
		last_synced_at TIMESTAMPTZ NOT NULL,
		last_topic_id  BIGINT      NOT NULL DEFAULT 0,
		total_synced   BIGINT      NOT NULL DEFAULT 0
	);
`

// Connect opens the archive database and creates its tables if needed.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
