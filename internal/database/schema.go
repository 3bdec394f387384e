package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement without returning rows. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mqtt_messages (
		id           UUID PRIMARY KEY,
		client_id    TEXT        NOT NULL,
		topic        TEXT        NOT NULL,
		payload      BYTEA       NOT NULL,
		payload_hash BIGINT      NOT NULL,
		received_at  BIGINT      NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS mqtt_messages_topic_received_idx
		ON mqtt_messages (topic, received_at)`,
	`CREATE INDEX IF NOT EXISTS mqtt_messages_payload_hash_idx
		ON mqtt_messages (payload_hash)`,
}

// EnsureSchema creates the archive table and indexes if they are missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
