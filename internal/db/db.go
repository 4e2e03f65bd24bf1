package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the database and applies the schema, including the
// notification triggers the realtime feed listens on.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", zap.Int("count", len(migrations)))

	return db, nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
	`CREATE TABLE IF NOT EXISTS profiles (
            id UUID PRIMARY KEY,
            username TEXT,
            email TEXT NOT NULL DEFAULT '',
            online_status BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            participant1_id UUID NOT NULL REFERENCES profiles(id),
            participant2_id UUID NOT NULL REFERENCES profiles(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (participant1_id <> participant2_id)
        );`,
	// The pair is unordered: one index covers both stored orders.
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_key
            ON conversations (LEAST(participant1_id, participant2_id), GREATEST(participant1_id, participant2_id));`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL REFERENCES profiles(id),
            content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_timeline_idx ON messages (conversation_id, created_at, id);`,
	// pg_notify payloads are capped at 8000 bytes; oversized rows are announced
	// without content and re-read by the consumer.
	`CREATE OR REPLACE FUNCTION notify_message_insert() RETURNS trigger AS $$
        DECLARE
            payload TEXT;
        BEGIN
            payload := json_build_object('table', 'messages', 'op', TG_OP, 'row', row_to_json(NEW))::text;
            IF octet_length(payload) > 7900 THEN
                payload := json_build_object(
                    'table', 'messages',
                    'op', TG_OP,
                    'truncated', TRUE,
                    'row', json_build_object(
                        'id', NEW.id,
                        'conversation_id', NEW.conversation_id,
                        'sender_id', NEW.sender_id,
                        'created_at', NEW.created_at
                    )
                )::text;
            END IF;
            PERFORM pg_notify('messages:' || NEW.conversation_id::text, payload);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_notify_insert ON messages;`,
	`CREATE TRIGGER messages_notify_insert AFTER INSERT ON messages
            FOR EACH ROW EXECUTE FUNCTION notify_message_insert();`,
	`CREATE OR REPLACE FUNCTION notify_profile_change() RETURNS trigger AS $$
        BEGIN
            IF TG_OP = 'DELETE' THEN
                PERFORM pg_notify('profiles', json_build_object('table', 'profiles', 'op', TG_OP, 'row', row_to_json(OLD))::text);
                RETURN OLD;
            END IF;
            PERFORM pg_notify('profiles', json_build_object('table', 'profiles', 'op', TG_OP, 'row', row_to_json(NEW))::text);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS profiles_notify_change ON profiles;`,
	`CREATE TRIGGER profiles_notify_change AFTER INSERT OR UPDATE OR DELETE ON profiles
            FOR EACH ROW EXECUTE FUNCTION notify_profile_change();`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
