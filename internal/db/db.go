package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the Postgres pool and applies migrations.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", zap.Int("statements", len(migrations)))
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id SERIAL PRIMARY KEY,
            item_id INT NOT NULL,
            participant_key TEXT NOT NULL,
            message_seq BIGINT NOT NULL DEFAULT 0,
            last_message_id INT,
            last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            blocked BOOLEAN NOT NULL DEFAULT FALSE,
            blocked_by INT,
            blocked_at TIMESTAMPTZ,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(participant_key, item_id)
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            last_read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_read_position BIGINT NOT NULL DEFAULT 0,
            unread_count INT NOT NULL DEFAULT 0,
            muted_until TIMESTAMPTZ,
            PRIMARY KEY(conversation_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id INT,
            position BIGINT NOT NULL,
            type TEXT NOT NULL,
            system_kind TEXT,
            content TEXT NOT NULL,
            reply_to_id INT REFERENCES messages(id) ON DELETE SET NULL,
            attachments JSONB NOT NULL DEFAULT '[]',
            read_by JSONB NOT NULL DEFAULT '[]',
            hidden_for JSONB NOT NULL DEFAULT '[]',
            reactions JSONB NOT NULL DEFAULT '[]',
            edit_history JSONB NOT NULL DEFAULT '[]',
            offer_amount NUMERIC(12, 2),
            offer_currency TEXT,
            offer_status TEXT,
            offer_expires_at TIMESTAMPTZ,
            offer_responded_by INT,
            offer_responded_at TIMESTAMPTZ,
            status TEXT NOT NULL DEFAULT 'sent',
            edited_at TIMESTAMPTZ,
            deleted_for_all BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(conversation_id, position)
        );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
