package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema. Every statement is idempotent so it runs on each boot.
func (d *Database) AutoMigrate(ctx context.Context) error {
	return Migrate(ctx, d.Conn)
}

// Migrate runs the schema statements against any *sql.DB; tests use it directly.
func Migrate(ctx context.Context, conn *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            username VARCHAR(32) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		// participant_low < participant_high; the unique pair is the registry key
		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            participant_low UUID NOT NULL,
            participant_high UUID NOT NULL,
            is_group BOOLEAN NOT NULL DEFAULT false,
            last_message_text TEXT,
            last_message_sender UUID,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT conversations_pair_key UNIQUE (participant_low, participant_high),
            CHECK (participant_low < participant_high)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            seq BIGSERIAL UNIQUE,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL,
            text TEXT NOT NULL,
            sent_at TIMESTAMPTZ NOT NULL,
            delivery_status VARCHAR(10) NOT NULL DEFAULT 'sent'
                CHECK (delivery_status IN ('sent', 'delivered', 'read')),
            is_deleted BOOLEAN NOT NULL DEFAULT false,
            deleted_at TIMESTAMPTZ
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_order_idx
            ON messages (conversation_id, sent_at, seq)`,

		`CREATE TABLE IF NOT EXISTS message_reads (
            message_id UUID REFERENCES messages(id) ON DELETE CASCADE,
            user_id UUID NOT NULL,
            read_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (message_id, user_id)
        )`,

		`CREATE INDEX IF NOT EXISTS message_reads_user_idx ON message_reads (user_id)`,

		`CREATE TABLE IF NOT EXISTS message_hides (
            message_id UUID REFERENCES messages(id) ON DELETE CASCADE,
            user_id UUID NOT NULL,
            hidden_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (message_id, user_id)
        )`,
	}

	for _, query := range queries {
		_, err := conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
