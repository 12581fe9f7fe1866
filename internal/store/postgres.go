// ABOUTME: Postgres dialect of SQLStore using lib/pq
// ABOUTME: Installs the schema plus a NOTIFY trigger that feeds changefeed.PGListener

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// The trigger payload mirrors changefeed.Change. row_to_json keys the row
// images by column name, matching ConversationRow and MessageRow.
const postgresSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		member_id        TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'active',
		is_vendor_active BOOLEAN NOT NULL DEFAULT FALSE,
		taken_over_at    TEXT,
		agent_info       JSONB,
		metadata         JSONB NOT NULL DEFAULT '{}',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,

		CHECK (status IN ('active', 'escalated', 'resolved', 'closed'))
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_member ON conversations(member_id);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		content         TEXT NOT NULL,
		role            TEXT NOT NULL,
		channel         TEXT NOT NULL DEFAULT 'chat',
		agent_name      TEXT,
		agent_id        TEXT,
		metadata        JSONB NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages(conversation_id, created_at);

	CREATE OR REPLACE FUNCTION livechat_notify_change() RETURNS trigger AS $$
	DECLARE
		payload json;
	BEGIN
		payload := json_build_object(
			'eventType', TG_OP,
			'table', TG_TABLE_NAME,
			'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
			'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
		);
		PERFORM pg_notify('livechat_' || TG_TABLE_NAME, payload::text);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS livechat_messages_notify ON messages;
	CREATE TRIGGER livechat_messages_notify
		AFTER INSERT OR UPDATE ON messages
		FOR EACH ROW EXECUTE FUNCTION livechat_notify_change();

	DROP TRIGGER IF EXISTS livechat_conversations_notify ON conversations;
	CREATE TRIGGER livechat_conversations_notify
		AFTER INSERT OR UPDATE ON conversations
		FOR EACH ROW EXECUTE FUNCTION livechat_notify_change();
`

var postgresDialect = dialect{
	name:      "postgres",
	schema:    postgresSchema,
	rebind:    true,
	columnSQL: `SELECT 1 FROM information_schema.columns WHERE table_name = ? AND column_name = ?`,
	migrations: []migration{
		{table: "conversations", column: "agent_info", definition: "JSONB"},
		{table: "messages", column: "channel", definition: "TEXT NOT NULL DEFAULT 'chat'"},
	},
}

// NewPostgresStore connects to the Postgres database at dsn and installs the
// schema and notify trigger. Changes are published by the database itself,
// so consumers subscribe through changefeed.PGListener.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: postgresDialect,
		logger:  logger,
		now:     time.Now,
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Postgres store initialized")
	return s, nil
}
