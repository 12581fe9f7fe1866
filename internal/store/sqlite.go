// ABOUTME: SQLite dialect of SQLStore using modernc.org/sqlite
// ABOUTME: Creates the schema on open and publishes every write to an in-process hub

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/livechat-gateway/internal/changefeed"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		member_id        TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'active',
		is_vendor_active INTEGER NOT NULL DEFAULT 0,
		taken_over_at    TEXT,
		agent_info       TEXT,
		metadata         TEXT NOT NULL DEFAULT '{}',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,

		CHECK (status IN ('active', 'escalated', 'resolved', 'closed'))
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_member ON conversations(member_id);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		content         TEXT NOT NULL,
		role            TEXT NOT NULL,
		channel         TEXT NOT NULL DEFAULT 'chat',
		agent_name      TEXT,
		agent_id        TEXT,
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
		ON messages(conversation_id, created_at);
`

var sqliteDialect = dialect{
	name:      "sqlite",
	schema:    sqliteSchema,
	columnSQL: `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`,
	migrations: []migration{
		{table: "conversations", column: "agent_info", definition: "TEXT"},
		{table: "messages", column: "channel", definition: "TEXT NOT NULL DEFAULT 'chat'"},
	},
}

// NewSQLiteStore opens (creating if needed) the SQLite database at path.
// Parent directories are created if needed. Every committed write is
// published to feed, which may be nil.
func NewSQLiteStore(path string, feed *changefeed.Hub) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:      db,
		dialect: sqliteDialect,
		feed:    feed,
		logger:  logger,
		now:     time.Now,
	}

	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}
