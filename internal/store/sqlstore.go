// ABOUTME: database/sql implementation of the Store interface shared by SQLite and Postgres
// ABOUTME: Dialects differ in schema, placeholders, and where change notifications come from

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/livechat-gateway/internal/changefeed"
)

// dialect captures what differs between the supported databases.
type dialect struct {
	name       string
	schema     string
	rebind     bool   // rewrite ? placeholders to $n
	columnSQL  string // query returning a row when (table, column) exists
	migrations []migration
}

// migration adds a column to an existing database if it is missing.
type migration struct {
	table      string
	column     string
	definition string
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	feed    *changefeed.Hub // nil when the database publishes its own changes
	logger  *slog.Logger
	now     func() time.Time

	// writeMu keeps commit order and publish order identical
	writeMu sync.Mutex
}

// Dialect returns the database dialect name ("sqlite" or "postgres").
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// DB exposes the underlying handle for health checks and tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// runMigrations applies column migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	for _, m := range s.dialect.migrations {
		var exists int
		err := s.db.QueryRowContext(ctx, s.q(s.dialect.columnSQL), m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s.%s: %w", m.table, m.column, err)
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.definition)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", m.table, m.column, err)
		}
		s.logger.Info("applied migration", "table", m.table, "column", m.column)
	}
	return nil
}

// q adapts a query written with ? placeholders to the dialect.
func (s *SQLStore) q(query string) string {
	if !s.dialect.rebind {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// publish emits a change on the in-process feed, if there is one.
func (s *SQLStore) publish(event changefeed.EventType, table string, newRow, oldRow any) {
	if s.feed == nil {
		return
	}
	change, err := buildChange(event, table, newRow, oldRow)
	if err != nil {
		s.logger.Error("building change notification", "table", table, "error", err)
		return
	}
	s.feed.Publish(change)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	s.logger.Info("closing store", "dialect", s.dialect.name)
	return s.db.Close()
}

// Ping runs a trivial query against the database.
func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

const conversationColumns = `id, member_id, title, status, is_vendor_active, taken_over_at, agent_info, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                 Conversation
		status, metadata     string
		takenOver, agentInfo sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&conv.ID, &conv.MemberID, &conv.Title, &status, &conv.IsVendorActive,
		&takenOver, &agentInfo, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Status = ConversationStatus(status)
	if takenOver.Valid && takenOver.String != "" {
		t, err := parseTime(takenOver.String)
		if err != nil {
			return nil, fmt.Errorf("parsing taken_over_at: %w", err)
		}
		conv.TakenOverAt = &t
	}
	if agentInfo.Valid {
		if err := decodeJSONColumn([]byte(agentInfo.String), &conv.AgentInfo); err != nil {
			return nil, fmt.Errorf("decoding agent_info: %w", err)
		}
	}
	if err := decodeJSONColumn([]byte(metadata), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// conversationArgs returns the nullable/encoded column values for conv.
func conversationArgs(conv *Conversation) (takenOver, agentInfo any, metadata string, err error) {
	if conv.TakenOverAt != nil {
		takenOver = formatTime(*conv.TakenOverAt)
	}
	if conv.AgentInfo != nil {
		data, err := encodeJSONColumn(conv.AgentInfo)
		if err != nil {
			return nil, nil, "", err
		}
		agentInfo = string(data)
	}
	metadata, err = encodeMetadata(conv.Metadata)
	return takenOver, agentInfo, metadata, err
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := encodeJSONColumn(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateConversation inserts a new conversation. ID, status, and timestamps
// are filled in when empty.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := s.now()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = StatusActive
	}
	if !conv.Status.Valid() {
		return ErrInvalidStatus
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt

	takenOver, agentInfo, metadata, err := conversationArgs(conv)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		conv.ID, conv.MemberID, conv.Title, string(conv.Status), conv.IsVendorActive,
		takenOver, agentInfo, metadata,
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.publish(changefeed.EventInsert, changefeed.TableConversations, conv, nil)
	s.logger.Debug("created conversation", "id", conv.ID, "member_id", conv.MemberID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	return scanConversation(row)
}

// UpdateConversation writes the mutable fields of conv and bumps
// UpdatedAt. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if !conv.Status.Valid() {
		return ErrInvalidStatus
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanConversation(tx.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), conv.ID))
	if err != nil {
		return err
	}

	conv.MemberID = old.MemberID
	conv.CreatedAt = old.CreatedAt
	conv.UpdatedAt = s.now()
	takenOver, agentInfo, metadata, err := conversationArgs(conv)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE conversations
		SET title = ?, status = ?, is_vendor_active = ?, taken_over_at = ?, agent_info = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`),
		conv.Title, string(conv.Status), conv.IsVendorActive, takenOver, agentInfo, metadata,
		formatTime(conv.UpdatedAt), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation update: %w", err)
	}

	s.publish(changefeed.EventUpdate, changefeed.TableConversations, conv, old)
	return nil
}

// TouchConversation bumps updated_at. Returns ErrNotFound if the
// conversation doesn't exist.
func (s *SQLStore) TouchConversation(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanConversation(tx.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id))
	if err != nil {
		return err
	}

	updated := *old
	updated.UpdatedAt = s.now()
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		formatTime(updated.UpdatedAt), id); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation touch: %w", err)
	}

	s.publish(changefeed.EventUpdate, changefeed.TableConversations, &updated, old)
	return nil
}

const messageColumns = `id, conversation_id, content, role, channel, agent_name, agent_id, metadata, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg                Message
		agentName, agentID sql.NullString
		metadata           string
		createdAt          string
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &msg.Role, &msg.Channel,
		&agentName, &agentID, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	msg.AgentName = agentName.String
	msg.AgentID = agentID.String
	if err := decodeJSONColumn([]byte(metadata), &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveMessage inserts a message into an existing conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM conversations WHERE id = ?`), msg.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		msg.ID, msg.ConversationID, msg.Content, msg.Role, msg.Channel,
		nullIfEmpty(msg.AgentName), nullIfEmpty(msg.AgentID), metadata, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.publish(changefeed.EventInsert, changefeed.TableMessages, msg, nil)
	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// UpdateMessage rewrites a message's content and metadata.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLStore) UpdateMessage(ctx context.Context, msg *Message) error {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanMessage(tx.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), msg.ID))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE messages SET content = ?, metadata = ? WHERE id = ?`),
		msg.Content, metadata, msg.ID); err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message update: %w", err)
	}

	updated := *old
	updated.Content = msg.Content
	updated.Metadata = msg.Metadata
	*msg = updated

	s.publish(changefeed.EventUpdate, changefeed.TableMessages, &updated, old)
	return nil
}

// ListMessages returns the most recent messages of a conversation, oldest
// first. A non-positive limit uses the default of 100; the maximum is 1000.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) recent
		ORDER BY created_at ASC, id ASC
	`), conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
