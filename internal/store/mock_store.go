// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while still publishing to a change hub

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/livechat-gateway/internal/changefeed"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string]*Message      // keyed by message ID
	feed          *changefeed.Hub

	pingErr error
	saveErr error
}

// NewMockStore creates a new MockStore. Writes are published to feed when it
// is non-nil.
func NewMockStore(feed *changefeed.Hub) *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		feed:          feed,
	}
}

// SetPingError makes Ping return err until cleared with nil.
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// SetSaveError makes SaveMessage return err until cleared with nil.
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *MockStore) publish(event changefeed.EventType, table string, newVal, oldVal any) {
	if m.feed == nil {
		return
	}
	change, err := buildChange(event, table, newVal, oldVal)
	if err != nil {
		return
	}
	m.feed.Publish(change)
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.TakenOverAt != nil {
		t := *c.TakenOverAt
		out.TakenOverAt = &t
	}
	if c.AgentInfo != nil {
		info := *c.AgentInfo
		out.AgentInfo = &info
	}
	out.Metadata = copyMap(c.Metadata)
	return &out
}

func copyMessage(msg *Message) *Message {
	out := *msg
	out.Metadata = copyMap(msg.Metadata)
	return &out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
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
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyConversation(conv)
	m.conversations[c.ID] = c
	m.publish(changefeed.EventInsert, changefeed.TableConversations, c, nil)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// UpdateConversation replaces an existing conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if !conv.Status.Valid() {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	conv.MemberID = old.MemberID
	conv.CreatedAt = old.CreatedAt
	conv.UpdatedAt = time.Now().UTC()

	c := copyConversation(conv)
	m.conversations[c.ID] = c
	m.publish(changefeed.EventUpdate, changefeed.TableConversations, c, old)
	return nil
}

// TouchConversation bumps UpdatedAt.
func (m *MockStore) TouchConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c := copyConversation(old)
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	m.publish(changefeed.EventUpdate, changefeed.TableConversations, c, old)
	return nil
}

// SaveMessage stores a message in an existing conversation.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	stored := copyMessage(msg)
	m.messages[stored.ID] = stored
	m.publish(changefeed.EventInsert, changefeed.TableMessages, stored, nil)
	return nil
}

// UpdateMessage rewrites a message's content and metadata.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyMessage(old)
	updated.Content = msg.Content
	updated.Metadata = copyMap(msg.Metadata)
	m.messages[msg.ID] = updated
	*msg = *copyMessage(updated)

	m.publish(changefeed.EventUpdate, changefeed.TableMessages, updated, old)
	return nil
}

// ListMessages returns the most recent messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			result = append(result, copyMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Ping returns the configured ping error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLStore)(nil)
)
