// ABOUTME: Tests for the SQL store (SQLite dialect) and the mock store
// ABOUTME: Runs one behavioural suite against both plus dialect-specific checks

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/livechat-gateway/internal/changefeed"
)

func newTestStore(t *testing.T, hub *changefeed.Hub) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), hub)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type storeFactory func(t *testing.T, hub *changefeed.Hub) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T, hub *changefeed.Hub) Store { return newTestStore(t, hub) },
		"mock":   func(t *testing.T, hub *changefeed.Hub) Store { return NewMockStore(hub) },
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
	if s.Dialect() != "sqlite" {
		t.Errorf("Dialect() = %q, want sqlite", s.Dialect())
	}
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	conv := &Conversation{MemberID: "member-1", Title: "Billing"}
	require.NoError(t, first.CreateConversation(context.Background(), conv))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Billing", got.Title)
}

func TestStore_ConversationRoundTrip(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, nil)
			ctx := context.Background()

			created := time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)
			conv := &Conversation{
				MemberID:  "member-1",
				Title:     "Order question",
				Metadata:  map[string]any{"source": "web"},
				CreatedAt: created,
			}
			require.NoError(t, s.CreateConversation(ctx, conv))
			require.NotEmpty(t, conv.ID)

			got, err := s.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "member-1", got.MemberID)
			assert.Equal(t, StatusActive, got.Status)
			assert.False(t, got.IsVendorActive)
			assert.Nil(t, got.TakenOverAt)
			assert.Nil(t, got.AgentInfo)
			assert.Equal(t, map[string]any{"source": "web"}, got.Metadata)
			assert.True(t, got.CreatedAt.Equal(created), "created_at = %v", got.CreatedAt)
		})
	}
}

func TestStore_UpdateConversation(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, nil)
			ctx := context.Background()

			conv := &Conversation{MemberID: "member-1", Title: "Help"}
			require.NoError(t, s.CreateConversation(ctx, conv))

			taken := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
			conv.IsVendorActive = true
			conv.TakenOverAt = &taken
			conv.AgentInfo = &AgentInfo{ID: "agent-7", Name: "Dana"}
			conv.Status = StatusEscalated
			conv.MemberID = "someone-else"
			require.NoError(t, s.UpdateConversation(ctx, conv))

			got, err := s.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.True(t, got.IsVendorActive)
			assert.Equal(t, StatusEscalated, got.Status)
			require.NotNil(t, got.TakenOverAt)
			assert.True(t, got.TakenOverAt.Equal(taken))
			assert.Equal(t, &AgentInfo{ID: "agent-7", Name: "Dana"}, got.AgentInfo)
			assert.Equal(t, "member-1", got.MemberID, "member is immutable")
			assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, nil)
			ctx := context.Background()

			_, err := s.GetConversation(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.UpdateConversation(ctx, &Conversation{ID: "missing", Status: StatusActive})
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.TouchConversation(ctx, "missing"), ErrNotFound)

			err = s.SaveMessage(ctx, &Message{ConversationID: "missing", Content: "hi", Role: RoleUser})
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.UpdateMessage(ctx, &Message{ID: "missing", Content: "x"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_InvalidStatus(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, nil)
			err := s.CreateConversation(context.Background(), &Conversation{MemberID: "m", Status: "archived"})
			assert.ErrorIs(t, err, ErrInvalidStatus)
		})
	}
}

func TestStore_MessagesOrderedAndLimited(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, nil)
			ctx := context.Background()

			conv := &Conversation{MemberID: "member-1"}
			require.NoError(t, s.CreateConversation(ctx, conv))

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := range 5 {
				msg := &Message{
					ConversationID: conv.ID,
					Content:        fmt.Sprintf("message %d", i),
					Role:           RoleUser,
					Channel:        ChannelChat,
					CreatedAt:      base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, s.SaveMessage(ctx, msg))
			}

			all, err := s.ListMessages(ctx, conv.ID, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			for i, msg := range all {
				assert.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
			}

			recent, err := s.ListMessages(ctx, conv.ID, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "message 3", recent[0].Content)
			assert.Equal(t, "message 4", recent[1].Content)
		})
	}
}

func TestStore_MessageFields(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, nil)
			ctx := context.Background()

			conv := &Conversation{MemberID: "member-1"}
			require.NoError(t, s.CreateConversation(ctx, conv))

			msg := &Message{
				ConversationID: conv.ID,
				Content:        "I can help with that",
				Role:           RoleAgent,
				Channel:        ChannelChat,
				AgentName:      "Dana",
				AgentID:        "agent-7",
				Metadata:       map[string]any{"source": "websocket", "senderId": "agent-7"},
			}
			require.NoError(t, s.SaveMessage(ctx, msg))

			msg.Content = "I can help with that!"
			require.NoError(t, s.UpdateMessage(ctx, msg))
			assert.Equal(t, "Dana", msg.AgentName, "update returns the full stored record")

			got, err := s.ListMessages(ctx, conv.ID, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "I can help with that!", got[0].Content)
			assert.Equal(t, RoleAgent, got[0].Role)
			assert.Equal(t, "agent-7", got[0].AgentID)
			assert.Equal(t, "websocket", got[0].Metadata["source"])
		})
	}
}

func TestStore_PublishesChanges(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			hub := changefeed.NewHub(16, nil)
			defer hub.Close()
			s := factory(t, hub)
			ctx := context.Background()

			changes := make(chan changefeed.Change, 16)
			collect := func(_ context.Context, c changefeed.Change) { changes <- c }
			convSub, err := hub.Subscribe(ctx, changefeed.TableConversations, []changefeed.EventType{changefeed.EventUpdate}, collect)
			require.NoError(t, err)
			defer convSub.Unsubscribe()
			msgSub, err := hub.Subscribe(ctx, changefeed.TableMessages, nil, collect)
			require.NoError(t, err)
			defer msgSub.Unsubscribe()

			conv := &Conversation{MemberID: "member-1"}
			require.NoError(t, s.CreateConversation(ctx, conv))
			conv.IsVendorActive = true
			require.NoError(t, s.UpdateConversation(ctx, conv))

			update := receive(t, changes)
			assert.Equal(t, changefeed.EventUpdate, update.EventType)
			newRow, err := DecodeConversationRow(update.New)
			require.NoError(t, err)
			oldRow, err := DecodeConversationRow(update.Old)
			require.NoError(t, err)
			require.NotNil(t, newRow.IsVendorActive)
			require.NotNil(t, oldRow.IsVendorActive)
			assert.True(t, *newRow.IsVendorActive)
			assert.False(t, *oldRow.IsVendorActive)

			require.NoError(t, s.SaveMessage(ctx, &Message{ConversationID: conv.ID, Content: "hi", Role: RoleUser}))
			insert := receive(t, changes)
			assert.Equal(t, changefeed.TableMessages, insert.Table)
			assert.Equal(t, changefeed.EventInsert, insert.EventType)
			assert.True(t, IsEmptyRow(insert.Old))
			msgRow, err := DecodeMessageRow(insert.New)
			require.NoError(t, err)
			assert.Equal(t, "hi", msgRow.Content)
			assert.Nil(t, msgRow.AgentName)
		})
	}
}

func receive(t *testing.T, ch <-chan changefeed.Change) changefeed.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return changefeed.Change{}
	}
}

func TestMockStore_InjectedErrors(t *testing.T) {
	s := NewMockStore(nil)
	ctx := context.Background()
	boom := errors.New("disk full")

	s.SetPingError(boom)
	assert.ErrorIs(t, s.Ping(ctx), boom)
	s.SetPingError(nil)
	assert.NoError(t, s.Ping(ctx))

	conv := &Conversation{MemberID: "m"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	s.SetSaveError(boom)
	assert.ErrorIs(t, s.SaveMessage(ctx, &Message{ConversationID: conv.ID, Content: "x", Role: RoleUser}), boom)
}

func TestSQLStore_Ping(t *testing.T) {
	s := newTestStore(t, nil)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = $1"},
		{"UPDATE t SET a = ?, b = ? WHERE id = ?", "UPDATE t SET a = $1, b = $2 WHERE id = $3"},
	}
	for _, tt := range tests {
		if got := rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
