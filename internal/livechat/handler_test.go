// ABOUTME: End-to-end tests for the WebSocket transport
// ABOUTME: Dials a real httptest server with coder/websocket clients

package livechat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/livechat-gateway/internal/auth"
	"github.com/2389/livechat-gateway/internal/bridge"
	"github.com/2389/livechat-gateway/internal/changefeed"
	"github.com/2389/livechat-gateway/internal/realtime"
	"github.com/2389/livechat-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	server   *httptest.Server
	registry *realtime.Registry
	store    *store.MockStore
	hub      *changefeed.Hub
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	hub := changefeed.NewHub(64, nil)
	st := store.NewMockStore(hub)
	registry := realtime.NewRegistry(realtime.RegistryConfig{})

	h, err := NewHandler(Config{
		Registry:         registry,
		Store:            st,
		Verifier:         verifier,
		MaxMessageLength: 20,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle(Route, h)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		registry.CloseAll(int(websocket.StatusGoingAway), "test done")
		srv.Close()
		_ = hub.Close()
	})
	return &testEnv{server: srv, registry: registry, store: st, hub: hub, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, participantID string, role auth.Role) string {
	t.Helper()
	tok, err := e.verifier.Generate(auth.Claims{ParticipantID: participantID, Name: "Test " + participantID, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) conversation(t *testing.T, memberID string, vendorActive bool) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{MemberID: memberID, Title: "Help", IsVendorActive: vendorActive}
	require.NoError(t, e.store.CreateConversation(context.Background(), conv))
	return conv
}

func (e *testEnv) url(conversationID, token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/conversations/" + conversationID
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) dial(t *testing.T, conversationID, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.url(conversationID, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func expectClose(t *testing.T, conn *websocket.Conn, code websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, code, websocket.CloseStatus(err), "unexpected close: %v", err)
}

func TestHandler_AdmitsAndSendsConnectionFrame(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)

	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	frame := readFrame(t, conn)

	assert.Equal(t, "connection", frame["type"])
	assert.Equal(t, "connected", frame["status"])
	assert.Equal(t, true, frame["isVendorActive"])
	assert.NotEmpty(t, frame["timestamp"])

	assert.True(t, env.registry.IsConnected(conv.ID, "member-1"))
	assert.Equal(t, 1, env.registry.Stats().TotalConnections)
}

func TestHandler_AssistantModeRejected(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", false)

	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))

	// closed before any connection frame
	expectClose(t, conn, CloseUnavailable)
	assert.Equal(t, 0, env.registry.Stats().TotalConnections)
	assert.False(t, env.registry.IsConnected(conv.ID, "member-1"))
}

func TestHandler_AdmissionCloseCodes(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)

	expired, err := env.verifier.Generate(auth.Claims{ParticipantID: "member-1"}, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name           string
		conversationID string
		token          string
		want           websocket.StatusCode
	}{
		{"missing token", conv.ID, "", CloseUnauthorized},
		{"garbage token", conv.ID, "not-a-jwt", CloseUnauthorized},
		{"expired token", conv.ID, expired, CloseUnauthorized},
		{"unknown conversation", "no-such-conversation", env.token(t, "member-1", auth.RoleMember), CloseNotFound},
		{"not the member", conv.ID, env.token(t, "member-2", auth.RoleMember), CloseForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.conversationID, tt.token)
			expectClose(t, conn, tt.want)
		})
	}
	assert.Equal(t, 0, env.registry.Stats().TotalConnections)
}

func TestHandler_BearerHeader(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "member-1", auth.RoleMember))
	conn, _, err := websocket.Dial(ctx, env.url(conv.ID, ""), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.CloseNow()

	assert.Equal(t, "connection", readFrame(t, conn)["type"])
}

func TestHandler_StaffMayJoinAnyConversation(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)

	conn := env.dial(t, conv.ID, env.token(t, "agent-1", auth.RoleAgent))
	assert.Equal(t, "connection", readFrame(t, conn)["type"])
	assert.True(t, env.registry.IsConnected(conv.ID, "agent-1"))
}

func TestHandler_PingPong(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	writeFrame(t, conn, map[string]any{"type": "ping"})
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])

	ts, ok := frame["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)

	// still open
	writeFrame(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestHandler_ProtocolErrors(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{nope")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Invalid message format", frame["message"])

	writeFrame(t, conn, map[string]any{"payload": map[string]any{}})
	assert.Equal(t, "Invalid message format", readFrame(t, conn)["message"])

	writeFrame(t, conn, map[string]any{"type": "typing"})
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Unknown message type: typing", frame["message"])

	assert.True(t, env.registry.IsConnected(conv.ID, "member-1"))
}

func TestHandler_SendMessagePersistsWithTransportMarker(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	before, err := env.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)

	writeFrame(t, conn, map[string]any{"type": "send_message", "payload": map[string]any{"content": "  hello there  "}})

	var msgs []*store.Message
	require.Eventually(t, func() bool {
		msgs, err = env.store.ListMessages(context.Background(), conv.ID, 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := msgs[0]
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, store.RoleUser, msg.Role)
	assert.Equal(t, store.ChannelChat, msg.Channel)
	assert.Equal(t, store.SourceWebSocket, msg.Metadata[store.MetadataSource])
	assert.Equal(t, "member-1", msg.Metadata[store.MetadataSenderID])

	require.Eventually(t, func() bool {
		after, err := env.store.GetConversation(context.Background(), conv.ID)
		return err == nil && after.UpdatedAt.After(before.UpdatedAt)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_AgentMessagesCarryAgentIdentity(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "agent-9", auth.RoleAgent))
	readFrame(t, conn)

	writeFrame(t, conn, map[string]any{"type": "send_message", "payload": map[string]any{"content": "on it"}})

	var msgs []*store.Message
	require.Eventually(t, func() bool {
		msgs, _ = env.store.ListMessages(context.Background(), conv.ID, 10)
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, store.RoleAgent, msgs[0].Role)
	assert.Equal(t, "agent-9", msgs[0].AgentID)
	assert.Equal(t, "Test agent-9", msgs[0].AgentName)
}

func TestHandler_SendMessageErrors(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"missing payload", nil, errContentRequired},
		{"blank content", map[string]any{"content": "   "}, errContentRequired},
		{"too long", map[string]any{"content": strings.Repeat("x", 21)}, "Message exceeds maximum length of 20 characters"},
		{"wrong payload type", "hello", errInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := map[string]any{"type": "send_message"}
			if tt.payload != nil {
				frame["payload"] = tt.payload
			}
			writeFrame(t, conn, frame)
			got := readFrame(t, conn)
			assert.Equal(t, "error", got["type"])
			assert.Equal(t, tt.want, got["message"])
		})
	}

	msgs, err := env.store.ListMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandler_SendMessageOnResolvedConversation(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	conv.Status = store.StatusResolved
	require.NoError(t, env.store.UpdateConversation(context.Background(), conv))

	writeFrame(t, conn, map[string]any{"type": "send_message", "payload": map[string]any{"content": "hi"}})
	got := readFrame(t, conn)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, errConversationClosed, got["message"])
	assert.True(t, env.registry.IsConnected(conv.ID, "member-1"))
}

func TestHandler_SaveFailureReportsError(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	env.store.SetSaveError(assert.AnError)
	writeFrame(t, conn, map[string]any{"type": "send_message", "payload": map[string]any{"content": "hi"}})
	got := readFrame(t, conn)
	assert.Equal(t, errSendFailed, got["message"])

	writeFrame(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func sendWithID(t *testing.T, conn *websocket.Conn, content, clientMessageID string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":    "send_message",
		"payload": map[string]any{"content": content, "clientMessageId": clientMessageID},
	})
}

// roundTrip waits until every earlier frame has been handled.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestHandler_RetriedSendIsDropped(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	sendWithID(t, conn, "hello", "c-1")
	sendWithID(t, conn, "hello", "c-1")
	roundTrip(t, conn)

	msgs, err := env.store.ListMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c-1", msgs[0].Metadata[store.MetadataClientMessageID])

	sendWithID(t, conn, "hello", "c-2")
	roundTrip(t, conn)

	msgs, err = env.store.ListMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandler_RetryAfterSaveFailureGoesThrough(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	env.store.SetSaveError(assert.AnError)
	sendWithID(t, conn, "hello", "c-1")
	assert.Equal(t, errSendFailed, readFrame(t, conn)["message"])

	env.store.SetSaveError(nil)
	sendWithID(t, conn, "hello", "c-1")
	roundTrip(t, conn)

	msgs, err := env.store.ListMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandler_InvalidClientMessageID(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	sendWithID(t, conn, "hello", strings.Repeat("x", 129))
	got := readFrame(t, conn)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, errInvalidFormat, got["message"])
}

func TestHandler_NewerConnectionReplacesOlder(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	token := env.token(t, "member-1", auth.RoleMember)

	first := env.dial(t, conv.ID, token)
	readFrame(t, first)

	second := env.dial(t, conv.ID, token)
	assert.Equal(t, "connection", readFrame(t, second)["type"])

	expectClose(t, first, CloseReplaced)

	// the old socket's teardown must not evict its replacement
	time.Sleep(50 * time.Millisecond)
	assert.True(t, env.registry.IsConnected(conv.ID, "member-1"))
	assert.Equal(t, 1, env.registry.Stats().TotalConnections)

	writeFrame(t, second, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, second)["type"])
}

func TestHandler_DisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)
	require.True(t, env.registry.IsConnected(conv.ID, "member-1"))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return !env.registry.IsConnected(conv.ID, "member-1")
	}, 2*time.Second, 10*time.Millisecond)

	// a second close is harmless
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestHandler_CleanupKeepsLiveConnections(t *testing.T) {
	env := newTestEnv(t)
	conv := env.conversation(t, "member-1", true)
	conn := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, conn)

	// the client answers pings from inside Read
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	removed := env.registry.Cleanup(context.Background())
	assert.Equal(t, 0, removed)
	assert.True(t, env.registry.IsConnected(conv.ID, "member-1"))
}

func TestHandler_EndToEndThroughBridge(t *testing.T) {
	env := newTestEnv(t)
	b, err := bridge.New(bridge.Config{Source: env.hub, Broadcaster: env.registry, Store: env.store})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	require.Eventually(t, func() bool { return b.State() == bridge.StateSubscribed }, time.Second, 5*time.Millisecond)

	conv := env.conversation(t, "member-1", true)
	member := env.dial(t, conv.ID, env.token(t, "member-1", auth.RoleMember))
	readFrame(t, member)
	agent := env.dial(t, conv.ID, env.token(t, "agent-1", auth.RoleAgent))
	readFrame(t, agent)

	writeFrame(t, member, map[string]any{"type": "send_message", "payload": map[string]any{"content": "hi"}})

	// message and touch changes arrive on separate subscriptions, in either order
	var newMessage map[string]any
	types := map[string]bool{}
	for range 2 {
		frame := readFrame(t, agent)
		types[frame["type"].(string)] = true
		if frame["type"] == "new_message" {
			newMessage = frame
		}
	}
	assert.True(t, types["conversation_updated"])
	require.NotNil(t, newMessage)
	data, ok := newMessage["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", data["content"])
	assert.Equal(t, "user", data["role"])
	assert.Equal(t, conv.ID, data["conversationId"])

	// the sender never sees its own message echoed
	frame := readFrame(t, member)
	assert.Equal(t, "conversation_updated", frame["type"])
	writeFrame(t, member, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, member)["type"])
}
