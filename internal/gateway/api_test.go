// ABOUTME: Tests for the conversation, handoff, and realtime stats HTTP API
// ABOUTME: Serves the gateway's routes through httptest without starting the bridge

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/livechat-gateway/internal/auth"
	"github.com/2389/livechat-gateway/internal/realtime"
)

// recordingHandle is a realtime.Handle that keeps every frame it is sent.
type recordingHandle struct {
	mu   sync.Mutex
	sent [][]byte
}

func (h *recordingHandle) Send(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, data)
	return nil
}

func (h *recordingHandle) Close(int, string) error     { return nil }
func (h *recordingHandle) Probe(context.Context) error { return nil }

func (h *recordingHandle) frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

type apiEnv struct {
	gw     *Gateway
	server *httptest.Server
	agent  string
	member string
	other  string
	admin  string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gw := newTestGateway(t, testConfig(t))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &apiEnv{
		gw:     gw,
		server: srv,
		agent:  mintToken(t, "agent-1", "Dana", auth.RoleAgent),
		member: mintToken(t, "member-1", "Sam", auth.RoleMember),
		other:  mintToken(t, "member-2", "Alex", auth.RoleMember),
		admin:  mintToken(t, "admin-1", "Root", auth.RoleAdmin),
	}
}

func (e *apiEnv) url(path string) string {
	return e.server.URL + path
}

// status performs the request and returns only the status code.
func (e *apiEnv) status(t *testing.T, method, path, token string, body any) int {
	t.Helper()
	resp := request(t, method, e.url(path), token, body)
	resp.Body.Close()
	return resp.StatusCode
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func TestAPI_CreateConversation_Member(t *testing.T) {
	env := newAPIEnv(t)

	var conv ConversationResponse
	doJSON(t, http.MethodPost, env.url("/api/conversations"), env.member,
		CreateConversationRequest{Title: "  Order status  "}, &conv)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "member-1", conv.MemberID)
	assert.Equal(t, "Order status", conv.Title)
	assert.Equal(t, "active", conv.Status)
	assert.Equal(t, realtime.ModeAssistant, conv.Mode)
	assert.False(t, conv.IsVendorActive)
	assert.Nil(t, conv.TakenOverAt)
	assert.NotNil(t, conv.Metadata)
}

func TestAPI_CreateConversation_MemberForSomeoneElse(t *testing.T) {
	env := newAPIEnv(t)

	resp := request(t, http.MethodPost, env.url("/api/conversations"), env.member,
		CreateConversationRequest{MemberID: "member-2"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "cannot create conversations for another member", decodeError(t, resp))
}

func TestAPI_CreateConversation_StaffNeedsMember(t *testing.T) {
	env := newAPIEnv(t)

	resp := request(t, http.MethodPost, env.url("/api/conversations"), env.agent, CreateConversationRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "memberId is required", decodeError(t, resp))

	conv := createConversation(t, env.server.URL, env.agent, "member-1")
	assert.Equal(t, "member-1", conv.MemberID)
}

func TestAPI_Unauthenticated(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
	}{
		{"create without token", http.MethodPost, "/api/conversations", ""},
		{"get without token", http.MethodGet, "/api/conversations/" + conv.ID, ""},
		{"get with garbage token", http.MethodGet, "/api/conversations/" + conv.ID, "not-a-jwt"},
		{"stats without token", http.MethodGet, "/api/realtime/stats", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.status(t, tt.method, tt.path, tt.token, nil); got != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", got, http.StatusUnauthorized)
			}
		})
	}
}

func TestAPI_AgentOnlyRoutes(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"patch", http.MethodPatch, "/api/conversations/" + conv.ID, UpdateConversationRequest{}},
		{"post message", http.MethodPost, "/api/conversations/" + conv.ID + "/messages", PostMessageRequest{Content: "x", Role: "agent"}},
		{"takeover", http.MethodPost, "/api/conversations/" + conv.ID + "/takeover", nil},
		{"release", http.MethodPost, "/api/conversations/" + conv.ID + "/release", nil},
		{"notify", http.MethodPost, "/api/participants/member-1/notify", NotifyRequest{Content: "hi"}},
		{"stats", http.MethodGet, "/api/realtime/stats", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.status(t, tt.method, tt.path, env.member, tt.body); got != http.StatusForbidden {
				t.Errorf("member status = %d, want %d", got, http.StatusForbidden)
			}
		})
	}
}

func TestAPI_GetConversation(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")

	var got ConversationResponse
	doJSON(t, http.MethodGet, env.url("/api/conversations/"+conv.ID), env.member, nil, &got)
	assert.Equal(t, conv.ID, got.ID)

	// other members can't tell the conversation exists
	assert.Equal(t, http.StatusNotFound, env.status(t, http.MethodGet, "/api/conversations/"+conv.ID, env.other, nil))
	assert.Equal(t, http.StatusNotFound, env.status(t, http.MethodGet, "/api/conversations/missing", env.agent, nil))
	assert.Equal(t, http.StatusOK, env.status(t, http.MethodGet, "/api/conversations/"+conv.ID, env.admin, nil))
}

func TestAPI_PostAndListMessages(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")

	var msg realtime.MessageData
	doJSON(t, http.MethodPost, env.url("/api/conversations/"+conv.ID+"/messages"), env.agent,
		PostMessageRequest{Content: "  Hello there  ", Role: "agent"}, &msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "Hello there", msg.Content)
	assert.Equal(t, "agent", msg.Role)
	assert.Equal(t, "chat", msg.Channel)
	assert.Equal(t, "agent-1", msg.AgentID)
	assert.Equal(t, "Dana", msg.AgentName)

	doJSON(t, http.MethodPost, env.url("/api/conversations/"+conv.ID+"/messages"), env.agent,
		PostMessageRequest{Content: "How can I help?", Role: "assistant"}, nil)

	var list MessagesResponse
	doJSON(t, http.MethodGet, env.url("/api/conversations/"+conv.ID+"/messages"), env.member, nil, &list)
	require.Len(t, list.Messages, 2)
	contents := []string{list.Messages[0].Content, list.Messages[1].Content}
	assert.ElementsMatch(t, []string{"Hello there", "How can I help?"}, contents)

	var limited MessagesResponse
	doJSON(t, http.MethodGet, env.url("/api/conversations/"+conv.ID+"/messages?limit=1"), env.member, nil, &limited)
	assert.Len(t, limited.Messages, 1)

	assert.Equal(t, http.StatusBadRequest,
		env.status(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=abc", env.member, nil))
}

func TestAPI_PostMessage_StripsTransportMetadata(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")

	var msg realtime.MessageData
	doJSON(t, http.MethodPost, env.url("/api/conversations/"+conv.ID+"/messages"), env.agent,
		PostMessageRequest{
			Content: "Your refund is on its way",
			Role:    "assistant",
			Metadata: map[string]any{
				"source":          "websocket",
				"senderId":        "member-1",
				"clientMessageId": "abc-1",
				"topic":           "billing",
			},
		}, &msg)
	assert.Equal(t, map[string]any{"topic": "billing"}, msg.Metadata)

	var list MessagesResponse
	doJSON(t, http.MethodGet, env.url("/api/conversations/"+conv.ID+"/messages"), env.member, nil, &list)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, map[string]any{"topic": "billing"}, list.Messages[0].Metadata,
		"a message the member did not send must not be attributed to them")
}

func TestAPI_PostMessage_Invalid(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")
	path := "/api/conversations/" + conv.ID + "/messages"

	tests := []struct {
		name string
		body any
	}{
		{"missing content", PostMessageRequest{Role: "agent"}},
		{"blank content", PostMessageRequest{Content: "   ", Role: "agent"}},
		{"missing role", PostMessageRequest{Content: "hi"}},
		{"user role not allowed", PostMessageRequest{Content: "hi", Role: "user"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.status(t, http.MethodPost, path, env.agent, tt.body); got != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", got, http.StatusBadRequest)
			}
		})
	}
}

func TestAPI_UpdateConversation(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")
	path := "/api/conversations/" + conv.ID

	title := "Refund request"
	status := "resolved"
	var got ConversationResponse
	doJSON(t, http.MethodPatch, env.url(path), env.agent,
		UpdateConversationRequest{Title: &title, Status: &status}, &got)
	assert.Equal(t, "Refund request", got.Title)
	assert.Equal(t, "resolved", got.Status)

	bogus := "archived"
	resp := request(t, http.MethodPatch, env.url(path), env.agent, UpdateConversationRequest{Status: &bogus})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp), "status: oneof")
}

func TestAPI_TakeoverAndRelease(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")
	base := "/api/conversations/" + conv.ID

	var taken ConversationResponse
	doJSON(t, http.MethodPost, env.url(base+"/takeover"), env.agent, nil, &taken)
	assert.True(t, taken.IsVendorActive)
	assert.Equal(t, realtime.ModeAgent, taken.Mode)
	assert.Equal(t, "escalated", taken.Status)
	require.NotNil(t, taken.TakenOverAt)
	require.NotNil(t, taken.AgentInfo)
	assert.Equal(t, "agent-1", taken.AgentInfo.ID)
	assert.Equal(t, "Dana", taken.AgentInfo.Name)

	resp := request(t, http.MethodPost, env.url(base+"/takeover"), env.agent, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conversation already taken over", decodeError(t, resp))

	var released ConversationResponse
	doJSON(t, http.MethodPost, env.url(base+"/release"), env.agent, nil, &released)
	assert.False(t, released.IsVendorActive)
	assert.Equal(t, realtime.ModeAssistant, released.Mode)
	assert.Equal(t, "active", released.Status)
	assert.Nil(t, released.TakenOverAt)
	assert.Nil(t, released.AgentInfo)

	assert.Equal(t, http.StatusConflict, env.status(t, http.MethodPost, base+"/release", env.agent, nil))
}

func TestAPI_Takeover_ClosedConversation(t *testing.T) {
	env := newAPIEnv(t)
	conv := createConversation(t, env.server.URL, env.agent, "member-1")

	closed := "closed"
	doJSON(t, http.MethodPatch, env.url("/api/conversations/"+conv.ID), env.agent,
		UpdateConversationRequest{Status: &closed}, nil)

	resp := request(t, http.MethodPost, env.url("/api/conversations/"+conv.ID+"/takeover"), env.agent, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conversation is not active", decodeError(t, resp))
}

func TestAPI_Notify(t *testing.T) {
	env := newAPIEnv(t)

	var none NotifyResponse
	doJSON(t, http.MethodPost, env.url("/api/participants/member-1/notify"), env.agent,
		NotifyRequest{Content: "An agent will be with you shortly"}, &none)
	assert.Equal(t, NotifyResponse{}, none)

	handle := &recordingHandle{}
	env.gw.Registry().AddConnection("conv-a", "member-1", handle)
	env.gw.Registry().AddConnection("conv-b", "member-1", &recordingHandle{})
	env.gw.Registry().AddConnection("conv-a", "member-2", &recordingHandle{})

	var got NotifyResponse
	doJSON(t, http.MethodPost, env.url("/api/participants/member-1/notify"), env.agent,
		NotifyRequest{Content: "An agent will be with you shortly", Mode: "agent"}, &got)
	assert.Equal(t, 2, got.Delivered)
	assert.Equal(t, 0, got.Failed)

	require.Eventually(t, func() bool { return len(handle.frames()) == 1 }, time.Second, 5*time.Millisecond)
	sent := handle.frames()
	var frame map[string]any
	require.NoError(t, json.Unmarshal(sent[0], &frame))
	assert.Equal(t, "system_message", frame["type"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "An agent will be with you shortly", data["content"])
	assert.Equal(t, "agent", data["mode"])

	assert.Equal(t, http.StatusBadRequest, env.status(t, http.MethodPost, "/api/participants/member-1/notify", env.agent,
		NotifyRequest{Content: "x", Mode: "robot"}))
}

func TestAPI_Stats(t *testing.T) {
	env := newAPIEnv(t)
	env.gw.Registry().AddConnection("conv-a", "member-1", &recordingHandle{})
	env.gw.Registry().AddConnection("conv-a", "agent-1", &recordingHandle{})
	env.gw.Registry().AddConnection("conv-b", "member-2", &recordingHandle{})

	var stats realtime.Stats
	doJSON(t, http.MethodGet, env.url("/api/realtime/stats"), env.admin, nil, &stats)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.TotalConversations)
	assert.Equal(t, 3, stats.TotalParticipants)
	assert.ElementsMatch(t, []string{"member-1", "agent-1"}, stats.Conversations["conv-a"])
	assert.ElementsMatch(t, []string{"member-2"}, stats.Conversations["conv-b"])
}
