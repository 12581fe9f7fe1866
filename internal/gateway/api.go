// ABOUTME: JWT-protected HTTP API for conversations, handoffs, and realtime stats
// ABOUTME: Writes go through the store so the change feed drives every broadcast

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/2389/livechat-gateway/internal/auth"
	"github.com/2389/livechat-gateway/internal/realtime"
	"github.com/2389/livechat-gateway/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateConversationRequest is the JSON request body for POST /api/conversations.
// Members always create conversations for themselves; staff must name the member.
type CreateConversationRequest struct {
	MemberID string         `json:"memberId,omitempty" validate:"omitempty,max=128"`
	Title    string         `json:"title" validate:"max=200"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateConversationRequest is the JSON request body for PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	Title  *string `json:"title,omitempty" validate:"omitempty,max=200"`
	Status *string `json:"status,omitempty" validate:"omitempty,oneof=active escalated resolved closed"`
}

// PostMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type PostMessageRequest struct {
	Content  string         `json:"content" validate:"required"`
	Role     string         `json:"role" validate:"required,oneof=assistant system agent"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NotifyRequest is the JSON request body for POST /api/participants/{id}/notify.
type NotifyRequest struct {
	Content string `json:"content" validate:"required,max=1000"`
	Mode    string `json:"mode,omitempty" validate:"omitempty,oneof=agent assistant"`
}

// ConversationResponse is the JSON view of a conversation.
type ConversationResponse struct {
	ID             string              `json:"id"`
	MemberID       string              `json:"memberId"`
	Title          string              `json:"title"`
	Status         string              `json:"status"`
	Mode           realtime.Mode       `json:"mode"`
	IsVendorActive bool                `json:"isVendorActive"`
	TakenOverAt    *string             `json:"takenOverAt"`
	AgentInfo      *realtime.AgentInfo `json:"agentInfo,omitempty"`
	Metadata       map[string]any      `json:"metadata"`
	Created        string              `json:"created"`
	Updated        string              `json:"updated"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	Messages []realtime.MessageData `json:"messages"`
}

// NotifyResponse reports how many connections received a notification.
type NotifyResponse struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// registerAPIRoutes registers the API on mux behind JWT auth. Handoff,
// message injection, notification, and stats routes require an agent role.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.verifier)
	agentOnly := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAgent()(h))
	}

	mux.Handle("POST /api/conversations", authed(http.HandlerFunc(g.handleCreateConversation)))
	mux.Handle("GET /api/conversations/{id}", authed(http.HandlerFunc(g.handleGetConversation)))
	mux.Handle("GET /api/conversations/{id}/messages", authed(http.HandlerFunc(g.handleListMessages)))

	mux.Handle("PATCH /api/conversations/{id}", agentOnly(g.handleUpdateConversation))
	mux.Handle("POST /api/conversations/{id}/messages", agentOnly(g.handlePostMessage))
	mux.Handle("POST /api/conversations/{id}/takeover", agentOnly(g.handleTakeover))
	mux.Handle("POST /api/conversations/{id}/release", agentOnly(g.handleRelease))
	mux.Handle("POST /api/participants/{id}/notify", agentOnly(g.handleNotify))
	mux.Handle("GET /api/realtime/stats", agentOnly(g.handleStats))
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims := auth.MustFromContext(r.Context())

	var req CreateConversationRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}

	memberID := claims.ParticipantID
	if claims.IsStaff() {
		if req.MemberID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "memberId is required")
			return
		}
		memberID = req.MemberID
	} else if req.MemberID != "" && req.MemberID != claims.ParticipantID {
		g.sendJSONError(w, http.StatusForbidden, "cannot create conversations for another member")
		return
	}

	conv := &store.Conversation{
		MemberID: memberID,
		Title:    strings.TrimSpace(req.Title),
		Metadata: req.Metadata,
	}
	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		g.logger.Error("creating conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("conversation created", "conversation_id", conv.ID, "member_id", memberID)
	g.writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := g.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.logger.Error("listing messages", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := MessagesResponse{Messages: make([]realtime.MessageData, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageData(m))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}
	if req.Title != nil {
		conv.Title = strings.TrimSpace(*req.Title)
	}
	if req.Status != nil {
		conv.Status = store.ConversationStatus(*req.Status)
	}

	if !g.saveConversation(w, r, conv) {
		return
	}
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// reservedMetadataKeys are written only by the WebSocket transport. The
// bridge trusts them for echo suppression, so API callers cannot set them.
var reservedMetadataKeys = []string{
	store.MetadataSource,
	store.MetadataSenderID,
	store.MetadataClientMessageID,
}

func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	claims := auth.MustFromContext(r.Context())
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		Content:        strings.TrimSpace(req.Content),
		Role:           req.Role,
		Channel:        store.ChannelChat,
		Metadata:       lo.OmitByKeys(req.Metadata, reservedMetadataKeys),
	}
	if req.Role == store.RoleAgent {
		msg.AgentID = claims.ParticipantID
		msg.AgentName = claims.Name
	}
	if err := g.store.SaveMessage(r.Context(), msg); err != nil {
		g.logger.Error("saving message", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := g.store.TouchConversation(r.Context(), conv.ID); err != nil {
		g.logger.Warn("touching conversation", "conversation_id", conv.ID, "error", err)
	}

	g.writeJSON(w, http.StatusCreated, toMessageData(msg))
}

// handleTakeover hands the conversation to the calling agent. The resulting
// row update produces mode_change and system_message through the bridge.
func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request) {
	claims := auth.MustFromContext(r.Context())
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}
	if !conv.Status.Actionable() {
		g.sendJSONError(w, http.StatusConflict, "conversation is not active")
		return
	}
	if conv.IsVendorActive {
		g.sendJSONError(w, http.StatusConflict, "conversation already taken over")
		return
	}

	now := time.Now().UTC()
	conv.IsVendorActive = true
	conv.TakenOverAt = &now
	conv.AgentInfo = &store.AgentInfo{ID: claims.ParticipantID, Name: claims.Name}
	conv.Status = store.StatusEscalated

	if !g.saveConversation(w, r, conv) {
		return
	}
	g.logger.Info("conversation taken over", "conversation_id", conv.ID, "agent_id", claims.ParticipantID)
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleRelease returns the conversation to the assistant.
func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}
	if !conv.IsVendorActive {
		g.sendJSONError(w, http.StatusConflict, "conversation is already with the assistant")
		return
	}

	conv.IsVendorActive = false
	conv.TakenOverAt = nil
	conv.AgentInfo = nil
	if conv.Status == store.StatusEscalated {
		conv.Status = store.StatusActive
	}

	if !g.saveConversation(w, r, conv) {
		return
	}
	g.logger.Info("conversation released", "conversation_id", conv.ID)
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleNotify pushes a system_message to every conversation the
// participant currently has open.
func (g *Gateway) handleNotify(w http.ResponseWriter, r *http.Request) {
	participantID := r.PathValue("id")

	var req NotifyRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}
	mode := realtime.ModeAgent
	if req.Mode != "" {
		mode = realtime.Mode(req.Mode)
	}

	env := realtime.SystemMessageEnvelope(strings.TrimSpace(req.Content), mode, time.Now())
	result := g.registry.BroadcastToParticipant(r.Context(), participantID, env)
	g.writeJSON(w, http.StatusOK, NotifyResponse{Delivered: result.Delivered, Failed: result.Failed})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.Stats())
}

// loadConversation fetches the {id} conversation and checks the caller may
// see it. It writes the error response and returns false on failure.
func (g *Gateway) loadConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	claims := auth.MustFromContext(r.Context())
	id := r.PathValue("id")

	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("fetching conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if !claims.IsStaff() && conv.MemberID != claims.ParticipantID {
		// same answer as a missing conversation
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func (g *Gateway) saveConversation(w http.ResponseWriter, r *http.Request, conv *store.Conversation) bool {
	err := g.store.UpdateConversation(r.Context(), conv)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrInvalidStatus):
		g.sendJSONError(w, http.StatusBadRequest, "invalid status")
	default:
		g.logger.Error("updating conversation", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
	return false
}

// decodeRequest parses and validates a JSON body into dst. It writes a 400
// and returns false on failure.
func (g *Gateway) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage turns validator errors into "field: rule" text.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:             c.ID,
		MemberID:       c.MemberID,
		Title:          c.Title,
		Status:         string(c.Status),
		Mode:           realtime.ModeFor(c.IsVendorActive),
		IsVendorActive: c.IsVendorActive,
		Metadata:       c.Metadata,
		Created:        realtime.Timestamp(c.CreatedAt),
		Updated:        realtime.Timestamp(c.UpdatedAt),
	}
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	if c.TakenOverAt != nil {
		ts := realtime.Timestamp(*c.TakenOverAt)
		resp.TakenOverAt = &ts
	}
	if c.AgentInfo != nil {
		resp.AgentInfo = &realtime.AgentInfo{ID: c.AgentInfo.ID, Name: c.AgentInfo.Name}
	}
	return resp
}

func toMessageData(m *store.Message) realtime.MessageData {
	data := realtime.MessageData{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Role:           m.Role,
		Channel:        m.Channel,
		AgentName:      m.AgentName,
		AgentID:        m.AgentID,
		Metadata:       m.Metadata,
		Created:        realtime.Timestamp(m.CreatedAt),
	}
	if data.Metadata == nil {
		data.Metadata = map[string]any{}
	}
	return data
}
