// ABOUTME: WebSocket transport for live chat conversations
// ABOUTME: Admits, registers, and serves one client connection per request

package livechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/livechat-gateway/internal/auth"
	"github.com/2389/livechat-gateway/internal/dedupe"
	"github.com/2389/livechat-gateway/internal/metrics"
	"github.com/2389/livechat-gateway/internal/realtime"
	"github.com/2389/livechat-gateway/internal/store"
)

// Route is the pattern the handler expects to be mounted on.
const Route = "GET /ws/conversations/{id}"

// Close codes sent to clients.
const (
	CloseReplaced     = 4000
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseNotFound     = 4404
	CloseUnavailable  = 4409
)

const (
	defaultMaxMessageLength = 4000
	defaultReadLimit        = 32 << 10
	defaultWriteTimeout     = 10 * time.Second
	defaultRetryWindow      = 10 * time.Minute
	defaultRetryKeys        = 10000
)

// admissionError is a terminal rejection sent as a close frame.
type admissionError struct {
	code   int
	reason string
	label  string // metrics label
}

func (e *admissionError) Error() string { return e.reason }

var (
	errUnauthorized = &admissionError{CloseUnauthorized, "unauthorized", "unauthorized"}
	errNotFound     = &admissionError{CloseNotFound, "conversation not found", "not_found"}
	errForbidden    = &admissionError{CloseForbidden, "forbidden", "forbidden"}
	errUnavailable  = &admissionError{CloseUnavailable, "live chat not available", "unavailable"}
	errLookupFailed = &admissionError{realtime.CloseInternalError, "internal error", "lookup_failed"}
)

// Registry is the subset of realtime.Registry the transport uses.
type Registry interface {
	AddConnection(conversationID, participantID string, handle realtime.Handle) (added, replaced *realtime.Connection)
	ReleaseConnection(conn *realtime.Connection) bool
}

// Config configures a Handler.
type Config struct {
	Registry         Registry
	Store            store.Store
	Verifier         auth.TokenVerifier
	Logger           *slog.Logger
	MaxMessageLength int
	ReadLimit        int64
	WriteTimeout     time.Duration
	OriginPatterns   []string // passed to websocket.AcceptOptions

	// Sent remembers clientMessageId keys so retried sends are dropped.
	// Defaults to a ten minute window.
	Sent *dedupe.Cache
}

// Handler serves GET /ws/conversations/{id}.
type Handler struct {
	registry       Registry
	store          store.Store
	verifier       auth.TokenVerifier
	frames         *frameValidator
	readLimit      int64
	writeTimeout   time.Duration
	originPatterns []string
	sent           *dedupe.Cache
	logger         *slog.Logger
	now            func() time.Time
}

// NewHandler creates a transport handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Verifier == nil {
		return nil, errors.New("livechat: registry, store, and verifier are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = defaultMaxMessageLength
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	sent := cfg.Sent
	if sent == nil {
		sent = dedupe.New(defaultRetryWindow, defaultRetryKeys)
	}
	return &Handler{
		registry:       cfg.Registry,
		store:          cfg.Store,
		verifier:       cfg.Verifier,
		frames:         newFrameValidator(maxLen),
		readLimit:      readLimit,
		writeTimeout:   writeTimeout,
		originPatterns: cfg.OriginPatterns,
		sent:           sent,
		logger:         logger.With("component", "livechat"),
		now:            time.Now,
	}, nil
}

// session is the per-connection state once admitted.
type session struct {
	conversationID string
	token          string
	claims         *auth.Claims
	handle         *wsHandle
	conn           *realtime.Connection
	logger         *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)
	handle := newWSHandle(ws, h.writeTimeout)

	ctx := r.Context()
	token, claims, conv, admitErr := h.admit(ctx, r, conversationID)
	if admitErr != nil {
		metrics.AdmissionRejections.WithLabelValues(admitErr.label).Inc()
		h.logger.Info("connection rejected",
			"conversation_id", conversationID,
			"code", admitErr.code,
			"reason", admitErr.reason)
		_ = handle.Close(admitErr.code, admitErr.reason)
		return
	}

	s := &session{
		conversationID: conversationID,
		token:          token,
		claims:         claims,
		handle:         handle,
		logger: h.logger.With(
			"conversation_id", conversationID,
			"participant_id", claims.ParticipantID),
	}

	added, replaced := h.registry.AddConnection(conversationID, claims.ParticipantID, handle)
	s.conn = added
	if replaced != nil {
		// the close handshake waits on the old client; don't hold up the new one
		go func() { _ = replaced.Handle.Close(CloseReplaced, "replaced by newer connection") }()
		s.logger.Info("superseded previous connection")
	}
	defer func() {
		h.registry.ReleaseConnection(s.conn)
		_ = handle.Close(int(websocket.StatusNormalClosure), "")
		s.logger.Info("connection closed")
	}()

	if err := h.send(ctx, s, realtime.ConnectionEnvelope(conv.IsVendorActive, h.now())); err != nil {
		s.logger.Warn("sending connection frame failed", "error", err)
		return
	}
	s.logger.Info("connection open", "role", claims.Role)

	h.readLoop(ctx, ws, s)
}

// admit authenticates the request and applies the admission policy. No
// registry state exists until it succeeds.
func (h *Handler) admit(ctx context.Context, r *http.Request, conversationID string) (string, *auth.Claims, *store.Conversation, *admissionError) {
	token, err := auth.ExtractToken(r)
	if err != nil {
		return "", nil, nil, errUnauthorized
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return "", nil, nil, errUnauthorized
	}

	conv, err := h.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, nil, errNotFound
	}
	if err != nil {
		h.logger.Error("conversation lookup failed", "conversation_id", conversationID, "error", err)
		return "", nil, nil, errLookupFailed
	}

	if !claims.IsStaff() && conv.MemberID != claims.ParticipantID {
		return "", nil, nil, errForbidden
	}
	if !conv.IsVendorActive {
		return "", nil, nil, errUnavailable
	}
	return token, claims, conv, nil
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, s *session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.logger.Debug("client closed", "status", status)
			} else if ctx.Err() == nil {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		h.handleFrame(ctx, s, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, s *session, data []byte) {
	frame, err := h.frames.parseFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		h.sendError(ctx, s, errInvalidFormat)
		return
	}

	switch frame.Type {
	case FrameSendMessage:
		metrics.FramesTotal.WithLabelValues(FrameSendMessage).Inc()
		if err := h.handleSendMessage(ctx, s, frame); err != nil {
			h.sendError(ctx, s, err.Error())
		}
	case FramePing:
		metrics.FramesTotal.WithLabelValues(FramePing).Inc()
		if err := h.send(ctx, s, realtime.PongEnvelope(h.now())); err != nil {
			s.logger.Debug("sending pong failed", "error", err)
		}
	default:
		metrics.FramesTotal.WithLabelValues("unknown").Inc()
		h.sendError(ctx, s, fmt.Sprintf(errUnknownTypeFmt, frame.Type))
	}
}

// handleSendMessage persists a message typed by the client. The returned
// error's text is sent back as an error frame.
func (h *Handler) handleSendMessage(ctx context.Context, s *session, frame *inboundFrame) error {
	req, err := h.frames.parseSendMessage(frame.Payload)
	if err != nil {
		return err
	}

	// identity comes from the token, never from the frame
	claims, err := h.verifier.Verify(s.token)
	if err != nil {
		return errors.New(errSessionExpired)
	}

	retryKey := ""
	if req.ClientMessageID != "" {
		retryKey = s.conversationID + "\x00" + claims.ParticipantID + "\x00" + req.ClientMessageID
		if !h.sent.Claim(retryKey) {
			metrics.FramesTotal.WithLabelValues("duplicate").Inc()
			s.logger.Debug("dropping retried send", "client_message_id", req.ClientMessageID)
			return nil
		}
	}

	if err := h.saveMessage(ctx, s, claims, req); err != nil {
		if retryKey != "" {
			h.sent.Release(retryKey)
		}
		return err
	}
	return nil
}

func (h *Handler) saveMessage(ctx context.Context, s *session, claims *auth.Claims, req *sendMessagePayload) error {
	conv, err := h.store.GetConversation(ctx, s.conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.New(errConversationGone)
	}
	if err != nil {
		s.logger.Error("conversation lookup failed", "error", err)
		return errors.New(errSendFailed)
	}
	if !conv.Status.Actionable() {
		return errors.New(errConversationClosed)
	}

	msg := &store.Message{
		ConversationID: s.conversationID,
		Content:        req.Content,
		Role:           store.RoleUser,
		Channel:        store.ChannelChat,
		Metadata: map[string]any{
			store.MetadataSource:   store.SourceWebSocket,
			store.MetadataSenderID: claims.ParticipantID,
		},
	}
	if req.ClientMessageID != "" {
		msg.Metadata[store.MetadataClientMessageID] = req.ClientMessageID
	}
	if claims.IsStaff() {
		msg.Role = store.RoleAgent
		msg.AgentID = claims.ParticipantID
		msg.AgentName = claims.Name
	}

	if err := h.store.SaveMessage(ctx, msg); err != nil {
		s.logger.Error("saving message failed", "error", err)
		return errors.New(errSendFailed)
	}
	if err := h.store.TouchConversation(ctx, s.conversationID); err != nil {
		s.logger.Warn("touching conversation failed", "error", err)
	}

	s.logger.Debug("message saved", "message_id", msg.ID)
	return nil
}

func (h *Handler) send(ctx context.Context, s *session, env *realtime.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}
	return s.handle.Send(ctx, data)
}

func (h *Handler) sendError(ctx context.Context, s *session, message string) {
	if err := h.send(ctx, s, realtime.ErrorEnvelope(message)); err != nil {
		s.logger.Debug("sending error frame failed", "error", err)
	}
}
