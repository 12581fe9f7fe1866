// ABOUTME: Broadcast envelope types pushed to live chat clients
// ABOUTME: Builds the JSON frames for messages, mode changes, pongs, and errors

package realtime

import (
	"encoding/json"
	"time"
)

// EnvelopeType names a server-to-client frame.
type EnvelopeType string

const (
	TypeConnection          EnvelopeType = "connection"
	TypeNewMessage          EnvelopeType = "new_message"
	TypeMessageUpdated      EnvelopeType = "message_updated"
	TypeModeChange          EnvelopeType = "mode_change"
	TypeSystemMessage       EnvelopeType = "system_message"
	TypeConversationUpdated EnvelopeType = "conversation_updated"
	TypePong                EnvelopeType = "pong"
	TypeError               EnvelopeType = "error"
)

// timestampLayout matches the ISO-8601 form browsers produce with Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t as a millisecond-precision UTC ISO-8601 string.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Envelope is a single frame sent to clients. Only the fields relevant to
// the envelope's type are populated; the rest are omitted from the JSON.
type Envelope struct {
	Type           EnvelopeType `json:"type"`
	Status         string       `json:"status,omitempty"`
	IsVendorActive *bool        `json:"isVendorActive,omitempty"`
	Data           any          `json:"data,omitempty"`
	Message        string       `json:"message,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
}

// Encode serializes the envelope once so a fan-out can reuse the bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Mode is the conversation's serving mode as shown to clients.
type Mode string

const (
	ModeAgent     Mode = "agent"
	ModeAssistant Mode = "assistant"
)

// ModeFor maps the vendor-active flag onto a Mode.
func ModeFor(vendorActive bool) Mode {
	if vendorActive {
		return ModeAgent
	}
	return ModeAssistant
}

// AgentInfo describes the human agent attached to a conversation.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MessageData is the payload of new_message and message_updated envelopes.
type MessageData struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Role           string         `json:"role"`
	Channel        string         `json:"channel"`
	AgentName      string         `json:"agentName,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Created        string         `json:"created"`
}

// ModeChangeData is the payload of a mode_change envelope.
type ModeChangeData struct {
	ConversationID string     `json:"conversationId"`
	Mode           Mode       `json:"mode"`
	IsVendorActive bool       `json:"isVendorActive"`
	TakenOverAt    *string    `json:"takenOverAt"`
	AgentInfo      *AgentInfo `json:"agentInfo,omitempty"`
	Status         string     `json:"status"`
	PreviousMode   Mode       `json:"previousMode"`
}

// SystemMessageData is the payload of a system_message envelope.
type SystemMessageData struct {
	Content   string `json:"content"`
	Mode      Mode   `json:"mode"`
	Timestamp string `json:"timestamp"`
}

// ConversationData is the payload of a conversation_updated envelope.
type ConversationData struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Status         string         `json:"status"`
	IsVendorActive bool           `json:"isVendorActive"`
	TakenOverAt    *string        `json:"takenOverAt"`
	Metadata       map[string]any `json:"metadata"`
	Updated        string         `json:"updated"`
}

// Announcements shown to clients when the conversation changes hands.
const (
	AgentJoinedText     = "A team member has joined the conversation"
	AssistantReturnText = "You're back with the assistant"
)

// ConnectionEnvelope confirms admission and reports the current mode.
func ConnectionEnvelope(vendorActive bool, now time.Time) *Envelope {
	return &Envelope{
		Type:           TypeConnection,
		Status:         "connected",
		IsVendorActive: &vendorActive,
		Timestamp:      Timestamp(now),
	}
}

// NewMessageEnvelope announces an inserted message.
func NewMessageEnvelope(data MessageData, now time.Time) *Envelope {
	return &Envelope{Type: TypeNewMessage, Data: data, Timestamp: Timestamp(now)}
}

// MessageUpdatedEnvelope announces an edited message.
func MessageUpdatedEnvelope(data MessageData, now time.Time) *Envelope {
	return &Envelope{Type: TypeMessageUpdated, Data: data, Timestamp: Timestamp(now)}
}

// ModeChangeEnvelope announces a handoff between assistant and agent.
func ModeChangeEnvelope(data ModeChangeData, now time.Time) *Envelope {
	return &Envelope{Type: TypeModeChange, Data: data, Timestamp: Timestamp(now)}
}

// SystemMessageEnvelope carries a human-readable announcement. The
// timestamp lives inside the payload, not at the top level.
func SystemMessageEnvelope(content string, mode Mode, now time.Time) *Envelope {
	return &Envelope{
		Type: TypeSystemMessage,
		Data: SystemMessageData{Content: content, Mode: mode, Timestamp: Timestamp(now)},
	}
}

// HandoffAnnouncement returns the system message text for entering mode.
func HandoffAnnouncement(mode Mode) string {
	if mode == ModeAgent {
		return AgentJoinedText
	}
	return AssistantReturnText
}

// ConversationUpdatedEnvelope reflects the latest conversation record.
func ConversationUpdatedEnvelope(data ConversationData, now time.Time) *Envelope {
	return &Envelope{Type: TypeConversationUpdated, Data: data, Timestamp: Timestamp(now)}
}

// PongEnvelope answers a client ping.
func PongEnvelope(now time.Time) *Envelope {
	return &Envelope{Type: TypePong, Timestamp: Timestamp(now)}
}

// ErrorEnvelope reports a recoverable protocol or action error.
func ErrorEnvelope(message string) *Envelope {
	return &Envelope{Type: TypeError, Message: message}
}
