// ABOUTME: Store interface and data types for live chat persistence
// ABOUTME: Defines Conversation and Message records and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned when a conversation status is not recognised
var ErrInvalidStatus = errors.New("invalid conversation status")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusResolved  ConversationStatus = "resolved"
	StatusClosed    ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusEscalated, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Actionable reports whether new messages may be posted in this status.
func (s ConversationStatus) Actionable() bool {
	return s == StatusActive || s == StatusEscalated
}

// Message roles
const (
	RoleUser      = "user"
	RoleAgent     = "agent"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChannelChat is the channel recorded for messages typed into the live chat.
const ChannelChat = "chat"

// Message metadata keys set by the live transport. Downstream consumers use
// them to avoid echoing a message back to its sender.
const (
	MetadataSource          = "source"
	MetadataSenderID        = "senderId"
	MetadataClientMessageID = "clientMessageId" // client idempotency key
	SourceWebSocket         = "websocket"
)

// AgentInfo identifies the human agent who took over a conversation.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is a support conversation between a member and either the
// assistant or a human agent.
type Conversation struct {
	ID             string
	MemberID       string
	Title          string
	Status         ConversationStatus
	IsVendorActive bool       // true while a human agent is handling the conversation
	TakenOverAt    *time.Time // set when an agent took over, nil in assistant mode
	AgentInfo      *AgentInfo
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a single message posted in a conversation.
type Message struct {
	ID             string
	ConversationID string
	Content        string
	Role           string
	Channel        string
	AgentName      string
	AgentID        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Store is the persistence contract used by the gateway and the admin API.
// Every successful write is observable as a row change on the change feed.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// UpdateConversation replaces the mutable fields of an existing
	// conversation and bumps UpdatedAt.
	UpdateConversation(ctx context.Context, conv *Conversation) error
	// TouchConversation bumps UpdatedAt only.
	TouchConversation(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	// ListMessages returns up to limit messages in chronological order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Ping performs a trivial read to confirm the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
