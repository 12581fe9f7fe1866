// ABOUTME: Column-keyed JSON row images published on the change feed
// ABOUTME: Same shape whether produced in-process or by the Postgres trigger

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is fixed width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// ConversationRow is the JSON image of a conversations row.
type ConversationRow struct {
	ID             string          `json:"id"`
	MemberID       string          `json:"member_id"`
	Title          string          `json:"title"`
	Status         string          `json:"status"`
	IsVendorActive *bool           `json:"is_vendor_active"`
	TakenOverAt    *string         `json:"taken_over_at"`
	AgentInfo      json.RawMessage `json:"agent_info"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// MessageRow is the JSON image of a messages row.
type MessageRow struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	Role           string          `json:"role"`
	Channel        string          `json:"channel"`
	AgentName      *string         `json:"agent_name"`
	AgentID        *string         `json:"agent_id"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      string          `json:"created_at"`
}

// IsEmptyRow reports whether a raw row image carries no data.
func IsEmptyRow(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// DecodeConversationRow parses a conversations row image.
func DecodeConversationRow(raw json.RawMessage) (*ConversationRow, error) {
	if IsEmptyRow(raw) {
		return nil, nil
	}
	var row ConversationRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding conversation row: %w", err)
	}
	return &row, nil
}

// DecodeMessageRow parses a messages row image.
func DecodeMessageRow(raw json.RawMessage) (*MessageRow, error) {
	if IsEmptyRow(raw) {
		return nil, nil
	}
	var row MessageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding message row: %w", err)
	}
	return &row, nil
}

// Conversation converts the row image back into a Conversation.
func (r *ConversationRow) Conversation() (*Conversation, error) {
	conv := &Conversation{
		ID:       r.ID,
		MemberID: r.MemberID,
		Title:    r.Title,
		Status:   ConversationStatus(r.Status),
	}
	if r.IsVendorActive != nil {
		conv.IsVendorActive = *r.IsVendorActive
	}
	if r.TakenOverAt != nil && *r.TakenOverAt != "" {
		t, err := parseTime(*r.TakenOverAt)
		if err != nil {
			return nil, fmt.Errorf("parsing taken_over_at: %w", err)
		}
		conv.TakenOverAt = &t
	}
	if err := decodeJSONColumn(r.AgentInfo, &conv.AgentInfo); err != nil {
		return nil, fmt.Errorf("decoding agent_info: %w", err)
	}
	if err := decodeJSONColumn(r.Metadata, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	var err error
	if conv.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return conv, nil
}

// Message converts the row image back into a Message.
func (r *MessageRow) Message() (*Message, error) {
	msg := &Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Content:        r.Content,
		Role:           r.Role,
		Channel:        r.Channel,
	}
	if r.AgentName != nil {
		msg.AgentName = *r.AgentName
	}
	if r.AgentID != nil {
		msg.AgentID = *r.AgentID
	}
	if err := decodeJSONColumn(r.Metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	var err error
	if msg.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return msg, nil
}

// NewConversationRow builds the row image for conv.
func NewConversationRow(conv *Conversation) (ConversationRow, error) {
	vendorActive := conv.IsVendorActive
	row := ConversationRow{
		ID:             conv.ID,
		MemberID:       conv.MemberID,
		Title:          conv.Title,
		Status:         string(conv.Status),
		IsVendorActive: &vendorActive,
		CreatedAt:      formatTime(conv.CreatedAt),
		UpdatedAt:      formatTime(conv.UpdatedAt),
	}
	if conv.TakenOverAt != nil {
		s := formatTime(*conv.TakenOverAt)
		row.TakenOverAt = &s
	}
	var err error
	if row.AgentInfo, err = encodeJSONColumn(conv.AgentInfo); err != nil {
		return row, err
	}
	if row.Metadata, err = encodeJSONColumn(conv.Metadata); err != nil {
		return row, err
	}
	return row, nil
}

// NewMessageRow builds the row image for msg.
func NewMessageRow(msg *Message) (MessageRow, error) {
	row := MessageRow{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Role:           msg.Role,
		Channel:        msg.Channel,
		AgentName:      nullableString(msg.AgentName),
		AgentID:        nullableString(msg.AgentID),
		CreatedAt:      formatTime(msg.CreatedAt),
	}
	var err error
	if row.Metadata, err = encodeJSONColumn(msg.Metadata); err != nil {
		return row, err
	}
	return row, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// encodeJSONColumn marshals v, mapping nil pointers and maps to null.
func encodeJSONColumn(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	return data, nil
}

// decodeJSONColumn accepts either a nested JSON value or a JSON string that
// itself holds JSON, which is how TEXT columns appear in a row image.
func decodeJSONColumn(raw json.RawMessage, dst any) error {
	if IsEmptyRow(raw) {
		return nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		if inner == "" {
			return nil
		}
		raw = json.RawMessage(inner)
	}
	return json.Unmarshal(raw, dst)
}
