// ABOUTME: Inbound client frame types and their validation
// ABOUTME: Uses go-playground/validator for structure and content limits

package livechat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Inbound frame types.
const (
	FrameSendMessage = "send_message"
	FramePing        = "ping"
)

// Error frame texts.
const (
	errInvalidFormat      = "Invalid message format"
	errUnknownTypeFmt     = "Unknown message type: %s"
	errContentRequired    = "Message content is required"
	errContentTooLongFmt  = "Message exceeds maximum length of %d characters"
	errSessionExpired     = "Session expired, please reconnect"
	errConversationClosed = "Conversation is no longer active"
	errConversationGone   = "Conversation not found"
	errSendFailed         = "Failed to send message"
)

var errFrameFormat = errors.New(errInvalidFormat)

// inboundFrame is the envelope every client frame uses.
type inboundFrame struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// sendMessagePayload is the send_message payload. ClientMessageID is an
// optional idempotency key; a retry carrying the same key is dropped.
type sendMessagePayload struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty" validate:"omitempty,max=128,printascii"`
}

type frameValidator struct {
	validate         *validator.Validate
	maxMessageLength int
}

func newFrameValidator(maxMessageLength int) *frameValidator {
	return &frameValidator{
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		maxMessageLength: maxMessageLength,
	}
}

// parseFrame decodes and validates the outer frame.
func (v *frameValidator) parseFrame(data []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errFrameFormat
	}
	if err := v.validate.Struct(frame); err != nil {
		return nil, errFrameFormat
	}
	return &frame, nil
}

// parseSendMessage decodes the send_message payload and trims its content.
// The returned error text is safe to show the client.
func (v *frameValidator) parseSendMessage(payload json.RawMessage) (*sendMessagePayload, error) {
	if len(payload) == 0 {
		return nil, errors.New(errContentRequired)
	}
	var p sendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errFrameFormat
	}
	if err := v.validate.Struct(p); err != nil {
		return nil, errFrameFormat
	}
	p.Content = strings.TrimSpace(p.Content)

	if err := v.validate.Var(p.Content, "required"); err != nil {
		return nil, errors.New(errContentRequired)
	}
	if v.maxMessageLength > 0 {
		if err := v.validate.Var(p.Content, fmt.Sprintf("max=%d", v.maxMessageLength)); err != nil {
			return nil, fmt.Errorf(errContentTooLongFmt, v.maxMessageLength)
		}
	}
	return &p, nil
}
