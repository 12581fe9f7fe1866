// ABOUTME: Translates message and conversation row changes into envelopes
// ABOUTME: Handles echo suppression and the mode_change/system_message pair

package bridge

import (
	"context"

	"github.com/2389/livechat-gateway/internal/changefeed"
	"github.com/2389/livechat-gateway/internal/metrics"
	"github.com/2389/livechat-gateway/internal/realtime"
	"github.com/2389/livechat-gateway/internal/store"
)

func (b *Bridge) handleMessageChange(ctx context.Context, change changefeed.Change) {
	metrics.FeedChanges.WithLabelValues(change.Table, string(change.EventType)).Inc()

	row, err := store.DecodeMessageRow(change.New)
	if err != nil || row == nil {
		b.logger.Warn("skipping message change without usable row", "event", change.EventType, "error", err)
		return
	}
	msg, err := row.Message()
	if err != nil {
		b.logger.Warn("skipping malformed message row", "id", row.ID, "error", err)
		return
	}

	now := b.now()
	data := messageData(msg)

	switch change.EventType {
	case changefeed.EventInsert:
		env := realtime.NewMessageEnvelope(data, now)
		if sender := echoSender(msg.Metadata); sender != "" {
			b.broadcaster.BroadcastToConversationExcludingParticipant(ctx, msg.ConversationID, env, sender)
			return
		}
		b.broadcaster.BroadcastToConversation(ctx, msg.ConversationID, env)
	case changefeed.EventUpdate:
		b.broadcaster.BroadcastToConversation(ctx, msg.ConversationID, realtime.MessageUpdatedEnvelope(data, now))
	}
}

// echoSender returns the participant to exclude when the message was sent
// over the live transport by a known sender, or "" otherwise.
func echoSender(metadata map[string]any) string {
	if source, _ := metadata[store.MetadataSource].(string); source != store.SourceWebSocket {
		return ""
	}
	sender, _ := metadata[store.MetadataSenderID].(string)
	return sender
}

func (b *Bridge) handleConversationChange(ctx context.Context, change changefeed.Change) {
	metrics.FeedChanges.WithLabelValues(change.Table, string(change.EventType)).Inc()

	newRow, err := store.DecodeConversationRow(change.New)
	if err != nil || newRow == nil {
		b.logger.Warn("skipping conversation change without usable row", "error", err)
		return
	}
	conv, err := newRow.Conversation()
	if err != nil {
		b.logger.Warn("skipping malformed conversation row", "id", newRow.ID, "error", err)
		return
	}

	oldRow, err := store.DecodeConversationRow(change.Old)
	if err != nil {
		// prior state unknown; no mode diff is possible
		b.logger.Debug("ignoring undecodable old conversation row", "id", conv.ID, "error", err)
		oldRow = nil
	}

	now := b.now()
	takenOverAt := optionalTimestamp(conv)

	if modeChanged(oldRow, newRow) {
		mode := realtime.ModeFor(conv.IsVendorActive)
		previous := realtime.ModeFor(*oldRow.IsVendorActive)

		b.broadcaster.BroadcastToConversation(ctx, conv.ID, realtime.ModeChangeEnvelope(realtime.ModeChangeData{
			ConversationID: conv.ID,
			Mode:           mode,
			IsVendorActive: conv.IsVendorActive,
			TakenOverAt:    takenOverAt,
			AgentInfo:      agentInfo(conv.AgentInfo),
			Status:         string(conv.Status),
			PreviousMode:   previous,
		}, now))
		b.broadcaster.BroadcastToConversation(ctx, conv.ID,
			realtime.SystemMessageEnvelope(realtime.HandoffAnnouncement(mode), mode, now))

		b.logger.Info("conversation mode changed", "conversation_id", conv.ID, "mode", mode, "previous", previous)
	}

	b.broadcaster.BroadcastToConversation(ctx, conv.ID, realtime.ConversationUpdatedEnvelope(realtime.ConversationData{
		ID:             conv.ID,
		Title:          conv.Title,
		Status:         string(conv.Status),
		IsVendorActive: conv.IsVendorActive,
		TakenOverAt:    takenOverAt,
		Metadata:       nonNilMap(conv.Metadata),
		Updated:        realtime.Timestamp(conv.UpdatedAt),
	}, now))
}

// modeChanged reports a real vendor-flag transition. Updates whose prior
// value is unknown never count as a transition.
func modeChanged(oldRow, newRow *store.ConversationRow) bool {
	if oldRow == nil || oldRow.IsVendorActive == nil || newRow.IsVendorActive == nil {
		return false
	}
	return *oldRow.IsVendorActive != *newRow.IsVendorActive
}

func messageData(msg *store.Message) realtime.MessageData {
	return realtime.MessageData{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Role:           msg.Role,
		Channel:        msg.Channel,
		AgentName:      msg.AgentName,
		AgentID:        msg.AgentID,
		Metadata:       nonNilMap(msg.Metadata),
		Created:        realtime.Timestamp(msg.CreatedAt),
	}
}

func optionalTimestamp(conv *store.Conversation) *string {
	if conv.TakenOverAt == nil {
		return nil
	}
	s := realtime.Timestamp(*conv.TakenOverAt)
	return &s
}

func agentInfo(info *store.AgentInfo) *realtime.AgentInfo {
	if info == nil {
		return nil
	}
	return &realtime.AgentInfo{ID: info.ID, Name: info.Name}
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
