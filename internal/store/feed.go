// ABOUTME: Builds change-feed notifications from store records
// ABOUTME: Used by stores that publish to an in-process changefeed.Hub

package store

import (
	"encoding/json"
	"fmt"

	"github.com/2389/livechat-gateway/internal/changefeed"
)

func buildChange(event changefeed.EventType, table string, newVal, oldVal any) (changefeed.Change, error) {
	change := changefeed.Change{EventType: event, Table: table}
	var err error
	if change.New, err = rowImage(newVal); err != nil {
		return change, fmt.Errorf("new row: %w", err)
	}
	if change.Old, err = rowImage(oldVal); err != nil {
		return change, fmt.Errorf("old row: %w", err)
	}
	return change, nil
}

func rowImage(v any) (json.RawMessage, error) {
	var row any
	switch r := v.(type) {
	case nil:
		return nil, nil
	case *Conversation:
		if r == nil {
			return nil, nil
		}
		cr, err := NewConversationRow(r)
		if err != nil {
			return nil, err
		}
		row = cr
	case *Message:
		if r == nil {
			return nil, nil
		}
		mr, err := NewMessageRow(r)
		if err != nil {
			return nil, err
		}
		row = mr
	default:
		return nil, fmt.Errorf("unsupported row type %T", v)
	}
	return json.Marshal(row)
}
