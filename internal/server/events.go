package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client event vocabulary. The envelope is decoded once; the typed payload is
// decoded by the handler that owns it.
const (
	ClientEventJoinSession      = "join_session"
	ClientEventLeaveSession     = "leave_session"
	ClientEventEditOperation    = "edit_operation"
	ClientEventCursorMove       = "cursor_move"
	ClientEventTypingStart      = "typing_start"
	ClientEventTypingStop       = "typing_stop"
	ClientEventCommentAdd       = "comment_add"
	ClientEventCommentUpdate    = "comment_update"
	ClientEventCommentDelete    = "comment_delete"
	ClientEventPermissionChange = "permission_change"
	ClientEventMemberRemove     = "member_remove"
	ClientEventSyncRequest      = "sync_request"
)

var errUnknownEventType = errors.New("unknown event type")

// ClientEvent is the tagged envelope every inbound frame decodes into.
type ClientEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

type joinPayload struct {
	ShareToken     string `json:"share_token,omitempty"`
	StateVectorB64 string `json:"state_vector_b64,omitempty"`
}

type editPayload struct {
	UpdateB64 string `json:"update_b64"`
}

type cursorPayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Selection *struct {
		Start int `json:"start"`
		End   int `json:"end"`
	} `json:"selection,omitempty"`
}

type commentAddPayload struct {
	CommentID  string `json:"comment_id,omitempty"`
	Content    string `json:"content"`
	ParentID   string `json:"parent_id,omitempty"`
	AnchorJSON string `json:"anchor_json,omitempty"`
}

type commentUpdatePayload struct {
	CommentID string  `json:"comment_id"`
	Content   *string `json:"content,omitempty"`
	Resolved  *bool   `json:"resolved,omitempty"`
}

type commentDeletePayload struct {
	CommentID string `json:"comment_id"`
}

type permissionChangePayload struct {
	UserID  string `json:"user_id"`
	NewRole string `json:"new_role"`
}

type memberRemovePayload struct {
	UserID string `json:"user_id"`
}

type syncRequestPayload struct {
	StateVectorB64 string `json:"state_vector_b64,omitempty"`
}

// DecodeClientEvent parses the envelope and validates the event type.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	var event ClientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return ClientEvent{}, err
	}
	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	switch event.Type {
	case ClientEventJoinSession, ClientEventLeaveSession, ClientEventEditOperation,
		ClientEventCursorMove, ClientEventTypingStart, ClientEventTypingStop,
		ClientEventCommentAdd, ClientEventCommentUpdate, ClientEventCommentDelete,
		ClientEventPermissionChange, ClientEventMemberRemove, ClientEventSyncRequest:
		return event, nil
	default:
		return ClientEvent{}, fmt.Errorf("%w: %q", errUnknownEventType, event.Type)
	}
}
