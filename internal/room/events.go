package room

import "github.com/promptforge/collab/backend/internal/comments"

// Event is one outbound websocket message. Every event carries a "type" field
// so clients can dispatch without trial decoding.
type Event interface {
	EventType() string
}

const (
	EventTypeSyncState        = "sync_state"
	EventTypeUserJoined       = "user_joined"
	EventTypeUserLeft         = "user_left"
	EventTypeEditOperation    = "edit_operation"
	EventTypeCursorUpdate     = "cursor_update"
	EventTypePresenceUpdate   = "presence_update"
	EventTypeUserTyping       = "user_typing"
	EventTypeCommentAdd       = "comment_add"
	EventTypeCommentUpdate    = "comment_update"
	EventTypeCommentDelete    = "comment_delete"
	EventTypePermissionChange = "permission_change"
	EventTypeFlushWarning     = "flush_warning"
	EventTypeError            = "error"
)

// SyncModeSnapshot and SyncModeDiff distinguish the two resync payloads.
const (
	SyncModeSnapshot = "snapshot"
	SyncModeDiff     = "diff"
)

// SyncStateEvent carries either a full snapshot or a diff of missing updates,
// plus the room context a joining client needs to render immediately.
type SyncStateEvent struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"session_id"`
	Mode       string             `json:"mode"`
	StateB64   string             `json:"state_b64,omitempty"`
	UpdatesB64 []string           `json:"updates_b64,omitempty"`
	Role       string             `json:"role,omitempty"`
	Presence   []PresenceEntry    `json:"presence,omitempty"`
	Comments   []comments.Comment `json:"comments,omitempty"`
}

func (e SyncStateEvent) EventType() string { return EventTypeSyncState }

type UserJoinedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

func (e UserJoinedEvent) EventType() string { return EventTypeUserJoined }

type UserLeftEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (e UserLeftEvent) EventType() string { return EventTypeUserLeft }

// EditOperationEvent rebroadcasts an accepted document update to the other
// members of the room.
type EditOperationEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AuthorID  string `json:"author_id"`
	UpdateB64 string `json:"update_b64"`
}

func (e EditOperationEvent) EventType() string { return EventTypeEditOperation }

type CursorUpdateEvent struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	Cursor    Cursor     `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
}

func (e CursorUpdateEvent) EventType() string { return EventTypeCursorUpdate }

// PresenceUpdateEvent carries the full remaining presence list after a change.
type PresenceUpdateEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Presence  []PresenceEntry `json:"presence"`
}

func (e PresenceUpdateEvent) EventType() string { return EventTypePresenceUpdate }

type UserTypingEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
}

func (e UserTypingEvent) EventType() string { return EventTypeUserTyping }

// CommentEvent carries the persisted comment state after a mutation. For
// deletes only the comment id survives.
type CommentEvent struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	CommentID string            `json:"comment_id"`
	Comment   *comments.Comment `json:"comment,omitempty"`
}

func (e CommentEvent) EventType() string { return e.Type }

type PermissionChangeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	NewRole   string `json:"new_role"`
}

func (e PermissionChangeEvent) EventType() string { return EventTypePermissionChange }

// FlushWarningEvent tells owner connections that durable persistence is
// failing and recent edits exist only in memory.
type FlushWarningEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (e FlushWarningEvent) EventType() string { return EventTypeFlushWarning }

// ErrorEvent reports a rejected command to the connection that issued it.
type ErrorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e ErrorEvent) EventType() string { return EventTypeError }

// Error codes surfaced to clients.
const (
	ErrorCodeNotFound        = "not_found"
	ErrorCodeForbidden       = "forbidden"
	ErrorCodeExpired         = "expired"
	ErrorCodeMalformedUpdate = "malformed_update"
	ErrorCodeTransient       = "transient"
	ErrorCodeBadRequest      = "bad_request"
)
