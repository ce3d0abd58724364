package room

// Cursor is a best-effort pointer position inside the shared document.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection is an optional text range attached to a cursor move.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// PresenceEntry is the broadcastable view of one member's live state. Presence
// is kept only in room memory and rebuilt from joins after a restart.
type PresenceEntry struct {
	UserID          string     `json:"user_id"`
	Role            string     `json:"role"`
	IsActive        bool       `json:"is_active"`
	IsTyping        bool       `json:"is_typing"`
	Cursor          Cursor     `json:"cursor"`
	Selection       *Selection `json:"selection,omitempty"`
	LastSeenSeconds int64      `json:"last_seen_s"`
}

// presenceState is the actor-private record behind a PresenceEntry.
type presenceState struct {
	entry            PresenceEntry
	connections      int
	typingGeneration uint64
}
