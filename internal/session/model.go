package session

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("session: invalid user id")
	// ErrInvalidRole indicates that a role value is outside the known hierarchy.
	ErrInvalidRole = errors.New("session: invalid role")
)

// SessionID represents a validated session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role enumerates the member role hierarchy.
type Role string

const (
	// RoleOwner is the single immutable administrator of a session.
	RoleOwner Role = "owner"
	// RoleEditor may mutate the document and comments.
	RoleEditor Role = "editor"
	// RoleViewer is read-only for the document but may read comments and presence.
	RoleViewer Role = "viewer"
)

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the role as a string.
func (r Role) String() string {
	return string(r)
}

// Session models the persisted collaboration session record. The record is
// created by the surrounding product; the engine reads it on first join and
// only ever updates member roles.
type Session struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:255;not null"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null"`
	ShareToken       string `gorm:"column:share_token;size:190;index:idx_sessions_share_token"`
	ShareTokenRole   string `gorm:"column:share_token_role;size:32;not null;default:'viewer'"`
	// No default tag on is_active: gorm skips zero-value fields that carry
	// one, which would store an explicit false as true.
	IsActive         bool   `gorm:"column:is_active;not null"`
	MaxParticipants  int    `gorm:"column:max_participants;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "collab_sessions"
}

// Member models a (session, user) membership row with its role.
type Member struct {
	SessionID      string `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role           Role   `gorm:"column:role;size:32;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "collab_members"
}
