package session

// Action enumerates the gated mutating operations.
type Action string

const (
	// ActionEditDocument covers CRDT update application.
	ActionEditDocument Action = "edit_document"
	// ActionCommentAdd covers creating comments and replies.
	ActionCommentAdd Action = "comment_add"
	// ActionCommentModerate covers mutating another author's comment.
	ActionCommentModerate Action = "comment_moderate"
	// ActionChangeRole covers changing another member's role.
	ActionChangeRole Action = "change_role"
	// ActionRemoveMember covers removing a member from the session.
	ActionRemoveMember Action = "remove_member"
)

// CanPerform reports whether the role permits the action. It is consulted
// before every mutating operation; reads are never gated beyond membership.
func CanPerform(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionEditDocument || action == ActionCommentAdd
	default:
		return false
	}
}

// CanAssignRole reports whether an actor may change a member's role from
// current to next. Only the owner changes roles, only between editor and
// viewer; the owner role itself is immutable and never granted.
func CanAssignRole(actor Role, current Role, next Role) bool {
	if actor != RoleOwner {
		return false
	}
	if current == RoleOwner || next == RoleOwner {
		return false
	}
	return (next == RoleEditor || next == RoleViewer) && (current == RoleEditor || current == RoleViewer)
}
