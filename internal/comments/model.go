package comments

// Comment models a persisted threaded annotation. Threading is exactly one
// level deep: a comment with a non-empty ParentID can never itself be a
// parent. AnchorJSON carries best-effort position metadata and is not
// required to survive arbitrary edits.
type Comment struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;index:idx_comments_session"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:''"`
	AnchorJSON       string `gorm:"column:anchor_json;type:text;not null;default:''"`
	Resolved         bool   `gorm:"column:resolved;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "collab_comments"
}
