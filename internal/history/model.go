package history

// Operation classifies a recorded history entry.
type Operation string

const (
	// OperationContentUpdate records a single applied document update.
	OperationContentUpdate Operation = "content_update"
	// OperationSnapshotRestore records a replica being rebuilt from a
	// persisted snapshot, for example after a cold start.
	OperationSnapshotRestore Operation = "snapshot_restore"
)

// Entry models one persisted history record. BeforeB64 and AfterB64 carry
// base64 document state or update payloads and may be empty when the payload
// exceeded the configured size cap. The entry itself is always written so the
// timeline stays gap free.
type Entry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;index:idx_history_session_time,priority:1"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Operation        string `gorm:"column:operation;size:64;not null"`
	BeforeB64        string `gorm:"column:before_b64;type:text;not null;default:''"`
	AfterB64         string `gorm:"column:after_b64;type:text;not null;default:''"`
	Truncated        bool   `gorm:"column:truncated;not null;default:false"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index:idx_history_session_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "collab_history_entries"
}
