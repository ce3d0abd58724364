package room

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptforge/collab/backend/internal/session"
)

const (
	opSnapshotStoreNew = "room.snapshots.new"
	opSnapshotLoad     = "room.snapshots.load"
	opSnapshotSave     = "room.snapshots.save"
)

var errSnapshotMissingDatabase = errors.New("database handle is required")

// ReplicaSnapshot models the durable per-session document state. One row per
// session, overwritten on every flush.
type ReplicaSnapshot struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	UpdateCount      int    `gorm:"column:update_count;not null"`
	FlushedAtSeconds int64  `gorm:"column:flushed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplicaSnapshot) TableName() string {
	return "collab_replica_snapshots"
}

// SnapshotPersistence is the durable target the room flushes replica state to.
type SnapshotPersistence interface {
	Load(ctx context.Context, sessionID session.SessionID) ([]byte, bool, error)
	Save(ctx context.Context, sessionID session.SessionID, state []byte, updateCount int) error
}

// SnapshotStoreConfig describes the dependencies for a SnapshotStore.
type SnapshotStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SnapshotStore persists and recovers replica snapshots.
type SnapshotStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSnapshotStore validates the configuration and returns a SnapshotStore.
func NewSnapshotStore(cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.Database == nil {
		return nil, session.NewServiceError(opSnapshotStoreNew, "missing_database", errSnapshotMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load returns the persisted snapshot bytes for the session, or found=false
// when the session has never been flushed.
func (s *SnapshotStore) Load(ctx context.Context, sessionID session.SessionID) ([]byte, bool, error) {
	var record ReplicaSnapshot
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("snapshot load failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil, false, session.NewServiceError(opSnapshotLoad, "query_failed", errors.Join(session.ErrTransient, err))
	}
	state, err := base64.StdEncoding.DecodeString(record.StateB64)
	if err != nil {
		s.logger.Error("snapshot payload corrupt", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil, false, session.NewServiceError(opSnapshotLoad, "corrupt_payload", err)
	}
	return state, true, nil
}

// Save upserts the session's snapshot row.
func (s *SnapshotStore) Save(ctx context.Context, sessionID session.SessionID, state []byte, updateCount int) error {
	record := ReplicaSnapshot{
		SessionID:        sessionID.String(),
		StateB64:         base64.StdEncoding.EncodeToString(state),
		UpdateCount:      updateCount,
		FlushedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_b64", "update_count", "flushed_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("snapshot save failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return session.NewServiceError(opSnapshotSave, "write_failed", errors.Join(session.ErrTransient, err))
	}
	return nil
}
