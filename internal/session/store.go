package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "session.store.new"
	opGetSession        = "session.get_session"
	opGetMemberRole     = "session.get_member_role"
	opListMembers       = "session.list_members"
	opUpdateMemberRole  = "session.update_member_role"
	opRemoveMember      = "session.remove_member"
	opCreateSession     = "session.create_session"
	opAddMember         = "session.add_member"
	queryBySessionID    = "session_id = ?"
	queryBySessionUser  = "session_id = ? AND user_id = ?"
	reasonQueryFailed   = "query_failed"
	reasonWriteFailed   = "write_failed"
	reasonRoleImmutable = "owner_role_immutable"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes the persisted session and membership records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetSession loads an active session record. Missing or deactivated sessions
// surface ErrNotFound; sessions past their expiry surface ErrExpired.
func (s *Store) GetSession(ctx context.Context, sessionID SessionID) (Session, error) {
	var record Session
	err := s.db.WithContext(ctx).
		Where(queryBySessionID, sessionID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetSession, reasonQueryFailed, err, zap.String("session_id", sessionID.String()))
		return Session{}, NewServiceError(opGetSession, reasonQueryFailed, errors.Join(ErrTransient, err))
	}
	if !record.IsActive {
		return Session{}, ErrNotFound
	}
	if record.ExpiresAtSeconds > 0 && s.clock().UTC().Unix() >= record.ExpiresAtSeconds {
		return Session{}, ErrExpired
	}
	return record, nil
}

// GetMemberRole returns the member's role, reporting whether a membership row exists.
func (s *Store) GetMemberRole(ctx context.Context, sessionID SessionID, userID UserID) (Role, bool, error) {
	var member Member
	err := s.db.WithContext(ctx).
		Where(queryBySessionUser, sessionID.String(), userID.String()).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opGetMemberRole, reasonQueryFailed, err,
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()))
		return "", false, NewServiceError(opGetMemberRole, reasonQueryFailed, errors.Join(ErrTransient, err))
	}
	return member.Role, true, nil
}

// ListMembers returns every membership row for the session in join order.
func (s *Store) ListMembers(ctx context.Context, sessionID SessionID) ([]Member, error) {
	var members []Member
	if err := s.db.WithContext(ctx).
		Where(queryBySessionID, sessionID.String()).
		Order("added_at_s ASC, user_id ASC").
		Find(&members).Error; err != nil {
		s.logError(opListMembers, reasonQueryFailed, err, zap.String("session_id", sessionID.String()))
		return nil, NewServiceError(opListMembers, reasonQueryFailed, errors.Join(ErrTransient, err))
	}
	return members, nil
}

// UpdateMemberRole persists a role change for an existing member. The owner
// row is immutable: changing it, or assigning the owner role, is rejected.
func (s *Store) UpdateMemberRole(ctx context.Context, sessionID SessionID, userID UserID, next Role) error {
	if next == RoleOwner {
		return NewServiceError(opUpdateMemberRole, reasonRoleImmutable, ErrForbidden)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member Member
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryBySessionUser, sessionID.String(), userID.String()).
			Take(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opUpdateMemberRole, reasonQueryFailed, err,
				zap.String("session_id", sessionID.String()),
				zap.String("user_id", userID.String()))
			return NewServiceError(opUpdateMemberRole, reasonQueryFailed, errors.Join(ErrTransient, err))
		}
		if member.Role == RoleOwner {
			return NewServiceError(opUpdateMemberRole, reasonRoleImmutable, ErrForbidden)
		}
		member.Role = next
		if err := tx.Save(&member).Error; err != nil {
			s.logError(opUpdateMemberRole, reasonWriteFailed, err,
				zap.String("session_id", sessionID.String()),
				zap.String("user_id", userID.String()))
			return NewServiceError(opUpdateMemberRole, reasonWriteFailed, errors.Join(ErrTransient, err))
		}
		return nil
	})
}

// RemoveMember deletes a membership row. Removing the owner is rejected;
// removing an absent member is a no-op.
func (s *Store) RemoveMember(ctx context.Context, sessionID SessionID, userID UserID) error {
	var member Member
	err := s.db.WithContext(ctx).
		Where(queryBySessionUser, sessionID.String(), userID.String()).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opRemoveMember, reasonQueryFailed, err, zap.String("session_id", sessionID.String()))
		return NewServiceError(opRemoveMember, reasonQueryFailed, errors.Join(ErrTransient, err))
	}
	if member.Role == RoleOwner {
		return NewServiceError(opRemoveMember, reasonRoleImmutable, ErrForbidden)
	}
	if err := s.db.WithContext(ctx).
		Where(queryBySessionUser, sessionID.String(), userID.String()).
		Delete(&Member{}).Error; err != nil {
		s.logError(opRemoveMember, reasonWriteFailed, err, zap.String("session_id", sessionID.String()))
		return NewServiceError(opRemoveMember, reasonWriteFailed, errors.Join(ErrTransient, err))
	}
	return nil
}

// CreateSession persists a session record together with its owner membership.
// The product normally writes these rows; the engine exposes the helper for
// tooling and tests, and it enforces the single-owner invariant at creation.
func (s *Store) CreateSession(ctx context.Context, record Session) error {
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreateSession, reasonWriteFailed, err, zap.String("session_id", record.SessionID))
			return NewServiceError(opCreateSession, reasonWriteFailed, errors.Join(ErrTransient, err))
		}
		owner := Member{
			SessionID:      record.SessionID,
			UserID:         record.OwnerID,
			Role:           RoleOwner,
			AddedAtSeconds: record.CreatedAtSeconds,
		}
		if err := tx.Create(&owner).Error; err != nil {
			s.logError(opCreateSession, reasonWriteFailed, err, zap.String("session_id", record.SessionID))
			return NewServiceError(opCreateSession, reasonWriteFailed, errors.Join(ErrTransient, err))
		}
		return nil
	})
}

// AddMember persists a non-owner membership row; duplicates are ignored.
func (s *Store) AddMember(ctx context.Context, sessionID SessionID, userID UserID, role Role) error {
	if role == RoleOwner {
		return NewServiceError(opAddMember, reasonRoleImmutable, ErrForbidden)
	}
	member := Member{
		SessionID:      sessionID.String(),
		UserID:         userID.String(),
		Role:           role,
		AddedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).Error; err != nil {
		s.logError(opAddMember, reasonWriteFailed, err,
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()))
		return NewServiceError(opAddMember, reasonWriteFailed, errors.Join(ErrTransient, err))
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session store error", attrs...)
}
